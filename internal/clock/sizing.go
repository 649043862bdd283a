package clock

import "math/bits"

func byteLen(bitLen int) uint32 {
	if bitLen == 0 {
		return 0
	}
	return uint32((bitLen + 7) / 8)
}

func bitLenOf(v uint32) int {
	if v == 0 {
		return 0
	}
	return bits.Len32(v)
}

// OffsetByteSize is ceil(popcount(bitmap) * MaxOffsetSize / 8), reported to
// the host for telemetry (spec.md §4.3.5).
func (c *ReplayClock) OffsetByteSize() uint32 {
	bitLen := int(c.table.popcount()) * int(c.cfg.MaxOffsetSize)
	return byteLen(bitLen)
}

// CounterByteSize is the number of bytes needed to represent Counter, 0 if
// Counter is 0.
func (c *ReplayClock) CounterByteSize() uint32 {
	return byteLen(bitLenOf(c.counter))
}

// ClockByteSize sums the offset, counter, and hlc byte sizes.
func (c *ReplayClock) ClockByteSize() uint32 {
	return c.OffsetByteSize() + c.CounterByteSize() + byteLen(bitLenOf(c.hlc))
}

// MaxOffset returns the largest stored offset across present peers, 0 if
// none are tracked.
func (c *ReplayClock) MaxOffset() uint32 {
	var m uint32
	for _, po := range c.table.iteratePresent() {
		if po.offset > m {
			m = po.offset
		}
	}
	return m
}

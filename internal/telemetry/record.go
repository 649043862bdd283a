package telemetry

import "github.com/repcl/repcl/internal/clock"

// RecordFor builds a Record from the clock's current state plus the
// surrounding simulator/network parameters that spec.md §6 lists alongside
// it (delta and alpha never feed back into the core; they are measurement
// context only).
func RecordFor(msgType MsgType, localAddr, remoteAddr string, c *clock.ReplayClock, delta, alpha uint32) Record {
	cfg := c.Config()
	return Record{
		MsgType:       msgType,
		LocalAddr:     localAddr,
		RemoteAddr:    remoteAddr,
		HLC:           c.HLC(),
		Bitmap:        c.Bitmap(),
		Offsets:       c.OffsetsWord(),
		Counter:       c.Counter(),
		NumProcs:      cfg.NumProcs,
		Epsilon:       cfg.Epsilon,
		Interval:      cfg.Interval,
		Delta:         delta,
		Alpha:         alpha,
		MaxOffsetSize: cfg.MaxOffsetSize,
		OffsetBytes:   c.OffsetByteSize(),
		CounterBytes:  c.CounterByteSize(),
		ClockBytes:    c.ClockByteSize(),
		MaxOffset:     c.MaxOffset(),
	}
}

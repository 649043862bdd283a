package clock

import (
	"encoding/binary"

	"github.com/repcl/repcl/internal/bitpack"
)

// WireSize is the fixed wire payload size: four big-endian uint32 fields
// (spec.md §4.4, §6).
const WireSize = 16

// Encode writes the 16-byte wire payload for c: hlc, bitmap, offsets,
// counter, each a big-endian uint32. nodeId is never transmitted — the
// receiver supplies its own peer identity at Decode time (spec.md §9).
func Encode(c *ReplayClock) [WireSize]byte {
	var buf [WireSize]byte
	binary.BigEndian.PutUint32(buf[0:4], c.hlc)
	binary.BigEndian.PutUint32(buf[4:8], c.table.bitmap)
	binary.BigEndian.PutUint32(buf[8:12], uint32(c.table.offsets))
	binary.BigEndian.PutUint32(buf[12:16], c.counter)
	return buf
}

// Decode reconstructs a ReplayClock from a wire payload received from
// peerID, under cfg. It panics if payload is not exactly WireSize bytes or
// peerID is out of range — both are protocol violations the host must
// filter before calling Decode (spec.md §4.3.6, §7).
func Decode(payload []byte, peerID uint, cfg Config) *ReplayClock {
	if len(payload) != WireSize {
		panic("clock: wire payload must be exactly 16 bytes")
	}
	cfg.validate()
	if peerID >= cfg.NumProcs {
		panic("clock: peerID >= NumProcs")
	}
	c := &ReplayClock{
		cfg:    cfg,
		nodeID: peerID,
		table:  newOffsetTable(cfg.MaxOffsetSize, cfg.NumProcs),
	}
	c.hlc = binary.BigEndian.Uint32(payload[0:4])
	c.table.bitmap = binary.BigEndian.Uint32(payload[4:8])
	c.table.offsets = bitpack.Word(binary.BigEndian.Uint32(payload[8:12]))
	c.counter = binary.BigEndian.Uint32(payload[12:16])
	return c
}

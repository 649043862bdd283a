// Package clock implements the Replay Clock: a hybrid-logical-clock scalar
// paired with a dense per-peer offset table, used to timestamp local and
// message events across an asynchronous distributed system while tolerating
// bounded clock skew.
package clock

import (
	"math/bits"

	"github.com/repcl/repcl/internal/bitpack"
)

// offsetTable is the dense encoding of a sparse peer-id -> offset mapping:
// one presence bit per peer in bitmap, plus a packed sequence of
// maxOffsetSize-bit offsets in ascending peer-id order.
type offsetTable struct {
	bitmap  uint32
	offsets bitpack.Word
	width   uint // maxOffsetSize
	count   uint // NUM_PROCS, the bitmap's addressable width
}

func newOffsetTable(width, numProcs uint) offsetTable {
	return offsetTable{width: width, count: numProcs}
}

func (t offsetTable) present(peerID uint) bool {
	return t.bitmap&(1<<peerID) != 0
}

// indexOf returns the storage slot peerID occupies (or would occupy, if
// absent): the popcount of every set bit below peerID.
func (t offsetTable) indexOf(peerID uint) uint {
	return uint(bits.OnesCount32(t.bitmap & ((1 << peerID) - 1)))
}

func (t offsetTable) popcount() uint {
	return uint(bits.OnesCount32(t.bitmap))
}

func (t offsetTable) getOffset(peerID uint) uint32 {
	if !t.present(peerID) {
		return 0
	}
	return bitpack.GetAt(t.offsets, t.width, t.indexOf(peerID))
}

func (t *offsetTable) setOffset(peerID uint, v uint32) {
	idx := t.indexOf(peerID)
	if !t.present(peerID) {
		// Insert: shift every slot from idx upward, then write v at idx.
		n := t.popcount()
		shifted := bitpack.Word(0)
		for i := n; i > idx; i-- {
			shifted = bitpack.SetAt(shifted, t.width, i, bitpack.GetAt(t.offsets, t.width, i-1))
		}
		for i := uint(0); i < idx; i++ {
			shifted = bitpack.SetAt(shifted, t.width, i, bitpack.GetAt(t.offsets, t.width, i))
		}
		t.offsets = bitpack.SetAt(shifted, t.width, idx, v)
		t.bitmap |= 1 << peerID
		return
	}
	t.offsets = bitpack.SetAt(t.offsets, t.width, idx, v)
}

func (t *offsetTable) remove(peerID uint) {
	if !t.present(peerID) {
		return
	}
	idx := t.indexOf(peerID)
	t.offsets = bitpack.RemoveAt(t.offsets, t.width, idx, t.popcount())
	t.bitmap &^= 1 << peerID
}

// peerOffset pairs a peer identifier with its stored offset.
type peerOffset struct {
	peerID uint
	offset uint32
}

// iteratePresent returns every tracked (peerID, offset) pair in ascending
// peer-id order. The contract in spec.md calls this a "lazy, not
// restartable" sequence; a fresh slice is the Go-idiomatic equivalent since
// callers are expected to range over it once and discard it.
func (t offsetTable) iteratePresent() []peerOffset {
	out := make([]peerOffset, 0, t.popcount())
	for p := uint(0); p < t.count; p++ {
		if t.present(p) {
			out = append(out, peerOffset{peerID: p, offset: t.getOffset(p)})
		}
	}
	return out
}

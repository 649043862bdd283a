package clock

// Config carries the process-wide constants spec.md models as part of the
// ReplayClock tuple rather than as global constants, so that a single
// process can host clocks for more than one configuration (tests, or a
// simulator driving many nodes).
type Config struct {
	NumProcs      uint   // upper bound on peer-id width in the bitmap
	MaxOffsetSize uint   // bit width of one stored offset
	Epsilon       uint32 // offset eviction threshold
	Interval      uint32 // tick quantum the host divides by before calling in
}

func (c Config) validate() {
	if c.NumProcs < 1 || c.NumProcs > 32 {
		panic("clock: NumProcs must be in [1, 32]")
	}
	if c.MaxOffsetSize < 1 {
		panic("clock: MaxOffsetSize must be >= 1")
	}
	if c.NumProcs*c.MaxOffsetSize > 32 {
		panic("clock: NumProcs * MaxOffsetSize exceeds the 32-bit offsets word")
	}
	if c.Epsilon < 1 || c.Epsilon >= 1<<c.MaxOffsetSize {
		panic("clock: Epsilon out of range for MaxOffsetSize")
	}
	if c.Interval < 1 {
		panic("clock: Interval must be >= 1")
	}
}

// ReplayClock is the hybrid-logical-clock scalar plus per-peer offset table
// and concurrent-event counter described in spec.md §3. The zero value is
// not valid; construct one with New.
type ReplayClock struct {
	cfg     Config
	nodeID  uint
	hlc     uint32
	table   offsetTable
	counter uint32
}

// New constructs a clock at process start: hlc=0, bitmap={nodeID},
// offsets=[0], counter=0 (spec.md §3 Lifecycle).
func New(nodeID uint, cfg Config) *ReplayClock {
	cfg.validate()
	if nodeID >= cfg.NumProcs {
		panic("clock: nodeID >= NumProcs")
	}
	c := &ReplayClock{
		cfg:    cfg,
		nodeID: nodeID,
		table:  newOffsetTable(cfg.MaxOffsetSize, cfg.NumProcs),
	}
	c.table.setOffset(nodeID, 0)
	return c
}

// clone returns a value copy; ReplayClock has no reference fields besides
// the shared, immutable Config, so a shallow copy is a deep copy.
func (c *ReplayClock) clone() *ReplayClock {
	cp := *c
	return &cp
}

// HLC returns the current hybrid-logical epoch.
func (c *ReplayClock) HLC() uint32 { return c.hlc }

// NodeID returns the owning process's identifier.
func (c *ReplayClock) NodeID() uint { return c.nodeID }

// Config returns the process-wide constants this clock was constructed
// with.
func (c *ReplayClock) Config() Config { return c.cfg }

// OffsetsWord returns the raw packed offsets word, truncated to its low 32
// bits exactly as Encode would place it on the wire (spec.md §4.4).
func (c *ReplayClock) OffsetsWord() uint32 { return uint32(c.table.offsets) }

// Counter returns the concurrent-event tie-breaker.
func (c *ReplayClock) Counter() uint32 { return c.counter }

// Bitmap returns the presence bitmap of tracked peers.
func (c *ReplayClock) Bitmap() uint32 { return c.table.bitmap }

// Offsets returns the tracked (peerID, offset) pairs in ascending peer-id
// order.
func (c *ReplayClock) Offsets() []peerOffset { return c.table.iteratePresent() }

// offsetIdentical reports whether two clocks share (hlc, bitmap, offsets) —
// the "offset-identity" relation spec.md §4.3.2 uses to resolve the
// concurrent-event counter.
func offsetIdentical(a, b *ReplayClock) bool {
	return a.hlc == b.hlc && a.table.bitmap == b.table.bitmap && a.table.offsets == b.table.offsets
}

// SendLocal is the local-event transition (spec.md §4.3.1). nodeHLC is the
// host's current logical tick.
func (c *ReplayClock) SendLocal(nodeHLC uint32) {
	newHLC := max32(c.hlc, nodeHLC)
	candidateOffset := newHLC - nodeHLC
	selfOffset := c.table.getOffset(c.nodeID)

	switch {
	case newHLC == c.hlc && selfOffset <= candidateOffset:
		// Degenerate same-epoch, no progress: a second event inside an
		// otherwise indistinguishable state.
		c.counter++
	case newHLC == c.hlc:
		if candidateOffset < selfOffset {
			c.table.setOffset(c.nodeID, candidateOffset)
		}
		c.counter = 0
	default:
		c.counter = 0
		c.shift(newHLC)
		c.table.setOffset(c.nodeID, 0)
	}
}

// Recv is the message-ingest transition (spec.md §4.3.2).
func (c *ReplayClock) Recv(peer *ReplayClock, nodeHLC uint32) {
	newHLC := max32(max32(c.hlc, peer.hlc), nodeHLC)

	l := c.clone() // pre-Recv local clock, for the counter table below
	p := peer.clone()

	a := c.clone()
	a.shift(newHLC)
	b := peer.clone()
	b.shift(newHLC)
	a.mergeSameEpoch(b)

	// The merge may have evicted the local node itself if its shifted
	// offset reached epsilon; restore self-presence at offset 0 before the
	// offset-identity comparisons below, so the comparison reflects the
	// state that will actually be assigned to self.
	if !a.table.present(c.nodeID) {
		a.table.setOffset(c.nodeID, 0)
	}

	lEqA := offsetIdentical(l, a)
	pEqA := offsetIdentical(p, a)
	switch {
	case lEqA && pEqA:
		a.counter = max32(a.counter, p.counter) + 1
	case lEqA:
		a.counter = a.counter + 1
	case pEqA:
		a.counter = p.counter + 1
	default:
		a.counter = 0
	}

	*c = *a
}

// shift implements the private Shift(new_hlc) transition (spec.md §4.3.3).
func (c *ReplayClock) shift(newHLC uint32) {
	for _, po := range c.table.iteratePresent() {
		newOffset := min32(newHLC-(c.hlc-po.offset), c.cfg.Epsilon)
		if newOffset >= c.cfg.Epsilon {
			c.table.remove(po.peerID)
		} else {
			c.table.setOffset(po.peerID, newOffset)
		}
	}
	c.hlc = newHLC
}

// mergeSameEpoch implements the private MergeSameEpoch(other) transition
// (spec.md §4.3.4). Requires self.hlc == other.hlc.
func (c *ReplayClock) mergeSameEpoch(other *ReplayClock) {
	if c.hlc != other.hlc {
		panic("clock: mergeSameEpoch requires equal hlc")
	}
	seen := map[uint]bool{}
	merge := func(peerID uint) {
		if seen[peerID] {
			return
		}
		seen[peerID] = true
		selfPresent := c.table.present(peerID)
		otherPresent := other.table.present(peerID)
		var o uint32
		switch {
		case selfPresent && otherPresent:
			o = min32(c.table.getOffset(peerID), other.table.getOffset(peerID))
		case selfPresent:
			o = c.table.getOffset(peerID)
		default:
			o = other.table.getOffset(peerID)
		}
		if o >= c.cfg.Epsilon {
			c.table.remove(peerID)
		} else {
			c.table.setOffset(peerID, o)
		}
	}
	for _, po := range c.table.iteratePresent() {
		merge(po.peerID)
	}
	for _, po := range other.table.iteratePresent() {
		merge(po.peerID)
	}
}

func max32(a, b uint32) uint32 {
	if a > b {
		return a
	}
	return b
}

func min32(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}

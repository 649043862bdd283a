package sim

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/repcl/repcl/internal/clock"
	"github.com/repcl/repcl/internal/telemetry"
)

// Topology wires cfg.NumProcs simulated nodes onto one shared Channel in
// the star layout original_source/scratch/replay-simulator.cc comments
// show (one central node, NUM_PROCS-1 leaves) — physically a single CSMA
// segment, which is why every node can reach every other node in one
// propagation delay regardless of its position in the star.
type Topology struct {
	sched   *Scheduler
	channel *Channel
	Nodes   []*SimNode
}

// SimNode is one simulated RepCL process: a ReplayClock plus the periodic
// send schedule and channel wiring that drive it, replacing
// ReplayClient::Send from the original simulator.
type SimNode struct {
	ID    uint
	Addr  string
	Clock *clock.ReplayClock

	channel *Channel
	tracer  *telemetry.Tracer
	alpha   time.Duration
	delta   uint32
	logger  *slog.Logger
	tick    uint32
}

// NewStar builds a star topology of cfg.NumProcs nodes, each with its own
// ReplayClock, all attached to channel. tracer may be nil to run without
// recording telemetry.
func NewStar(sched *Scheduler, channel *Channel, cfg clock.Config, alpha time.Duration, deltaMicros uint32, tracer *telemetry.Tracer, logger *slog.Logger) *Topology {
	t := &Topology{sched: sched, channel: channel}

	for id := uint(0); id < cfg.NumProcs; id++ {
		n := &SimNode{
			ID:      id,
			Addr:    fmt.Sprintf("sim-node-%d", id),
			Clock:   clock.New(id, cfg),
			channel: channel,
			tracer:  tracer,
			alpha:   alpha,
			delta:   deltaMicros,
			logger:  logger,
		}
		channel.Attach(id, n.deliver)
		t.Nodes = append(t.Nodes, n)
	}

	return t
}

// Start schedules every node's first periodic SendLocal broadcast, one
// alpha interval into the run.
func (t *Topology) Start() {
	for _, n := range t.Nodes {
		n.scheduleSend(t.sched)
	}
}

// scheduleSend arranges for n to send one alpha interval from now and again
// every alpha interval after that,
// mirroring ReplayClient::Send's self-rescheduling callback.
func (n *SimNode) scheduleSend(sched *Scheduler) {
	sched.Schedule(n.alpha, func() {
		n.send()
		n.scheduleSend(sched)
	})
}

func (n *SimNode) send() {
	n.tick++
	n.Clock.SendLocal(n.tick)
	n.trace(telemetry.Send, "")
	n.channel.Transmit(n.ID, clock.Encode(n.Clock)[:])
}

func (n *SimNode) deliver(f Frame) {
	peer := clock.Decode(f.Payload, f.SenderID, n.Clock.Config())
	n.tick++
	n.Clock.Recv(peer, n.tick)
	n.trace(telemetry.Recv, fmt.Sprintf("sim-node-%d", f.SenderID))
}

func (n *SimNode) trace(msgType telemetry.MsgType, remoteAddr string) {
	if n.tracer == nil {
		return
	}
	rec := telemetry.RecordFor(msgType, n.Addr, remoteAddr, n.Clock, n.delta, uint32(n.alpha.Milliseconds()))
	if err := n.tracer.Append(rec); err != nil && n.logger != nil {
		n.logger.Warn("sim: failed to append trace record", slog.Any("error", err))
	}
}

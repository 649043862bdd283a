// Package node contains the RepCL node orchestrator. It wires together a
// ReplayClock, its telemetry trace and durable sink, and a gRPC transport to
// a collector, managing their lifecycle through a shared context.
package node

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/repcl/repcl/internal/clock"
	"github.com/repcl/repcl/internal/telemetry"
)

// Inbound is a peer clock payload arriving from the network, already
// stripped of transport framing. PeerID is the sender's RepCL node id,
// supplied by the receiver rather than read off the wire (spec.md §9).
type Inbound struct {
	PeerID     uint
	RemoteAddr string
	Payload    []byte
	NodeHLC    uint32
}

// Receiver is the interface for a component that delivers decoded Inbound
// clock payloads from peers. Implementations must be safe for concurrent
// use.
type Receiver interface {
	// Start begins receiving and sends payloads to the channel returned by
	// Inbound. It returns an error if initialisation fails.
	Start(ctx context.Context) error
	// Stop signals the receiver to cease listening and release resources.
	// It blocks until all internal goroutines have exited.
	Stop()
	// Inbound returns a read-only channel of peer clock payloads. The
	// channel is closed when the receiver stops.
	Inbound() <-chan Inbound
}

// Transport is the interface for the gRPC client that streams telemetry
// records to the collector.
type Transport interface {
	// Start dials the collector and begins the stream.
	Start(ctx context.Context) error
	// Send forwards a telemetry record to the collector. It may block if
	// the stream is congested or reconnecting.
	Send(ctx context.Context, rec telemetry.Record) error
	// Stop gracefully closes the stream and underlying connection.
	Stop()
}

// Sink is the interface for the local durable telemetry store.
type Sink interface {
	Insert(ctx context.Context, rec telemetry.Record) error
	Count(ctx context.Context) (int64, error)
	Close() error
}

// PeerBroadcaster transmits this node's wire-encoded clock payload to every
// other node in the deployment. It is only wired when a node runs against a
// real network peer list rather than the simulator's in-process channel;
// left unset, SendLocal still advances the clock and records telemetry, it
// just has no one to tell.
type PeerBroadcaster interface {
	Broadcast(ctx context.Context, payload []byte)
}

// Node is the central orchestrator of one RepCL process: it owns the
// ReplayClock, drives SendLocal on a periodic schedule, applies Recv to
// inbound peer payloads, and records every transition to a tamper-evident
// trace and a durable sink before forwarding it to the collector.
type Node struct {
	cfg       clock.Config
	clk       *clock.ReplayClock
	logger    *slog.Logger
	alpha     time.Duration
	delta     uint32
	localAddr string

	receiver  Receiver
	transport Transport
	tracer    *telemetry.Tracer
	sink      Sink
	peers     PeerBroadcaster

	startTime time.Time
	cancel    context.CancelFunc

	mu        sync.RWMutex
	lastSeen  time.Time
	sendCount uint64
	recvCount uint64
	running   bool
	wg        sync.WaitGroup
}

// Option is a functional option for Node construction.
type Option func(*Node)

// WithReceiver registers the inbound peer-payload receiver.
func WithReceiver(r Receiver) Option {
	return func(n *Node) { n.receiver = r }
}

// WithTransport registers the gRPC transport client used to forward
// telemetry to the collector.
func WithTransport(t Transport) Option {
	return func(n *Node) { n.transport = t }
}

// WithTracer registers the hash-chained trace writer.
func WithTracer(tr *telemetry.Tracer) Option {
	return func(n *Node) { n.tracer = tr }
}

// WithSink registers the durable SQLite telemetry sink.
func WithSink(s Sink) Option {
	return func(n *Node) { n.sink = s }
}

// WithPeerBroadcaster registers the component that transmits this node's
// clock payload to its peers after every SendLocal.
func WithPeerBroadcaster(b PeerBroadcaster) Option {
	return func(n *Node) { n.peers = b }
}

// New creates a Node for clk, ticking SendLocal every alpha and recording
// delta as the channel propagation delay telemetry field. localAddr
// identifies this node in recorded telemetry. Provide a receiver,
// transport, tracer, and sink via the functional options; any component
// left unset is skipped, which is useful in tests and for a node run in
// isolation.
func New(clk *clock.ReplayClock, localAddr string, alpha time.Duration, delta uint32, logger *slog.Logger, opts ...Option) *Node {
	n := &Node{
		cfg:       clk.Config(),
		clk:       clk,
		logger:    logger,
		alpha:     alpha,
		delta:     delta,
		localAddr: localAddr,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Start begins the node's periodic SendLocal schedule and, if a receiver is
// registered, its inbound fan-in loop. It returns a non-nil error if any
// registered component fails to initialise.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	if n.running {
		n.mu.Unlock()
		return fmt.Errorf("node: already running")
	}
	n.running = true
	n.startTime = time.Now()
	n.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	n.cancel = cancel

	n.logger.Info("starting repcl node",
		slog.Uint64("node_id", uint64(n.clk.NodeID())),
		slog.String("local_addr", n.localAddr),
		slog.Duration("alpha", n.alpha),
		slog.Uint64("delta_ms", uint64(n.delta)),
	)

	if n.transport != nil {
		if err := n.transport.Start(ctx); err != nil {
			cancel()
			n.mu.Lock()
			n.running = false
			n.mu.Unlock()
			return fmt.Errorf("node: transport failed to start: %w", err)
		}
	}

	if n.receiver != nil {
		if err := n.receiver.Start(ctx); err != nil {
			cancel()
			n.mu.Lock()
			n.running = false
			n.mu.Unlock()
			return fmt.Errorf("node: receiver failed to start: %w", err)
		}
		n.wg.Add(1)
		go n.processInbound(ctx)
	}

	n.wg.Add(1)
	go n.sendLoop(ctx)

	n.logger.Info("repcl node started")
	return nil
}

// Stop signals all components to shut down and waits for internal
// goroutines to exit. It is safe to call Stop multiple times.
func (n *Node) Stop() {
	n.mu.Lock()
	if !n.running {
		n.mu.Unlock()
		return
	}
	n.running = false
	n.mu.Unlock()

	if n.cancel != nil {
		n.cancel()
	}

	if n.receiver != nil {
		n.receiver.Stop()
	}

	n.wg.Wait()

	if n.transport != nil {
		n.transport.Stop()
	}

	if n.tracer != nil {
		if err := n.tracer.Close(); err != nil {
			n.logger.Warn("error closing trace", slog.Any("error", err))
		}
	}
	if n.sink != nil {
		if err := n.sink.Close(); err != nil {
			n.logger.Warn("error closing telemetry sink", slog.Any("error", err))
		}
	}

	n.logger.Info("repcl node stopped")
}

// sendLoop fires SendLocal on an alpha-period ticker until ctx is
// cancelled, mirroring the periodic send application described in
// SPEC_FULL.md §4 (ReplayClient::Send in the original simulator).
func (n *Node) sendLoop(ctx context.Context) {
	defer n.wg.Done()

	ticker := time.NewTicker(n.alpha)
	defer ticker.Stop()

	tick := uint32(0)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tick++
			n.recordSendLocal(ctx, tick)
		}
	}
}

// recordSendLocal advances the clock with a local event, records the
// resulting state, and forwards it to the collector. nodeHLC is this
// node's host-divided tick count (spec.md §4.3.1).
func (n *Node) recordSendLocal(ctx context.Context, nodeHLC uint32) {
	n.clk.SendLocal(nodeHLC)

	n.mu.Lock()
	n.lastSeen = time.Now()
	n.sendCount++
	n.mu.Unlock()

	rec := telemetry.RecordFor(telemetry.Send, n.localAddr, "", n.clk, n.delta, uint32(n.alpha.Milliseconds()))
	n.emit(ctx, rec)

	if n.peers != nil {
		payload := clock.Encode(n.clk)
		n.peers.Broadcast(ctx, payload[:])
	}
}

// processInbound reads Inbound payloads from the receiver, applies Recv,
// and records the result. It exits when the receiver's channel is closed
// or ctx is cancelled.
func (n *Node) processInbound(ctx context.Context) {
	defer n.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case in, ok := <-n.receiver.Inbound():
			if !ok {
				return
			}
			n.recordRecv(ctx, in)
		}
	}
}

// recordRecv decodes in's payload as the peer's clock state, applies Recv,
// records the resulting state, and forwards it to the collector.
func (n *Node) recordRecv(ctx context.Context, in Inbound) {
	peer := clock.Decode(in.Payload, in.PeerID, n.cfg)
	n.clk.Recv(peer, in.NodeHLC)

	n.mu.Lock()
	n.lastSeen = time.Now()
	n.recvCount++
	n.mu.Unlock()

	rec := telemetry.RecordFor(telemetry.Recv, n.localAddr, in.RemoteAddr, n.clk, n.delta, uint32(n.alpha.Milliseconds()))
	n.emit(ctx, rec)
}

// emit appends rec to the trace, inserts it into the durable sink, and
// forwards it to the collector transport. Failures in any one path are
// logged but never stop the node; the trace, sink, and transport are each
// a best-effort record of the same authoritative clock state.
func (n *Node) emit(ctx context.Context, rec telemetry.Record) {
	n.logger.Debug("clock transition",
		slog.String("msg_type", string(rec.MsgType)),
		slog.Uint64("hlc", uint64(rec.HLC)),
		slog.Uint64("counter", uint64(rec.Counter)),
	)

	if n.tracer != nil {
		if err := n.tracer.Append(rec); err != nil {
			n.logger.Warn("failed to append trace record", slog.Any("error", err))
		}
	}
	if n.sink != nil {
		if err := n.sink.Insert(ctx, rec); err != nil {
			n.logger.Warn("failed to persist telemetry record", slog.Any("error", err))
		}
	}
	if n.transport != nil {
		if err := n.transport.Send(ctx, rec); err != nil {
			n.logger.Warn("failed to forward telemetry record", slog.Any("error", err))
		}
	}
}

// HealthStatus is the payload returned by the /healthz endpoint.
type HealthStatus struct {
	Status    string `json:"status"`
	UptimeS   float64 `json:"uptime_s"`
	NodeID    uint    `json:"node_id"`
	HLC       uint32  `json:"hlc"`
	SendCount uint64  `json:"send_count"`
	RecvCount uint64  `json:"recv_count"`
	LastSeen  string  `json:"last_seen,omitempty"`
}

// Health returns a snapshot of the current node health state.
func (n *Node) Health() HealthStatus {
	n.mu.RLock()
	defer n.mu.RUnlock()

	h := HealthStatus{
		Status:    "ok",
		UptimeS:   time.Since(n.startTime).Seconds(),
		NodeID:    n.clk.NodeID(),
		HLC:       n.clk.HLC(),
		SendCount: n.sendCount,
		RecvCount: n.recvCount,
	}
	if !n.lastSeen.IsZero() {
		h.LastSeen = n.lastSeen.UTC().Format(time.RFC3339)
	}
	return h
}

// HealthzHandler is an http.HandlerFunc that responds with the node's
// health status as a JSON object and HTTP 200.
func (n *Node) HealthzHandler(w http.ResponseWriter, r *http.Request) {
	h := n.Health()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(h); err != nil {
		n.logger.Warn("healthz: failed to encode response", slog.Any("error", err))
	}
}

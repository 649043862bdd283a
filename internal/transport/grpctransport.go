// Package transport implements the node-side gRPC client that streams
// clock telemetry to a RepCL collector.
//
// # Overview
//
// GRPCTransport satisfies node.Transport. Once connected, it:
//  1. Calls RegisterNode to exchange identity metadata and receive a
//     collector-assigned session id that is embedded in every subsequent
//     ClockEventMsg.
//  2. Opens the StreamClockEvents bidirectional-streaming RPC and pushes one
//     ClockEventMsg per call to Send.
//  3. Drains Ack messages from the collector in a background goroutine.
//
// # Reconnection
//
// If the connection drops for any reason, GRPCTransport reconnects
// automatically using exponential backoff: each successive failure grows
// the wait interval by the backoff library's default factor of 1.5, with
// ±50% random jitter, up to MaxBackoff, after which every retry waits a
// jittered interval around MaxBackoff. On a successful reconnection the backoff interval resets to
// InitialBackoff so that a transient fault is not penalised on the next
// failure.
package transport

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"runtime"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/repcl/repcl/internal/server/grpc/clockpb"
	"github.com/repcl/repcl/internal/telemetry"
)

const (
	defaultInitialBackoff = 1 * time.Second
	defaultMaxBackoff     = 2 * time.Minute
	defaultDialTimeout    = 30 * time.Second
)

// Config holds the configuration for the gRPC transport.
type Config struct {
	// CollectorAddr is the "host:port" of the RepCL collector gRPC server.
	// Required.
	CollectorAddr string

	// NodeID is this node's RepCL identity, sent during RegisterNode.
	// Required.
	NodeID string

	// InitialBackoff is the starting interval for exponential-backoff
	// reconnection. Defaults to 1 second when zero.
	InitialBackoff time.Duration

	// MaxBackoff caps the exponential-backoff interval. Defaults to 2
	// minutes when zero.
	MaxBackoff time.Duration

	// DialTimeout limits how long the transport waits for the initial TCP
	// dial and RegisterNode RPC to complete on each connection attempt.
	// Defaults to 30 seconds when zero.
	DialTimeout time.Duration

	// Platform overrides the OS/architecture string sent in RegisterNode.
	// Defaults to "GOOS/GOARCH" (e.g. "linux/amd64") when empty.
	Platform string

	// NodeVersion is the human-readable version string (e.g. "v1.0.0")
	// sent to the collector during registration.
	NodeVersion string

	// Dialer overrides how the transport dials CollectorAddr. Nil uses
	// gRPC's normal network dialer; tests substitute a bufconn dialer.
	Dialer func(context.Context, string) (net.Conn, error)
}

func (c *Config) applyDefaults() {
	if c.InitialBackoff == 0 {
		c.InitialBackoff = defaultInitialBackoff
	}
	if c.MaxBackoff == 0 {
		c.MaxBackoff = defaultMaxBackoff
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = defaultDialTimeout
	}
	if c.Platform == "" {
		c.Platform = runtime.GOOS + "/" + runtime.GOARCH
	}
}

// GRPCTransport implements the node.Transport interface. It streams
// telemetry.Record values to the RepCL collector via the
// StreamClockEvents bidirectional-streaming RPC, maintaining the connection with
// exponential-backoff reconnection.
type GRPCTransport struct {
	cfg       Config
	localAddr string
	logger    *slog.Logger

	// mu guards stream and sessionID, which are updated on every (re)connect.
	mu        sync.RWMutex
	stream    clockpb.ClockService_StreamClockEventsClient
	sessionID string

	// sendMu serialises calls to stream.Send; gRPC client streams are not
	// safe for concurrent sends.
	sendMu sync.Mutex

	// cancel terminates the connection loop; set by Start.
	cancel context.CancelFunc

	// wg tracks the connectLoop goroutine so Stop can wait for it.
	wg sync.WaitGroup
}

// New creates a new GRPCTransport. localAddr is this node's own "host:port",
// sent to the collector during registration and echoed back in the
// ClockEventMsg LocalAddr field. Call Start to begin connecting.
func New(cfg Config, localAddr string, logger *slog.Logger) *GRPCTransport {
	cfg.applyDefaults()
	return &GRPCTransport{cfg: cfg, localAddr: localAddr, logger: logger}
}

// Start launches a background goroutine that connects to the collector and
// keeps the connection alive. All connectivity failures (server
// unreachable, registration errors) are handled internally with
// exponential-backoff retries.
func (t *GRPCTransport) Start(ctx context.Context) error {
	connectCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel

	t.wg.Add(1)
	go t.connectLoop(connectCtx)

	return nil
}

// Send converts rec to a ClockEventMsg and writes it to the active
// StreamClockEvents stream. It returns an error if the transport is
// currently reconnecting (i.e., there is no active stream). The caller
// should treat such errors as transient; the node's local sink provides
// durability.
func (t *GRPCTransport) Send(_ context.Context, rec telemetry.Record) error {
	t.mu.RLock()
	stream := t.stream
	sessionID := t.sessionID
	t.mu.RUnlock()

	if stream == nil {
		return fmt.Errorf("transport: not connected to collector")
	}

	msg := &clockpb.ClockEventMsg{
		SessionID:     sessionID,
		NodeID:        t.cfg.NodeID,
		MsgType:       string(rec.MsgType),
		LocalAddr:     rec.LocalAddr,
		RemoteAddr:    rec.RemoteAddr,
		HLC:           rec.HLC,
		Bitmap:        rec.Bitmap,
		Offsets:       rec.Offsets,
		Counter:       rec.Counter,
		NumProcs:      rec.NumProcs,
		MaxOffsetSize: rec.MaxOffsetSize,
		Epsilon:       rec.Epsilon,
		Interval:      rec.Interval,
		Delta:         rec.Delta,
		Alpha:         rec.Alpha,
	}

	t.sendMu.Lock()
	defer t.sendMu.Unlock()

	// Re-check the stream under the send mutex; it may have been cleared
	// by a concurrent reconnect between the RLock above and now.
	t.mu.RLock()
	stream = t.stream
	t.mu.RUnlock()
	if stream == nil {
		return fmt.Errorf("transport: not connected to collector")
	}

	if err := stream.Send(msg); err != nil {
		return fmt.Errorf("transport: send clock event: %w", err)
	}
	return nil
}

// Stop cancels the connection loop and waits for all background goroutines
// to exit. It is safe to call Stop multiple times.
func (t *GRPCTransport) Stop() {
	if t.cancel != nil {
		t.cancel()
	}
	t.wg.Wait()
}

// ─── Connection loop ──────────────────────────────────────────────────────

// connectLoop runs until ctx is cancelled. On each iteration it calls
// connect, which blocks for the lifetime of one gRPC connection. Between
// failed attempts (or after a connection is lost) it applies exponential
// backoff.
func (t *GRPCTransport) connectLoop(ctx context.Context) {
	defer t.wg.Done()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = t.cfg.InitialBackoff
	b.MaxInterval = t.cfg.MaxBackoff
	b.MaxElapsedTime = 0 // retry indefinitely
	b.Reset()

	for {
		if ctx.Err() != nil {
			return
		}

		t.logger.Info("transport: connecting to collector",
			slog.String("addr", t.cfg.CollectorAddr))

		wasConnected, err := t.connect(ctx)

		if ctx.Err() != nil {
			return
		}

		if wasConnected {
			b.Reset()
		}

		if err != nil {
			t.logger.Warn("transport: connection ended",
				slog.Any("error", err),
				slog.String("addr", t.cfg.CollectorAddr))
		}

		wait := b.NextBackOff()
		if wait == backoff.Stop {
			t.logger.Error("transport: backoff exhausted; giving up")
			return
		}

		t.logger.Info("transport: will reconnect",
			slog.String("addr", t.cfg.CollectorAddr),
			slog.Duration("after", wait))

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// connect performs one full connection lifecycle:
//  1. Dials the collector.
//  2. Calls RegisterNode to obtain a session id.
//  3. Opens the StreamClockEvents stream.
//  4. Blocks in drainStream until the stream closes or ctx is cancelled.
//
// It returns (true, err) when the stream was successfully established
// before failing, or (false, err) when the dial or registration itself
// failed.
func (t *GRPCTransport) connect(ctx context.Context) (wasConnected bool, err error) {
	dialOpts := []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	if t.cfg.Dialer != nil {
		dialOpts = append(dialOpts, grpc.WithContextDialer(t.cfg.Dialer))
	}
	conn, err := grpc.NewClient(t.cfg.CollectorAddr, dialOpts...)
	if err != nil {
		return false, fmt.Errorf("dial %s: %w", t.cfg.CollectorAddr, err)
	}
	defer conn.Close()

	client := clockpb.NewClockServiceClient(conn)

	regCtx, regCancel := context.WithTimeout(ctx, t.cfg.DialTimeout)
	resp, err := client.RegisterNode(regCtx, &clockpb.RegisterRequest{
		NodeID:   t.cfg.NodeID,
		Addr:     t.localAddr,
		Platform: t.cfg.Platform,
		Version:  t.cfg.NodeVersion,
	})
	regCancel()
	if err != nil {
		return false, fmt.Errorf("RegisterNode: %w", err)
	}

	sessionID := resp.SessionID
	t.logger.Info("transport: node registered with collector",
		slog.String("session_id", sessionID),
		slog.String("addr", t.cfg.CollectorAddr))

	stream, err := client.StreamClockEvents(ctx)
	if err != nil {
		return false, fmt.Errorf("StreamClockEvents: %w", err)
	}

	t.mu.Lock()
	t.stream = stream
	t.sessionID = sessionID
	t.mu.Unlock()

	t.logger.Info("transport: stream established",
		slog.String("addr", t.cfg.CollectorAddr),
		slog.String("session_id", sessionID))

	streamErr := t.drainStream(stream)

	t.mu.Lock()
	t.stream = nil
	t.mu.Unlock()

	if streamErr == io.EOF {
		return true, nil
	}
	return true, streamErr
}

// drainStream reads Ack messages from stream until the stream is closed by
// the collector (io.EOF) or an error occurs. Acks are logged at debug
// level; an AckError is additionally surfaced as a warning.
func (t *GRPCTransport) drainStream(stream clockpb.ClockService_StreamClockEventsClient) error {
	for {
		ack, err := stream.Recv()
		if err != nil {
			return err
		}
		if ack.Type == clockpb.AckError {
			t.logger.Warn("transport: collector rejected clock event",
				slog.String("error", ack.Error))
			continue
		}
		t.logger.Debug("transport: received ack", slog.String("type", string(ack.Type)))
	}
}

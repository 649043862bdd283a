// Package grpc implements the RepCL collector's gRPC service.
//
// The Server type satisfies clockpb.ClockServiceServer and wires together
// the storage layer (PostgreSQL) and the WebSocket broadcaster for
// real-time clock-event fan-out to browser clients.
//
// Lifecycle
//
//	srv := grpc.NewServer(store, broadcaster, logger)       // this package
//	grpcSrv := googlegrpc.NewServer()                       // google.golang.org/grpc
//	clockpb.RegisterClockServiceServer(grpcSrv, srv)
//	grpcSrv.Serve(listener)
package grpc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/repcl/repcl/internal/server/grpc/clockpb"
	"github.com/repcl/repcl/internal/server/storage"
	ws "github.com/repcl/repcl/internal/server/websocket"
)

// Store is the subset of storage.Store methods used by the gRPC server.
// Defined as an interface so tests can substitute a fake.
type Store interface {
	// UpsertNode persists the node record and returns the stable node_id
	// that is stored in the database. On an addr conflict the existing
	// node_id is returned so that clock-event correlation remains intact
	// across reconnects.
	UpsertNode(ctx context.Context, n storage.Node) (string, error)
	GetNode(ctx context.Context, nodeID string) (*storage.Node, error)
	ListNodes(ctx context.Context) ([]storage.Node, error)
	BatchInsertClockEvents(ctx context.Context, evt storage.ClockEvent) error
}

// Server implements clockpb.ClockServiceServer.
type Server struct {
	store       Store
	broadcaster *ws.Broadcaster
	logger      *slog.Logger
}

// NewServer creates a Server wired to store and broadcaster.
func NewServer(store Store, broadcaster *ws.Broadcaster, logger *slog.Logger) *Server {
	return &Server{
		store:       store,
		broadcaster: broadcaster,
		logger:      logger,
	}
}

// RegisterNode handles the RegisterNode RPC.
//
// It upserts the node record in PostgreSQL and returns a collector-assigned
// session id that the node must embed in every subsequent ClockEventMsg.
// The session id is the node_id returned by UpsertNode, which is reused
// across reconnects under the same addr, so it stays the same for a node
// that re-registers from the same addr.
func (s *Server) RegisterNode(ctx context.Context, req *clockpb.RegisterRequest) (*clockpb.RegisterResponse, error) {
	if req.NodeID == "" {
		return nil, status.Error(codes.InvalidArgument, "node_id is required")
	}
	if req.Addr == "" {
		return nil, status.Error(codes.InvalidArgument, "addr is required")
	}

	peerID, err := s.nextPeerID(ctx)
	if err != nil {
		s.logger.Error("grpc: failed to compute peer_id",
			slog.String("node_id", req.NodeID),
			slog.Any("error", err),
		)
		return nil, status.Errorf(codes.Internal, "register node: %v", err)
	}

	now := time.Now().UTC()
	n := storage.Node{
		NodeID:      uuid.NewString(),
		PeerID:      peerID,
		Addr:        req.Addr,
		Platform:    req.Platform,
		NodeVersion: req.Version,
		LastSeen:    &now,
		Status:      storage.NodeStatusOnline,
	}

	// effectiveNodeID is the UUID that is actually stored in the database.
	// On the first registration it equals n.NodeID; on reconnects it is the
	// UUID that was assigned when the node first registered under this addr.
	effectiveNodeID, err := s.store.UpsertNode(ctx, n)
	if err != nil {
		s.logger.Error("grpc: UpsertNode failed",
			slog.String("addr", req.Addr),
			slog.Any("error", err),
		)
		return nil, status.Errorf(codes.Internal, "register node: %v", err)
	}

	s.logger.Info("node registered",
		slog.String("addr", req.Addr),
		slog.String("node_id", effectiveNodeID),
		slog.String("platform", req.Platform),
		slog.String("node_version", req.Version),
	)

	return &clockpb.RegisterResponse{
		SessionID: effectiveNodeID,
	}, nil
}

// nextPeerID assigns a 0-based process index to a newly registering node,
// derived from the current node count so that concurrently simulated nodes
// line up with the replay clock's NumProcs-sized offset tables.
func (s *Server) nextPeerID(ctx context.Context) (uint, error) {
	nodes, err := s.store.ListNodes(ctx)
	if err != nil {
		return 0, fmt.Errorf("list nodes: %w", err)
	}
	return uint(len(nodes)), nil
}

// StreamClockEvents handles the bidirectional StreamClockEvents RPC.
//
// For each incoming ClockEventMsg the handler:
//  1. Validates the required fields.
//  2. Persists the clock event to PostgreSQL via BatchInsertClockEvents.
//  3. Publishes a ClockEventMessage to the WebSocket Broadcaster for
//     real-time fan-out to connected browser clients.
//
// The response stream carries one Ack per received ClockEventMsg.
func (s *Server) StreamClockEvents(stream clockpb.ClockService_StreamClockEventsServer) error {
	ctx := stream.Context()

	for {
		evt, err := stream.Recv()
		if err != nil {
			// io.EOF is the canonical end-of-stream signal from the gRPC
			// runtime. Context cancellation and deadline exceeded are also
			// considered normal closure (node restart, network flap).
			if err == io.EOF ||
				err == context.Canceled ||
				err == context.DeadlineExceeded ||
				status.Code(err) == codes.Canceled ||
				status.Code(err) == codes.DeadlineExceeded {
				s.logger.Debug("grpc: StreamClockEvents stream closed", slog.Any("reason", err))
				return nil
			}
			s.logger.Error("grpc: StreamClockEvents transport error", slog.Any("error", err))
			return err
		}

		if err := s.handleEvent(ctx, stream, evt); err != nil {
			return err
		}
	}
}

// handleEvent processes a single ClockEventMsg received from the stream.
func (s *Server) handleEvent(ctx context.Context, stream clockpb.ClockService_StreamClockEventsServer, evt *clockpb.ClockEventMsg) error {
	if evt.SessionID == "" {
		return s.reject(stream, "session_id is required")
	}
	if evt.NodeID == "" {
		return s.reject(stream, "node_id is required")
	}
	if !isValidMsgType(evt.MsgType) {
		return s.reject(stream, fmt.Sprintf("invalid msg_type %q", evt.MsgType))
	}

	receivedAt := time.Now().UTC()

	detail, err := json.Marshal(evt)
	if err != nil {
		s.logger.Warn("grpc: failed to marshal clock event detail",
			slog.String("session_id", evt.SessionID),
			slog.Any("error", err),
		)
		detail = []byte("null")
	}

	eventID := uuid.NewString()
	clockEvent := storage.ClockEvent{
		EventID:    eventID,
		NodeID:     evt.SessionID,
		Timestamp:  receivedAt,
		MsgType:    evt.MsgType,
		RemoteAddr: evt.RemoteAddr,
		HLC:        evt.HLC,
		Bitmap:     evt.Bitmap,
		Offsets:    evt.Offsets,
		Counter:    evt.Counter,
		Detail:     detail,
		ReceivedAt: receivedAt,
	}

	if err := s.store.BatchInsertClockEvents(ctx, clockEvent); err != nil {
		s.logger.Error("grpc: BatchInsertClockEvents failed",
			slog.String("event_id", eventID),
			slog.Any("error", err),
		)
		return status.Errorf(codes.Internal, "persist clock event %s: %v", eventID, err)
	}

	s.logger.Info("clock event ingested",
		slog.String("event_id", eventID),
		slog.String("session_id", evt.SessionID),
		slog.String("msg_type", evt.MsgType),
		slog.Uint64("hlc", uint64(evt.HLC)),
	)

	s.broadcaster.Broadcast(ws.ClockEventMessage{
		Type: "clock_event",
		Data: ws.ClockEventData{
			EventID:    eventID,
			NodeID:     evt.SessionID,
			Timestamp:  receivedAt.Format(time.RFC3339),
			MsgType:    evt.MsgType,
			RemoteAddr: evt.RemoteAddr,
			HLC:        evt.HLC,
			Bitmap:     evt.Bitmap,
			Offsets:    evt.Offsets,
			Counter:    evt.Counter,
		},
	})

	return stream.Send(&clockpb.Ack{Type: clockpb.AckOK})
}

// reject sends an AckError over the stream and returns nil so the stream
// stays open; a malformed ClockEventMsg is a node-side bug, not a reason to
// tear down an otherwise healthy connection.
func (s *Server) reject(stream clockpb.ClockService_StreamClockEventsServer, reason string) error {
	s.logger.Warn("grpc: rejecting clock event", slog.String("reason", reason))
	return stream.Send(&clockpb.Ack{Type: clockpb.AckError, Error: reason})
}

// --- Validation helpers -------------------------------------------------------

func isValidMsgType(t string) bool {
	switch t {
	case "SEND", "RECV":
		return true
	}
	return false
}

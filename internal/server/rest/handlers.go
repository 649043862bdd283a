package rest

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/repcl/repcl/internal/server/storage"
)

// Server holds the dependencies needed by the REST handlers.
type Server struct {
	store Store
}

// NewServer creates a new Server with the provided storage layer.
func NewServer(store Store) *Server {
	return &Server{store: store}
}

// handleHealthz responds to GET /healthz.
//
// This endpoint does not require authentication and returns HTTP 200 with a
// simple JSON body so load balancers and orchestrators can verify liveness.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// handleGetClockEvents responds to GET /api/v1/clock-events.
//
// Supported query parameters:
//
//	node_id   – exact node UUID filter (optional)
//	msg_type  – one of SEND, RECV (optional)
//	from      – RFC3339 start of the received_at window (required)
//	to        – RFC3339 end of the received_at window (required)
//	limit     – maximum number of results (default 100, max 1000)
//	offset    – pagination offset (default 0)
//
// Returns HTTP 400 when required parameters are missing or malformed.
// Returns HTTP 200 with a JSON array of ClockEvent objects on success.
func (s *Server) handleGetClockEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	fromStr := q.Get("from")
	toStr := q.Get("to")
	if fromStr == "" || toStr == "" {
		writeError(w, http.StatusBadRequest, "query parameters 'from' and 'to' are required (RFC3339)")
		return
	}

	from, err := time.Parse(time.RFC3339, fromStr)
	if err != nil {
		writeError(w, http.StatusBadRequest, "'from' must be a valid RFC3339 timestamp")
		return
	}
	to, err := time.Parse(time.RFC3339, toStr)
	if err != nil {
		writeError(w, http.StatusBadRequest, "'to' must be a valid RFC3339 timestamp")
		return
	}
	if !to.After(from) {
		writeError(w, http.StatusBadRequest, "'to' must be after 'from'")
		return
	}

	ceq := storage.ClockEventQuery{
		From: from,
		To:   to,
	}

	if nodeID := q.Get("node_id"); nodeID != "" {
		ceq.NodeID = nodeID
	}

	if msgType := q.Get("msg_type"); msgType != "" {
		switch msgType {
		case "SEND", "RECV":
			ceq.MsgType = msgType
		default:
			writeError(w, http.StatusBadRequest, "'msg_type' must be one of SEND, RECV")
			return
		}
	}

	if limitStr := q.Get("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil || limit <= 0 {
			writeError(w, http.StatusBadRequest, "'limit' must be a positive integer")
			return
		}
		if limit > 1000 {
			limit = 1000
		}
		ceq.Limit = limit
	}

	if offsetStr := q.Get("offset"); offsetStr != "" {
		offset, err := strconv.Atoi(offsetStr)
		if err != nil || offset < 0 {
			writeError(w, http.StatusBadRequest, "'offset' must be a non-negative integer")
			return
		}
		ceq.Offset = offset
	}

	events, err := s.store.QueryClockEvents(r.Context(), ceq)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to query clock events")
		return
	}

	// Ensure we always return a JSON array, not null.
	if events == nil {
		events = []storage.ClockEvent{}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(events)
}

// handleGetNodes responds to GET /api/v1/nodes.
//
// Returns HTTP 200 with a JSON array of all registered Node objects ordered
// by peer id.
func (s *Server) handleGetNodes(w http.ResponseWriter, r *http.Request) {
	nodes, err := s.store.ListNodes(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list nodes")
		return
	}

	if nodes == nil {
		nodes = []storage.Node{}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(nodes)
}

// handleGetSimRuns responds to GET /api/v1/sim-runs.
//
// Returns HTTP 200 with a JSON array of all recorded SimRun configurations
// ordered by run id.
func (s *Server) handleGetSimRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.store.ListSimRuns(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list sim runs")
		return
	}

	if runs == nil {
		runs = []storage.SimRun{}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(runs)
}

// handleGetSimRun responds to GET /api/v1/sim-runs/{runID}.
//
// Returns HTTP 404 when the run does not exist, HTTP 200 with the SimRun
// object otherwise.
func (s *Server) handleGetSimRun(w http.ResponseWriter, r *http.Request, runID string) {
	if runID == "" {
		writeError(w, http.StatusBadRequest, "run id is required")
		return
	}

	run, err := s.store.GetSimRun(r.Context(), runID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			writeError(w, http.StatusNotFound, "sim run not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to get sim run")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(run)
}

package rest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/repcl/repcl/internal/server/storage"
)

// mockStore is a test double for the Store interface.
type mockStore struct {
	events      []storage.ClockEvent
	eventsErr   error
	nodes       []storage.Node
	nodesErr    error
	simRuns     []storage.SimRun
	simRunsErr  error
	simRunByID  map[string]storage.SimRun
}

func (m *mockStore) QueryClockEvents(_ context.Context, _ storage.ClockEventQuery) ([]storage.ClockEvent, error) {
	return m.events, m.eventsErr
}

func (m *mockStore) ListNodes(_ context.Context) ([]storage.Node, error) {
	return m.nodes, m.nodesErr
}

func (m *mockStore) ListSimRuns(_ context.Context) ([]storage.SimRun, error) {
	return m.simRuns, m.simRunsErr
}

func (m *mockStore) GetSimRun(_ context.Context, runID string) (*storage.SimRun, error) {
	if run, ok := m.simRunByID[runID]; ok {
		return &run, nil
	}
	return nil, pgx.ErrNoRows
}

// newTestServer creates a Server backed by the mock store and returns its HTTP
// handler with JWT middleware disabled (pubKey = nil).
func newTestServer(ms *mockStore) http.Handler {
	srv := NewServer(ms)
	return NewRouter(srv, nil)
}

// ---- /healthz ---------------------------------------------------------------

func TestHandleHealthz_Returns200(t *testing.T) {
	h := newTestServer(&mockStore{})
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("body is not valid JSON: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("expected status=ok, got %q", body["status"])
	}
}

// ---- GET /api/v1/clock-events ------------------------------------------------

func TestHandleGetClockEvents_MissingFrom_Returns400(t *testing.T) {
	h := newTestServer(&mockStore{})
	req := httptest.NewRequest(http.MethodGet, "/api/v1/clock-events?to=2026-01-02T00:00:00Z", nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleGetClockEvents_MissingTo_Returns400(t *testing.T) {
	h := newTestServer(&mockStore{})
	req := httptest.NewRequest(http.MethodGet, "/api/v1/clock-events?from=2026-01-01T00:00:00Z", nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleGetClockEvents_InvalidFromFormat_Returns400(t *testing.T) {
	h := newTestServer(&mockStore{})
	req := httptest.NewRequest(http.MethodGet, "/api/v1/clock-events?from=not-a-time&to=2026-01-02T00:00:00Z", nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleGetClockEvents_ToNotAfterFrom_Returns400(t *testing.T) {
	h := newTestServer(&mockStore{})
	req := httptest.NewRequest(http.MethodGet,
		"/api/v1/clock-events?from=2026-01-02T00:00:00Z&to=2026-01-01T00:00:00Z", nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleGetClockEvents_InvalidMsgType_Returns400(t *testing.T) {
	h := newTestServer(&mockStore{})
	req := httptest.NewRequest(http.MethodGet,
		"/api/v1/clock-events?from=2026-01-01T00:00:00Z&to=2026-01-02T00:00:00Z&msg_type=UNKNOWN", nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleGetClockEvents_InvalidLimit_Returns400(t *testing.T) {
	h := newTestServer(&mockStore{})
	req := httptest.NewRequest(http.MethodGet,
		"/api/v1/clock-events?from=2026-01-01T00:00:00Z&to=2026-01-02T00:00:00Z&limit=abc", nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleGetClockEvents_InvalidOffset_Returns400(t *testing.T) {
	h := newTestServer(&mockStore{})
	req := httptest.NewRequest(http.MethodGet,
		"/api/v1/clock-events?from=2026-01-01T00:00:00Z&to=2026-01-02T00:00:00Z&offset=-1", nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleGetClockEvents_ValidRequest_Returns200WithArray(t *testing.T) {
	now := time.Now().UTC()
	ms := &mockStore{
		events: []storage.ClockEvent{
			{
				EventID:    "event-1",
				NodeID:     "node-1",
				Timestamp:  now,
				MsgType:    "SEND",
				HLC:        5,
				ReceivedAt: now,
			},
		},
	}
	h := newTestServer(ms)
	req := httptest.NewRequest(http.MethodGet,
		"/api/v1/clock-events?from=2026-01-01T00:00:00Z&to=2026-02-01T00:00:00Z", nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d; body: %s", rec.Code, rec.Body)
	}
	var events []storage.ClockEvent
	if err := json.NewDecoder(rec.Body).Decode(&events); err != nil {
		t.Fatalf("cannot decode response: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].EventID != "event-1" {
		t.Errorf("unexpected event ID: %s", events[0].EventID)
	}
}

func TestHandleGetClockEvents_EmptyResult_ReturnsEmptyArray(t *testing.T) {
	h := newTestServer(&mockStore{events: nil})
	req := httptest.NewRequest(http.MethodGet,
		"/api/v1/clock-events?from=2026-01-01T00:00:00Z&to=2026-02-01T00:00:00Z", nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var events []storage.ClockEvent
	if err := json.NewDecoder(rec.Body).Decode(&events); err != nil {
		t.Fatalf("cannot decode response: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("expected empty array, got %v", events)
	}
}

func TestHandleGetClockEvents_WithMsgTypeFilter_Returns200(t *testing.T) {
	now := time.Now().UTC()
	ms := &mockStore{
		events: []storage.ClockEvent{
			{EventID: "e1", MsgType: "RECV", ReceivedAt: now, Timestamp: now},
		},
	}
	h := newTestServer(ms)
	req := httptest.NewRequest(http.MethodGet,
		"/api/v1/clock-events?from=2026-01-01T00:00:00Z&to=2026-02-01T00:00:00Z&msg_type=RECV", nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d; body: %s", rec.Code, rec.Body)
	}
}

func TestHandleGetClockEvents_WithNodeID_Returns200(t *testing.T) {
	now := time.Now().UTC()
	ms := &mockStore{
		events: []storage.ClockEvent{
			{EventID: "e1", NodeID: "node-42", ReceivedAt: now, Timestamp: now},
		},
	}
	h := newTestServer(ms)
	req := httptest.NewRequest(http.MethodGet,
		"/api/v1/clock-events?from=2026-01-01T00:00:00Z&to=2026-02-01T00:00:00Z&node_id=node-42", nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d; body: %s", rec.Code, rec.Body)
	}
}

// ---- GET /api/v1/nodes -------------------------------------------------------

func TestHandleGetNodes_Returns200WithArray(t *testing.T) {
	ms := &mockStore{
		nodes: []storage.Node{
			{NodeID: "n1", PeerID: 0, Status: storage.NodeStatusOnline},
			{NodeID: "n2", PeerID: 1, Status: storage.NodeStatusOffline},
		},
	}
	h := newTestServer(ms)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/nodes", nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var nodes []storage.Node
	if err := json.NewDecoder(rec.Body).Decode(&nodes); err != nil {
		t.Fatalf("cannot decode response: %v", err)
	}
	if len(nodes) != 2 {
		t.Fatalf("expected 2 nodes, got %d", len(nodes))
	}
}

func TestHandleGetNodes_EmptyResult_ReturnsEmptyArray(t *testing.T) {
	h := newTestServer(&mockStore{nodes: nil})
	req := httptest.NewRequest(http.MethodGet, "/api/v1/nodes", nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var nodes []storage.Node
	if err := json.NewDecoder(rec.Body).Decode(&nodes); err != nil {
		t.Fatalf("cannot decode response: %v", err)
	}
	if len(nodes) != 0 {
		t.Errorf("expected empty array, got %v", nodes)
	}
}

// ---- GET /api/v1/sim-runs -----------------------------------------------------

func TestHandleGetSimRuns_Returns200WithArray(t *testing.T) {
	ms := &mockStore{
		simRuns: []storage.SimRun{
			{RunID: "r1", Label: "baseline", NumProcs: 4},
		},
	}
	h := newTestServer(ms)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/sim-runs", nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var runs []storage.SimRun
	if err := json.NewDecoder(rec.Body).Decode(&runs); err != nil {
		t.Fatalf("cannot decode response: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("expected 1 run, got %d", len(runs))
	}
}

func TestHandleGetSimRun_Found_Returns200(t *testing.T) {
	ms := &mockStore{
		simRunByID: map[string]storage.SimRun{
			"r1": {RunID: "r1", Label: "baseline", NumProcs: 4},
		},
	}
	h := newTestServer(ms)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/sim-runs/r1", nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d; body: %s", rec.Code, rec.Body)
	}
	var run storage.SimRun
	if err := json.NewDecoder(rec.Body).Decode(&run); err != nil {
		t.Fatalf("cannot decode response: %v", err)
	}
	if run.RunID != "r1" {
		t.Errorf("unexpected run ID: %s", run.RunID)
	}
}

func TestHandleGetSimRun_NotFound_Returns404(t *testing.T) {
	h := newTestServer(&mockStore{simRunByID: map[string]storage.SimRun{}})
	req := httptest.NewRequest(http.MethodGet, "/api/v1/sim-runs/does-not-exist", nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

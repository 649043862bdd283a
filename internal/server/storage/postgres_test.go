//go:build integration

// Run with:
//
//	go test -tags integration -v ./internal/server/storage/...
//
// Requires Docker (for testcontainers-go) and a reachable Docker socket.
package storage_test

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/repcl/repcl/internal/server/storage"
)

// migrationsDir returns the absolute path to db/migrations relative to this
// test file, so the tests work regardless of the working directory.
func migrationsDir(t *testing.T) string {
	t.Helper()
	_, thisFile, _, ok := runtime.Caller(0)
	if !ok {
		t.Fatal("runtime.Caller failed")
	}
	// thisFile is internal/server/storage/postgres_test.go
	return filepath.Join(filepath.Dir(thisFile), "..", "..", "..", "db", "migrations")
}

// setupDB starts a PostgreSQL container, applies all migration files, and
// returns a Store and a raw pgxpool for schema-level assertions.
func setupDB(t *testing.T) (*storage.Store, *pgxpool.Pool, func()) {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := tcpostgres.RunContainer(ctx,
		testcontainers.WithImage("postgres:15-alpine"),
		tcpostgres.WithDatabase("repcl_test"),
		tcpostgres.WithUsername("repcl"),
		tcpostgres.WithPassword("secret"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = pgContainer.Terminate(ctx)
		t.Fatalf("get connection string: %v", err)
	}

	rawPool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		_ = pgContainer.Terminate(ctx)
		t.Fatalf("connect for migrations: %v", err)
	}
	applyMigrations(t, ctx, rawPool, migrationsDir(t))

	store, err := storage.New(ctx, connStr, 10, 50*time.Millisecond)
	if err != nil {
		rawPool.Close()
		_ = pgContainer.Terminate(ctx)
		t.Fatalf("storage.New: %v", err)
	}

	cleanup := func() {
		store.Close(ctx)
		rawPool.Close()
		_ = pgContainer.Terminate(ctx)
	}
	return store, rawPool, cleanup
}

// applyMigrations executes migration SQL files 001-003 in order.
func applyMigrations(t *testing.T, ctx context.Context, pool *pgxpool.Pool, dir string) {
	t.Helper()
	files := []string{
		"001_nodes.sql",
		"002_clock_events.sql",
		"003_sim_runs.sql",
	}
	for _, f := range files {
		path := filepath.Join(dir, f)
		sql, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("read migration %s: %v", f, err)
		}
		if _, err := pool.Exec(ctx, string(sql)); err != nil {
			t.Fatalf("apply migration %s: %v", f, err)
		}
	}
}

// testNode returns a Node struct suitable for use in tests.
func testNode(peerID uint, addr string) storage.Node {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return storage.Node{
		NodeID:      uuid.NewString(),
		PeerID:      peerID,
		Addr:        addr,
		Platform:    "linux",
		NodeVersion: "0.1.0",
		LastSeen:    &now,
		Status:      storage.NodeStatusOnline,
	}
}

// ── Node CRUD ────────────────────────────────────────────────────────────

func TestNodeUpsertAndGet(t *testing.T) {
	store, _, cleanup := setupDB(t)
	defer cleanup()
	ctx := context.Background()

	n := testNode(0, "10.0.0.1:7000")
	nodeID, err := store.UpsertNode(ctx, n)
	if err != nil {
		t.Fatalf("UpsertNode: %v", err)
	}

	got, err := store.GetNode(ctx, nodeID)
	if err != nil {
		t.Fatalf("GetNode: %v", err)
	}
	if got.Addr != n.Addr {
		t.Errorf("addr: want %q, got %q", n.Addr, got.Addr)
	}
	if got.Platform != n.Platform {
		t.Errorf("platform: want %q, got %q", n.Platform, got.Platform)
	}
	if got.Status != n.Status {
		t.Errorf("status: want %q, got %q", n.Status, got.Status)
	}
	if got.PeerID != n.PeerID {
		t.Errorf("peer_id: want %d, got %d", n.PeerID, got.PeerID)
	}
}

func TestNodeUpsertUpdatesExistingOnAddrConflict(t *testing.T) {
	store, _, cleanup := setupDB(t)
	defer cleanup()
	ctx := context.Background()

	n := testNode(1, "10.0.0.2:7000")
	firstID, err := store.UpsertNode(ctx, n)
	if err != nil {
		t.Fatalf("initial UpsertNode: %v", err)
	}

	// Re-register the same addr with a new NodeID and changed fields; the
	// stable node_id from the first registration must survive.
	n.NodeID = uuid.NewString()
	n.NodeVersion = "0.2.0"
	n.Status = storage.NodeStatusDegraded
	secondID, err := store.UpsertNode(ctx, n)
	if err != nil {
		t.Fatalf("update UpsertNode: %v", err)
	}
	if secondID != firstID {
		t.Errorf("node_id changed on addr conflict: want %q, got %q", firstID, secondID)
	}

	got, err := store.GetNode(ctx, firstID)
	if err != nil {
		t.Fatalf("GetNode after update: %v", err)
	}
	if got.NodeVersion != "0.2.0" {
		t.Errorf("node_version: want 0.2.0, got %q", got.NodeVersion)
	}
	if got.Status != storage.NodeStatusDegraded {
		t.Errorf("status: want DEGRADED, got %q", got.Status)
	}
}

func TestListNodes(t *testing.T) {
	store, _, cleanup := setupDB(t)
	defer cleanup()
	ctx := context.Background()

	n1 := testNode(2, "10.0.0.3:7000")
	n2 := testNode(3, "10.0.0.4:7000")
	for _, n := range []storage.Node{n1, n2} {
		if _, err := store.UpsertNode(ctx, n); err != nil {
			t.Fatalf("UpsertNode: %v", err)
		}
	}

	nodes, err := store.ListNodes(ctx)
	if err != nil {
		t.Fatalf("ListNodes: %v", err)
	}
	if len(nodes) < 2 {
		t.Errorf("want >= 2 nodes, got %d", len(nodes))
	}
}

// ── ClockEvent batch insert & query ─────────────────────────────────────

// testClockEvent builds a ClockEvent for the given node received in
// 2026-02 (within the example child partition created by migration 002).
func testClockEvent(nodeID, eventID string, msgType string, detail json.RawMessage) storage.ClockEvent {
	ts := time.Date(2026, 2, 15, 10, 0, 0, 0, time.UTC)
	return storage.ClockEvent{
		EventID:    eventID,
		NodeID:     nodeID,
		Timestamp:  ts,
		MsgType:    msgType,
		RemoteAddr: "10.0.0.9:7000",
		HLC:        42,
		Bitmap:     0b111,
		Offsets:    0,
		Counter:    0,
		Detail:     detail,
		ReceivedAt: ts,
	}
}

func mustUpsertTestNode(t *testing.T, store *storage.Store, peerID uint, addr string) string {
	t.Helper()
	nodeID, err := store.UpsertNode(context.Background(), testNode(peerID, addr))
	if err != nil {
		t.Fatalf("UpsertNode: %v", err)
	}
	return nodeID
}

func TestBatchInsertClockEvents_FlushOnSize(t *testing.T) {
	store, _, cleanup := setupDB(t)
	defer cleanup()
	ctx := context.Background()

	nodeID := mustUpsertTestNode(t, store, 10, "10.0.1.1:7000")

	detail := json.RawMessage(`{"tick":1}`)
	// batchSize is 10 in setupDB; insert 10 events to trigger a size-based flush.
	for i := 0; i < 10; i++ {
		eventID := uuid.NewString()
		e := testClockEvent(nodeID, eventID, "SEND", detail)
		if err := store.BatchInsertClockEvents(ctx, e); err != nil {
			t.Fatalf("BatchInsertClockEvents[%d]: %v", i, err)
		}
	}

	from := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	events, err := store.QueryClockEvents(ctx, storage.ClockEventQuery{
		NodeID: nodeID,
		From:   from,
		To:     to,
		Limit:  100,
	})
	if err != nil {
		t.Fatalf("QueryClockEvents: %v", err)
	}
	if len(events) != 10 {
		t.Errorf("want 10 clock events, got %d", len(events))
	}
}

func TestBatchInsertClockEvents_FlushOnInterval(t *testing.T) {
	store, _, cleanup := setupDB(t)
	defer cleanup()
	ctx := context.Background()

	nodeID := mustUpsertTestNode(t, store, 11, "10.0.1.2:7000")

	detail := json.RawMessage(`{"tick":2}`)
	e := testClockEvent(nodeID, uuid.NewString(), "RECV", detail)

	// Only 1 event — the batchSize threshold (10) is not reached.
	if err := store.BatchInsertClockEvents(ctx, e); err != nil {
		t.Fatalf("BatchInsertClockEvents: %v", err)
	}

	// Wait for the 50 ms flush interval to fire (give 200 ms headroom).
	time.Sleep(200 * time.Millisecond)

	from := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	events, err := store.QueryClockEvents(ctx, storage.ClockEventQuery{
		NodeID: nodeID,
		From:   from,
		To:     to,
		Limit:  10,
	})
	if err != nil {
		t.Fatalf("QueryClockEvents: %v", err)
	}
	if len(events) != 1 {
		t.Errorf("want 1 clock event, got %d", len(events))
	}
}

func TestQueryClockEvents_MsgTypeFilter(t *testing.T) {
	store, _, cleanup := setupDB(t)
	defer cleanup()
	ctx := context.Background()

	nodeID := mustUpsertTestNode(t, store, 12, "10.0.1.3:7000")

	detail := json.RawMessage(`{"tick":3}`)
	events := []storage.ClockEvent{
		testClockEvent(nodeID, uuid.NewString(), "SEND", detail),
		testClockEvent(nodeID, uuid.NewString(), "RECV", detail),
		testClockEvent(nodeID, uuid.NewString(), "RECV", detail),
	}
	for _, e := range events {
		if err := store.BatchInsertClockEvents(ctx, e); err != nil {
			t.Fatalf("BatchInsertClockEvents: %v", err)
		}
	}
	if err := store.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	from := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	got, err := store.QueryClockEvents(ctx, storage.ClockEventQuery{
		NodeID:  nodeID,
		MsgType: "RECV",
		From:    from,
		To:      to,
		Limit:   100,
	})
	if err != nil {
		t.Fatalf("QueryClockEvents(RECV): %v", err)
	}
	if len(got) != 2 {
		t.Errorf("want 2 RECV events, got %d", len(got))
	}
	for _, e := range got {
		if e.MsgType != "RECV" {
			t.Errorf("msg_type: want RECV, got %q", e.MsgType)
		}
	}
}

func TestQueryClockEvents_DetailRoundtrip(t *testing.T) {
	store, _, cleanup := setupDB(t)
	defer cleanup()
	ctx := context.Background()

	nodeID := mustUpsertTestNode(t, store, 13, "10.0.1.4:7000")

	detail := json.RawMessage(`{"bitmap":7,"offsets":[1,2,3],"nested":{"ok":true}}`)
	e := testClockEvent(nodeID, uuid.NewString(), "SEND", detail)
	if err := store.BatchInsertClockEvents(ctx, e); err != nil {
		t.Fatalf("BatchInsertClockEvents: %v", err)
	}
	if err := store.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	from := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	got, err := store.QueryClockEvents(ctx, storage.ClockEventQuery{
		NodeID: nodeID,
		From:   from,
		To:     to,
		Limit:  1,
	})
	if err != nil {
		t.Fatalf("QueryClockEvents: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("want 1 clock event, got %d", len(got))
	}

	var origMap, gotMap map[string]any
	if err := json.Unmarshal(detail, &origMap); err != nil {
		t.Fatalf("unmarshal original: %v", err)
	}
	if err := json.Unmarshal(got[0].Detail, &gotMap); err != nil {
		t.Fatalf("unmarshal retrieved: %v", err)
	}
	if fmt.Sprintf("%v", origMap) != fmt.Sprintf("%v", gotMap) {
		t.Errorf("detail mismatch:\nwant %v\n got %v", origMap, gotMap)
	}
}

// ── SimRun CRUD ──────────────────────────────────────────────────────────

func TestSimRunCRUD(t *testing.T) {
	store, _, cleanup := setupDB(t)
	defer cleanup()
	ctx := context.Background()

	r := storage.SimRun{
		RunID:         uuid.NewString(),
		Label:         "star-8-node-smoke",
		NumProcs:      8,
		MaxOffsetSize: 4,
		Epsilon:       50,
		Interval:      1,
		DeltaMicros:   200,
		AlphaMillis:   100,
		Active:        true,
	}

	if err := store.CreateSimRun(ctx, r); err != nil {
		t.Fatalf("CreateSimRun: %v", err)
	}

	got, err := store.GetSimRun(ctx, r.RunID)
	if err != nil {
		t.Fatalf("GetSimRun: %v", err)
	}
	if got.Label != r.Label {
		t.Errorf("label: want %q, got %q", r.Label, got.Label)
	}
	if got.NumProcs != r.NumProcs {
		t.Errorf("num_procs: want %d, got %d", r.NumProcs, got.NumProcs)
	}
	if !got.Active {
		t.Error("active: want true")
	}
}

func TestListSimRuns(t *testing.T) {
	store, _, cleanup := setupDB(t)
	defer cleanup()
	ctx := context.Background()

	r1 := storage.SimRun{RunID: uuid.NewString(), Label: "run-a", NumProcs: 4, MaxOffsetSize: 2, Epsilon: 10, Interval: 1, DeltaMicros: 100, AlphaMillis: 50, Active: true}
	r2 := storage.SimRun{RunID: uuid.NewString(), Label: "run-b", NumProcs: 16, MaxOffsetSize: 8, Epsilon: 200, Interval: 2, DeltaMicros: 500, AlphaMillis: 250, Active: false}
	for _, r := range []storage.SimRun{r1, r2} {
		if err := store.CreateSimRun(ctx, r); err != nil {
			t.Fatalf("CreateSimRun: %v", err)
		}
	}

	runs, err := store.ListSimRuns(ctx)
	if err != nil {
		t.Fatalf("ListSimRuns: %v", err)
	}
	if len(runs) < 2 {
		t.Errorf("want >= 2 sim runs, got %d", len(runs))
	}
}

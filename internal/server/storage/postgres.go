package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	// DefaultBatchSize is the maximum number of clock-event rows held
	// in-memory before an automatic flush is triggered.
	DefaultBatchSize = 100

	// DefaultFlushInterval is how often the background goroutine flushes
	// pending clock events even when the batch has not yet reached
	// DefaultBatchSize.
	DefaultFlushInterval = 100 * time.Millisecond
)

// Store is the PostgreSQL-backed storage layer for the RepCL collector.
//
// Clock-event ingestion is batched: callers enqueue individual ClockEvent
// values via BatchInsertClockEvents, which accumulates them in memory and
// flushes to the database either when the buffer reaches batchSize or when
// the background ticker fires, whichever comes first. All other operations
// (nodes, sim runs) are executed immediately.
type Store struct {
	pool          *pgxpool.Pool
	mu            sync.Mutex
	batch         []ClockEvent
	batchSize     int
	flushInterval time.Duration
	stopCh        chan struct{}
	doneCh        chan struct{}
}

// New opens a pgxpool connection to connStr, pings the database, and starts
// the background flush goroutine.
//
// batchSize <= 0 is replaced with DefaultBatchSize.
// flushInterval <= 0 is replaced with DefaultFlushInterval.
func New(ctx context.Context, connStr string, batchSize int, flushInterval time.Duration) (*Store, error) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if flushInterval <= 0 {
		flushInterval = DefaultFlushInterval
	}

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pool.Ping: %w", err)
	}

	s := &Store{
		pool:          pool,
		batch:         make([]ClockEvent, 0, batchSize),
		batchSize:     batchSize,
		flushInterval: flushInterval,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
	go s.flushLoop()
	return s, nil
}

// Close stops the background flush goroutine, flushes any remaining
// buffered clock events, and closes the connection pool. It is safe to
// call Close more than once; subsequent calls are no-ops.
func (s *Store) Close(ctx context.Context) {
	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
		<-s.doneCh
		_ = s.Flush(ctx)
	}
	s.pool.Close()
}

func (s *Store) flushLoop() {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			_ = s.Flush(context.Background())
		}
	}
}

// BatchInsertClockEvents enqueues evt for deferred batch insertion. If the
// internal buffer reaches batchSize after appending, Flush is called
// synchronously before returning so that the caller observes back-pressure
// rather than unbounded memory growth.
func (s *Store) BatchInsertClockEvents(ctx context.Context, evt ClockEvent) error {
	s.mu.Lock()
	s.batch = append(s.batch, evt)
	full := len(s.batch) >= s.batchSize
	s.mu.Unlock()

	if full {
		return s.Flush(ctx)
	}
	return nil
}

// Flush drains the current clock-event buffer and sends all rows to
// PostgreSQL in a single pgx.Batch round-trip. Rows that conflict on the
// primary key are silently ignored (idempotent replay support).
func (s *Store) Flush(ctx context.Context) error {
	s.mu.Lock()
	if len(s.batch) == 0 {
		s.mu.Unlock()
		return nil
	}
	toInsert := s.batch
	s.batch = make([]ClockEvent, 0, s.batchSize)
	s.mu.Unlock()

	const query = `
		INSERT INTO clock_events
			(event_id, node_id, timestamp, msg_type, remote_addr, hlc, bitmap, offsets, counter, detail, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT DO NOTHING`

	b := &pgx.Batch{}
	for i := range toInsert {
		e := &toInsert[i]
		detail := []byte(e.Detail)
		if detail == nil {
			detail = []byte("null")
		}
		b.Queue(query,
			e.EventID, e.NodeID, e.Timestamp, e.MsgType, nullableStr(e.RemoteAddr),
			e.HLC, e.Bitmap, e.Offsets, e.Counter,
			detail, e.ReceivedAt,
		)
	}

	br := s.pool.SendBatch(ctx, b)
	defer br.Close()

	for range toInsert {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("batch exec clock event: %w", err)
		}
	}
	return nil
}

// QueryClockEvents returns paginated clock events that fall within
// [q.From, q.To) on the received_at column, enabling PostgreSQL partition
// pruning. Optional filters: q.NodeID, q.MsgType. q.Limit defaults to 100.
// Results are ordered by received_at DESC, event_id ASC.
func (s *Store) QueryClockEvents(ctx context.Context, q ClockEventQuery) ([]ClockEvent, error) {
	if q.Limit <= 0 {
		q.Limit = 100
	}

	args := []any{q.From, q.To, q.Limit, q.Offset}
	where := "WHERE received_at >= $1 AND received_at < $2"
	argIdx := 5

	if q.NodeID != "" {
		where += fmt.Sprintf(" AND node_id = $%d", argIdx)
		args = append(args, q.NodeID)
		argIdx++
	}
	if q.MsgType != "" {
		where += fmt.Sprintf(" AND msg_type = $%d", argIdx)
		args = append(args, q.MsgType)
		argIdx++ //nolint:ineffassign // reserved for future filters
	}

	sql := fmt.Sprintf(`
		SELECT event_id, node_id, timestamp, msg_type, remote_addr,
		       hlc, bitmap, offsets, counter, detail, received_at
		FROM   clock_events
		%s
		ORDER  BY received_at DESC, event_id
		LIMIT  $3 OFFSET $4`, where)

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query clock events: %w", err)
	}
	defer rows.Close()

	var events []ClockEvent
	for rows.Next() {
		var e ClockEvent
		var remoteAddr *string
		var detail []byte
		err := rows.Scan(
			&e.EventID, &e.NodeID, &e.Timestamp, &e.MsgType, &remoteAddr,
			&e.HLC, &e.Bitmap, &e.Offsets, &e.Counter,
			&detail, &e.ReceivedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan clock event: %w", err)
		}
		if remoteAddr != nil {
			e.RemoteAddr = *remoteAddr
		}
		e.Detail = detail
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Node CRUD ---

// UpsertNode inserts a new node or, on addr conflict, updates all mutable
// fields. It returns the effective node_id persisted in the database: on a
// clean insert this equals n.NodeID; on an addr conflict the existing
// node_id is returned unchanged, so callers always receive a stable
// identifier that correlates with historical clock events across node
// restarts.
func (s *Store) UpsertNode(ctx context.Context, n Node) (string, error) {
	var effectiveNodeID string
	err := s.pool.QueryRow(ctx, `
		INSERT INTO nodes
			(node_id, peer_id, addr, platform, node_version, last_seen, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (addr) DO UPDATE SET
			peer_id      = EXCLUDED.peer_id,
			platform     = EXCLUDED.platform,
			node_version = EXCLUDED.node_version,
			last_seen    = EXCLUDED.last_seen,
			status       = EXCLUDED.status
		RETURNING node_id`,
		n.NodeID, n.PeerID, n.Addr,
		nullableStr(n.Platform), nullableStr(n.NodeVersion),
		n.LastSeen, string(n.Status),
	).Scan(&effectiveNodeID)
	if err != nil {
		return "", fmt.Errorf("upsert node: %w", err)
	}
	return effectiveNodeID, nil
}

// GetNode returns the node with the given UUID, or an error wrapping
// pgx.ErrNoRows when not found.
func (s *Store) GetNode(ctx context.Context, nodeID string) (*Node, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT node_id, peer_id, addr, platform, node_version, last_seen, status
		FROM   nodes
		WHERE  node_id = $1`, nodeID)
	n, err := scanNode(row)
	if err != nil {
		return nil, fmt.Errorf("get node %s: %w", nodeID, err)
	}
	return n, nil
}

// ListNodes returns all registered nodes ordered by peer id.
func (s *Store) ListNodes(ctx context.Context) ([]Node, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT node_id, peer_id, addr, platform, node_version, last_seen, status
		FROM   nodes
		ORDER  BY peer_id`)
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	defer rows.Close()

	var nodes []Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("scan node: %w", err)
		}
		nodes = append(nodes, *n)
	}
	return nodes, rows.Err()
}

// --- SimRun CRUD ---

// CreateSimRun inserts a new recorded simulation configuration.
func (s *Store) CreateSimRun(ctx context.Context, r SimRun) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sim_runs
			(run_id, label, num_procs, max_offset_size, epsilon, interval, delta_micros, alpha_millis, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		r.RunID, r.Label, r.NumProcs, r.MaxOffsetSize,
		r.Epsilon, r.Interval, r.DeltaMicros, r.AlphaMillis, r.Active,
	)
	if err != nil {
		return fmt.Errorf("create sim run: %w", err)
	}
	return nil
}

// GetSimRun fetches a single recorded simulation configuration by its UUID.
func (s *Store) GetSimRun(ctx context.Context, runID string) (*SimRun, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT run_id, label, num_procs, max_offset_size, epsilon, interval, delta_micros, alpha_millis, active
		FROM   sim_runs
		WHERE  run_id = $1`, runID)
	r, err := scanSimRun(row)
	if err != nil {
		return nil, fmt.Errorf("get sim run %s: %w", runID, err)
	}
	return r, nil
}

// ListSimRuns returns recorded simulation configurations ordered by run_id.
func (s *Store) ListSimRuns(ctx context.Context) ([]SimRun, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT run_id, label, num_procs, max_offset_size, epsilon, interval, delta_micros, alpha_millis, active
		FROM   sim_runs
		ORDER  BY run_id`)
	if err != nil {
		return nil, fmt.Errorf("list sim runs: %w", err)
	}
	defer rows.Close()

	var runs []SimRun
	for rows.Next() {
		r, err := scanSimRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan sim run: %w", err)
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

// --- internal helpers ---

// scanner is satisfied by both pgx.Row and pgx.Rows, allowing shared scan
// helpers across single-row and multi-row queries.
type scanner interface {
	Scan(dest ...any) error
}

func scanNode(s scanner) (*Node, error) {
	var n Node
	var platform, nodeVersion *string
	var status string
	err := s.Scan(&n.NodeID, &n.PeerID, &n.Addr, &platform, &nodeVersion, &n.LastSeen, &status)
	if err != nil {
		return nil, err
	}
	n.Status = NodeStatus(status)
	if platform != nil {
		n.Platform = *platform
	}
	if nodeVersion != nil {
		n.NodeVersion = *nodeVersion
	}
	return &n, nil
}

func scanSimRun(s scanner) (*SimRun, error) {
	var r SimRun
	err := s.Scan(&r.RunID, &r.Label, &r.NumProcs, &r.MaxOffsetSize, &r.Epsilon, &r.Interval, &r.DeltaMicros, &r.AlphaMillis, &r.Active)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// nullableStr converts an empty string to a nil pointer, which pgx stores
// as SQL NULL. A non-empty string is returned as-is.
func nullableStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Package telemetry provides a tamper-evident, append-only trace of
// ReplayClock SEND/RECV transitions. Each record is SHA-256 hash-chained to
// its predecessor, so a simulated or live run's trace can be checked for
// after-the-fact tampering when replaying it for debugging.
//
// # Hash chain
//
// The event_hash for record N is computed as:
//
//	SHA-256( JSON({seq, ts, record, prev_hash}) )
//
// The genesis record (seq=1) uses a prev_hash of 64 ASCII zero characters.
//
// # Append semantics
//
// Each record is encoded as a single JSON line terminated by '\n'. The
// underlying file is opened with os.O_APPEND | os.O_CREATE | os.O_WRONLY so
// that every write is appended atomically by the OS.
//
// # Thread safety
//
// Tracer is safe for concurrent use. A mutex serialises all Append calls to
// maintain a consistent sequence number and prev_hash.
package telemetry

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// GenesisHash is the all-zero SHA-256 hex digest used as the prev_hash of
// the very first (genesis) record in the chain.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// MsgType distinguishes the two kinds of transition the host records.
type MsgType string

const (
	Send MsgType = "SEND"
	Recv MsgType = "RECV"
)

// Record is one row of the telemetry stream spec.md §6 defines, extended
// with the DELTA and ALPHA simulator-layer fields
// original_source/scratch/replay-simulator.cc also emits.
type Record struct {
	MsgType       MsgType `json:"msg_type"`
	LocalAddr     string  `json:"local_addr"`
	RemoteAddr    string  `json:"remote_addr"`
	HLC           uint32  `json:"hlc"`
	Bitmap        uint32  `json:"bitmap"`
	Offsets       uint32  `json:"offsets"`
	Counter       uint32  `json:"counter"`
	NumProcs      uint    `json:"num_procs"`
	Epsilon       uint32  `json:"epsilon"`
	Interval      uint32  `json:"interval"`
	Delta         uint32  `json:"delta"`
	Alpha         uint32  `json:"alpha"`
	MaxOffsetSize uint    `json:"max_offset_size"`
	OffsetBytes   uint32  `json:"offset_bytes"`
	CounterBytes  uint32  `json:"counter_bytes"`
	ClockBytes    uint32  `json:"clock_bytes"`
	MaxOffset     uint32  `json:"max_offset"`
}

// CSVHeader is the exact header line replay-simulator.cc emits, kept as a
// superset of spec.md §6's telemetry field list.
const CSVHeader = "MSG_TYPE,NODE_1,NODE_2,HLC,BITMAP,OFFSETS,COUNTERS,NUM_PROCS,EPSILON,INTERVAL,DELTA,ALPHA,MAX_OFFSET_SIZE,OFFSET_SIZE,COUNTER_SIZE,CLOCK_SIZE,MAX_OFFSET"

// CSV renders r as one line matching CSVHeader, without a trailing newline.
func (r Record) CSV() string {
	return fmt.Sprintf("%s,%s,%s,%d,%d,%d,%d,%d,%d,%d,%d,%d,%d,%d,%d,%d,%d",
		r.MsgType, r.LocalAddr, r.RemoteAddr,
		r.HLC, r.Bitmap, r.Offsets, r.Counter,
		r.NumProcs, r.Epsilon, r.Interval, r.Delta, r.Alpha, r.MaxOffsetSize,
		r.OffsetBytes, r.CounterBytes, r.ClockBytes, r.MaxOffset,
	)
}

type entry struct {
	Seq       int64           `json:"seq"`
	Timestamp time.Time       `json:"ts"`
	Record    json.RawMessage `json:"record"`
	PrevHash  string          `json:"prev_hash"`
	EventHash string          `json:"event_hash"`
}

type entryContent struct {
	Seq       int64           `json:"seq"`
	Timestamp time.Time       `json:"ts"`
	Record    json.RawMessage `json:"record"`
	PrevHash  string          `json:"prev_hash"`
}

// Tracer is a tamper-evident, append-only telemetry writer. Create one with
// Open; do not copy after first use.
type Tracer struct {
	mu       sync.Mutex
	file     *os.File
	prevHash string
	seq      int64
}

// Open opens (or creates) the trace file at path. If the file already
// contains records, Open replays them to restore the current sequence
// number and prev_hash so the chain continues correctly.
func Open(path string) (*Tracer, error) {
	prevHash := GenesisHash
	seq := int64(0)

	if _, err := os.Stat(path); err == nil {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("telemetry: open for reading %q: %w", path, err)
		}
		scanner := bufio.NewScanner(f)
		buf := make([]byte, 0, 64*1024)
		scanner.Buffer(buf, 10*1024*1024)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			var e entry
			if err := json.Unmarshal(line, &e); err != nil {
				f.Close()
				return nil, fmt.Errorf("telemetry: malformed record at seq %d: %w", seq+1, err)
			}
			computed := hashContent(entryContent{Seq: e.Seq, Timestamp: e.Timestamp, Record: e.Record, PrevHash: e.PrevHash})
			if computed != e.EventHash {
				f.Close()
				return nil, fmt.Errorf("telemetry: hash mismatch at seq %d: stored %q, computed %q", e.Seq, e.EventHash, computed)
			}
			if e.PrevHash != prevHash {
				f.Close()
				return nil, fmt.Errorf("telemetry: chain break at seq %d: expected prev_hash %q, got %q", e.Seq, prevHash, e.PrevHash)
			}
			prevHash = e.EventHash
			seq = e.Seq
		}
		f.Close()
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("telemetry: scanning existing trace %q: %w", path, err)
		}
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("telemetry: open for appending %q: %w", path, err)
	}

	return &Tracer{file: f, prevHash: prevHash, seq: seq}, nil
}

// Append writes r as a new hash-chained record. It is safe to call from
// multiple goroutines.
func (t *Tracer) Append(r Record) error {
	raw, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("telemetry: marshal record: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	seq := t.seq + 1
	ts := time.Now().UTC()
	prevHash := t.prevHash

	content := entryContent{Seq: seq, Timestamp: ts, Record: raw, PrevHash: prevHash}
	eventHash := hashContent(content)

	e := entry{Seq: seq, Timestamp: ts, Record: raw, PrevHash: prevHash, EventHash: eventHash}
	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("telemetry: marshal entry: %w", err)
	}
	line = append(line, '\n')

	if _, err := t.file.Write(line); err != nil {
		return fmt.Errorf("telemetry: write entry: %w", err)
	}

	t.seq = seq
	t.prevHash = eventHash
	return nil
}

// Close flushes OS-level buffers and closes the underlying file.
func (t *Tracer) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.file.Sync(); err != nil {
		_ = t.file.Close()
		return fmt.Errorf("telemetry: sync: %w", err)
	}
	return t.file.Close()
}

// Verify reads the trace file at path and checks the full hash chain,
// returning the ordered records on success or the first chain error.
func Verify(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("telemetry: verify open %q: %w", path, err)
	}
	defer f.Close()

	var records []Record
	prevHash := GenesisHash
	scanner := bufio.NewScanner(f)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 10*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e entry
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, fmt.Errorf("telemetry: malformed entry: %w", err)
		}
		if e.PrevHash != prevHash {
			return nil, fmt.Errorf("telemetry: chain break at seq %d: expected prev_hash %q, got %q", e.Seq, prevHash, e.PrevHash)
		}
		computed := hashContent(entryContent{Seq: e.Seq, Timestamp: e.Timestamp, Record: e.Record, PrevHash: e.PrevHash})
		if computed != e.EventHash {
			return nil, fmt.Errorf("telemetry: hash mismatch at seq %d: stored %q, computed %q", e.Seq, e.EventHash, computed)
		}
		var r Record
		if err := json.Unmarshal(e.Record, &r); err != nil {
			return nil, fmt.Errorf("telemetry: malformed record at seq %d: %w", e.Seq, err)
		}
		records = append(records, r)
		prevHash = e.EventHash
	}
	return records, scanner.Err()
}

func hashContent(c entryContent) string {
	raw, err := json.Marshal(c)
	if err != nil {
		panic(fmt.Sprintf("telemetry: marshal entryContent: %v", err))
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// Package storage provides the PostgreSQL-backed persistence layer for the
// RepCL collector. It exposes typed model structs for the three database
// tables (nodes, clock_events, sim_runs) and a Store that wraps a pgxpool
// connection pool with a batched clock-event insert path.
package storage

import (
	"encoding/json"
	"time"
)

// NodeStatus represents the liveness state of a RepCL node as seen by the
// collector.
type NodeStatus string

const (
	NodeStatusOnline   NodeStatus = "ONLINE"
	NodeStatusOffline  NodeStatus = "OFFLINE"
	NodeStatusDegraded NodeStatus = "DEGRADED"
)

// Node maps to the `nodes` table.
//
// Addr is the node's "host:port" as reported at registration. LastSeen is
// the time of the node's latest registration; it is nil only when the row
// was written without one.
type Node struct {
	NodeID       string     `json:"node_id"`
	PeerID       uint       `json:"peer_id"`
	Addr         string     `json:"addr"`
	Platform     string     `json:"platform,omitempty"`
	NodeVersion  string     `json:"node_version,omitempty"`
	LastSeen     *time.Time `json:"last_seen,omitempty"`
	Status       NodeStatus `json:"status"`
}

// ClockEvent maps to the `clock_events` partitioned table: one row per
// SEND or RECV transition a node reports, mirroring telemetry.Record.
//
// Detail carries the raw JSONB encoding of the ClockEventMsg the collector
// received. A nil Detail is stored as the JSON value null.
type ClockEvent struct {
	EventID    string          `json:"event_id"`
	NodeID     string          `json:"node_id"`
	Timestamp  time.Time       `json:"timestamp"`
	MsgType    string          `json:"msg_type"`
	RemoteAddr string          `json:"remote_addr,omitempty"`
	HLC        uint32          `json:"hlc"`
	Bitmap     uint32          `json:"bitmap"`
	Offsets    uint32          `json:"offsets"`
	Counter    uint32          `json:"counter"`
	Detail     json.RawMessage `json:"detail,omitempty"`
	ReceivedAt time.Time       `json:"received_at"`
}

// SimRun maps to the `sim_runs` table: a recorded configuration of an
// `internal/sim` run, the RepCL analog of the teacher's tripwire_rules
// (a named, queryable configuration record rather than a live sensor
// rule).
type SimRun struct {
	RunID         string `json:"run_id"`
	Label         string `json:"label"`
	NumProcs      uint   `json:"num_procs"`
	MaxOffsetSize uint   `json:"max_offset_size"`
	Epsilon       uint32 `json:"epsilon"`
	Interval      uint32 `json:"interval"`
	DeltaMicros   uint32 `json:"delta_micros"`
	AlphaMillis   uint32 `json:"alpha_millis"`
	Active        bool   `json:"active"`
}

// ClockEventQuery carries the filter and pagination parameters for
// QueryClockEvents.
//
// From and To are mandatory and bracket the received_at column, enabling
// PostgreSQL partition pruning. Limit defaults to 100 when <= 0. An empty
// NodeID matches all nodes.
type ClockEventQuery struct {
	NodeID  string
	MsgType string
	From    time.Time
	To      time.Time
	Limit   int
	Offset  int
}

package clockpb

// RegisterRequest is sent once by a node on startup, mirroring the
// teacher's AgentRegistration message.
type RegisterRequest struct {
	NodeID   string `json:"node_id"`
	Addr     string `json:"addr"`
	Platform string `json:"platform"`
	Version  string `json:"version"`
}

// RegisterResponse carries the collector-assigned session identifier a
// node attaches to every ClockEventMsg it streams afterward.
type RegisterResponse struct {
	SessionID string `json:"session_id"`
}

// ClockEventMsg is the wire representation of one telemetry.Record,
// carrying both the SEND/RECV transition and the full ReplayClock state
// snapshot at that instant so the collector can reconstruct history
// without replaying the clock itself.
type ClockEventMsg struct {
	SessionID     string `json:"session_id"`
	NodeID        string `json:"node_id"`
	MsgType       string `json:"msg_type"`
	LocalAddr     string `json:"local_addr"`
	RemoteAddr    string `json:"remote_addr,omitempty"`
	HLC           uint32 `json:"hlc"`
	Bitmap        uint32 `json:"bitmap"`
	Offsets       uint32 `json:"offsets"`
	Counter       uint32 `json:"counter"`
	NumProcs      uint   `json:"num_procs"`
	MaxOffsetSize uint   `json:"max_offset_size"`
	Epsilon       uint32 `json:"epsilon"`
	Interval      uint32 `json:"interval"`
	Delta         uint32 `json:"delta"`
	Alpha         uint32 `json:"alpha"`
}

// AckType enumerates the outcomes the collector reports back on the
// StreamClockEvents stream, mirroring ServerAck's ok/error pair.
type AckType string

const (
	AckOK    AckType = "OK"
	AckError AckType = "ERROR"
)

// Ack is sent by the collector once per received ClockEventMsg.
type Ack struct {
	Type  AckType `json:"type"`
	Error string  `json:"error,omitempty"`
}

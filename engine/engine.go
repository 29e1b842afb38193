// Package engine talks to the out-of-process media engine: a child
// process that owns the actual WebRTC peer connections, audio devices and
// ICE gathering. The call core never touches RTP or DTLS itself — it asks
// this package to create sessions, trade SDP, and feed it ICE candidates,
// and it listens on a per-session event stream for connection-state and
// local-candidate notifications.
package engine

import (
	"context"
	"errors"
)

// ProxyType selects the outbound network proxy the media engine should use
// when gathering relay candidates.
type ProxyType int

const (
	ProxyNone ProxyType = iota
	ProxySOCKS5
	ProxyHTTP
)

// SessionConfig is supplied once, at session-creation time. It never
// changes over the life of a session.
type SessionConfig struct {
	Microphone string
	Speakers   string

	ProxyType     ProxyType
	ProxyHost     string
	ProxyPort     int
	ProxyUsername string
	ProxyPassword string

	TURNServer     string
	TURNUsername   string
	TURNCredential string

	// RelayOnly is always true in this deployment: the host never wants
	// host or srflx candidates leaking the user's real address.
	RelayOnly bool

	EchoCancel           bool
	EchoSuppressionLevel int // 0, 1, 2

	NoiseSuppression      bool
	NoiseSuppressionLevel int // 0, 1, 2, 3

	GainControl bool
}

// ConnectionState mirrors the states the media engine's ICE/DTLS stack can
// report for a session.
type ConnectionState string

const (
	StateNew          ConnectionState = "new"
	StateChecking     ConnectionState = "checking"
	StateConnected    ConnectionState = "connected"
	StateCompleted    ConnectionState = "completed"
	StateFailed       ConnectionState = "failed"
	StateDisconnected ConnectionState = "disconnected"
	StateClosed       ConnectionState = "closed"
)

// CandidateType is the ICE candidate type as reported by the engine.
type CandidateType string

const (
	CandidateHost  CandidateType = "host"
	CandidateSrflx CandidateType = "srflx"
	CandidateRelay CandidateType = "relay"
)

// Candidate is a single ICE candidate, in the form the media engine emits
// and accepts it — not yet translated to or from a Jingle candidate
// element.
type Candidate struct {
	SDPMid        string
	SDPMLineIndex int
	Candidate     string // full "candidate:..." attribute line
	Type          CandidateType
	Protocol      string // "udp" or "tcp"
}

// Stats is the subset of GetStats fields useful to an in-call quality
// indicator. Field names mirror the RPC response, not Go conventions the
// rest of this module would otherwise pick, because they are a pass-through
// of the media engine's wire shape.
type Stats struct {
	ConnectionState  ConnectionState
	ICEGatheringDone bool
	BytesSent        uint64
	BytesReceived    uint64
	BandwidthKbps    int
	LocalCandidates  []Candidate
	RemoteCandidates []Candidate
	ConnectionType   string // e.g. "host-host", "relay-relay"
}

// AudioDevice describes one input or output device the engine can bind to.
type AudioDevice struct {
	ID      string
	Name    string
	Default bool
}

// Event is delivered on a session's event stream. Exactly one of
// Candidate or State is non-nil/non-empty.
type Event struct {
	SessionID string
	Candidate *Candidate
	State     ConnectionState
}

var (
	ErrNotReady    = errors.New("engine: process not ready")
	ErrUnavailable = errors.New("engine: unavailable")
	ErrNoSession   = errors.New("engine: unknown session")
)

// Engine is everything the call core needs from the media engine. It is
// satisfied by *grpcEngine (the real child-process client) and by fakes in
// tests.
type Engine interface {
	CreateSession(ctx context.Context, sessionID string, cfg SessionConfig) error
	CreateOffer(ctx context.Context, sessionID string) (sdp string, err error)
	CreateAnswer(ctx context.Context, sessionID, remoteSDP string) (sdp string, err error)
	SetRemoteDescription(ctx context.Context, sessionID, remoteSDP string) error
	AddICECandidate(ctx context.Context, sessionID string, cand Candidate) error
	GetStats(ctx context.Context, sessionID string) (Stats, error)
	ListAudioDevices(ctx context.Context) (inputs, outputs []AudioDevice, err error)
	SetMute(ctx context.Context, sessionID string, muted bool) error
	EndSession(ctx context.Context, sessionID string) error

	// Events returns the per-session event channel. The channel is closed
	// when the stream terminates (cancellation, exhausted retries, or
	// EndSession). Consult ctx.Err() to distinguish cancellation from
	// failure.
	Events(ctx context.Context, sessionID string) (<-chan Event, error)

	// Shutdown tells the engine process to exit gracefully.
	Shutdown(ctx context.Context) error
}

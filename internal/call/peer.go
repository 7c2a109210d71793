package call

import "encoding/json"

// ConnState is the transport-level connectivity reported by the
// negotiation primitive.
type ConnState int

const (
	ConnStateNew ConnState = iota
	ConnStateConnected
	ConnStateDisconnected
	ConnStateFailed
	ConnStateClosed
)

func (s ConnState) String() string {
	switch s {
	case ConnStateConnected:
		return "connected"
	case ConnStateDisconnected:
		return "disconnected"
	case ConnStateFailed:
		return "failed"
	case ConnStateClosed:
		return "closed"
	default:
		return "new"
	}
}

// PeerConn is the negotiation primitive the machine drives: create
// offer/answer, set descriptions, exchange candidates, report
// connectivity. Descriptions and candidates are opaque JSON — the
// machine relays them without inspection. The production
// implementation wraps a Pion PeerConnection.
type PeerConn interface {
	// Attach adds the local capture's tracks to the connection. Must be
	// called before CreateOffer/CreateAnswer to be included in the
	// negotiated session.
	Attach(c Capture) error

	CreateOffer() (json.RawMessage, error)
	CreateAnswer() (json.RawMessage, error)
	SetLocalDescription(desc json.RawMessage) error
	SetRemoteDescription(desc json.RawMessage) error
	HasRemoteDescription() bool
	AddCandidate(cand json.RawMessage) error

	// OnCandidate registers the callback for locally gathered
	// candidates. Must be set before descriptions are exchanged.
	OnCandidate(fn func(cand json.RawMessage))
	// OnStateChange registers the callback for transport connectivity
	// transitions.
	OnStateChange(fn func(state ConnState))

	Close() error
}

// PeerConnFactory creates a fresh negotiation primitive for one call.
type PeerConnFactory func() (PeerConn, error)

// Capture is an acquired local media input.
type Capture interface {
	// SetMuted flips the enabled flag on the local audio tracks.
	// Purely local; no network effect.
	SetMuted(muted bool)
	Muted() bool
	// Stop releases the input device. Safe to call more than once.
	Stop()
}

// Media acquires the local audio input. Acquisition can fail with
// ErrMediaPermission or ErrNoAudioDevice.
type Media interface {
	AcquireAudio() (Capture, error)
}

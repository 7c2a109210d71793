// Package call implements the client-side call state machine. It owns
// a local negotiation primitive, sequences the offer/answer handshake,
// buffers connectivity candidates that arrive early, and exposes the
// call-control operations. Coupling to the network layer is via the
// Signaler interface only.
package call

import (
	"errors"

	"github.com/mossy-p/peercall/internal/models"
)

// State is the observable lifecycle state of a call session.
// Keep values stable; they are shown to and matched by consumers.
type State string

const (
	StateIdle       State = "idle"
	StateRinging    State = "ringing"
	StateConnecting State = "connecting"
	StateConnected  State = "connected"
	StateEnded      State = "ended"
)

// Direction says which side started the call.
type Direction string

const (
	DirectionOutgoing Direction = "outgoing"
	DirectionIncoming Direction = "incoming"
)

// Participant identifies the remote party of a call.
type Participant struct {
	UserID   string
	Username string
}

// IncomingCall is the prompt surfaced when a call request arrives. No
// session exists until the user answers.
type IncomingCall struct {
	From         string
	FromUsername string
}

// Snapshot is the read-only view of the active session handed to the
// UI layer.
type Snapshot struct {
	Peer      Participant
	Direction Direction
	State     State
	Muted     bool
}

// Signaler is the outbound/inbound signaling channel the machine
// drives. Send must not block; Subscribe yields every message delivered
// to this client until cancel is called.
type Signaler interface {
	Send(msg models.SignalMessage) error
	Subscribe() (<-chan models.SignalMessage, func())
}

// EventKind tags machine events for the UI layer.
type EventKind string

const (
	EventStateChanged EventKind = "state-changed"
	EventIncoming     EventKind = "incoming-call"
	EventNotice       EventKind = "notice"
	EventFailure      EventKind = "failure"
)

// Event is pushed to the events channel on every observable change.
type Event struct {
	Kind    EventKind
	State   State         // set for state-changed
	Prompt  *IncomingCall // set for incoming-call
	Message string        // human-readable, set for notice/failure
}

// Errors surfaced to the user. None of them are fatal to the process;
// each aborted operation leaves the machine fully cleaned up.
var (
	ErrNoChannel       = errors.New("no connection to server")
	ErrBusy            = errors.New("already in a call")
	ErrNoPrompt        = errors.New("no incoming call to answer")
	ErrNotConnected    = errors.New("not in a connected call")
	ErrMediaPermission = errors.New("microphone access denied")
	ErrNoAudioDevice   = errors.New("no microphone found")
)

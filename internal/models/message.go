package models

import "encoding/json"

// SignalType represents the type of a call signaling message.
type SignalType string

// Client -> server types carry "to"; server -> client deliveries carry
// "from" (or "by" for accepted). SDP and ICE payloads are passed through
// opaque — the server never inspects them.
const (
	SignalTypeInitiate  SignalType = "initiate"
	SignalTypeIncoming  SignalType = "incoming"
	SignalTypeAccept    SignalType = "accept"
	SignalTypeAccepted  SignalType = "accepted"
	SignalTypeReject    SignalType = "reject"
	SignalTypeRejected  SignalType = "rejected"
	SignalTypeOffer     SignalType = "offer"
	SignalTypeAnswer    SignalType = "answer"
	SignalTypeCandidate SignalType = "candidate"
	SignalTypeEnd       SignalType = "end"
	SignalTypeEnded     SignalType = "ended"
	SignalTypeOffline   SignalType = "contact-offline"
	SignalTypeError     SignalType = "error"
)

// SignalMessage represents one call signaling message.
type SignalMessage struct {
	Type          SignalType      `json:"type"`
	To            string          `json:"to,omitempty"`
	From          string          `json:"from,omitempty"`
	FromUsername  string          `json:"fromUsername,omitempty"`
	By            string          `json:"by,omitempty"`
	Offer         json.RawMessage `json:"offer,omitempty"`
	Answer        json.RawMessage `json:"answer,omitempty"`
	Candidate     json.RawMessage `json:"candidate,omitempty"`
	ContactUserID string          `json:"contactUserId,omitempty"`
	Error         string          `json:"error,omitempty"`
}

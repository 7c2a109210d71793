// Package relay forwards call signaling messages between exactly two
// connected users. It authenticates nothing itself — the websocket
// layer validates identity once at connect time — and holds no call
// state: each message is resolved, forwarded and forgotten.
package relay

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/mossy-p/peercall/internal/models"
	"github.com/mossy-p/peercall/internal/presence"
)

// Handle is an addressable endpoint for pushing messages to one
// connected client instance. Deliver is best-effort and must not block.
type Handle interface {
	ConnID() string
	UserID() string
	Username() string
	Deliver(msg models.SignalMessage) error
	// Kick sends a terminal error message and closes the connection.
	Kick(reason string)
}

// Relay routes messages via the presence registry. The registry maps
// user id -> connection id; the relay's own table maps connection id ->
// live handle. A registry entry whose connection id has no live handle
// is treated the same as no entry at all: the user is offline.
type Relay struct {
	registry *presence.Registry

	mu      sync.RWMutex
	handles map[string]Handle
}

func New(registry *presence.Registry) *Relay {
	return &Relay{
		registry: registry,
		handles:  make(map[string]Handle),
	}
}

// Bind registers h as the delivery address for its user. If the user
// already has a live connection it is superseded: the old connection is
// told why and closed, the new one takes over delivery.
func (r *Relay) Bind(ctx context.Context, h Handle) {
	var superseded Handle
	if connID, ok := r.registry.Resolve(ctx, h.UserID()); ok && connID != h.ConnID() {
		r.mu.RLock()
		superseded = r.handles[connID]
		r.mu.RUnlock()
	}

	r.mu.Lock()
	r.handles[h.ConnID()] = h
	r.mu.Unlock()

	r.registry.Register(ctx, h.UserID(), h.ConnID())

	if superseded != nil {
		log.Info().
			Str("user_id", h.UserID()).
			Str("old_conn", superseded.ConnID()).
			Str("new_conn", h.ConnID()).
			Msg("relay: connection superseded")
		superseded.Kick("signed in from another connection")
	}

	log.Info().Str("user_id", h.UserID()).Str("conn_id", h.ConnID()).Msg("relay: connected")
}

// Unbind removes h and its registry entry. Safe to call for a handle
// that was already superseded — the registry only deletes an entry that
// still points at h's connection id.
func (r *Relay) Unbind(ctx context.Context, h Handle) {
	r.mu.Lock()
	delete(r.handles, h.ConnID())
	r.mu.Unlock()

	r.registry.Unregister(ctx, h.UserID(), h.ConnID())
	log.Info().Str("user_id", h.UserID()).Str("conn_id", h.ConnID()).Msg("relay: disconnected")
}

// Route forwards one message from sender to the recipient named in
// msg.To. Only initiate reports an offline recipient back to the
// sender; every other type is fire-and-forget and silently dropped.
func (r *Relay) Route(ctx context.Context, sender Handle, msg models.SignalMessage) {
	switch msg.Type {
	case models.SignalTypeInitiate:
		// A user cannot ring their own connection.
		if msg.To == sender.UserID() {
			r.deliver(sender, models.SignalMessage{
				Type:  models.SignalTypeError,
				Error: "cannot call yourself",
			})
			return
		}
		target, ok := r.resolve(ctx, msg.To)
		if !ok {
			r.deliver(sender, models.SignalMessage{
				Type:          models.SignalTypeOffline,
				ContactUserID: msg.To,
			})
			return
		}
		r.deliver(target, models.SignalMessage{
			Type:         models.SignalTypeIncoming,
			From:         sender.UserID(),
			FromUsername: sender.Username(),
		})

	case models.SignalTypeAccept:
		r.forward(ctx, msg.To, models.SignalMessage{
			Type: models.SignalTypeAccepted,
			By:   sender.UserID(),
		})

	case models.SignalTypeReject:
		r.forward(ctx, msg.To, models.SignalMessage{
			Type: models.SignalTypeRejected,
		})

	case models.SignalTypeOffer:
		r.forward(ctx, msg.To, models.SignalMessage{
			Type:  models.SignalTypeOffer,
			From:  sender.UserID(),
			Offer: msg.Offer,
		})

	case models.SignalTypeAnswer:
		r.forward(ctx, msg.To, models.SignalMessage{
			Type:   models.SignalTypeAnswer,
			From:   sender.UserID(),
			Answer: msg.Answer,
		})

	case models.SignalTypeCandidate:
		// Forwarded unconditionally; buffering candidates that arrive
		// before the remote description is the receiver's job.
		r.forward(ctx, msg.To, models.SignalMessage{
			Type:      models.SignalTypeCandidate,
			From:      sender.UserID(),
			Candidate: msg.Candidate,
		})

	case models.SignalTypeEnd:
		r.forward(ctx, msg.To, models.SignalMessage{
			Type: models.SignalTypeEnded,
			From: sender.UserID(),
		})

	default:
		log.Warn().
			Str("type", string(msg.Type)).
			Str("user_id", sender.UserID()).
			Msg("relay: unknown message type")
	}
}

func (r *Relay) forward(ctx context.Context, to string, msg models.SignalMessage) {
	target, ok := r.resolve(ctx, to)
	if !ok {
		log.Debug().Str("to", to).Str("type", string(msg.Type)).Msg("relay: recipient offline, dropping")
		return
	}
	r.deliver(target, msg)
}

func (r *Relay) resolve(ctx context.Context, userID string) (Handle, bool) {
	if userID == "" {
		return nil, false
	}
	connID, ok := r.registry.Resolve(ctx, userID)
	if !ok {
		return nil, false
	}
	r.mu.RLock()
	h, ok := r.handles[connID]
	r.mu.RUnlock()
	return h, ok
}

func (r *Relay) deliver(h Handle, msg models.SignalMessage) {
	if err := h.Deliver(msg); err != nil {
		log.Warn().
			Err(err).
			Str("user_id", h.UserID()).
			Str("type", string(msg.Type)).
			Msg("relay: delivery failed")
	}
}

// Package presence maps a user identity to the connection id of its one
// live signaling channel. At most one entry exists per user; the last
// registration always wins.
package presence

import (
	"context"

	"github.com/rs/zerolog/log"
)

// Registry tracks which connection currently delivers for each user.
// Store failures degrade to "offline" — message handling must never
// crash because the backing store is unreachable.
type Registry struct {
	store Store
}

func NewRegistry(store Store) *Registry {
	return &Registry{store: store}
}

// Register records connID as the delivery address for userID,
// unconditionally overwriting any prior entry.
func (r *Registry) Register(ctx context.Context, userID, connID string) {
	if err := r.store.Set(ctx, userID, connID); err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("presence: register failed")
	}
}

// Resolve returns the connection id registered for userID, if any.
func (r *Registry) Resolve(ctx context.Context, userID string) (string, bool) {
	connID, ok, err := r.store.Get(ctx, userID)
	if err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("presence: resolve failed, treating as offline")
		return "", false
	}
	return connID, ok
}

// Unregister removes the entry for userID, but only if it still points
// at connID. A reconnect overwrites the entry with a fresh connection
// id; the old connection's teardown must not delete the new entry.
func (r *Registry) Unregister(ctx context.Context, userID, connID string) {
	current, ok, err := r.store.Get(ctx, userID)
	if err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("presence: unregister lookup failed")
		return
	}
	if !ok || current != connID {
		return
	}
	if err := r.store.Del(ctx, userID); err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("presence: unregister failed")
	}
}

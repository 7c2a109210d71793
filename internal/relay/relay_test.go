package relay

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/mossy-p/peercall/internal/models"
	"github.com/mossy-p/peercall/internal/presence"
)

// fakeHandle records deliveries in-process.
type fakeHandle struct {
	connID   string
	userID   string
	username string

	delivered []models.SignalMessage
	kicked    string
}

func newFakeHandle(connID, userID string) *fakeHandle {
	return &fakeHandle{connID: connID, userID: userID, username: userID}
}

func (h *fakeHandle) ConnID() string   { return h.connID }
func (h *fakeHandle) UserID() string   { return h.userID }
func (h *fakeHandle) Username() string { return h.username }

func (h *fakeHandle) Deliver(msg models.SignalMessage) error {
	h.delivered = append(h.delivered, msg)
	return nil
}

func (h *fakeHandle) Kick(reason string) { h.kicked = reason }

func newTestRelay() *Relay {
	return New(presence.NewRegistry(presence.NewMemoryStore()))
}

func (h *fakeHandle) lastDelivered(t *testing.T) models.SignalMessage {
	t.Helper()
	if len(h.delivered) == 0 {
		t.Fatalf("%s: expected a delivery", h.userID)
	}
	return h.delivered[len(h.delivered)-1]
}

func TestInitiateDeliversIncoming(t *testing.T) {
	ctx := context.Background()
	rl := newTestRelay()
	alice := newFakeHandle("c1", "alice")
	bob := newFakeHandle("c2", "bob")
	rl.Bind(ctx, alice)
	rl.Bind(ctx, bob)

	rl.Route(ctx, alice, models.SignalMessage{Type: models.SignalTypeInitiate, To: "bob"})

	got := bob.lastDelivered(t)
	if got.Type != models.SignalTypeIncoming {
		t.Fatalf("expected incoming, got %s", got.Type)
	}
	if got.From != "alice" || got.FromUsername != "alice" {
		t.Errorf("unexpected sender fields: %+v", got)
	}
	if got.To != "" {
		t.Errorf("delivered message must not carry to, got %q", got.To)
	}
}

func TestInitiateOfflineRepliesSenderOnly(t *testing.T) {
	ctx := context.Background()
	rl := newTestRelay()
	alice := newFakeHandle("c1", "alice")
	rl.Bind(ctx, alice)

	rl.Route(ctx, alice, models.SignalMessage{Type: models.SignalTypeInitiate, To: "bob"})

	got := alice.lastDelivered(t)
	if got.Type != models.SignalTypeOffline {
		t.Fatalf("expected contact-offline, got %s", got.Type)
	}
	if got.ContactUserID != "bob" {
		t.Errorf("expected contactUserId=bob, got %q", got.ContactUserID)
	}
}

func TestInitiateToSelfRejected(t *testing.T) {
	ctx := context.Background()
	rl := newTestRelay()
	alice := newFakeHandle("c1", "alice")
	rl.Bind(ctx, alice)

	rl.Route(ctx, alice, models.SignalMessage{Type: models.SignalTypeInitiate, To: "alice"})

	got := alice.lastDelivered(t)
	if got.Type != models.SignalTypeError {
		t.Fatalf("expected error, got %s", got.Type)
	}
}

func TestDeadHandleTreatedAsOffline(t *testing.T) {
	ctx := context.Background()
	rl := newTestRelay()
	alice := newFakeHandle("c1", "alice")
	bob := newFakeHandle("c2", "bob")
	rl.Bind(ctx, alice)
	rl.Bind(ctx, bob)

	// Simulate a handle that died without cleaning its registry entry.
	rl.mu.Lock()
	delete(rl.handles, "c2")
	rl.mu.Unlock()

	rl.Route(ctx, alice, models.SignalMessage{Type: models.SignalTypeInitiate, To: "bob"})

	got := alice.lastDelivered(t)
	if got.Type != models.SignalTypeOffline {
		t.Fatalf("stale registry entry must look offline, got %s", got.Type)
	}
}

func TestForwardingTable(t *testing.T) {
	sdp := json.RawMessage(`{"type":"offer","sdp":"v=0"}`)
	cand := json.RawMessage(`{"candidate":"candidate:1"}`)

	tests := []struct {
		name     string
		send     models.SignalMessage
		wantType models.SignalType
		check    func(t *testing.T, got models.SignalMessage)
	}{
		{
			name:     "accept becomes accepted with by",
			send:     models.SignalMessage{Type: models.SignalTypeAccept, To: "bob"},
			wantType: models.SignalTypeAccepted,
			check: func(t *testing.T, got models.SignalMessage) {
				if got.By != "alice" {
					t.Errorf("expected by=alice, got %q", got.By)
				}
			},
		},
		{
			name:     "reject becomes rejected",
			send:     models.SignalMessage{Type: models.SignalTypeReject, To: "bob"},
			wantType: models.SignalTypeRejected,
		},
		{
			name:     "offer forwarded with payload",
			send:     models.SignalMessage{Type: models.SignalTypeOffer, To: "bob", Offer: sdp},
			wantType: models.SignalTypeOffer,
			check: func(t *testing.T, got models.SignalMessage) {
				if string(got.Offer) != string(sdp) || got.From != "alice" {
					t.Errorf("offer not passed through: %+v", got)
				}
			},
		},
		{
			name:     "answer forwarded with payload",
			send:     models.SignalMessage{Type: models.SignalTypeAnswer, To: "bob", Answer: sdp},
			wantType: models.SignalTypeAnswer,
			check: func(t *testing.T, got models.SignalMessage) {
				if string(got.Answer) != string(sdp) || got.From != "alice" {
					t.Errorf("answer not passed through: %+v", got)
				}
			},
		},
		{
			name:     "candidate forwarded unconditionally",
			send:     models.SignalMessage{Type: models.SignalTypeCandidate, To: "bob", Candidate: cand},
			wantType: models.SignalTypeCandidate,
			check: func(t *testing.T, got models.SignalMessage) {
				if string(got.Candidate) != string(cand) {
					t.Errorf("candidate not passed through: %+v", got)
				}
			},
		},
		{
			name:     "end becomes ended with from",
			send:     models.SignalMessage{Type: models.SignalTypeEnd, To: "bob"},
			wantType: models.SignalTypeEnded,
			check: func(t *testing.T, got models.SignalMessage) {
				if got.From != "alice" {
					t.Errorf("expected from=alice, got %q", got.From)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			rl := newTestRelay()
			alice := newFakeHandle("c1", "alice")
			bob := newFakeHandle("c2", "bob")
			rl.Bind(ctx, alice)
			rl.Bind(ctx, bob)

			rl.Route(ctx, alice, tt.send)

			got := bob.lastDelivered(t)
			if got.Type != tt.wantType {
				t.Fatalf("expected %s, got %s", tt.wantType, got.Type)
			}
			if tt.check != nil {
				tt.check(t, got)
			}
		})
	}
}

func TestForwardToOfflineIsDropped(t *testing.T) {
	ctx := context.Background()
	rl := newTestRelay()
	alice := newFakeHandle("c1", "alice")
	rl.Bind(ctx, alice)

	rl.Route(ctx, alice, models.SignalMessage{Type: models.SignalTypeEnd, To: "bob"})

	// Only initiate reports offline; end is fire-and-forget.
	if len(alice.delivered) != 0 {
		t.Errorf("expected no reply to sender, got %+v", alice.delivered)
	}
}

func TestSecondConnectionSupersedes(t *testing.T) {
	ctx := context.Background()
	rl := newTestRelay()
	first := newFakeHandle("c1", "alice")
	second := newFakeHandle("c2", "alice")
	bob := newFakeHandle("c3", "bob")
	rl.Bind(ctx, first)
	rl.Bind(ctx, second)
	rl.Bind(ctx, bob)

	if first.kicked == "" {
		t.Error("expected the superseded connection to be kicked")
	}

	// Delivery now goes to the new connection only.
	rl.Route(ctx, bob, models.SignalMessage{Type: models.SignalTypeInitiate, To: "alice"})
	if len(second.delivered) != 1 {
		t.Fatalf("expected delivery on new connection, got %d", len(second.delivered))
	}
	if len(first.delivered) != 0 {
		t.Errorf("expected no delivery on old connection, got %+v", first.delivered)
	}
}

func TestUnbindAfterSupersedeKeepsPresence(t *testing.T) {
	ctx := context.Background()
	rl := newTestRelay()
	first := newFakeHandle("c1", "alice")
	second := newFakeHandle("c2", "alice")
	bob := newFakeHandle("c3", "bob")
	rl.Bind(ctx, first)
	rl.Bind(ctx, second)
	rl.Bind(ctx, bob)

	// The kicked connection's read pump eventually unbinds it. That
	// must not knock the fresh connection offline.
	rl.Unbind(ctx, first)

	rl.Route(ctx, bob, models.SignalMessage{Type: models.SignalTypeInitiate, To: "alice"})
	got := second.lastDelivered(t)
	if got.Type != models.SignalTypeIncoming {
		t.Fatalf("expected incoming on surviving connection, got %s", got.Type)
	}
}

package handlers

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/mossy-p/peercall/internal/middleware"
	"github.com/mossy-p/peercall/internal/models"
	"github.com/mossy-p/peercall/internal/presence"
	"github.com/mossy-p/peercall/internal/relay"
	"github.com/mossy-p/peercall/internal/wsclient"
)

const testSecret = "test-secret"

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	rl := relay.New(presence.NewRegistry(presence.NewMemoryStore()))

	router := gin.New()
	router.GET("/ws/signal", HandleSignaling(rl, testSecret))

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv
}

func signToken(t *testing.T, userID, username string) string {
	t.Helper()
	claims := middleware.JWTClaims{
		UserID:   userID,
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return token
}

func connect(t *testing.T, srv *httptest.Server, userID string) (*wsclient.Conn, <-chan models.SignalMessage) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn, err := wsclient.Dial(ctx, srv.URL, signToken(t, userID, userID))
	if err != nil {
		t.Fatalf("%s: dial failed: %v", userID, err)
	}
	t.Cleanup(func() { conn.Close() })

	ch, _ := conn.Subscribe()
	// Let the server finish binding the connection before routing to it.
	time.Sleep(50 * time.Millisecond)
	return conn, ch
}

func recv(t *testing.T, ch <-chan models.SignalMessage) models.SignalMessage {
	t.Helper()
	select {
	case msg, ok := <-ch:
		if !ok {
			t.Fatal("connection closed while waiting for a message")
		}
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a message")
		return models.SignalMessage{}
	}
}

func TestSignalingEndToEnd(t *testing.T) {
	srv := newTestServer(t)
	alice, aliceIn := connect(t, srv, "alice")
	bob, bobIn := connect(t, srv, "bob")

	// A rings B.
	if err := alice.Send(models.SignalMessage{Type: models.SignalTypeInitiate, To: "bob"}); err != nil {
		t.Fatal(err)
	}
	incoming := recv(t, bobIn)
	if incoming.Type != models.SignalTypeIncoming || incoming.From != "alice" {
		t.Fatalf("unexpected incoming: %+v", incoming)
	}
	if incoming.FromUsername != "alice" {
		t.Errorf("expected fromUsername from the token, got %q", incoming.FromUsername)
	}

	// B accepts; A learns who accepted.
	if err := bob.Send(models.SignalMessage{Type: models.SignalTypeAccept, To: "alice"}); err != nil {
		t.Fatal(err)
	}
	accepted := recv(t, aliceIn)
	if accepted.Type != models.SignalTypeAccepted || accepted.By != "bob" {
		t.Fatalf("unexpected accepted: %+v", accepted)
	}

	// Offer, answer and candidates pass through untouched.
	offer := json.RawMessage(`{"type":"offer","sdp":"v=0"}`)
	if err := alice.Send(models.SignalMessage{Type: models.SignalTypeOffer, To: "bob", Offer: offer}); err != nil {
		t.Fatal(err)
	}
	gotOffer := recv(t, bobIn)
	if gotOffer.Type != models.SignalTypeOffer || string(gotOffer.Offer) != string(offer) {
		t.Fatalf("unexpected offer: %+v", gotOffer)
	}

	answer := json.RawMessage(`{"type":"answer","sdp":"v=0"}`)
	if err := bob.Send(models.SignalMessage{Type: models.SignalTypeAnswer, To: "alice", Answer: answer}); err != nil {
		t.Fatal(err)
	}
	gotAnswer := recv(t, aliceIn)
	if gotAnswer.Type != models.SignalTypeAnswer || string(gotAnswer.Answer) != string(answer) {
		t.Fatalf("unexpected answer: %+v", gotAnswer)
	}

	cand := json.RawMessage(`{"candidate":"candidate:1"}`)
	if err := alice.Send(models.SignalMessage{Type: models.SignalTypeCandidate, To: "bob", Candidate: cand}); err != nil {
		t.Fatal(err)
	}
	gotCand := recv(t, bobIn)
	if gotCand.Type != models.SignalTypeCandidate || string(gotCand.Candidate) != string(cand) {
		t.Fatalf("unexpected candidate: %+v", gotCand)
	}

	// Hang up.
	if err := alice.Send(models.SignalMessage{Type: models.SignalTypeEnd, To: "bob"}); err != nil {
		t.Fatal(err)
	}
	ended := recv(t, bobIn)
	if ended.Type != models.SignalTypeEnded || ended.From != "alice" {
		t.Fatalf("unexpected ended: %+v", ended)
	}
}

func TestInitiateToOfflineUser(t *testing.T) {
	srv := newTestServer(t)
	alice, aliceIn := connect(t, srv, "alice")

	if err := alice.Send(models.SignalMessage{Type: models.SignalTypeInitiate, To: "ghost"}); err != nil {
		t.Fatal(err)
	}
	got := recv(t, aliceIn)
	if got.Type != models.SignalTypeOffline || got.ContactUserID != "ghost" {
		t.Fatalf("unexpected reply: %+v", got)
	}
}

func TestRejectedHandshakeToken(t *testing.T) {
	srv := newTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := wsclient.Dial(ctx, srv.URL, "not-a-token"); err == nil {
		t.Fatal("expected dial with a bad token to fail")
	}
}

func TestSecondConnectionSupersedesFirst(t *testing.T) {
	srv := newTestServer(t)
	_, firstIn := connect(t, srv, "alice")
	_, secondIn := connect(t, srv, "alice")
	bob, _ := connect(t, srv, "bob")

	// The first connection is told it lost the session.
	got := recv(t, firstIn)
	if got.Type != models.SignalTypeError {
		t.Fatalf("expected error on superseded connection, got %+v", got)
	}

	// Bob still reaches alice, on the new connection.
	if err := bob.Send(models.SignalMessage{Type: models.SignalTypeInitiate, To: "alice"}); err != nil {
		t.Fatal(err)
	}
	incoming := recv(t, secondIn)
	if incoming.Type != models.SignalTypeIncoming || incoming.From != "bob" {
		t.Fatalf("unexpected incoming on superseding connection: %+v", incoming)
	}
}

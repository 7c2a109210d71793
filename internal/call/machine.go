package call

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mossy-p/peercall/internal/models"
)

// Options tunes the machine. Zero values select the defaults.
type Options struct {
	// RingTimeout bounds how long a call may sit in ringing or
	// connecting before it is cancelled. Negative disables the timer.
	RingTimeout time.Duration
	// EndedGrace is how long the terminal ended state is held before
	// the machine resets to idle, so a UI can render a final frame.
	// Negative resets immediately.
	EndedGrace  time.Duration
	EventBuffer int
}

const (
	defaultRingTimeout = 30 * time.Second
	defaultEndedGrace  = time.Second
	defaultEventBuffer = 16
)

// Machine sequences one call at a time. State transitions happen in
// response to either a local control operation or an inbound signaling
// message, serialized by one mutex — never concurrently for the same
// session.
type Machine struct {
	sig     Signaler
	media   Media
	newConn PeerConnFactory

	ringTimeout time.Duration
	endedGrace  time.Duration

	events chan Event

	mu        sync.Mutex
	sess      *session
	prompt    *IncomingCall
	muted     bool
	gen       int // bumped on session create/teardown; stale timers and callbacks check it
	ringTimer *time.Timer

	done      chan struct{}
	closeOnce sync.Once
	cancelSub func()
}

// New builds a Machine and starts consuming sig's subscription
// immediately. Call Close to stop it.
func New(sig Signaler, media Media, factory PeerConnFactory, opts Options) *Machine {
	if opts.RingTimeout == 0 {
		opts.RingTimeout = defaultRingTimeout
	}
	if opts.EndedGrace == 0 {
		opts.EndedGrace = defaultEndedGrace
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = defaultEventBuffer
	}

	m := &Machine{
		sig:         sig,
		media:       media,
		newConn:     factory,
		ringTimeout: opts.RingTimeout,
		endedGrace:  opts.EndedGrace,
		events:      make(chan Event, opts.EventBuffer),
		done:        make(chan struct{}),
	}

	ch, cancel := sig.Subscribe()
	m.cancelSub = cancel
	go m.loop(ch)
	return m
}

// Events returns the machine's event stream. Events are dropped, not
// blocked on, if the consumer falls behind.
func (m *Machine) Events() <-chan Event { return m.events }

// Snapshot returns the current session view, or nil when idle.
func (m *Machine) Snapshot() *Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil {
		return nil
	}
	return &Snapshot{
		Peer:      m.sess.peer,
		Direction: m.sess.direction,
		State:     m.sess.state,
		Muted:     m.muted,
	}
}

// Prompt returns the pending incoming-call prompt, or nil.
func (m *Machine) Prompt() *IncomingCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.prompt == nil {
		return nil
	}
	p := *m.prompt
	return &p
}

// InitiateCall starts an outgoing call to peer. No negotiation
// primitive is created yet — the accepting side originates the offer,
// so the caller's primitive is built on receipt of accepted.
func (m *Machine) InitiateCall(peer Participant) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sess != nil || m.prompt != nil {
		return ErrBusy
	}

	if err := m.sig.Send(models.SignalMessage{
		Type: models.SignalTypeInitiate,
		To:   peer.UserID,
	}); err != nil {
		m.emit(Event{Kind: EventFailure, Message: "No connection to server"})
		return ErrNoChannel
	}

	m.gen++
	m.sess = &session{peer: peer, direction: DirectionOutgoing, state: StateRinging}
	m.armTimeoutLocked()
	m.emitState(StateRinging)
	return nil
}

// AnswerCall accepts the pending incoming prompt: acquires the local
// audio input, creates the session in connecting state and tells the
// caller to proceed.
func (m *Machine) AnswerCall() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.prompt == nil {
		return ErrNoPrompt
	}
	prompt := *m.prompt

	capture, err := m.media.AcquireAudio()
	if err != nil {
		m.prompt = nil
		m.emit(Event{Kind: EventFailure, Message: mediaFailureMessage(err)})
		return err
	}

	m.prompt = nil
	m.gen++
	m.sess = &session{
		peer:      Participant{UserID: prompt.From, Username: prompt.FromUsername},
		direction: DirectionIncoming,
		state:     StateConnecting,
		capture:   capture,
	}

	if err := m.sig.Send(models.SignalMessage{
		Type: models.SignalTypeAccept,
		To:   prompt.From,
	}); err != nil {
		m.failLocked(false, "No connection to server")
		return ErrNoChannel
	}

	m.armTimeoutLocked()
	m.emitState(StateConnecting)
	return nil
}

// RejectCall declines the pending incoming prompt. No-op without one.
func (m *Machine) RejectCall() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.prompt == nil {
		return
	}
	_ = m.sig.Send(models.SignalMessage{
		Type: models.SignalTypeReject,
		To:   m.prompt.From,
	})
	m.prompt = nil
	m.emit(Event{Kind: EventNotice, Message: "Call rejected"})
}

// EndCall hangs up. Safe to call in any state, idempotent. The peer is
// notified only when notifyPeer is true and the session had not already
// reached a terminal state.
func (m *Machine) EndCall(notifyPeer bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.teardownLocked(notifyPeer)
}

// ToggleMute flips the enabled flag on the local audio input. Purely
// local; the server is not involved. Returns the new muted state.
func (m *Machine) ToggleMute() (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sess == nil || m.sess.state != StateConnected || m.sess.capture == nil {
		return false, ErrNotConnected
	}
	m.muted = !m.muted
	m.sess.capture.SetMuted(m.muted)
	return m.muted, nil
}

// Close stops the machine, tearing down any active call with a
// best-effort end notification to the peer.
func (m *Machine) Close() {
	m.closeOnce.Do(func() {
		m.EndCall(true)
		close(m.done)
		if m.cancelSub != nil {
			m.cancelSub()
		}
	})
}

func (m *Machine) loop(ch <-chan models.SignalMessage) {
	for {
		select {
		case <-m.done:
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			m.handle(msg)
		}
	}
}

func (m *Machine) handle(msg models.SignalMessage) {
	switch msg.Type {
	case models.SignalTypeIncoming:
		m.handleIncoming(msg)
	case models.SignalTypeAccepted:
		m.handleAccepted(msg)
	case models.SignalTypeRejected:
		m.handleRejected()
	case models.SignalTypeOffer:
		m.handleOffer(msg)
	case models.SignalTypeAnswer:
		m.handleAnswer(msg)
	case models.SignalTypeCandidate:
		m.handleCandidate(msg)
	case models.SignalTypeEnded:
		m.handleEnded()
	case models.SignalTypeOffline:
		m.handleOffline()
	case models.SignalTypeError:
		m.emit(Event{Kind: EventNotice, Message: msg.Error})
	default:
		log.Debug().Str("type", string(msg.Type)).Msg("call: ignoring message")
	}
}

// handleIncoming surfaces the incoming-call prompt, or silently
// auto-declines when a call or prompt is already active.
func (m *Machine) handleIncoming(msg models.SignalMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sess != nil || m.prompt != nil {
		_ = m.sig.Send(models.SignalMessage{
			Type: models.SignalTypeReject,
			To:   msg.From,
		})
		return
	}

	m.prompt = &IncomingCall{From: msg.From, FromUsername: msg.FromUsername}
	p := *m.prompt
	m.emit(Event{Kind: EventIncoming, Prompt: &p})
}

// handleAccepted runs on the caller side: the callee agreed, so acquire
// media, build the primitive and send the offer.
func (m *Machine) handleAccepted(msg models.SignalMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.sess
	if s == nil || s.direction != DirectionOutgoing || s.state != StateRinging {
		log.Debug().Msg("call: accepted in unexpected state, ignoring")
		return
	}

	capture, err := m.media.AcquireAudio()
	if err != nil {
		m.failLocked(true, mediaFailureMessage(err))
		return
	}
	s.capture = capture

	if err := m.createPeerLocked(s); err != nil {
		m.failLocked(true, "Failed to connect")
		return
	}

	offer, err := s.pc.CreateOffer()
	if err == nil {
		err = s.pc.SetLocalDescription(offer)
	}
	if err != nil {
		m.failLocked(true, "Failed to connect")
		return
	}

	_ = m.sig.Send(models.SignalMessage{
		Type:  models.SignalTypeOffer,
		To:    msg.By,
		Offer: offer,
	})

	s.state = StateConnecting
	m.armTimeoutLocked()
	m.emitState(StateConnecting)
}

// handleOffer runs on the callee side after answering: apply the remote
// offer, drain buffered candidates, reply with an answer.
func (m *Machine) handleOffer(msg models.SignalMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.sess
	if s == nil || s.direction != DirectionIncoming {
		log.Debug().Msg("call: offer without an answered session, ignoring")
		return
	}

	if s.pc == nil {
		if err := m.createPeerLocked(s); err != nil {
			m.failLocked(true, "Failed to connect")
			return
		}
	}

	if err := s.pc.SetRemoteDescription(msg.Offer); err != nil {
		m.failLocked(true, "Failed to connect")
		return
	}
	s.drainCandidates()

	answer, err := s.pc.CreateAnswer()
	if err == nil {
		err = s.pc.SetLocalDescription(answer)
	}
	if err != nil {
		m.failLocked(true, "Failed to connect")
		return
	}

	_ = m.sig.Send(models.SignalMessage{
		Type:   models.SignalTypeAnswer,
		To:     msg.From,
		Answer: answer,
	})
}

// handleAnswer runs on the caller side: apply the remote answer on the
// existing primitive and drain buffered candidates.
func (m *Machine) handleAnswer(msg models.SignalMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.sess
	if s == nil || s.pc == nil {
		log.Debug().Msg("call: answer without a peer connection, ignoring")
		return
	}

	if err := s.pc.SetRemoteDescription(msg.Answer); err != nil {
		m.failLocked(true, "Failed to connect")
		return
	}
	s.drainCandidates()
}

// handleCandidate applies the candidate immediately when a remote
// description exists, otherwise buffers it for the drain.
func (m *Machine) handleCandidate(msg models.SignalMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.sess
	if s == nil {
		return
	}
	if s.pc != nil && s.pc.HasRemoteDescription() {
		if err := s.pc.AddCandidate(msg.Candidate); err != nil {
			log.Warn().Err(err).Msg("call: failed to apply candidate")
		}
		return
	}
	s.bufferCandidate(msg.Candidate)
}

func (m *Machine) handleRejected() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sess == nil {
		return
	}
	m.emit(Event{Kind: EventNotice, Message: "Call rejected"})
	m.teardownLocked(false)
}

func (m *Machine) handleEnded() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sess == nil && m.prompt == nil {
		return
	}
	m.emit(Event{Kind: EventNotice, Message: "Call ended"})
	m.teardownLocked(false)
}

// handleOffline aborts straight to idle: the call never started, so
// there is no terminal frame worth showing.
func (m *Machine) handleOffline() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sess == nil {
		return
	}
	m.emit(Event{Kind: EventFailure, Message: "User is offline"})
	m.stopTimerLocked()
	m.sess.release()
	m.sess = nil
	m.muted = false
	m.gen++
	m.emitState(StateIdle)
}

// createPeerLocked builds the negotiation primitive for s, wiring
// candidate emission and connectivity reporting before any description
// is set.
func (m *Machine) createPeerLocked(s *session) error {
	pc, err := m.newConn()
	if err != nil {
		return err
	}

	peerID := s.peer.UserID
	pc.OnCandidate(func(cand json.RawMessage) {
		_ = m.sig.Send(models.SignalMessage{
			Type:      models.SignalTypeCandidate,
			To:        peerID,
			Candidate: cand,
		})
	})

	gen := m.gen
	pc.OnStateChange(func(st ConnState) {
		m.onConnState(gen, st)
	})

	if s.capture != nil {
		if err := pc.Attach(s.capture); err != nil {
			pc.Close()
			return err
		}
	}

	s.pc = pc
	return nil
}

// onConnState reacts to transport connectivity reported by the
// primitive. gen guards against callbacks from an already-torn-down
// session.
func (m *Machine) onConnState(gen int, st ConnState) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if gen != m.gen || m.sess == nil {
		return
	}

	switch st {
	case ConnStateConnected:
		if m.sess.state == StateConnecting {
			m.sess.state = StateConnected
			m.stopTimerLocked()
			m.emitState(StateConnected)
			m.emit(Event{Kind: EventNotice, Message: "Call connected"})
		}
	case ConnStateDisconnected:
		m.emit(Event{Kind: EventNotice, Message: "Connection interrupted..."})
	case ConnStateFailed, ConnStateClosed:
		if m.sess.state == StateEnded {
			return
		}
		// Abnormal termination: same cleanup as a hang-up, but the
		// teardown was not locally initiated so the peer is not told.
		m.emit(Event{Kind: EventFailure, Message: "Call disconnected"})
		m.teardownLocked(false)
	}
}

func (m *Machine) onTimeout(gen int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if gen != m.gen || m.sess == nil {
		return
	}
	if m.sess.state != StateRinging && m.sess.state != StateConnecting {
		return
	}
	m.emit(Event{Kind: EventFailure, Message: "No answer"})
	m.teardownLocked(true)
}

// failLocked reports a user-visible failure and funnels into the one
// teardown path so resources are always released.
func (m *Machine) failLocked(notifyPeer bool, message string) {
	m.emit(Event{Kind: EventFailure, Message: message})
	m.teardownLocked(notifyPeer)
}

// teardownLocked is the single idempotent cleanup procedure. It
// releases the media input and primitive, clears the candidate buffer
// and prompt, notifies the peer when asked and the session had not
// already ended, then holds ended for the grace period before idle.
func (m *Machine) teardownLocked(notifyPeer bool) {
	m.prompt = nil
	m.muted = false
	m.stopTimerLocked()

	s := m.sess
	if s == nil {
		return
	}
	if s.state == StateEnded {
		// Second call: resources are already released and the grace
		// timer is already running.
		return
	}

	if notifyPeer {
		_ = m.sig.Send(models.SignalMessage{
			Type: models.SignalTypeEnd,
			To:   s.peer.UserID,
		})
	}

	s.release()
	s.state = StateEnded
	m.gen++
	m.emitState(StateEnded)

	if m.endedGrace < 0 {
		m.sess = nil
		m.emitState(StateIdle)
		return
	}
	gen := m.gen
	time.AfterFunc(m.endedGrace, func() { m.onGrace(gen) })
}

func (m *Machine) onGrace(gen int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if gen != m.gen || m.sess == nil || m.sess.state != StateEnded {
		return
	}
	m.sess = nil
	m.emitState(StateIdle)
}

func (m *Machine) armTimeoutLocked() {
	m.stopTimerLocked()
	if m.ringTimeout < 0 {
		return
	}
	gen := m.gen
	m.ringTimer = time.AfterFunc(m.ringTimeout, func() { m.onTimeout(gen) })
}

func (m *Machine) stopTimerLocked() {
	if m.ringTimer != nil {
		m.ringTimer.Stop()
		m.ringTimer = nil
	}
}

func (m *Machine) emitState(st State) {
	m.emit(Event{Kind: EventStateChanged, State: st})
}

func (m *Machine) emit(ev Event) {
	select {
	case m.events <- ev:
	default:
		log.Debug().Str("kind", string(ev.Kind)).Msg("call: event buffer full, dropping")
	}
}

func mediaFailureMessage(err error) string {
	switch {
	case errors.Is(err, ErrMediaPermission):
		return "Microphone access denied"
	case errors.Is(err, ErrNoAudioDevice):
		return "No microphone found"
	default:
		return "Failed to access microphone"
	}
}

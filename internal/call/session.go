package call

import (
	"encoding/json"

	"github.com/rs/zerolog/log"
)

// session is the transient record of one in-progress or recently-ended
// call. Created on initiate or answer, destroyed once the ended grace
// period passes. Owned by the Machine; all access goes through its
// mutex.
type session struct {
	peer      Participant
	direction Direction
	state     State

	pc      PeerConn
	capture Capture

	// Candidates that arrived before a remote description existed.
	// Drained exactly once, in arrival order, then discarded.
	pending []json.RawMessage
}

func (s *session) bufferCandidate(cand json.RawMessage) {
	s.pending = append(s.pending, cand)
}

// drainCandidates applies every buffered candidate now that a remote
// description exists. A candidate that fails to apply is logged and
// skipped; one malformed fragment must not abort the call.
func (s *session) drainCandidates() {
	for _, cand := range s.pending {
		if err := s.pc.AddCandidate(cand); err != nil {
			log.Warn().Err(err).Msg("call: failed to apply buffered candidate")
		}
	}
	s.pending = nil
}

// release tears down the session's negotiation primitive and media
// input. Safe to call more than once.
func (s *session) release() {
	if s.pc != nil {
		if err := s.pc.Close(); err != nil {
			log.Warn().Err(err).Msg("call: peer connection close failed")
		}
		s.pc = nil
	}
	if s.capture != nil {
		s.capture.Stop()
		s.capture = nil
	}
	s.pending = nil
}

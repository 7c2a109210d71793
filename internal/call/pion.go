package call

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

// CodecRegistrar lets the media layer register the codecs its tracks
// produce into the peer connection's media engine. The mediadevices
// capture path needs its own codec selector populated; without local
// capture the default codecs suffice.
type CodecRegistrar interface {
	RegisterCodecs(engine *webrtc.MediaEngine) error
}

// NewPionFactory returns a PeerConnFactory producing Pion-backed peer
// connections configured with the given STUN/TURN URLs. codecs may be
// nil, in which case the default codecs are registered.
func NewPionFactory(iceURLs []string, codecs CodecRegistrar) PeerConnFactory {
	return func() (PeerConn, error) {
		mediaEngine := &webrtc.MediaEngine{}
		if codecs != nil {
			if err := codecs.RegisterCodecs(mediaEngine); err != nil {
				return nil, fmt.Errorf("register codecs: %w", err)
			}
		} else if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
			return nil, err
		}

		interceptorRegistry := &interceptor.Registry{}
		if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
			return nil, err
		}

		api := webrtc.NewAPI(
			webrtc.WithMediaEngine(mediaEngine),
			webrtc.WithInterceptorRegistry(interceptorRegistry),
		)

		pc, err := api.NewPeerConnection(webrtc.Configuration{
			ICEServers: []webrtc.ICEServer{{URLs: iceURLs}},
		})
		if err != nil {
			return nil, fmt.Errorf("new peer connection: %w", err)
		}
		return &pionConn{pc: pc}, nil
	}
}

// pionConn adapts *webrtc.PeerConnection to the PeerConn interface,
// keeping SDP and candidates as opaque JSON at the boundary.
type pionConn struct {
	pc *webrtc.PeerConnection
}

func (p *pionConn) Attach(c Capture) error {
	ac, ok := c.(*audioCapture)
	if !ok || len(ac.tracks) == 0 {
		// No local tracks — still negotiate an audio section so the
		// remote side can send.
		_, err := p.pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		})
		return err
	}
	for _, t := range ac.tracks {
		if _, err := p.pc.AddTrack(t); err != nil {
			return err
		}
	}
	return nil
}

func (p *pionConn) CreateOffer() (json.RawMessage, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return nil, err
	}
	return json.Marshal(offer)
}

func (p *pionConn) CreateAnswer() (json.RawMessage, error) {
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return nil, err
	}
	return json.Marshal(answer)
}

func (p *pionConn) SetLocalDescription(desc json.RawMessage) error {
	var sd webrtc.SessionDescription
	if err := json.Unmarshal(desc, &sd); err != nil {
		return fmt.Errorf("malformed local description: %w", err)
	}
	return p.pc.SetLocalDescription(sd)
}

func (p *pionConn) SetRemoteDescription(desc json.RawMessage) error {
	var sd webrtc.SessionDescription
	if err := json.Unmarshal(desc, &sd); err != nil {
		return fmt.Errorf("malformed remote description: %w", err)
	}
	return p.pc.SetRemoteDescription(sd)
}

func (p *pionConn) HasRemoteDescription() bool {
	return p.pc.RemoteDescription() != nil
}

func (p *pionConn) AddCandidate(cand json.RawMessage) error {
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal(cand, &init); err != nil {
		return fmt.Errorf("malformed candidate: %w", err)
	}
	return p.pc.AddICECandidate(init)
}

func (p *pionConn) OnCandidate(fn func(cand json.RawMessage)) {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			// nil marks the end of gathering
			return
		}
		data, err := json.Marshal(c.ToJSON())
		if err != nil {
			return
		}
		fn(data)
	})
}

func (p *pionConn) OnStateChange(fn func(state ConnState)) {
	p.pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		fn(mapICEState(s))
	})
}

func (p *pionConn) Close() error {
	return p.pc.Close()
}

func mapICEState(s webrtc.ICEConnectionState) ConnState {
	switch s {
	case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
		return ConnStateConnected
	case webrtc.ICEConnectionStateDisconnected:
		return ConnStateDisconnected
	case webrtc.ICEConnectionStateFailed:
		return ConnStateFailed
	case webrtc.ICEConnectionStateClosed:
		return ConnStateClosed
	default:
		return ConnStateNew
	}
}

// audioCapture is the Pion-backed Capture. mediadevices tracks carry no
// browser-style enabled flag, so mute is recorded here and treated as
// purely local state by the machine.
type audioCapture struct {
	tracks []webrtc.TrackLocal

	mu      sync.Mutex
	muted   bool
	stopped bool
	stop    func()
}

func (c *audioCapture) SetMuted(muted bool) {
	c.mu.Lock()
	c.muted = muted
	c.mu.Unlock()
}

func (c *audioCapture) Muted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.muted
}

func (c *audioCapture) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	c.stopped = true
	if c.stop != nil {
		c.stop()
	}
}

//go:build !linux

package call

import "github.com/pion/webrtc/v4"

// MediaSource on non-Linux platforms has no capture drivers wired
// (pion/mediadevices needs V4L2/malgo); acquisition fails and the
// machine surfaces it as a missing device. Calls can still be received
// receive-only through the Attach fallback.
type MediaSource struct{}

func NewMediaSource() (*MediaSource, error) {
	return &MediaSource{}, nil
}

func (m *MediaSource) RegisterCodecs(engine *webrtc.MediaEngine) error {
	return engine.RegisterDefaultCodecs()
}

func (m *MediaSource) AcquireAudio() (Capture, error) {
	return nil, ErrNoAudioDevice
}

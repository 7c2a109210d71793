//go:build linux

package call

import (
	"fmt"
	"strings"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/webrtc/v4"
)

// MediaSource captures microphone audio via pion/mediadevices (malgo on
// Linux) with Opus encoding.
type MediaSource struct {
	selector *mediadevices.CodecSelector
}

func NewMediaSource() (*MediaSource, error) {
	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("opus params: %w", err)
	}
	selector := mediadevices.NewCodecSelector(
		mediadevices.WithAudioEncoders(&opusParams),
	)
	return &MediaSource{selector: selector}, nil
}

// RegisterCodecs populates the peer connection's media engine with the
// codecs the capture tracks produce.
func (m *MediaSource) RegisterCodecs(engine *webrtc.MediaEngine) error {
	m.selector.Populate(engine)
	return nil
}

func (m *MediaSource) AcquireAudio() (Capture, error) {
	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Codec: m.selector,
		Audio: func(_ *mediadevices.MediaTrackConstraints) {},
	})
	if err != nil {
		return nil, classifyCaptureError(err)
	}

	tracks := stream.GetAudioTracks()
	if len(tracks) == 0 {
		return nil, ErrNoAudioDevice
	}

	locals := make([]webrtc.TrackLocal, 0, len(tracks))
	for _, t := range tracks {
		locals = append(locals, t)
	}
	stop := func() {
		for _, t := range tracks {
			t.Close()
		}
	}
	return &audioCapture{tracks: locals, stop: stop}, nil
}

func classifyCaptureError(err error) error {
	if strings.Contains(strings.ToLower(err.Error()), "permission") {
		return fmt.Errorf("%w: %v", ErrMediaPermission, err)
	}
	return fmt.Errorf("%w: %v", ErrNoAudioDevice, err)
}

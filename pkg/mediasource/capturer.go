// Package mediasource is the local half of a call's media: it acquires capture
// tracks, binds them to the peer transport and releases them on teardown.
package mediasource

import (
	"context"
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"
)

var ErrDeviceUnavailable = errors.New("capture devices unavailable")

// LocalTrack is an outbound track owned by the Media Session.
type LocalTrack interface {
	webrtc.TrackLocal
	Close() error
}

// Capturer produces a fresh set of local tracks for one call. Implementations
// return an error wrapping ErrDeviceUnavailable when nothing can be captured.
type Capturer interface {
	Capture(ctx context.Context) ([]LocalTrack, error)
}

type CapturerFunc func(ctx context.Context) ([]LocalTrack, error)

func (f CapturerFunc) Capture(ctx context.Context) ([]LocalTrack, error) {
	return f(ctx)
}

// SampleCapturer creates one VP8 video and one Opus audio SampleTrack per call.
// Nothing is written to them unless a feeder registered with OnCapture does so,
// which makes it the capturer for headless peers and tests.
type SampleCapturer struct {
	mux      sync.Mutex
	onTracks []func([]*SampleTrack)
}

func NewSampleCapturer() *SampleCapturer {
	return &SampleCapturer{}
}

// OnCapture registers fn to receive the tracks of every later Capture.
func (c *SampleCapturer) OnCapture(fn func([]*SampleTrack)) {
	c.mux.Lock()
	defer c.mux.Unlock()

	c.onTracks = append(c.onTracks, fn)
}

func (c *SampleCapturer) Capture(_ context.Context) ([]LocalTrack, error) {
	video, err := NewSampleTrack("video", WithVP8Track(90000), WithStreamID("local"))
	if err != nil {
		return nil, err
	}
	audio, err := NewSampleTrack("audio", WithOpusTrack(48000, 2), WithStreamID("local"))
	if err != nil {
		return nil, err
	}

	c.mux.Lock()
	handlers := make([]func([]*SampleTrack), len(c.onTracks))
	copy(handlers, c.onTracks)
	c.mux.Unlock()

	for _, fn := range handlers {
		fn([]*SampleTrack{video, audio})
	}

	return []LocalTrack{video, audio}, nil
}

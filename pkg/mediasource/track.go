package mediasource

import (
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

var ErrTrackClosed = errors.New("track closed")

// SampleTrack is a local track fed with already encoded samples. There is no
// buffering; WriteSample hands the sample straight to every bound sender.
type SampleTrack struct {
	*webrtc.TrackLocalStaticSample

	mux    sync.RWMutex
	closed bool
}

func NewSampleTrack(label string, options ...TrackOption) (*SampleTrack, error) {
	config := &trackConfig{streamID: "webrtc"}

	for _, option := range options {
		if err := option(config); err != nil {
			return nil, err
		}
	}

	if config.codecCapability == nil {
		return nil, errors.New("no track capabilities given")
	}

	local, err := webrtc.NewTrackLocalStaticSample(*config.codecCapability, label, config.streamID)
	if err != nil {
		return nil, err
	}

	return &SampleTrack{TrackLocalStaticSample: local}, nil
}

func (track *SampleTrack) WriteSample(sample media.Sample) error {
	track.mux.RLock()
	defer track.mux.RUnlock()

	if track.closed {
		return ErrTrackClosed
	}
	return track.TrackLocalStaticSample.WriteSample(sample)
}

func (track *SampleTrack) Close() error {
	track.mux.Lock()
	defer track.mux.Unlock()

	track.closed = true
	return nil
}

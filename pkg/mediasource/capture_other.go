//go:build !linux

package mediasource

import (
	"context"
	"fmt"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

// DeviceCapturer has no driver support outside linux.
type DeviceCapturer struct{}

func NewDeviceCapturer(_ zerolog.Logger) (*DeviceCapturer, error) {
	return &DeviceCapturer{}, nil
}

func (c *DeviceCapturer) Populate(_ *webrtc.MediaEngine) bool { return false }

func (c *DeviceCapturer) Capture(_ context.Context) ([]LocalTrack, error) {
	return nil, fmt.Errorf("%w: device capture is only supported on linux", ErrDeviceUnavailable)
}

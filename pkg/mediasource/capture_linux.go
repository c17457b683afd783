//go:build linux

package mediasource

import (
	"context"
	"fmt"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

// DeviceCapturer captures the camera and microphone through V4L2 and malgo.
type DeviceCapturer struct {
	selector *mediadevices.CodecSelector
	logger   zerolog.Logger
}

func NewDeviceCapturer(logger zerolog.Logger) (*DeviceCapturer, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	vpxParams.BitRate = 1_500_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}

	return &DeviceCapturer{
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
		logger: logger,
	}, nil
}

// Populate registers the encoder codecs with the media engine the peer
// transports are built from. It reports whether any codec was registered.
func (c *DeviceCapturer) Populate(mediaEngine *webrtc.MediaEngine) bool {
	c.selector.Populate(mediaEngine)
	return true
}

// Capture tries video+audio, then each kind alone, so one busy device does not
// take the other down with it.
func (c *DeviceCapturer) Capture(ctx context.Context) ([]LocalTrack, error) {
	if devices := mediadevices.EnumerateDevices(); len(devices) == 0 {
		return nil, fmt.Errorf("%w: no media devices found", ErrDeviceUnavailable)
	}

	type attempt struct {
		video bool
		audio bool
		label string
	}

	var lastErr error
	for _, a := range []attempt{
		{true, true, "video+audio"},
		{true, false, "video-only"},
		{false, true, "audio-only"},
	} {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		constraints := mediadevices.MediaStreamConstraints{Codec: c.selector}
		if a.video {
			constraints.Video = func(m *mediadevices.MediaTrackConstraints) {
				// MJPEG nodes on some cameras poison the VP8 encoder.
				m.FrameFormat = prop.FrameFormatOneOf{
					frame.FormatYUYV,
					frame.FormatI420,
					frame.FormatI444,
					frame.FormatRGBA,
				}
				m.Width = prop.IntRanged{Max: 640}
				m.Height = prop.IntRanged{Max: 480}
			}
		}
		if a.audio {
			constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
		}

		stream, err := mediadevices.GetUserMedia(constraints)
		if err != nil {
			c.logger.Warn().Err(err).Str("attempt", a.label).Msg("GetUserMedia failed")
			lastErr = err
			continue
		}

		tracks := make([]LocalTrack, 0, len(stream.GetTracks()))
		for _, track := range stream.GetTracks() {
			kind := track.Kind().String()
			track.OnEnded(func(err error) {
				if err != nil {
					c.logger.Warn().Err(err).Str("kind", kind).Msg("local track ended")
				}
			})
			tracks = append(tracks, track)
		}

		c.logger.Info().Str("attempt", a.label).Int("tracks", len(tracks)).Msg("local media captured")
		return tracks, nil
	}

	return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, lastErr)
}

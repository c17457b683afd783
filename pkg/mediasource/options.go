package mediasource

import (
	"errors"

	"github.com/pion/webrtc/v4"
)

type trackConfig struct {
	codecCapability *webrtc.RTPCodecCapability
	streamID        string
}

type TrackOption = func(*trackConfig) error

func WithH264Track(clockrate uint32) TrackOption {
	return func(track *trackConfig) error {
		if track.codecCapability != nil {
			return errors.New("multiple codecs are not supported on a single track")
		}
		track.codecCapability = &webrtc.RTPCodecCapability{}
		track.codecCapability.MimeType = webrtc.MimeTypeH264
		track.codecCapability.ClockRate = clockrate
		track.codecCapability.Channels = 0

		return nil
	}
}

func WithVP8Track(clockrate uint32) TrackOption {
	return func(track *trackConfig) error {
		if track.codecCapability != nil {
			return errors.New("multiple codecs are not supported on a single track")
		}
		track.codecCapability = &webrtc.RTPCodecCapability{}
		track.codecCapability.MimeType = webrtc.MimeTypeVP8
		track.codecCapability.ClockRate = clockrate
		track.codecCapability.Channels = 0

		return nil
	}
}

func WithOpusTrack(samplerate uint32, channelLayout uint16) TrackOption {
	return func(track *trackConfig) error {
		if track.codecCapability != nil {
			return errors.New("multiple codecs are not supported on a single track")
		}
		track.codecCapability = &webrtc.RTPCodecCapability{}
		track.codecCapability.MimeType = webrtc.MimeTypeOpus
		track.codecCapability.ClockRate = samplerate
		track.codecCapability.Channels = channelLayout

		return nil
	}
}

// WithStreamID groups tracks into one remote MediaStream. Defaults to "webrtc".
func WithStreamID(id string) TrackOption {
	return func(track *trackConfig) error {
		track.streamID = id
		return nil
	}
}

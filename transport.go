package client

import (
	"context"

	"github.com/pion/webrtc/v4"
)

// Transport is the peer connection as the negotiator sees it. CreateOffer and
// CreateAnswer also install the result as the local description.
type Transport interface {
	CreateOffer(ctx context.Context) (webrtc.SessionDescription, error)
	CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error)
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	AddTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error)

	// OnICECandidate is not called for the end-of-gathering marker.
	OnICECandidate(fn func(webrtc.ICECandidateInit))
	OnConnectionStateChange(fn func(webrtc.PeerConnectionState))
	OnTrack(fn func(*webrtc.TrackRemote, *webrtc.RTPReceiver))

	Close() error
}

type TransportFactory interface {
	NewTransport(label string) (Transport, error)
}

type TransportFactoryFunc func(label string) (Transport, error)

func (f TransportFactoryFunc) NewTransport(label string) (Transport, error) {
	return f(label)
}

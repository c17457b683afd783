package client

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"
)

// PeerConnection is the pion backed Transport.
type PeerConnection struct {
	label          string
	peerConnection *webrtc.PeerConnection
	stat           *stat
	logger         zerolog.Logger

	handlers struct {
		sync.RWMutex
		candidate func(webrtc.ICECandidateInit)
		state     func(webrtc.PeerConnectionState)
		track     func(*webrtc.TrackRemote, *webrtc.RTPReceiver)
	}

	once   sync.Once
	ctx    context.Context
	cancel context.CancelFunc
}

func CreatePeerConnection(ctx context.Context, label string, api *webrtc.API, config webrtc.Configuration, logger zerolog.Logger) (*PeerConnection, error) {
	peerConnection, err := api.NewPeerConnection(config)
	if err != nil {
		return nil, fmt.Errorf("error while creating peer connection: %w", err)
	}

	ctx2, cancel2 := context.WithCancel(ctx)

	pc := &PeerConnection{
		label:          label,
		peerConnection: peerConnection,
		logger:         logger.With().Str("pc", label).Logger(),
		ctx:            ctx2,
		cancel:         cancel2,
	}
	pc.stat = newStat()

	return pc.onConnectionStateChangeEvent().onICEConnectionStateChange().onICEGatheringStateChange().onICECandidate().onTrack(), nil
}

func (pc *PeerConnection) Done() <-chan struct{} {
	return pc.ctx.Done()
}

func (pc *PeerConnection) GetLabel() string {
	return pc.label
}

func (pc *PeerConnection) GetPeerConnection() *webrtc.PeerConnection {
	return pc.peerConnection
}

func (pc *PeerConnection) onConnectionStateChangeEvent() *PeerConnection {
	pc.peerConnection.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		pc.logger.Debug().Str("state", state.String()).Msg("peer connection state changed")

		pc.handlers.RLock()
		fn := pc.handlers.state
		pc.handlers.RUnlock()

		if fn != nil {
			fn(state)
		}
	})
	return pc
}

func (pc *PeerConnection) onICEConnectionStateChange() *PeerConnection {
	pc.peerConnection.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		pc.logger.Debug().Str("state", state.String()).Msg("ICE connection state changed")
	})
	return pc
}

func (pc *PeerConnection) onICEGatheringStateChange() *PeerConnection {
	pc.peerConnection.OnICEGatheringStateChange(func(state webrtc.ICEGatheringState) {
		pc.logger.Debug().Str("state", state.String()).Msg("ICE gathering state changed")
	})
	return pc
}

func (pc *PeerConnection) onICECandidate() *PeerConnection {
	pc.peerConnection.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			pc.logger.Debug().Msg("ICE gathering complete")
			return
		}

		pc.logger.Trace().Str("candidate", candidate.String()).Str("type", candidate.Typ.String()).Msg("found candidate")

		pc.handlers.RLock()
		fn := pc.handlers.candidate
		pc.handlers.RUnlock()

		if fn != nil {
			fn(candidate.ToJSON())
		}
	})
	return pc
}

func (pc *PeerConnection) onTrack() *PeerConnection {
	pc.peerConnection.OnTrack(func(remote *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		pc.logger.Debug().Str("track_id", remote.ID()).Str("codec", remote.Codec().MimeType).Msg("remote track")

		pc.handlers.RLock()
		fn := pc.handlers.track
		pc.handlers.RUnlock()

		if fn != nil {
			fn(remote, receiver)
		}
	})
	return pc
}

func (pc *PeerConnection) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	pc.handlers.Lock()
	defer pc.handlers.Unlock()

	pc.handlers.candidate = fn
}

func (pc *PeerConnection) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	pc.handlers.Lock()
	defer pc.handlers.Unlock()

	pc.handlers.state = fn
}

func (pc *PeerConnection) OnTrack(fn func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {
	pc.handlers.Lock()
	defer pc.handlers.Unlock()

	pc.handlers.track = fn
}

func (pc *PeerConnection) CreateOffer(_ context.Context) (webrtc.SessionDescription, error) {
	offer, err := pc.peerConnection.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("error while creating offer: %w", err)
	}

	if err := pc.peerConnection.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("error while setting local sdp: %w", err)
	}

	return offer, nil
}

func (pc *PeerConnection) CreateAnswer(_ context.Context) (webrtc.SessionDescription, error) {
	answer, err := pc.peerConnection.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("error while creating answer: %w", err)
	}

	if err := pc.peerConnection.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("error while setting local sdp: %w", err)
	}

	return answer, nil
}

func (pc *PeerConnection) SetRemoteDescription(desc webrtc.SessionDescription) error {
	if err := pc.peerConnection.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("error while setting remote %s: %w", desc.Type, err)
	}
	return nil
}

func (pc *PeerConnection) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	if err := pc.peerConnection.AddICECandidate(candidate); err != nil {
		return fmt.Errorf("error while adding remote candidate: %w", err)
	}
	return nil
}

func (pc *PeerConnection) AddTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error) {
	return pc.peerConnection.AddTrack(track)
}

// Stats gathers a fresh report and folds it into the last known snapshot.
func (pc *PeerConnection) Stats() Stat {
	for _, s := range pc.peerConnection.GetStats() {
		if err := pc.stat.Consume(s); err != nil {
			pc.logger.Trace().Err(err).Msg("skipping stat")
		}
	}
	return pc.stat.Generate()
}

func (pc *PeerConnection) Close() error {
	var merr error
	pc.once.Do(func() {
		if pc.cancel != nil {
			pc.cancel()
		}

		if err := pc.peerConnection.Close(); err != nil {
			pc.logger.Error().Err(err).Msg("failed to close peer connection")
			merr = multierr.Append(merr, err)
			return
		}

		pc.logger.Debug().Msg("peer connection closed")
	})

	return merr
}

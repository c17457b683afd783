package mediasource

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"
)

// TrackAdder is the part of a peer transport the Media Session needs.
type TrackAdder interface {
	AddTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error)
}

type SessionOption = func(*Session)

func WithLogger(logger zerolog.Logger) SessionOption {
	return func(s *Session) {
		s.logger = logger
	}
}

// Session holds the local capture of one call.
type Session struct {
	capturer Capturer
	logger   zerolog.Logger

	mux      sync.Mutex
	tracks   []LocalTrack
	senders  map[LocalTrack]*webrtc.RTPSender
	muted    map[webrtc.RTPCodecType]bool
	released bool

	wg     sync.WaitGroup
	once   sync.Once
	ctx    context.Context
	cancel context.CancelFunc
}

func NewSession(ctx context.Context, capturer Capturer, options ...SessionOption) *Session {
	ctx2, cancel2 := context.WithCancel(ctx)

	s := &Session{
		capturer: capturer,
		logger:   zerolog.Nop(),
		senders:  make(map[LocalTrack]*webrtc.RTPSender),
		muted:    make(map[webrtc.RTPCodecType]bool),
		ctx:      ctx2,
		cancel:   cancel2,
	}
	for _, option := range options {
		option(s)
	}
	return s
}

// Acquire captures the local tracks. Errors always wrap ErrDeviceUnavailable.
func (s *Session) Acquire(ctx context.Context) error {
	if s.capturer == nil {
		return fmt.Errorf("%w: no capturer configured", ErrDeviceUnavailable)
	}

	tracks, err := s.capturer.Capture(ctx)
	if err != nil {
		if errors.Is(err, ErrDeviceUnavailable) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}
	if len(tracks) == 0 {
		return fmt.Errorf("%w: capturer returned no tracks", ErrDeviceUnavailable)
	}

	s.mux.Lock()
	defer s.mux.Unlock()

	if s.released {
		return closeAll(tracks)
	}
	s.tracks = append(s.tracks, tracks...)

	s.logger.Debug().Int("tracks", len(tracks)).Msg("local media acquired")
	return nil
}

// BindToTransport attaches every local track as an outbound track.
func (s *Session) BindToTransport(transport TrackAdder) error {
	s.mux.Lock()
	defer s.mux.Unlock()

	if s.released {
		return errors.New("media session released")
	}

	for _, track := range s.tracks {
		if _, bound := s.senders[track]; bound {
			continue
		}

		sender, err := transport.AddTrack(track)
		if err != nil {
			return fmt.Errorf("error while adding %s track: %w", track.Kind(), err)
		}
		s.senders[track] = sender

		if sender == nil {
			continue
		}
		if s.muted[track.Kind()] {
			if err := sender.ReplaceTrack(nil); err != nil {
				s.logger.Warn().Err(err).Str("kind", track.Kind().String()).Msg("failed to apply mute")
			}
		}

		s.wg.Add(1)
		go s.rtcpLoop(sender)
	}
	return nil
}

// rtcpLoop drains RTCP so the interceptors attached to the sender keep running.
func (s *Session) rtcpLoop(sender *webrtc.RTPSender) {
	defer s.wg.Done()

	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
		select {
		case <-s.ctx.Done():
			return
		default:
		}
	}
}

// Tracks returns the local tracks for a muted self-view.
func (s *Session) Tracks() []LocalTrack {
	s.mux.Lock()
	defer s.mux.Unlock()

	tracks := make([]LocalTrack, len(s.tracks))
	copy(tracks, s.tracks)
	return tracks
}

// ToggleAudio flips outbound audio and reports whether it is now muted.
func (s *Session) ToggleAudio() (bool, error) {
	return s.toggle(webrtc.RTPCodecTypeAudio)
}

// ToggleVideo flips outbound video and reports whether it is now disabled.
func (s *Session) ToggleVideo() (bool, error) {
	return s.toggle(webrtc.RTPCodecTypeVideo)
}

func (s *Session) toggle(kind webrtc.RTPCodecType) (bool, error) {
	s.mux.Lock()
	defer s.mux.Unlock()

	muted := !s.muted[kind]
	s.muted[kind] = muted

	var merr error
	for _, track := range s.tracks {
		sender := s.senders[track]
		if sender == nil || track.Kind() != kind {
			continue
		}

		var replacement webrtc.TrackLocal
		if !muted {
			replacement = track
		}
		if err := sender.ReplaceTrack(replacement); err != nil {
			merr = multierr.Append(merr, err)
		}
	}

	s.logger.Info().Str("kind", kind.String()).Bool("muted", muted).Msg("local track toggled")
	return muted, merr
}

// Release stops every local track and waits for the RTCP loops, which end
// once the transport they were bound to is closed. It is safe to call more
// than once.
func (s *Session) Release() error {
	var merr error
	s.once.Do(func() {
		s.cancel()

		s.mux.Lock()
		s.released = true
		tracks := s.tracks
		s.tracks = nil
		s.senders = make(map[LocalTrack]*webrtc.RTPSender)
		s.mux.Unlock()

		merr = closeAll(tracks)
		s.wg.Wait()
		s.logger.Debug().Int("tracks", len(tracks)).Msg("local media released")
	})
	return merr
}

func closeAll(tracks []LocalTrack) error {
	var merr error
	for _, track := range tracks {
		if err := track.Close(); err != nil {
			merr = multierr.Append(merr, err)
		}
	}
	return merr
}

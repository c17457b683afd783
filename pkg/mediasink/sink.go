// Package mediasink collects the remote tracks of a call into one sink that
// grows as the transport reports them.
package mediasink

import (
	"context"
	"errors"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

var ErrSinkClosed = errors.New("sink closed")

// RemoteTrack is the read side of an inbound track. *webrtc.TrackRemote
// satisfies it.
type RemoteTrack interface {
	ID() string
	StreamID() string
	Kind() webrtc.RTPCodecType
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

// RTCPReader is the receiver side drained alongside each track.
type RTCPReader interface {
	Read(b []byte) (int, interceptor.Attributes, error)
}

type Sink struct {
	logger zerolog.Logger

	mux      sync.Mutex
	tracks   []RemoteTrack
	ids      map[string]struct{}
	handlers []func(RemoteTrack)
	changed  chan struct{}
	closed   bool

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

func NewSink(ctx context.Context, logger zerolog.Logger) *Sink {
	ctx2, cancel2 := context.WithCancel(ctx)

	return &Sink{
		logger:  logger,
		ids:     make(map[string]struct{}),
		changed: make(chan struct{}),
		ctx:     ctx2,
		cancel:  cancel2,
	}
}

// Add appends track unless a track with the same id is already held. receiver
// may be nil; otherwise its RTCP is drained until the sink closes.
func (s *Sink) Add(track RemoteTrack, receiver RTCPReader) {
	s.mux.Lock()
	if s.closed {
		s.mux.Unlock()
		return
	}
	if _, exists := s.ids[track.ID()]; exists {
		s.mux.Unlock()
		return
	}

	s.ids[track.ID()] = struct{}{}
	s.tracks = append(s.tracks, track)

	close(s.changed)
	s.changed = make(chan struct{})

	handlers := make([]func(RemoteTrack), len(s.handlers))
	copy(handlers, s.handlers)
	s.mux.Unlock()

	s.logger.Info().Str("track_id", track.ID()).Str("kind", track.Kind().String()).Msg("remote track added")

	if receiver != nil {
		s.wg.Add(1)
		go s.rtcpLoop(receiver)
	}

	for _, fn := range handlers {
		fn(track)
	}
}

func (s *Sink) rtcpLoop(receiver RTCPReader) {
	defer s.wg.Done()

	buf := make([]byte, 1500)
	for {
		if _, _, err := receiver.Read(buf); err != nil {
			return
		}
		select {
		case <-s.ctx.Done():
			return
		default:
		}
	}
}

// OnTrack registers fn for every track added from now on.
func (s *Sink) OnTrack(fn func(RemoteTrack)) {
	s.mux.Lock()
	defer s.mux.Unlock()

	s.handlers = append(s.handlers, fn)
}

func (s *Sink) Tracks() []RemoteTrack {
	s.mux.Lock()
	defer s.mux.Unlock()

	tracks := make([]RemoteTrack, len(s.tracks))
	copy(tracks, s.tracks)
	return tracks
}

func (s *Sink) Len() int {
	s.mux.Lock()
	defer s.mux.Unlock()

	return len(s.tracks)
}

// Wait blocks until the sink holds at least n tracks.
func (s *Sink) Wait(ctx context.Context, n int) error {
	for {
		s.mux.Lock()
		if len(s.tracks) >= n {
			s.mux.Unlock()
			return nil
		}
		if s.closed {
			s.mux.Unlock()
			return ErrSinkClosed
		}
		changed := s.changed
		s.mux.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		}
	}
}

// ReadRTP waits for the track with the given id and reads its next packet.
func (s *Sink) ReadRTP(ctx context.Context, id string) (*rtp.Packet, interceptor.Attributes, error) {
	for {
		s.mux.Lock()
		for _, track := range s.tracks {
			if track.ID() == id {
				s.mux.Unlock()
				return track.ReadRTP()
			}
		}
		if s.closed {
			s.mux.Unlock()
			return nil, nil, ErrSinkClosed
		}
		changed := s.changed
		s.mux.Unlock()

		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		case <-changed:
		}
	}
}

// Close wakes every waiter and waits for the RTCP loops, which end once the
// transport is closed. Tracks already handed out stay readable until then.
func (s *Sink) Close() {
	s.mux.Lock()
	if s.closed {
		s.mux.Unlock()
		return
	}
	s.closed = true
	close(s.changed)
	s.mux.Unlock()

	s.cancel()
	s.wg.Wait()
}

package client

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/harshabose/simple_webrtc_comm/callclient/pkg/mediasink"
	"github.com/harshabose/simple_webrtc_comm/callclient/pkg/mediasource"
	"github.com/harshabose/simple_webrtc_comm/callclient/pkg/signaling"
)

// subscriptionGroup owns every store subscription of one call. Subscriptions
// added after Cancel are cancelled immediately.
type subscriptionGroup struct {
	mux       sync.Mutex
	subs      []signaling.Subscription
	cancelled bool
}

func (g *subscriptionGroup) Add(sub signaling.Subscription) {
	g.mux.Lock()
	if g.cancelled {
		g.mux.Unlock()
		sub.Cancel()
		return
	}
	g.subs = append(g.subs, sub)
	g.mux.Unlock()
}

func (g *subscriptionGroup) Cancel() {
	g.mux.Lock()
	if g.cancelled {
		g.mux.Unlock()
		return
	}
	g.cancelled = true
	subs := g.subs
	g.subs = nil
	g.mux.Unlock()

	for _, sub := range subs {
		sub.Cancel()
	}
}

func (g *subscriptionGroup) Len() int {
	g.mux.Lock()
	defer g.mux.Unlock()

	return len(g.subs)
}

// session is the Local Call Session. Only the Negotiator mutates it.
type session struct {
	callID string
	role   Role
	local  string
	remote string
	logger zerolog.Logger

	mux       sync.Mutex
	state     State
	transport Transport
	media     *mediasource.Session
	sink      *mediasink.Sink

	subs subscriptionGroup

	published bool
	declines  []string

	remoteMux     sync.Mutex
	remoteApplied bool
	queue         []webrtc.ICECandidateInit
	queueSize     int
	seen          map[string]struct{}

	seq atomic.Uint64

	connected sync.Once
	once      sync.Once
	ctx       context.Context
	cancel    context.CancelFunc
}

func newSession(ctx context.Context, callID string, role Role, local, remote string, queueSize int, logger zerolog.Logger) *session {
	ctx2, cancel2 := context.WithCancel(ctx)

	state := StateOffering
	if role == RoleCallee {
		state = StateRinging
	}

	return &session{
		callID:    callID,
		role:      role,
		local:     local,
		remote:    remote,
		logger:    logger.With().Str("call_id", callID).Str("role", string(role)).Str("remote", remote).Logger(),
		state:     state,
		queueSize: queueSize,
		seen:      make(map[string]struct{}),
		ctx:       ctx2,
		cancel:    cancel2,
	}
}

func (s *session) CallID() string {
	return s.callID
}

func (s *session) State() State {
	s.mux.Lock()
	defer s.mux.Unlock()

	return s.state
}

// setState moves the session forward. It reports false when to is not ahead
// of the current state.
func (s *session) setState(to State) bool {
	s.mux.Lock()
	defer s.mux.Unlock()

	if to.rank() <= s.state.rank() {
		return false
	}

	s.logger.Debug().Str("from", s.state.String()).Str("state", to.String()).Msg("call state changed")
	s.state = to
	return true
}

// attach stores the resources built during setup. It fails with errCallEnded
// once the session has been terminated, leaving closing to the caller.
func (s *session) attach(fn func()) error {
	s.mux.Lock()
	defer s.mux.Unlock()

	if s.state == StateEnded {
		return errCallEnded
	}
	fn()
	return nil
}

func (s *session) ended() bool {
	return s.State() == StateEnded
}

// detach marks the session ended and hands back its resources for closing.
func (s *session) detach() (Transport, *mediasource.Session, *mediasink.Sink) {
	s.mux.Lock()
	defer s.mux.Unlock()

	s.state = StateEnded
	transport, media, sink := s.transport, s.media, s.sink
	s.transport, s.media, s.sink = nil, nil, nil
	return transport, media, sink
}

func (s *session) Media() *mediasource.Session {
	s.mux.Lock()
	defer s.mux.Unlock()

	return s.media
}

func (s *session) Sink() *mediasink.Sink {
	s.mux.Lock()
	defer s.mux.Unlock()

	return s.sink
}

func (s *session) Transport() Transport {
	s.mux.Lock()
	defer s.mux.Unlock()

	return s.transport
}

// applyRemote sets the remote description once and flushes queued candidates.
// applied is false when a description had already been set.
func (s *session) applyRemote(desc webrtc.SessionDescription) (applied bool, err error) {
	transport := s.Transport()
	if transport == nil {
		return false, errCallEnded
	}

	s.remoteMux.Lock()
	defer s.remoteMux.Unlock()

	if s.remoteApplied {
		return false, nil
	}
	s.remoteApplied = true

	if err := transport.SetRemoteDescription(desc); err != nil {
		return false, err
	}

	queued := s.queue
	s.queue = nil
	for _, candidate := range queued {
		if err := transport.AddICECandidate(candidate); err != nil {
			s.logger.Warn().Err(err).Msg("failed to apply queued remote candidate")
		}
	}
	if len(queued) > 0 {
		s.logger.Debug().Int("candidates", len(queued)).Msg("flushed queued remote candidates")
	}
	return true, nil
}

// addRemoteCandidate applies a remote candidate, or queues it while the remote
// description is not yet set. Candidates already seen by id are ignored.
func (s *session) addRemoteCandidate(id string, candidate webrtc.ICECandidateInit) error {
	transport := s.Transport()
	if transport == nil {
		return errCallEnded
	}

	s.remoteMux.Lock()
	defer s.remoteMux.Unlock()

	if _, exists := s.seen[id]; exists {
		return nil
	}

	if !s.remoteApplied {
		if len(s.queue) >= s.queueSize {
			return ErrCandidateQueueFull
		}
		s.seen[id] = struct{}{}
		s.queue = append(s.queue, candidate)
		return nil
	}

	s.seen[id] = struct{}{}
	return transport.AddICECandidate(candidate)
}

func (s *session) queued() int {
	s.remoteMux.Lock()
	defer s.remoteMux.Unlock()

	return len(s.queue)
}

// deferDecline holds back declining a glaring invitation until the outgoing
// offer is on the store. It reports true when the offer is already there and
// the invitation can be declined now.
func (s *session) deferDecline(callID string) bool {
	s.mux.Lock()
	defer s.mux.Unlock()

	if s.published || s.state == StateEnded {
		return true
	}
	s.declines = append(s.declines, callID)
	return false
}

// markPublished ends the deferral and returns the invitations held back.
func (s *session) markPublished() []string {
	s.mux.Lock()
	defer s.mux.Unlock()

	s.published = true
	declines := s.declines
	s.declines = nil
	return declines
}

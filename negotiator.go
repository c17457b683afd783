package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"

	"github.com/harshabose/simple_webrtc_comm/callclient/pkg/mediasink"
	"github.com/harshabose/simple_webrtc_comm/callclient/pkg/mediasource"
	"github.com/harshabose/simple_webrtc_comm/callclient/pkg/signaling"
)

const (
	DefaultStalenessWindow    = 60 * time.Second
	DefaultCandidateQueueSize = 256
	DefaultWriteTimeout       = 5 * time.Second
)

var errNotOffering = errors.New("call is no longer offering")

type NegotiatorOption = func(*Negotiator)

func WithNegotiatorLogger(logger zerolog.Logger) NegotiatorOption {
	return func(n *Negotiator) {
		n.logger = logger
	}
}

// WithStalenessWindow sets the age after which an unanswered invitation is ignored.
func WithStalenessWindow(window time.Duration) NegotiatorOption {
	return func(n *Negotiator) {
		if window > 0 {
			n.staleness = window
		}
	}
}

// WithCandidateQueueSize bounds the remote candidates held while the remote
// description is not yet set.
func WithCandidateQueueSize(size int) NegotiatorOption {
	return func(n *Negotiator) {
		if size > 0 {
			n.queueSize = size
		}
	}
}

// WithWriteTimeout bounds the best-effort ended write made during teardown.
func WithWriteTimeout(timeout time.Duration) NegotiatorOption {
	return func(n *Negotiator) {
		if timeout > 0 {
			n.writeTimeout = timeout
		}
	}
}

func WithClock(now func() time.Time) NegotiatorOption {
	return func(n *Negotiator) {
		n.now = now
	}
}

type handlers struct {
	sync.RWMutex
	ringing   []func(callID string)
	connected []func(callID string)
	ended     []func(callID string, reason EndReason)
}

// Negotiator runs the call state machine for one local identity. It holds at
// most one Local Call Session at a time.
type Negotiator struct {
	store      signaling.Store
	transports TransportFactory
	capturer   mediasource.Capturer
	logger     zerolog.Logger

	staleness    time.Duration
	queueSize    int
	writeTimeout time.Duration
	now          func() time.Time

	handlers handlers

	mux     sync.Mutex
	current *session
	glare   map[string]struct{}

	ctx    context.Context
	cancel context.CancelFunc
}

func NewNegotiator(ctx context.Context, store signaling.Store, transports TransportFactory, capturer mediasource.Capturer, options ...NegotiatorOption) *Negotiator {
	ctx2, cancel2 := context.WithCancel(ctx)

	n := &Negotiator{
		store:        store,
		transports:   transports,
		capturer:     capturer,
		logger:       zerolog.Nop(),
		staleness:    DefaultStalenessWindow,
		queueSize:    DefaultCandidateQueueSize,
		writeTimeout: DefaultWriteTimeout,
		now:          time.Now,
		glare:        make(map[string]struct{}),
		ctx:          ctx2,
		cancel:       cancel2,
	}
	for _, option := range options {
		option(n)
	}
	return n
}

func (n *Negotiator) OnRinging(fn func(callID string)) {
	n.handlers.Lock()
	defer n.handlers.Unlock()

	n.handlers.ringing = append(n.handlers.ringing, fn)
}

func (n *Negotiator) OnConnected(fn func(callID string)) {
	n.handlers.Lock()
	defer n.handlers.Unlock()

	n.handlers.connected = append(n.handlers.connected, fn)
}

func (n *Negotiator) OnEnded(fn func(callID string, reason EndReason)) {
	n.handlers.Lock()
	defer n.handlers.Unlock()

	n.handlers.ended = append(n.handlers.ended, fn)
}

// State returns the state of the current call, StateIdle when there is none.
func (n *Negotiator) State() State {
	if s := n.session(); s != nil {
		return s.State()
	}
	return StateIdle
}

// CallID returns the id of the current call, "" when idle.
func (n *Negotiator) CallID() string {
	if s := n.session(); s != nil {
		return s.CallID()
	}
	return ""
}

func (n *Negotiator) session() *session {
	n.mux.Lock()
	defer n.mux.Unlock()

	return n.current
}

func (n *Negotiator) busy() bool {
	return n.session() != nil
}

func (n *Negotiator) reserve(callID string, role Role, local, remote string) (*session, error) {
	n.mux.Lock()
	defer n.mux.Unlock()

	if n.current != nil {
		return nil, ErrAlreadyInCall
	}

	n.current = newSession(n.ctx, callID, role, local, remote, n.queueSize, n.logger)
	return n.current, nil
}

// Initiate starts an outgoing call and returns as soon as the offer is
// published. When the remote already has a fresh invitation waiting for local,
// the higher identity of the two answers it instead and its id is returned.
func (n *Negotiator) Initiate(ctx context.Context, local, remote string) (string, error) {
	if local == "" || remote == "" || local == remote {
		return "", fmt.Errorf("invalid call participants %q and %q", local, remote)
	}
	if n.busy() {
		return "", ErrAlreadyInCall
	}

	incoming, err := n.findIncoming(ctx, local, remote)
	if err != nil {
		n.logger.Warn().Err(err).Str("remote", remote).Msg("failed to look up pending invitations")
	}
	if incoming != nil && local > remote {
		n.logger.Info().Str("call_id", incoming.ID).Str("remote", remote).Msg("simultaneous calls, answering the remote offer")
		return incoming.ID, n.Accept(ctx, incoming.ID, remote)
	}

	callID, err := n.store.Create(ctx, CollectionCalls)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSignalingWriteFailed, err)
	}

	s, err := n.reserve(callID, RoleCaller, local, remote)
	if err != nil {
		return "", err
	}
	defer n.declineDeferred(s)

	if incoming != nil {
		s.logger.Info().Str("declined", incoming.ID).Msg("simultaneous calls, declining the remote offer")
		s.deferDecline(incoming.ID)
	}

	if err := n.setup(ctx, s); err != nil {
		n.terminate(s, false, ReasonFailed)
		return "", err
	}

	transport := s.Transport()
	offer, err := transport.CreateOffer(ctx)
	if err != nil {
		n.terminate(s, false, ReasonFailed)
		return "", fmt.Errorf("%w: %v", ErrTransportError, err)
	}

	if s.ended() {
		return "", errCallEnded
	}

	if err := n.store.Write(ctx, callPath(callID), signaling.Fields{
		FieldCaller:    local,
		FieldCallee:    remote,
		FieldOffer:     encodeDescription(offer),
		FieldStatus:    StatusOffering,
		FieldCreatedAt: signaling.ServerTimestamp,
	}, false); err != nil {
		n.terminate(s, true, ReasonFailed)
		return "", fmt.Errorf("%w: %v", ErrSignalingWriteFailed, err)
	}

	if s.ended() {
		// a hang-up during the write found no record to end
		n.endRecord(s)
		return "", errCallEnded
	}

	if err := n.subscribe(s); err != nil {
		n.terminate(s, true, ReasonFailed)
		return "", err
	}

	if s.ended() {
		return "", errCallEnded
	}

	s.logger.Info().Msg("call offered")
	n.fireRinging(callID)
	return callID, nil
}

// Accept answers the invitation callID placed by remote. remote may be empty
// to accept whoever placed it.
func (n *Negotiator) Accept(ctx context.Context, callID, remote string) error {
	if n.busy() {
		return ErrAlreadyInCall
	}

	record, err := n.store.Read(ctx, callPath(callID))
	if errors.Is(err, signaling.ErrNotFound) {
		return fmt.Errorf("%w: call %s does not exist", ErrCallExpired, callID)
	}
	if err != nil {
		return fmt.Errorf("error while reading call %s: %w", callID, err)
	}

	call, err := decodeCallRecord(record)
	if call.Status != StatusOffering {
		return fmt.Errorf("%w: call %s is %s", ErrCallExpired, callID, call.Status)
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransportError, err)
	}
	if call.Offer == nil {
		return fmt.Errorf("%w: call %s has no offer", ErrCallExpired, callID)
	}
	if remote != "" && call.Caller != remote {
		return fmt.Errorf("call %s was placed by %s, not %s", callID, call.Caller, remote)
	}

	s, err := n.reserve(callID, RoleCallee, call.Callee, call.Caller)
	if err != nil {
		return err
	}

	if err := n.setup(ctx, s); err != nil {
		n.terminate(s, false, ReasonFailed)
		return err
	}

	if _, err := s.applyRemote(*call.Offer); err != nil {
		n.terminate(s, false, ReasonFailed)
		return fmt.Errorf("%w: %v", ErrTransportError, err)
	}

	answer, err := s.Transport().CreateAnswer(ctx)
	if err != nil {
		n.terminate(s, false, ReasonFailed)
		return fmt.Errorf("%w: %v", ErrTransportError, err)
	}

	if s.ended() {
		return errCallEnded
	}

	err = n.store.Update(ctx, callPath(callID), func(current signaling.Record) (signaling.Fields, error) {
		if current.String(FieldStatus) != StatusOffering {
			return nil, errNotOffering
		}
		return signaling.Fields{
			FieldAnswer: encodeDescription(answer),
			FieldStatus: StatusAnswered,
		}, nil
	})
	switch {
	case errors.Is(err, errNotOffering), errors.Is(err, signaling.ErrNotFound):
		n.terminate(s, false, ReasonRemoteHangup)
		return fmt.Errorf("%w: call %s ended before it was answered", ErrCallExpired, callID)
	case err != nil:
		n.terminate(s, true, ReasonFailed)
		return fmt.Errorf("%w: %v", ErrSignalingWriteFailed, err)
	}

	s.setState(StateConnecting)

	if err := n.subscribe(s); err != nil {
		n.terminate(s, true, ReasonFailed)
		return err
	}
	if s.ended() {
		return errCallEnded
	}

	s.logger.Info().Msg("call answered")
	return nil
}

// Decline ends callID without creating a Local Call Session. Declining a call
// that has already ended, or no longer exists, does nothing.
func (n *Negotiator) Decline(ctx context.Context, callID string) error {
	if err := n.markEnded(ctx, callID); err != nil {
		return fmt.Errorf("%w: %v", ErrSignalingWriteFailed, err)
	}

	n.logger.Info().Str("call_id", callID).Msg("call declined")
	return nil
}

// HangUp ends the current call and records the end for the remote.
func (n *Negotiator) HangUp() {
	n.Terminate(true)
}

// Terminate tears the current call down. It is safe to call at any time and
// any number of times.
func (n *Negotiator) Terminate(notifyRemote bool) {
	if s := n.session(); s != nil {
		n.terminate(s, notifyRemote, ReasonLocalHangup)
	}
}

// Close terminates the current call and stops the negotiator.
func (n *Negotiator) Close() error {
	n.Terminate(true)
	n.cancel()
	return nil
}

// setup acquires local media, builds the transport and wires its handlers.
// Nothing is written to the store.
func (n *Negotiator) setup(ctx context.Context, s *session) error {
	media := mediasource.NewSession(s.ctx, n.capturer, mediasource.WithLogger(s.logger))
	if err := media.Acquire(ctx); err != nil {
		return err
	}
	if err := s.attach(func() { s.media = media }); err != nil {
		_ = media.Release()
		return err
	}

	transport, err := n.transports.NewTransport(s.CallID())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransportError, err)
	}
	sink := mediasink.NewSink(s.ctx, s.logger)
	if err := s.attach(func() { s.transport, s.sink = transport, sink }); err != nil {
		sink.Close()
		return multierr.Append(err, transport.Close())
	}

	if err := media.BindToTransport(transport); err != nil {
		return fmt.Errorf("%w: %v", ErrTransportError, err)
	}

	transport.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		if receiver == nil {
			sink.Add(track, nil)
			return
		}
		sink.Add(track, receiver)
	})
	transport.OnConnectionStateChange(n.onTransportState(s))
	transport.OnICECandidate(func(candidate webrtc.ICECandidateInit) {
		n.publishCandidate(s, candidate)
	})

	return nil
}

// subscribe watches the call record and the remote party's candidates. The
// listeners live as long as s, not as long as the operation that opened them.
func (n *Negotiator) subscribe(s *session) error {
	remoteRole := RoleCallee
	if s.role == RoleCallee {
		remoteRole = RoleCaller
	}

	candidates, err := n.store.SubscribeQuery(s.ctx, signaling.Query{
		Collection: candidatesPath(s.CallID(), remoteRole),
		OrderBy:    FieldSeq,
	}, n.onRemoteCandidates(s))
	if err != nil {
		return fmt.Errorf("error while subscribing to remote candidates: %w", err)
	}
	s.subs.Add(candidates)

	record, err := n.store.SubscribeRecord(s.ctx, callPath(s.CallID()), n.onCallRecord(s))
	if err != nil {
		return fmt.Errorf("error while subscribing to call record: %w", err)
	}
	s.subs.Add(record)

	return nil
}

func (n *Negotiator) publishCandidate(s *session, candidate webrtc.ICECandidateInit) {
	if s.ended() {
		return
	}

	seq := s.seq.Add(1)
	if _, err := n.store.Append(s.ctx, candidatesPath(s.CallID(), s.role), encodeCandidate(candidate, seq)); err != nil {
		s.logger.Warn().Err(err).Uint64("seq", seq).Msg("failed to publish local candidate")
	}
}

func (n *Negotiator) onCallRecord(s *session) signaling.Listener {
	return func(changes []signaling.Change, err error) {
		if err != nil {
			s.logger.Warn().Err(err).Msg("call record listener failed")
			return
		}

		for _, change := range changes {
			if change.Kind == signaling.ChangeRemoved {
				s.logger.Warn().Msg("call record removed")
				n.terminate(s, false, ReasonRemoteHangup)
				return
			}

			call, err := decodeCallRecord(change.Record)
			if call.Status == StatusEnded {
				reason := ReasonRemoteHangup
				if s.role == RoleCaller && s.State() == StateOffering {
					if n.answerGlare(s) {
						return
					}
					reason = ReasonDeclined
				}
				n.terminate(s, false, reason)
				return
			}
			if err != nil {
				s.logger.Warn().Err(err).Msg("ignoring malformed call record")
				continue
			}

			if s.role != RoleCaller || call.Answer == nil {
				continue
			}

			applied, err := s.applyRemote(*call.Answer)
			if err != nil {
				s.logger.Error().Err(err).Msg("failed to apply answer")
				n.terminate(s, true, ReasonFailed)
				return
			}
			if applied {
				s.setState(StateConnecting)
				s.logger.Info().Msg("call answered by remote")
			}
		}
	}
}

func (n *Negotiator) onRemoteCandidates(s *session) signaling.Listener {
	return func(changes []signaling.Change, err error) {
		if err != nil {
			s.logger.Warn().Err(err).Msg("remote candidate listener failed")
			return
		}

		for _, change := range changes {
			if change.Kind != signaling.ChangeAdded {
				continue
			}

			candidate, err := decodeCandidate(change.Record)
			if err != nil {
				s.logger.Warn().Err(err).Msg("ignoring malformed remote candidate")
				continue
			}

			if err := s.addRemoteCandidate(change.Record.ID, candidate); err != nil {
				if errors.Is(err, ErrCandidateQueueFull) {
					s.logger.Error().Err(err).Str("candidate", change.Record.ID).Msg("dropping remote candidate")
					continue
				}
				s.logger.Warn().Err(err).Str("candidate", change.Record.ID).Msg("failed to apply remote candidate")
			}
		}
	}
}

func (n *Negotiator) onTransportState(s *session) func(webrtc.PeerConnectionState) {
	return func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateConnected:
			if !s.setState(StateActive) {
				return
			}
			s.connected.Do(func() {
				s.logger.Info().Msg("call connected")
				n.fireConnected(s.CallID())
			})
		case webrtc.PeerConnectionStateDisconnected:
			s.logger.Warn().Msg("transport disconnected, waiting for ICE to recover")
		case webrtc.PeerConnectionStateFailed:
			// closing the transport from its own callback can block
			go n.terminate(s, true, ReasonTransportFailed)
		}
	}
}

// terminate releases everything s owns exactly once. notify records the end
// on the call record so the remote side tears down too.
func (n *Negotiator) terminate(s *session, notify bool, reason EndReason) {
	s.once.Do(func() {
		s.subs.Cancel()

		transport, media, sink := s.detach()

		var merr error
		if transport != nil {
			merr = multierr.Append(merr, transport.Close())
		}
		if media != nil {
			merr = multierr.Append(merr, media.Release())
		}
		if sink != nil {
			sink.Close()
		}
		s.cancel()

		if merr != nil {
			s.logger.Warn().Err(merr).Msg("errors while releasing call resources")
		}

		n.mux.Lock()
		if n.current == s {
			n.current = nil
		}
		n.mux.Unlock()

		if notify {
			n.endRecord(s)
		}

		s.logger.Info().Str("reason", string(reason)).Msg("call ended")
		n.fireEnded(s.CallID(), reason)
	})
}

// declineDeferred declines the invitations held back while the offer of s was
// being published. It runs once Initiate is done, whatever the outcome.
func (n *Negotiator) declineDeferred(s *session) {
	for _, callID := range s.markPublished() {
		if err := n.Decline(n.ctx, callID); err != nil {
			s.logger.Warn().Err(err).Str("declined", callID).Msg("failed to decline the remote offer")
		}
	}
}

// answerGlare handles the remote declining the outgoing call s because it is
// calling back at the same time. When the local identity is the higher one
// and the remote's invitation is waiting, s gives way to it.
func (n *Negotiator) answerGlare(s *session) bool {
	if s.local < s.remote {
		return false
	}

	incoming, err := n.findIncoming(n.ctx, s.local, s.remote)
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to look up pending invitations")
	}
	if incoming == nil {
		return false
	}

	if !n.supersede(s, *incoming) {
		n.terminate(s, true, ReasonSuperseded)
	}
	return true
}

// supersede ends the outgoing call s and answers call, an invitation from the
// same peer. The watcher and the call record listener can both get here for
// one invitation; only the first one answers it.
func (n *Negotiator) supersede(s *session, call callRecord) bool {
	n.mux.Lock()
	if _, claimed := n.glare[call.ID]; claimed {
		n.mux.Unlock()
		return false
	}
	n.glare[call.ID] = struct{}{}
	n.mux.Unlock()

	logger := s.logger.With().Str("incoming", call.ID).Logger()
	logger.Info().Msg("simultaneous calls, answering the incoming one")
	n.terminate(s, true, ReasonSuperseded)

	go func() {
		defer func() {
			n.mux.Lock()
			delete(n.glare, call.ID)
			n.mux.Unlock()
		}()

		if err := n.Accept(n.ctx, call.ID, call.Caller); err != nil {
			logger.Warn().Err(err).Msg("failed to answer incoming call")
		}
	}()
	return true
}

// superseding reports whether callID is being answered in place of an
// outgoing call.
func (n *Negotiator) superseding(callID string) bool {
	n.mux.Lock()
	defer n.mux.Unlock()

	_, claimed := n.glare[callID]
	return claimed
}

// endRecord is the best-effort end write made while tearing s down.
func (n *Negotiator) endRecord(s *session) {
	ctx, cancel := context.WithTimeout(context.Background(), n.writeTimeout)
	defer cancel()

	if err := n.markEnded(ctx, s.CallID()); err != nil {
		s.logger.Warn().Err(err).Msg("failed to record call end")
	}
}

// markEnded moves callID to ended unless it already is. A missing record is
// not an error.
func (n *Negotiator) markEnded(ctx context.Context, callID string) error {
	err := n.store.Update(ctx, callPath(callID), func(current signaling.Record) (signaling.Fields, error) {
		if current.String(FieldStatus) == StatusEnded {
			return nil, signaling.ErrAbort
		}
		return signaling.Fields{FieldStatus: StatusEnded}, nil
	})
	if errors.Is(err, signaling.ErrNotFound) {
		return nil
	}
	return err
}

// findIncoming returns a fresh invitation from remote to local, if any.
func (n *Negotiator) findIncoming(ctx context.Context, local, remote string) (*callRecord, error) {
	records, err := n.store.QueryWhere(ctx, signaling.Query{Collection: CollectionCalls}.
		Where(FieldCaller, remote).
		Where(FieldCallee, local).
		Where(FieldStatus, StatusOffering))
	if err != nil {
		return nil, err
	}

	for _, record := range records {
		call, err := decodeCallRecord(record)
		if err != nil {
			continue
		}
		if n.fresh(call) {
			return &call, nil
		}
	}
	return nil, nil
}

// fresh reports whether call is within the staleness window. A creation time
// the store has not resolved yet counts as now.
func (n *Negotiator) fresh(call callRecord) bool {
	if call.Pending {
		return true
	}
	return n.now().Sub(call.CreatedAt) <= n.staleness
}

func (n *Negotiator) fireRinging(callID string) {
	n.handlers.RLock()
	fns := n.handlers.ringing
	n.handlers.RUnlock()

	for _, fn := range fns {
		fn(callID)
	}
}

func (n *Negotiator) fireConnected(callID string) {
	n.handlers.RLock()
	fns := n.handlers.connected
	n.handlers.RUnlock()

	for _, fn := range fns {
		fn(callID)
	}
}

func (n *Negotiator) fireEnded(callID string, reason EndReason) {
	n.handlers.RLock()
	fns := n.handlers.ended
	n.handlers.RUnlock()

	for _, fn := range fns {
		fn(callID, reason)
	}
}

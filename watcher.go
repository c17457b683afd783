package client

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/harshabose/simple_webrtc_comm/callclient/pkg/signaling"
)

var errWatcherStarted = errors.New("watcher already started")

// IncomingCall is a fresh invitation addressed to the local identity.
type IncomingCall struct {
	CallID    string    `json:"call_id"`
	Caller    string    `json:"caller"`
	CreatedAt time.Time `json:"created_at"`
}

// Watcher is the standing subscription for invitations addressed to one
// identity. It surfaces each fresh invitation once.
type Watcher struct {
	negotiator *Negotiator
	identity   string
	logger     zerolog.Logger

	mux      sync.Mutex
	seen     map[string]struct{}
	handlers []func(IncomingCall)
	sub      signaling.Subscription
	started  bool

	once   sync.Once
	ctx    context.Context
	cancel context.CancelFunc
}

func NewWatcher(negotiator *Negotiator, identity string, logger zerolog.Logger) *Watcher {
	return &Watcher{
		negotiator: negotiator,
		identity:   identity,
		logger:     logger.With().Str("identity", identity).Logger(),
		seen:       make(map[string]struct{}),
	}
}

func (w *Watcher) OnIncomingCall(fn func(IncomingCall)) {
	w.mux.Lock()
	defer w.mux.Unlock()

	w.handlers = append(w.handlers, fn)
}

// Start subscribes to offering call records whose callee is the identity. A
// watcher is started once and never restarted.
func (w *Watcher) Start(ctx context.Context) error {
	w.mux.Lock()
	if w.started {
		w.mux.Unlock()
		return errWatcherStarted
	}
	w.started = true
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.mux.Unlock()

	query := signaling.Query{Collection: CollectionCalls}.
		Where(FieldCallee, w.identity).
		Where(FieldStatus, StatusOffering)

	sub, err := w.negotiator.store.SubscribeQuery(w.ctx, query, w.onInvitations)
	if err != nil {
		return err
	}

	w.mux.Lock()
	w.sub = sub
	w.mux.Unlock()

	w.logger.Info().Msg("watching for incoming calls")
	return nil
}

func (w *Watcher) Stop() {
	w.once.Do(func() {
		w.mux.Lock()
		sub, cancel := w.sub, w.cancel
		w.mux.Unlock()

		if sub != nil {
			sub.Cancel()
		}
		if cancel != nil {
			cancel()
		}
	})
}

func (w *Watcher) onInvitations(changes []signaling.Change, err error) {
	if err != nil {
		// the store's listener resumes on its own
		w.logger.Warn().Err(err).Msg("incoming call listener failed")
		return
	}

	for _, change := range changes {
		if change.Kind == signaling.ChangeRemoved {
			continue
		}

		call, err := decodeCallRecord(change.Record)
		if err != nil {
			w.logger.Warn().Err(err).Msg("ignoring malformed invitation")
			continue
		}
		if call.Status != StatusOffering || call.Callee != w.identity {
			continue
		}
		if !w.markSeen(call.ID) {
			continue
		}

		if !w.negotiator.fresh(call) {
			w.logger.Debug().Str("call_id", call.ID).Time("created_at", call.CreatedAt).Msg("ignoring stale invitation")
			continue
		}

		if w.resolveGlare(call) {
			continue
		}

		w.logger.Info().Str("call_id", call.ID).Str("caller", call.Caller).Msg("incoming call")
		w.fire(IncomingCall{CallID: call.ID, Caller: call.Caller, CreatedAt: call.CreatedAt})
	}
}

func (w *Watcher) markSeen(callID string) bool {
	w.mux.Lock()
	defer w.mux.Unlock()

	if _, exists := w.seen[callID]; exists {
		return false
	}
	w.seen[callID] = struct{}{}
	return true
}

// resolveGlare handles an invitation from the peer the local side is
// currently calling. The lower identity keeps its outgoing call and declines
// the invitation once its own offer is published; the higher one drops its
// outgoing call and answers.
func (w *Watcher) resolveGlare(call callRecord) bool {
	// the session is read before the claim so an answer already under way is
	// never mistaken for a plain invitation
	s := w.negotiator.session()
	if w.negotiator.superseding(call.ID) {
		return true
	}
	if s == nil {
		return false
	}
	if s.CallID() == call.ID {
		return true
	}
	if s.role != RoleCaller || s.remote != call.Caller || s.State() != StateOffering {
		return false
	}

	logger := w.logger.With().Str("call_id", call.ID).Str("outgoing", s.CallID()).Logger()

	if w.identity < call.Caller {
		if !s.deferDecline(call.ID) {
			logger.Info().Msg("simultaneous calls, declining the incoming one once the offer is out")
			return true
		}
		logger.Info().Msg("simultaneous calls, declining the incoming one")
		if err := w.negotiator.Decline(w.ctx, call.ID); err != nil {
			logger.Warn().Err(err).Msg("failed to decline incoming call")
		}
		return true
	}

	w.negotiator.supersede(s, call)
	return true
}

func (w *Watcher) fire(call IncomingCall) {
	w.mux.Lock()
	handlers := make([]func(IncomingCall), len(w.handlers))
	copy(handlers, w.handlers)
	w.mux.Unlock()

	for _, fn := range handlers {
		fn(call)
	}
}

// Package client is a peer-to-peer audio/video call client that negotiates
// through a shared document store instead of a signaling server.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/harshabose/simple_webrtc_comm/callclient/pkg/mediasink"
	"github.com/harshabose/simple_webrtc_comm/callclient/pkg/mediasource"
	"github.com/harshabose/simple_webrtc_comm/callclient/pkg/signaling"
)

var ErrNoActiveCall = errors.New("no active call")

// Client is what a presentation layer drives: it places, answers, declines
// and hangs up calls for one identity and reports their progress.
type Client struct {
	mediaEngine         *webrtc.MediaEngine
	settingsEngine      *webrtc.SettingEngine
	interceptorRegistry *interceptor.Registry
	api                 *webrtc.API
	rtcConfig           webrtc.Configuration

	codecsRegistered       bool
	interceptorsRegistered bool

	store             signaling.Store
	capturer          mediasource.Capturer
	logger            zerolog.Logger
	negotiatorOptions []NegotiatorOption
	negotiator        *Negotiator

	mux      sync.RWMutex
	identity string
	watcher  *Watcher
	incoming []func(IncomingCall)

	once   sync.Once
	ctx    context.Context
	cancel context.CancelFunc
}

func NewClient(
	ctx context.Context,
	mediaEngine *webrtc.MediaEngine, interceptorRegistry *interceptor.Registry,
	settings *webrtc.SettingEngine, options ...ClientOption,
) (*Client, error) {
	if mediaEngine == nil {
		mediaEngine = &webrtc.MediaEngine{}
	}
	if interceptorRegistry == nil {
		interceptorRegistry = &interceptor.Registry{}
	}
	if settings == nil {
		settings = &webrtc.SettingEngine{}
	}

	ctx2, cancel2 := context.WithCancel(ctx)

	c := &Client{
		mediaEngine:         mediaEngine,
		interceptorRegistry: interceptorRegistry,
		settingsEngine:      settings,
		rtcConfig:           GetDefaultRTCConfiguration(),
		capturer:            mediasource.NewSampleCapturer(),
		logger:              zerolog.Nop(),
		ctx:                 ctx2,
		cancel:              cancel2,
	}

	for _, option := range options {
		if err := option(c); err != nil {
			cancel2()
			return nil, err
		}
	}

	if c.store == nil {
		cancel2()
		return nil, errors.New("no signaling store configured")
	}

	if !c.codecsRegistered {
		if err := WithDefaultMediaEngine()(c); err != nil {
			cancel2()
			return nil, err
		}
	}
	if !c.interceptorsRegistered {
		if err := WithDefaultInterceptorRegistry()(c); err != nil {
			cancel2()
			return nil, err
		}
	}

	c.settingsEngine.LoggerFactory = NewLoggerFactory(c.logger.With().Str("component", "pion").Logger())
	c.api = webrtc.NewAPI(webrtc.WithMediaEngine(c.mediaEngine), webrtc.WithInterceptorRegistry(c.interceptorRegistry), webrtc.WithSettingEngine(*c.settingsEngine))

	c.negotiator = NewNegotiator(c.ctx, c.store, c, c.capturer, append([]NegotiatorOption{WithNegotiatorLogger(c.logger)}, c.negotiatorOptions...)...)

	return c, nil
}

// NewTransport builds a pion PeerConnection for one call.
func (c *Client) NewTransport(label string) (Transport, error) {
	return CreatePeerConnection(c.ctx, label, c.api, c.rtcConfig, c.logger)
}

// Start begins watching for calls addressed to identity. It may be called once.
func (c *Client) Start(identity string) error {
	if identity == "" {
		return errors.New("empty identity")
	}

	c.mux.Lock()
	if c.watcher != nil {
		c.mux.Unlock()
		return errWatcherStarted
	}
	c.identity = identity
	c.watcher = NewWatcher(c.negotiator, identity, c.logger)
	c.watcher.OnIncomingCall(c.fireIncoming)
	watcher := c.watcher
	c.mux.Unlock()

	if err := watcher.Start(c.ctx); err != nil {
		return fmt.Errorf("error while watching incoming calls: %w", err)
	}
	return nil
}

func (c *Client) Identity() string {
	c.mux.RLock()
	defer c.mux.RUnlock()

	return c.identity
}

// InitiateCall calls callee and returns the call id once the offer is published.
func (c *Client) InitiateCall(ctx context.Context, callee string) (string, error) {
	identity := c.Identity()
	if identity == "" {
		return "", ErrNotStarted
	}
	return c.negotiator.Initiate(ctx, identity, callee)
}

func (c *Client) AcceptCall(ctx context.Context, callID, caller string) error {
	if c.Identity() == "" {
		return ErrNotStarted
	}
	return c.negotiator.Accept(ctx, callID, caller)
}

func (c *Client) DeclineCall(ctx context.Context, callID string) error {
	return c.negotiator.Decline(ctx, callID)
}

func (c *Client) HangUp() {
	c.negotiator.HangUp()
}

func (c *Client) OnIncomingCall(fn func(IncomingCall)) {
	c.mux.Lock()
	defer c.mux.Unlock()

	c.incoming = append(c.incoming, fn)
}

func (c *Client) OnRinging(fn func(callID string)) {
	c.negotiator.OnRinging(fn)
}

func (c *Client) OnConnected(fn func(callID string)) {
	c.negotiator.OnConnected(fn)
}

func (c *Client) OnEnded(fn func(callID string, reason EndReason)) {
	c.negotiator.OnEnded(fn)
}

func (c *Client) State() State {
	return c.negotiator.State()
}

func (c *Client) CallID() string {
	return c.negotiator.CallID()
}

// CallStats reports the transport statistics of the current call.
func (c *Client) CallStats() (Stat, error) {
	s := c.negotiator.session()
	if s == nil {
		return Stat{}, ErrNoActiveCall
	}

	pc, ok := s.Transport().(*PeerConnection)
	if !ok {
		return Stat{}, ErrNoActiveCall
	}
	return pc.Stats(), nil
}

// ToggleAudio mutes or unmutes outbound audio and reports whether it is muted.
func (c *Client) ToggleAudio() (bool, error) {
	media, err := c.media()
	if err != nil {
		return false, err
	}
	return media.ToggleAudio()
}

// ToggleVideo disables or enables outbound video and reports whether it is off.
func (c *Client) ToggleVideo() (bool, error) {
	media, err := c.media()
	if err != nil {
		return false, err
	}
	return media.ToggleVideo()
}

// LocalTracks returns the captured tracks of the current call for self-view.
func (c *Client) LocalTracks() []mediasource.LocalTrack {
	media, err := c.media()
	if err != nil {
		return nil
	}
	return media.Tracks()
}

// RemoteSink returns the sink collecting the remote tracks of the current call.
func (c *Client) RemoteSink() (*mediasink.Sink, error) {
	s := c.negotiator.session()
	if s == nil {
		return nil, ErrNoActiveCall
	}
	sink := s.Sink()
	if sink == nil {
		return nil, ErrNoActiveCall
	}
	return sink, nil
}

func (c *Client) media() (*mediasource.Session, error) {
	s := c.negotiator.session()
	if s == nil {
		return nil, ErrNoActiveCall
	}
	media := s.Media()
	if media == nil {
		return nil, ErrNoActiveCall
	}
	return media, nil
}

func (c *Client) fireIncoming(call IncomingCall) {
	c.mux.RLock()
	handlers := make([]func(IncomingCall), len(c.incoming))
	copy(handlers, c.incoming)
	c.mux.RUnlock()

	for _, fn := range handlers {
		fn(call)
	}
}

// Close hangs up any current call and stops watching. The store is left open.
func (c *Client) Close() error {
	var err error
	c.once.Do(func() {
		c.mux.RLock()
		watcher := c.watcher
		c.mux.RUnlock()

		if watcher != nil {
			watcher.Stop()
		}
		err = c.negotiator.Close()
		c.cancel()
	})
	return err
}

// Package control exposes a call client to a local presentation layer: HTTP
// routes for the user's actions and a websocket stream of call events.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	client "github.com/harshabose/simple_webrtc_comm/callclient"
)

// Calls is the part of the call client driven over HTTP.
type Calls interface {
	InitiateCall(ctx context.Context, callee string) (string, error)
	AcceptCall(ctx context.Context, callID, caller string) error
	DeclineCall(ctx context.Context, callID string) error
	HangUp()
	CallID() string
	State() client.State
	CallStats() (client.Stat, error)
	ToggleAudio() (bool, error)
	ToggleVideo() (bool, error)
}

// Events is the part of the call client that reports progress.
type Events interface {
	OnIncomingCall(fn func(client.IncomingCall))
	OnRinging(fn func(callID string))
	OnConnected(fn func(callID string))
	OnEnded(fn func(callID string, reason client.EndReason))
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// the control server only listens on loopback
	CheckOrigin: func(r *http.Request) bool { return true },
}

type Handler struct {
	calls  Calls
	hub    *Hub
	logger zerolog.Logger
}

func NewHandler(calls Calls, hub *Hub, logger zerolog.Logger) *Handler {
	return &Handler{
		calls:  calls,
		hub:    hub,
		logger: logger,
	}
}

// Forward relays every call event from events to the hub.
func Forward(events Events, hub *Hub) {
	events.OnIncomingCall(func(call client.IncomingCall) {
		hub.Broadcast(Event{Type: EventIncoming, CallID: call.CallID, Caller: call.Caller})
	})
	events.OnRinging(func(callID string) {
		hub.Broadcast(Event{Type: EventRinging, CallID: callID})
	})
	events.OnConnected(func(callID string) {
		hub.Broadcast(Event{Type: EventConnected, CallID: callID})
	})
	events.OnEnded(func(callID string, reason client.EndReason) {
		hub.Broadcast(Event{Type: EventEnded, CallID: callID, Reason: string(reason)})
	})
}

func (h *Handler) NewRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Route("/calls", func(r chi.Router) {
		r.Post("/", h.initiate)
		r.Get("/current", h.current)
		r.Delete("/current", h.hangUp)
		r.Get("/current/stats", h.stats)
		r.Post("/current/audio", h.toggleAudio)
		r.Post("/current/video", h.toggleVideo)
		r.Post("/{callID}/accept", h.accept)
		r.Post("/{callID}/decline", h.decline)
	})
	r.Get("/events", h.ServeWS)

	return r
}

type initiateRequest struct {
	Callee string `json:"callee"`
}

type acceptRequest struct {
	Caller string `json:"caller"`
}

type callResponse struct {
	CallID string `json:"call_id"`
	State  string `json:"state"`
}

type toggleResponse struct {
	Muted bool `json:"muted"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *Handler) initiate(w http.ResponseWriter, r *http.Request) {
	var req initiateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Callee == "" {
		h.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "callee is required"})
		return
	}

	callID, err := h.calls.InitiateCall(r.Context(), req.Callee)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, callResponse{CallID: callID, State: h.calls.State().String()})
}

func (h *Handler) accept(w http.ResponseWriter, r *http.Request) {
	var req acceptRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed body"})
			return
		}
	}

	callID := chi.URLParam(r, "callID")
	if err := h.calls.AcceptCall(r.Context(), callID, req.Caller); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, callResponse{CallID: callID, State: h.calls.State().String()})
}

func (h *Handler) decline(w http.ResponseWriter, r *http.Request) {
	if err := h.calls.DeclineCall(r.Context(), chi.URLParam(r, "callID")); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) hangUp(w http.ResponseWriter, _ *http.Request) {
	h.calls.HangUp()
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) current(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, callResponse{CallID: h.calls.CallID(), State: h.calls.State().String()})
}

func (h *Handler) stats(w http.ResponseWriter, _ *http.Request) {
	stat, err := h.calls.CallStats()
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, stat)
}

func (h *Handler) toggleAudio(w http.ResponseWriter, _ *http.Request) {
	h.toggle(w, h.calls.ToggleAudio)
}

func (h *Handler) toggleVideo(w http.ResponseWriter, _ *http.Request) {
	h.toggle(w, h.calls.ToggleVideo)
}

func (h *Handler) toggle(w http.ResponseWriter, fn func() (bool, error)) {
	muted, err := fn()
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, toggleResponse{Muted: muted})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, client.ErrAlreadyInCall):
		return http.StatusConflict
	case errors.Is(err, client.ErrCallExpired):
		return http.StatusGone
	case errors.Is(err, client.ErrNoActiveCall):
		return http.StatusNotFound
	case errors.Is(err, client.ErrDeviceUnavailable), errors.Is(err, client.ErrNotStarted):
		return http.StatusServiceUnavailable
	case errors.Is(err, client.ErrSignalingWriteFailed), errors.Is(err, client.ErrTransportError):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.logger.Error().Err(err).Msg("call action failed")
	}
	h.writeJSON(w, status, errorResponse{Error: err.Error()})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Warn().Err(err).Msg("error writing response")
	}
}

type wsClient struct {
	id   string
	conn *websocket.Conn
}

func (c *wsClient) ID() string {
	return c.id
}

func (c *wsClient) Send(event Event) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
		return err
	}
	return c.conn.WriteJSON(event)
}

func (c *wsClient) Close() error {
	return c.conn.Close()
}

// ServeWS streams call events to one viewer until it disconnects.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("error while upgrading ws")
		return
	}

	c := &wsClient{id: uuid.NewString(), conn: conn}
	l := h.logger.With().Str("client_id", c.id).Logger()

	if !h.hub.Register(c) {
		_ = conn.Close()
		return
	}
	defer h.hub.Unregister(c)

	// viewers only listen; reading detects the close
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				l.Error().Err(err).Msg("unexpected close error")
			}
			return
		}
	}
}

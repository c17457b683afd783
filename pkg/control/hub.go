package control

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	EventIncoming  = "incoming"
	EventRinging   = "ringing"
	EventConnected = "connected"
	EventEnded     = "ended"
)

// Event is one call notification pushed to every connected viewer.
type Event struct {
	Type   string    `json:"type"`
	CallID string    `json:"call_id"`
	Caller string    `json:"caller,omitempty"`
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}

type Client interface {
	ID() string
	Send(event Event) error
	Close() error
}

// Hub fans events out to the connected clients. Run owns the client set;
// every other method only talks to it over channels.
type Hub struct {
	logger     zerolog.Logger
	clients    map[Client]struct{}
	broadcast  chan Event
	register   chan Client
	unregister chan Client
	quit       chan struct{}
	once       sync.Once
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		logger:     logger,
		clients:    make(map[Client]struct{}),
		broadcast:  make(chan Event, 64),
		register:   make(chan Client),
		unregister: make(chan Client),
		quit:       make(chan struct{}),
	}
}

// Broadcast queues event. It never blocks; events are dropped when the queue
// is full.
func (h *Hub) Broadcast(event Event) {
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}

	select {
	case h.broadcast <- event:
	default:
		h.logger.Warn().Str("type", event.Type).Msg("event queue full, dropping event")
	}
}

func (h *Hub) Run() {
	for {
		select {
		case <-h.quit:
			for client := range h.clients {
				_ = client.Close()
				delete(h.clients, client)
			}
			return

		case client := <-h.register:
			h.clients[client] = struct{}{}
			h.logger.Info().Str("client_id", client.ID()).Msg("viewer connected")

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				_ = client.Close()
				h.logger.Info().Str("client_id", client.ID()).Msg("viewer disconnected")
			}

		case event := <-h.broadcast:
			for client := range h.clients {
				if err := client.Send(event); err != nil {
					h.logger.Error().Err(err).Str("client_id", client.ID()).Msg("error sending event")
					_ = client.Close()
					delete(h.clients, client)
				}
			}
		}
	}
}

// Register adds c. It returns false once the hub has stopped.
func (h *Hub) Register(c Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.quit:
		return false
	}
}

func (h *Hub) Unregister(c Client) {
	select {
	case h.unregister <- c:
	case <-h.quit:
	}
}

func (h *Hub) Stop() {
	h.once.Do(func() {
		close(h.quit)
	})
}

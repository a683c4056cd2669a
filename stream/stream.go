// Package stream fans change notifications out to in-process subscribers and
// websocket clients.
package stream

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// Event is one change notification, e.g. noteUpdated or noteDeleted.
type Event struct {
	Type string `json:"type"`
	Body any    `json:"body"`
}

const subscriberBuffer = 64

type Hub struct {
	mu     sync.Mutex
	subs   map[chan Event]struct{}
	log    *zap.Logger
	closed bool
}

func NewHub(log *zap.Logger) *Hub {
	return &Hub{subs: make(map[chan Event]struct{}), log: log}
}

// Publish delivers the event to every subscriber without blocking.
// Subscribers with a full buffer miss the event.
func (h *Hub) Publish(eventType string, body any) {
	ev := Event{Type: eventType, Body: body}
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
			h.log.Debug("Dropping event for slow subscriber", zap.String("type", eventType))
		}
	}
}

// Subscribe registers a new subscriber. The returned cancel func must be called to release it.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)
	h.mu.Lock()
	if h.closed {
		close(ch)
		h.mu.Unlock()
		return ch, func() {}
	}
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			if _, ok := h.subs[ch]; ok {
				delete(h.subs, ch)
				close(ch)
			}
			h.mu.Unlock()
		})
	}
}

// Close disconnects every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for ch := range h.subs {
		delete(h.subs, ch)
		close(ch)
	}
}

// ServeHTTP upgrades the request to a websocket and streams events as JSON text frames.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.log.Warn("Websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close(websocket.StatusInternalError, "")

	events, cancel := h.Subscribe()
	defer cancel()

	// clients never send; CloseRead handles their close frames
	ctx := conn.CloseRead(r.Context())

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "server shutting down")
				return
			}
			if err := writeEvent(ctx, conn, ev); err != nil {
				h.log.Debug("Websocket write failed", zap.Error(err))
				return
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, ev Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, b)
}

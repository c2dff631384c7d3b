package relay

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/rs/zerolog"

	"github.com/lexiqai/speaker-gateway/internal/observability"
	"github.com/lexiqai/speaker-gateway/internal/session"
)

const (
	defaultSubscriberBuffer = 64
	writeTimeout            = 5 * time.Second
)

// Hub pushes annotated session output to websocket subscribers. Publish never
// blocks: a subscriber whose buffer is full is disconnected.
type Hub struct {
	buffer int
	logger zerolog.Logger

	mu          sync.Mutex
	subscribers map[*subscriber]struct{}
}

type subscriber struct {
	msgs      chan session.Output
	closeOnce sync.Once
	closeSlow func()
}

// NewHub creates a hub with the given per-subscriber buffer
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	return &Hub{
		buffer:      buffer,
		logger:      observability.GetLogger().With().Str("component", "hub").Logger(),
		subscribers: make(map[*subscriber]struct{}),
	}
}

// Publish implements session.Sink
func (h *Hub) Publish(out session.Output) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for s := range h.subscribers {
		select {
		case s.msgs <- out:
		default:
			s.closeOnce.Do(func() { go s.closeSlow() })
		}
	}
}

// Count returns the number of connected subscribers
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers)
}

// ServeHTTP accepts a subscriber and streams outputs to it until it leaves
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to accept subscriber")
		observability.RecordError("upgrade", "hub")
		return
	}
	defer conn.CloseNow()

	err = h.subscribe(r.Context(), conn)
	if errors.Is(err, context.Canceled) ||
		websocket.CloseStatus(err) == websocket.StatusNormalClosure ||
		websocket.CloseStatus(err) == websocket.StatusGoingAway {
		return
	}
	if err != nil {
		h.logger.Warn().Err(err).Msg("Subscriber disconnected")
	}
}

func (h *Hub) subscribe(ctx context.Context, conn *websocket.Conn) error {
	// Subscribers only listen; CloseRead handles control frames
	ctx = conn.CloseRead(ctx)

	s := &subscriber{
		msgs: make(chan session.Output, h.buffer),
		closeSlow: func() {
			conn.Close(websocket.StatusPolicyViolation, "subscriber too slow")
		},
	}
	h.add(s)
	defer h.remove(s)

	for {
		select {
		case out := <-s.msgs:
			if err := writeOutput(ctx, conn, out); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func writeOutput(ctx context.Context, conn *websocket.Conn, out session.Output) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, out)
}

func (h *Hub) add(s *subscriber) {
	h.mu.Lock()
	h.subscribers[s] = struct{}{}
	h.mu.Unlock()
	observability.SubscriberConnected()
}

func (h *Hub) remove(s *subscriber) {
	h.mu.Lock()
	delete(h.subscribers, s)
	h.mu.Unlock()
	observability.SubscriberDisconnected()
}

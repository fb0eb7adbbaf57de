package httpapi

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/VuDube/promptgenie-xx2a9lx/internal/model"
)

const (
	subscriberBuffer = 16
	writeTimeout     = 5 * time.Second
)

type subscriber struct {
	events chan model.SyncEvent
	done   chan struct{}
}

// hub fans sync events out to websocket subscribers. A subscriber that falls
// more than subscriberBuffer events behind misses events rather than blocking
// the coordinator.
type hub struct {
	logger zerolog.Logger

	mu     sync.Mutex
	closed bool
	subs   map[*subscriber]struct{}
}

func newHub(logger zerolog.Logger) *hub {
	return &hub{logger: logger, subs: make(map[*subscriber]struct{})}
}

func (h *hub) add() (*subscriber, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, false
	}
	sub := &subscriber{events: make(chan model.SyncEvent, subscriberBuffer), done: make(chan struct{})}
	h.subs[sub] = struct{}{}
	return sub, true
}

func (h *hub) remove(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs, sub)
}

func (h *hub) len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *hub) publish(ev model.SyncEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		select {
		case sub.events <- ev:
		default:
			h.logger.Warn().Msg("event subscriber is behind, dropping event")
		}
	}
}

func (h *hub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for sub := range h.subs {
		close(sub.done)
	}
	h.subs = map[*subscriber]struct{}{}
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		// Accept has already written the HTTP error.
		s.logger.Debug().Err(err).Msg("websocket accept failed")
		return
	}
	defer conn.CloseNow()

	sub, ok := s.hub.add()
	if !ok {
		conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	defer s.hub.remove(sub)

	// Subscribers never send; CloseRead handles control frames and reports disconnects.
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.done:
			conn.Close(websocket.StatusGoingAway, "server shutting down")
			return
		case ev := <-sub.events:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(wctx, conn, ev)
			cancel()
			if err != nil {
				s.logger.Debug().Err(err).Msg("event write failed")
				return
			}
		}
	}
}

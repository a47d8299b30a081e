package http

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/olyamironova/trade-execution/internal/domain"
	"github.com/olyamironova/trade-execution/internal/port"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// CORS is enforced by the outer handler
		return true
	},
}

// FillHub fans committed fills out to stream subscribers. Subscribers keyed
// by "" receive every instrument. Slow subscribers drop fills.
type FillHub struct {
	mu   sync.RWMutex
	subs map[string]map[chan domain.Fill]struct{}
}

var _ port.Publisher = (*FillHub)(nil)

func NewFillHub() *FillHub {
	return &FillHub{subs: make(map[string]map[chan domain.Fill]struct{})}
}

func (h *FillHub) Subscribe(instrument string) chan domain.Fill {
	ch := make(chan domain.Fill, 64)
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[instrument]; !ok {
		h.subs[instrument] = make(map[chan domain.Fill]struct{})
	}
	h.subs[instrument][ch] = struct{}{}
	return ch
}

func (h *FillHub) Unsubscribe(instrument string, ch chan domain.Fill) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if m, ok := h.subs[instrument]; ok {
		if _, ok := m[ch]; ok {
			delete(m, ch)
			close(ch)
		}
		if len(m) == 0 {
			delete(h.subs, instrument)
		}
	}
}

// Subscribers counts live subscriptions across all instruments.
func (h *FillHub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, m := range h.subs {
		n += len(m)
	}
	return n
}

func (h *FillHub) PublishFill(ctx context.Context, f domain.Fill) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, key := range []string{f.Instrument, ""} {
		for ch := range h.subs[key] {
			select {
			case ch <- f:
			default:
			}
		}
	}
	return nil
}

// streamFills upgrades to a websocket and writes one JSON fill per message.
// ?instrument= narrows the stream.
func (s *HTTPServer) streamFills(c *gin.Context) {
	instrument := domain.NormalizeInstrument(c.Query("instrument"))
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn("ws upgrade", zap.Error(err))
		return
	}
	defer conn.Close()

	fills := s.hub.Subscribe(instrument)
	defer s.hub.Unsubscribe(instrument, fills)

	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case f, ok := <-fills:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(f); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		case <-c.Request.Context().Done():
			return
		}
	}
}

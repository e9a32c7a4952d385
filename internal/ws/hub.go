package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/protosnap/protosnap/internal/repository"
	"github.com/protosnap/protosnap/internal/store"
)

const (
	writeWait    = 10 * time.Second
	pongTimeout  = 60 * time.Second
	pingInterval = pongTimeout * 9 / 10 // below pongTimeout
	queueDepth   = 16

	// Subscribers only send control frames.
	maxInboundBytes = 512
)

// Source supplies the values the hub broadcasts.
type Source interface {
	Stats() store.Stats
	Counters() repository.Counters
}

// Message is the JSON envelope of every frame the hub sends.
type Message struct {
	Event string  `json:"event"`
	Data  Payload `json:"data"`
}

// Payload is the body of a "stats" message.
type Payload struct {
	Snapshot    store.Stats         `json:"snapshot"`
	Flights     repository.Counters `json:"flights"`
	GeneratedAt string              `json:"generated_at"` // RFC3339
}

// Option configures a Hub.
type Option func(*Hub)

// WithLogger sets the logger for connection events. A nil logger is ignored.
func WithLogger(l *slog.Logger) Option {
	return func(h *Hub) {
		if l != nil {
			h.log = l
		}
	}
}

// WithCheckOrigin replaces the origin check. The default accepts any origin.
func WithCheckOrigin(fn func(*http.Request) bool) Option {
	return func(h *Hub) { h.upgrader.CheckOrigin = fn }
}

// Hub pushes snapshot stats to WebSocket subscribers.
type Hub struct {
	source   Source
	interval time.Duration
	upgrader websocket.Upgrader
	log      *slog.Logger

	mu   sync.Mutex
	subs map[*subscriber]struct{}
}

type subscriber struct {
	conn *websocket.Conn
	out  chan []byte
}

// New returns a Hub that reads source and broadcasts every interval.
func New(source Source, interval time.Duration, opts ...Option) *Hub {
	h := &Hub{
		source:   source,
		interval: interval,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		log:  slog.New(slog.DiscardHandler),
		subs: make(map[*subscriber]struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Run broadcasts on every tick until ctx is done, then disconnects everyone.
func (h *Hub) Run(ctx context.Context) {
	tick := time.NewTicker(h.interval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			h.disconnectAll()
			return
		case <-tick.C:
			h.Broadcast()
		}
	}
}

// ServeHTTP upgrades the request and streams stats until the peer goes away.
// The first frame carries the current stats.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("ws: upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}

	s := &subscriber{conn: conn, out: make(chan []byte, queueDepth)}
	if frame, err := h.frame(); err == nil {
		s.out <- frame
	}
	h.add(s)
	defer h.remove(s)
	h.log.Debug("ws: subscriber connected", "remote", r.RemoteAddr)

	go s.writeLoop()
	s.readLoop()
}

// Count returns the number of connected subscribers.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Broadcast queues the current stats for every subscriber. A subscriber whose
// queue is full is dropped.
func (h *Hub) Broadcast() {
	frame, err := h.frame()
	if err != nil {
		h.log.Error("ws: encode stats", "err", err)
		return
	}

	// Queue sends never block, so holding mu here keeps remove from closing
	// a channel mid-send.
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs {
		select {
		case s.out <- frame:
		default:
			h.log.Warn("ws: dropping slow subscriber")
			delete(h.subs, s)
			close(s.out)
		}
	}
}

func (h *Hub) add(s *subscriber) {
	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.mu.Unlock()
}

// remove is a no-op if Broadcast or disconnectAll already dropped s.
func (h *Hub) remove(s *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[s]; !ok {
		return
	}
	delete(h.subs, s)
	close(s.out)
}

func (h *Hub) disconnectAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs {
		delete(h.subs, s)
		close(s.out)
	}
}

func (h *Hub) frame() ([]byte, error) {
	return json.Marshal(Message{
		Event: "stats",
		Data: Payload{
			Snapshot:    h.source.Stats(),
			Flights:     h.source.Counters(),
			GeneratedAt: time.Now().UTC().Format(time.RFC3339),
		},
	})
}

// writeLoop owns all writes to the connection. A closed queue sends a close
// frame and ends the loop.
func (s *subscriber) writeLoop() {
	ping := time.NewTicker(pingInterval)
	defer ping.Stop()
	defer s.conn.Close()

	for {
		var (
			kind    int
			payload []byte
		)
		select {
		case frame, ok := <-s.out:
			if !ok {
				kind = websocket.CloseMessage
			} else {
				kind, payload = websocket.TextMessage, frame
			}
		case <-ping.C:
			kind = websocket.PingMessage
		}

		s.conn.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck
		err := s.conn.WriteMessage(kind, payload)
		if err != nil || kind == websocket.CloseMessage {
			return
		}
	}
}

// readLoop discards inbound frames and extends the deadline on every pong.
// It returns when the peer disconnects or stops answering pings.
func (s *subscriber) readLoop() {
	defer s.conn.Close()
	s.conn.SetReadLimit(maxInboundBytes)
	s.conn.SetReadDeadline(time.Now().Add(pongTimeout)) //nolint:errcheck
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			return
		}
	}
}

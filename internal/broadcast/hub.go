package broadcast

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type envelope struct {
	channelKey string
	event      Event
}

// Hub is the websocket fan-out used by the UI layer. Clients subscribe to a
// channel key (a conversation or a participant badge feed); writes are
// best-effort and a failed write drops the client. All connection writes
// happen on a single broadcaster goroutine fed by a buffered channel, since
// a websocket connection supports at most one concurrent writer.
type Hub struct {
	mu       sync.RWMutex
	channels map[string]map[*websocket.Conn]bool
	upgrader websocket.Upgrader
	events   chan envelope
	done     chan struct{}
	stopOnce sync.Once
	logger   *zap.Logger
}

func NewHub(allowedOrigins []string, logger *zap.Logger) *Hub {
	allowedMap := make(map[string]bool)
	for _, origin := range allowedOrigins {
		allowedMap[origin] = true
	}

	h := &Hub{
		channels: make(map[string]map[*websocket.Conn]bool),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				if len(allowedMap) == 0 {
					return true
				}
				return allowedMap[r.Header.Get("Origin")]
			},
		},
		events: make(chan envelope, 256),
		done:   make(chan struct{}),
		logger: logger,
	}
	go h.run()
	return h
}

// HandleSubscribe upgrades the request and parks the connection on the
// channel named by the "channel" query parameter until it drops.
func (h *Hub) HandleSubscribe(w http.ResponseWriter, r *http.Request) {
	channelKey := r.URL.Query().Get("channel")
	if channelKey == "" {
		http.Error(w, "channel query parameter is required", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("WebSocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	h.mu.Lock()
	if h.channels[channelKey] == nil {
		h.channels[channelKey] = make(map[*websocket.Conn]bool)
	}
	h.channels[channelKey][conn] = true
	h.mu.Unlock()

	h.logger.Info("Client subscribed", zap.String("channel", channelKey))

	// Drain reads for keep-alive; a read error means the client is gone.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	h.mu.Lock()
	delete(h.channels[channelKey], conn)
	if len(h.channels[channelKey]) == 0 {
		delete(h.channels, channelKey)
	}
	h.mu.Unlock()

	h.logger.Info("Client disconnected", zap.String("channel", channelKey))
}

// Broadcast hands the event to the broadcaster goroutine. When the buffer is
// full the event is dropped; nothing is guaranteed to anyone.
func (h *Hub) Broadcast(channelKey string, event Event) {
	select {
	case h.events <- envelope{channelKey: channelKey, event: event}:
	case <-h.done:
	default:
		h.logger.Warn("Broadcast buffer full, dropping event",
			zap.String("channel", channelKey))
	}
}

// Close stops the broadcaster goroutine; queued events are dropped.
func (h *Hub) Close() {
	h.stopOnce.Do(func() { close(h.done) })
}

// run is the single writer for every connection the hub holds.
func (h *Hub) run() {
	for {
		select {
		case env := <-h.events:
			h.write(env)
		case <-h.done:
			return
		}
	}
}

// write delivers one event to every subscriber of its channel. Failed
// writers are evicted.
func (h *Hub) write(env envelope) {
	h.mu.RLock()
	clients := make([]*websocket.Conn, 0, len(h.channels[env.channelKey]))
	for conn := range h.channels[env.channelKey] {
		clients = append(clients, conn)
	}
	h.mu.RUnlock()

	for _, conn := range clients {
		if err := conn.WriteJSON(env.event); err != nil {
			conn.Close()
			h.mu.Lock()
			delete(h.channels[env.channelKey], conn)
			h.mu.Unlock()
			h.logger.Warn("Dropped broadcast client",
				zap.Error(err),
				zap.String("channel", env.channelKey))
		}
	}
}

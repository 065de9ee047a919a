package handlers

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/ternarybob/arbor"
	"golang.org/x/time/rate"

	"github.com/ternarybob/nuntius/internal/common"
	"github.com/ternarybob/nuntius/internal/interfaces"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WebSocketHandler fans bus events out to connected websocket clients.
// High-frequency topics are throttled per topic so a hot crawl cannot
// saturate browser connections; the SSE stream stays unthrottled for
// consumers that want every event.
type WebSocketHandler struct {
	bus    interfaces.EventBus
	config *common.WebSocketConfig
	logger arbor.ILogger

	mu          sync.RWMutex
	clients     map[*websocket.Conn]bool
	clientMutex map[*websocket.Conn]*sync.Mutex

	throttleMu sync.Mutex
	throttlers map[interfaces.Topic]*rate.Limiter

	sub      *interfaces.Subscription
	done     chan struct{}
	stopOnce sync.Once
}

// NewWebSocketHandler creates a new WebSocketHandler
func NewWebSocketHandler(bus interfaces.EventBus, config *common.WebSocketConfig, logger arbor.ILogger) *WebSocketHandler {
	return &WebSocketHandler{
		bus:         bus,
		config:      config,
		logger:      logger,
		clients:     make(map[*websocket.Conn]bool),
		clientMutex: make(map[*websocket.Conn]*sync.Mutex),
		throttlers:  make(map[interfaces.Topic]*rate.Limiter),
		done:        make(chan struct{}),
	}
}

// Start subscribes to the bus and begins broadcasting to clients
func (h *WebSocketHandler) Start() {
	h.sub = h.bus.Subscribe(interfaces.SubscribeOptions{
		Topics: h.subscribedTopics(),
		Name:   "websocket",
	})
	go h.broadcastLoop()
}

// Stop detaches from the bus and closes every client connection
func (h *WebSocketHandler) Stop() {
	h.stopOnce.Do(func() {
		if h.sub != nil {
			h.sub.Cancel()
			<-h.done
		}

		h.mu.Lock()
		for conn := range h.clients {
			conn.Close()
			delete(h.clients, conn)
			delete(h.clientMutex, conn)
		}
		h.mu.Unlock()
	})
}

// subscribedTopics narrows the subscription to the configured whitelist.
// Empty config means all domain topics.
func (h *WebSocketHandler) subscribedTopics() []interfaces.Topic {
	if h.config == nil || len(h.config.AllowedTopics) == 0 {
		return nil
	}
	topics := make([]interfaces.Topic, 0, len(h.config.AllowedTopics))
	for _, name := range h.config.AllowedTopics {
		topics = append(topics, interfaces.Topic(name))
	}
	return topics
}

// HandleWebSocket upgrades the connection and holds it until the client
// leaves. Inbound messages are discarded; the stream is one-way.
// GET /ws
func (h *WebSocketHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	h.mu.Lock()
	h.clients[conn] = true
	h.clientMutex[conn] = &sync.Mutex{}
	count := len(h.clients)
	h.mu.Unlock()

	h.logger.Debug().
		Str("remote", r.RemoteAddr).
		Int("clients", count).
		Msg("WebSocket client connected")

	defer func() {
		h.mu.Lock()
		delete(h.clients, conn)
		delete(h.clientMutex, conn)
		h.mu.Unlock()
		conn.Close()
		h.logger.Debug().Str("remote", r.RemoteAddr).Msg("WebSocket client disconnected")
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug().Err(err).Msg("WebSocket read error")
			}
			return
		}
	}
}

// broadcastLoop drains the bus subscription until it is cancelled
func (h *WebSocketHandler) broadcastLoop() {
	defer close(h.done)

	for event := range h.sub.C {
		if !h.allow(event.Topic) {
			continue
		}
		h.broadcast(event)
	}
}

// allow applies the per-topic throttle. Synthetic topics carry no configured
// interval and always pass.
func (h *WebSocketHandler) allow(topic interfaces.Topic) bool {
	if h.config == nil {
		return true
	}
	interval := h.config.ThrottleFor(string(topic))
	if interval <= 0 {
		return true
	}

	h.throttleMu.Lock()
	limiter, ok := h.throttlers[topic]
	if !ok {
		limiter = rate.NewLimiter(rate.Every(interval), 1)
		h.throttlers[topic] = limiter
	}
	h.throttleMu.Unlock()

	return limiter.Allow()
}

// broadcast writes one event to every client. Writes are serialized per
// connection; a failed write drops that client.
func (h *WebSocketHandler) broadcast(event interfaces.Event) {
	h.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(h.clients))
	mutexes := make([]*sync.Mutex, 0, len(h.clients))
	for conn := range h.clients {
		conns = append(conns, conn)
		mutexes = append(mutexes, h.clientMutex[conn])
	}
	h.mu.RUnlock()

	for i, conn := range conns {
		mutexes[i].Lock()
		err := conn.WriteJSON(event)
		mutexes[i].Unlock()

		if err != nil {
			h.logger.Debug().Err(err).Msg("WebSocket write failed, dropping client")
			h.mu.Lock()
			delete(h.clients, conn)
			delete(h.clientMutex, conn)
			h.mu.Unlock()
			conn.Close()
		}
	}
}

// ClientCount returns the number of connected clients
func (h *WebSocketHandler) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

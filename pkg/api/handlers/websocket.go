package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/goclaw/fulfilment/pkg/api/events"
	"github.com/goclaw/fulfilment/pkg/logger"
)

const (
	defaultWSMaxConnections = 100
	defaultPingInterval     = 30 * time.Second
	defaultPongTimeout      = 10 * time.Second
	wsWriteWait             = 10 * time.Second
	wsMaxMessageBytes       = 4 << 10
	watcherQueueSize        = 32
)

// WebSocketConfig configures the saga event feed.
type WebSocketConfig struct {
	AllowedOrigins []string
	MaxConnections int
	PingInterval   time.Duration
	PongTimeout    time.Duration
}

// feedCommand is sent by a client to narrow its feed:
//
//	{"type":"subscribe","saga_id":"order-workflow-42"}
//	{"type":"unsubscribe"}
//
// A watcher without saga ids receives every saga's events.
type feedCommand struct {
	Type   string `json:"type"`
	SagaID string `json:"saga_id,omitempty"`
}

// feedReply acknowledges a command.
type feedReply struct {
	Type   string   `json:"type"`
	SagaID string   `json:"saga_id,omitempty"`
	Sagas  []string `json:"sagas,omitempty"`
	Error  string   `json:"error,omitempty"`
}

// watcher is one connected feed client.
type watcher struct {
	conn  *websocket.Conn
	queue chan []byte

	mu     sync.RWMutex
	sagas  map[string]struct{}
	closed bool
}

func newWatcher(conn *websocket.Conn) *watcher {
	return &watcher{
		conn:  conn,
		queue: make(chan []byte, watcherQueueSize),
		sagas: make(map[string]struct{}),
	}
}

func (w *watcher) shutdown() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	close(w.queue)
	w.mu.Unlock()

	if w.conn != nil {
		_ = w.conn.Close()
	}
}

func (w *watcher) watch(sagaID string) {
	if sagaID == "" {
		return
	}
	w.mu.Lock()
	w.sagas[sagaID] = struct{}{}
	w.mu.Unlock()
}

// unwatch drops sagaID, or every saga id when sagaID is empty.
func (w *watcher) unwatch(sagaID string) {
	w.mu.Lock()
	if sagaID == "" {
		clear(w.sagas)
	} else {
		delete(w.sagas, sagaID)
	}
	w.mu.Unlock()
}

func (w *watcher) wants(sagaID string) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if len(w.sagas) == 0 {
		return true
	}
	_, ok := w.sagas[sagaID]
	return ok
}

func (w *watcher) watching() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]string, 0, len(w.sagas))
	for id := range w.sagas {
		out = append(out, id)
	}
	return out
}

// offer queues payload without blocking and reports whether it fit. Offers
// to a closed watcher are dropped.
func (w *watcher) offer(payload []byte) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return true
	}
	select {
	case w.queue <- payload:
		return true
	default:
		return false
	}
}

// feedHub tracks connected watchers and fans events out to them.
type feedHub struct {
	limit int

	mu       sync.RWMutex
	watchers map[*watcher]struct{}
}

func newFeedHub(limit int) *feedHub {
	if limit <= 0 {
		limit = defaultWSMaxConnections
	}
	return &feedHub{limit: limit, watchers: make(map[*watcher]struct{})}
}

// join adds w and reports false when the hub is full.
func (h *feedHub) join(w *watcher) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.watchers) >= h.limit {
		return false
	}
	h.watchers[w] = struct{}{}
	return true
}

func (h *feedHub) leave(w *watcher) {
	h.mu.Lock()
	_, ok := h.watchers[w]
	delete(h.watchers, w)
	h.mu.Unlock()
	if ok {
		w.shutdown()
	}
}

func (h *feedHub) full() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.watchers) >= h.limit
}

func (h *feedHub) size() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.watchers)
}

// fanout delivers event to every interested watcher and disconnects
// watchers whose queue is full.
func (h *feedHub) fanout(event events.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}

	h.mu.RLock()
	var slow []*watcher
	for w := range h.watchers {
		if w.wants(event.SagaID) && !w.offer(payload) {
			slow = append(slow, w)
		}
	}
	h.mu.RUnlock()

	for _, w := range slow {
		h.leave(w)
	}
	return nil
}

func (h *feedHub) closeAll() {
	h.mu.Lock()
	watchers := h.watchers
	h.watchers = make(map[*watcher]struct{})
	h.mu.Unlock()
	for w := range watchers {
		w.shutdown()
	}
}

// WebSocketHandler streams saga lifecycle events on /ws/sagas.
type WebSocketHandler struct {
	log          logger.Logger
	hub          *feedHub
	upgrader     websocket.Upgrader
	pingInterval time.Duration
	pongTimeout  time.Duration
}

// NewWebSocketHandler creates the saga event feed.
func NewWebSocketHandler(log logger.Logger, cfg WebSocketConfig) *WebSocketHandler {
	if log == nil {
		log = logger.Discard()
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = defaultPongTimeout
	}

	origins := append([]string(nil), cfg.AllowedOrigins...)
	return &WebSocketHandler{
		log:          log,
		hub:          newFeedHub(cfg.MaxConnections),
		pingInterval: cfg.PingInterval,
		pongTimeout:  cfg.PongTimeout,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return originAllowed(r, origins) },
		},
	}
}

// ServeHTTP upgrades the request and serves the feed until the client leaves.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case !websocket.IsWebSocketUpgrade(r):
		http.Error(w, "websocket upgrade required", http.StatusBadRequest)
		return
	case h.hub.full():
		http.Error(w, "websocket connection limit reached", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WarnContext(r.Context(), "websocket upgrade failed", "error", err)
		return
	}

	client := newWatcher(conn)
	if !h.hub.join(client) {
		msg := websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "too many websocket connections")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait))
		_ = conn.Close()
		return
	}

	h.log.DebugContext(r.Context(), "websocket client connected", "remote", r.RemoteAddr, "clients", h.hub.size())
	go h.send(client)
	h.receive(client)
}

// receive reads client commands until the connection fails.
func (h *WebSocketHandler) receive(client *watcher) {
	defer h.hub.leave(client)

	deadline := h.pingInterval + h.pongTimeout
	client.conn.SetReadLimit(wsMaxMessageBytes)
	_ = client.conn.SetReadDeadline(time.Now().Add(deadline))
	client.conn.SetPongHandler(func(string) error {
		return client.conn.SetReadDeadline(time.Now().Add(deadline))
	})

	for {
		_, raw, err := client.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.log.Warn("websocket read error", "error", err)
			}
			return
		}
		h.handleCommand(client, raw)
	}
}

// send drains the watcher queue and keeps the connection alive with pings.
func (h *WebSocketHandler) send(client *watcher) {
	ping := time.NewTicker(h.pingInterval)
	defer ping.Stop()
	defer h.hub.leave(client)

	for {
		var (
			kind = websocket.PingMessage
			data []byte
		)
		select {
		case payload, open := <-client.queue:
			if !open {
				msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
				_ = client.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait))
				return
			}
			kind, data = websocket.TextMessage, payload
		case <-ping.C:
		}

		_ = client.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := client.conn.WriteMessage(kind, data); err != nil {
			return
		}
	}
}

func (h *WebSocketHandler) handleCommand(client *watcher, raw []byte) {
	var cmd feedCommand
	if err := json.Unmarshal(raw, &cmd); err != nil {
		h.reply(client, feedReply{Type: "error", Error: "malformed command"})
		return
	}

	sagaID := strings.TrimSpace(cmd.SagaID)
	switch strings.ToLower(strings.TrimSpace(cmd.Type)) {
	case "subscribe":
		if sagaID == "" {
			h.reply(client, feedReply{Type: "error", Error: "saga_id is required"})
			return
		}
		client.watch(sagaID)
		h.reply(client, feedReply{Type: "subscribed", SagaID: sagaID, Sagas: client.watching()})
	case "unsubscribe":
		client.unwatch(sagaID)
		h.reply(client, feedReply{Type: "unsubscribed", SagaID: sagaID, Sagas: client.watching()})
	default:
		h.reply(client, feedReply{Type: "error", Error: "unknown command " + cmd.Type})
	}
}

func (h *WebSocketHandler) reply(client *watcher, r feedReply) {
	payload, err := json.Marshal(r)
	if err != nil {
		return
	}
	if !client.offer(payload) {
		h.hub.leave(client)
	}
}

// Broadcast sends event to every watcher interested in its saga.
func (h *WebSocketHandler) Broadcast(event events.Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	return h.hub.fanout(event)
}

// Forward relays a broadcaster subscription to the feed until ctx ends or
// the subscription closes.
func (h *WebSocketHandler) Forward(ctx context.Context, ch <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			if err := h.Broadcast(event); err != nil {
				h.log.Warn("websocket broadcast failed", "type", event.Type, "saga_id", event.SagaID, "error", err)
			}
		}
	}
}

// Count returns the number of connected watchers.
func (h *WebSocketHandler) Count() int {
	return h.hub.size()
}

// Close disconnects every watcher.
func (h *WebSocketHandler) Close() {
	h.hub.closeAll()
}

// originAllowed accepts requests without an Origin, listed origins, and
// same-host origins.
func originAllowed(r *http.Request, allowed []string) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	for _, a := range allowed {
		a = strings.TrimSpace(a)
		if a == "*" || strings.EqualFold(a, origin) {
			return true
		}
	}
	u, err := url.Parse(origin)
	return err == nil && strings.EqualFold(u.Host, r.Host)
}

// Package realtime is the broadcast coordinator: a WebSocket hub that fans
// committed mutations out to every connected session except the one that
// made them.
//
// Delivery is best effort. A client whose send buffer is full is dropped
// and recovers through the resync-required it receives on reconnect.
package realtime

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mbd888/pointsync/internal/idgen"
	"github.com/mbd888/pointsync/internal/metrics"
	"github.com/mbd888/pointsync/internal/validation"
)

// ErrHubStopped is returned by Ping once Run has exited.
var ErrHubStopped = errors.New("realtime hub stopped")

// normalCloseCodes are WebSocket close codes that indicate an expected disconnect.
var normalCloseCodes = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

const (
	// MaxClients is the maximum number of concurrent push sessions.
	MaxClients     = 10000
	sendBufferSize = 64
	recentSeqSize  = 1024
	pingInterval   = 30 * time.Second
	pongWait       = 60 * time.Second
	writeWait      = 10 * time.Second
	maxMessageSize = 16 * 1024

	noticeLookupTimeout = 2 * time.Second
)

// ConnState is the server-side lifecycle of one push session.
type ConnState int32

const (
	StateConnecting ConnState = iota
	StateConnected
	StateDisconnected
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Client is one push session.
type Client struct {
	hub       *Hub
	conn      *websocket.Conn
	send      chan []byte
	sessionID string
	state     atomic.Int32

	mu       sync.RWMutex
	children map[string]bool // empty means every child
}

// SessionID returns the session this client was registered under.
func (c *Client) SessionID() string { return c.sessionID }

// State returns the connection state.
func (c *Client) State() ConnState { return ConnState(c.state.Load()) }

func (c *Client) setState(s ConnState) { c.state.Store(int32(s)) }

func (c *Client) wants(childKey string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.children) == 0 || c.children[childKey]
}

func (c *Client) subscribe(keys []string) {
	set := make(map[string]bool, len(keys))
	for _, k := range keys {
		if k = validation.NormalizeKey(k); k != "" {
			set[k] = true
		}
	}
	c.mu.Lock()
	c.children = set
	c.mu.Unlock()
}

// MutationLookup returns the committed mutation stored under seq.
type MutationLookup func(ctx context.Context, seq int64) (MutationApplied, error)

type outbound struct {
	event  Event
	origin string
}

// Hub manages all push sessions. All membership and fan-out happens on the
// Run goroutine.
type Hub struct {
	clients    map[*Client]struct{}
	broadcast  chan outbound
	notices    chan outbound
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	logger     *slog.Logger
	done       chan struct{} // closed when Run exits
	maxClients int
	upgrader   websocket.Upgrader
	lookup     MutationLookup
	now        func() time.Time

	recent    [recentSeqSize]int64
	recentSet map[int64]struct{}
	recentPos int

	totalEvents  atomic.Int64
	totalClients atomic.Int64
	droppedSlow  atomic.Int64
}

// Option configures a Hub.
type Option func(*Hub)

// WithAllowedOrigins permits browser upgrades from the listed origins in
// addition to same-host. "*" allows any origin.
func WithAllowedOrigins(origins []string) Option {
	return func(h *Hub) {
		allowed := make(map[string]bool, len(origins))
		for _, o := range origins {
			allowed[strings.TrimRight(o, "/")] = true
		}
		h.upgrader.CheckOrigin = func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || allowed["*"] || allowed[origin] {
				return true
			}
			return origin == "http://"+r.Host || origin == "https://"+r.Host
		}
	}
}

// WithMaxClients caps concurrent sessions.
func WithMaxClients(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.maxClients = n
		}
	}
}

// WithMutationLookup lets the hub relay mutation notices from clients.
// Each notice is checked against the stored mutation and the stored
// values are what gets relayed. Without a lookup, notices are dropped.
func WithMutationLookup(fn MutationLookup) Option {
	return func(h *Hub) {
		h.lookup = fn
	}
}

// NewHub creates a new push hub.
func NewHub(logger *slog.Logger, opts ...Option) *Hub {
	h := &Hub{
		clients:    make(map[*Client]struct{}),
		broadcast:  make(chan outbound, 256),
		notices:    make(chan outbound, 64),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger,
		done:       make(chan struct{}),
		maxClients: MaxClients,
		now:        time.Now,
		recentSet:  make(map[int64]struct{}, recentSeqSize),
	}
	h.upgrader = websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024}
	WithAllowedOrigins(nil)(h)
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Run owns the session set until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("realtime hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("realtime hub shutting down, closing sessions")
			h.mu.Lock()
			for client := range h.clients {
				client.setState(StateClosed)
				close(client.send) // writePump sends a close frame
				delete(h.clients, client)
			}
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(0)
			h.logger.Info("realtime hub stopped")
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = struct{}{}
			n := len(h.clients)
			h.mu.Unlock()
			h.totalClients.Add(1)
			client.setState(StateConnected)
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Info("session connected", "session_id", client.sessionID, "total", n)

			// Whatever happened while this session was away, it must resync.
			h.deliver(client, ResyncRequired{SessionID: client.sessionID, Reason: "connected"})

		case client := <-h.unregister:
			h.drop(client, StateClosed)
			h.logger.Info("session disconnected", "session_id", client.sessionID, "total", h.SessionCount())

		case out := <-h.broadcast:
			if ev, ok := out.event.(MutationApplied); ok {
				h.remember(ev.SequenceID)
			}
			h.fanOut(out)

		case out := <-h.notices:
			notice := out.event.(MutationNotice)
			if h.seen(notice.SequenceID) {
				continue
			}
			h.remember(notice.SequenceID)
			ev := notice.MutationApplied
			ev.OriginSessionID = out.origin
			h.fanOut(outbound{event: ev, origin: out.origin})
		}
	}
}

func (h *Hub) fanOut(out outbound) {
	h.totalEvents.Add(1)
	metrics.BroadcastsTotal.WithLabelValues(string(out.event.Type())).Inc()

	payload, err := Encode(out.event, h.now())
	if err != nil {
		h.logger.Error("encode event failed", "type", out.event.Type(), "error", err)
		return
	}

	childKey := ""
	if ev, ok := out.event.(MutationApplied); ok {
		childKey = ev.ChildKey
	}

	h.mu.RLock()
	var slow []*Client
	for client := range h.clients {
		if out.origin != "" && client.sessionID == out.origin {
			continue
		}
		if childKey != "" && !client.wants(childKey) {
			continue
		}
		select {
		case client.send <- payload:
		default:
			slow = append(slow, client)
		}
	}
	h.mu.RUnlock()

	for _, client := range slow {
		h.droppedSlow.Add(1)
		metrics.BroadcastDrops.WithLabelValues("slow_client").Inc()
		h.logger.Warn("evicting slow session", "session_id", client.sessionID)
		h.drop(client, StateDisconnected)
	}
}

// deliver sends one event to a single client, evicting it if full.
func (h *Hub) deliver(client *Client, ev Event) {
	payload, err := Encode(ev, h.now())
	if err != nil {
		return
	}
	select {
	case client.send <- payload:
	default:
		h.drop(client, StateDisconnected)
	}
}

func (h *Hub) drop(client *Client, state ConnState) {
	h.mu.Lock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		client.setState(state)
		close(client.send)
	}
	n := len(h.clients)
	h.mu.Unlock()
	metrics.ActiveWebSocketClients.Set(float64(n))
}

// remember and seen maintain a ring of recently broadcast sequence IDs.
// Only the Run goroutine calls them.
func (h *Hub) remember(seq int64) {
	if seq <= 0 {
		return
	}
	if _, ok := h.recentSet[seq]; ok {
		return
	}
	old := h.recent[h.recentPos]
	if old != 0 {
		delete(h.recentSet, old)
	}
	h.recent[h.recentPos] = seq
	h.recentSet[seq] = struct{}{}
	h.recentPos = (h.recentPos + 1) % recentSeqSize
}

func (h *Hub) seen(seq int64) bool {
	_, ok := h.recentSet[seq]
	return ok
}

// Publish queues ev for every session except origin. It never blocks; a
// full queue drops the event.
func (h *Hub) Publish(ev Event, origin string) {
	select {
	case h.broadcast <- outbound{event: ev, origin: origin}:
	default:
		metrics.BroadcastDrops.WithLabelValues("queue_full").Inc()
		h.logger.Warn("broadcast queue full, dropping event", "type", ev.Type())
	}
}

// verifyNotice resolves a client notice to the stored mutation. A notice
// naming no stored sequence, or disagreeing with it, is rejected.
func (h *Hub) verifyNotice(n MutationNotice, origin string) (MutationApplied, bool) {
	if h.lookup == nil || n.SequenceID <= 0 {
		metrics.BroadcastDrops.WithLabelValues("unverified_notice").Inc()
		return MutationApplied{}, false
	}

	ctx, cancel := context.WithTimeout(context.Background(), noticeLookupTimeout)
	defer cancel()

	stored, err := h.lookup(ctx, n.SequenceID)
	if err != nil || stored.ChildKey != validation.NormalizeKey(n.ChildKey) || stored.NewTotal != n.NewTotal {
		metrics.BroadcastDrops.WithLabelValues("unverified_notice").Inc()
		h.logger.Warn("dropping unverified mutation notice",
			"session_id", origin, "sequence_id", n.SequenceID, "child", n.ChildKey, "error", err)
		return MutationApplied{}, false
	}
	return stored, true
}

func (h *Hub) notice(n MutationNotice, origin string) {
	select {
	case h.notices <- outbound{event: n, origin: origin}:
	default:
		metrics.BroadcastDrops.WithLabelValues("notice_queue_full").Inc()
	}
}

// SessionCount returns the number of connected sessions.
func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Ping reports whether the hub is still running.
func (h *Hub) Ping(ctx context.Context) error {
	select {
	case <-h.done:
		return ErrHubStopped
	default:
		return nil
	}
}

// Stats returns hub statistics
func (h *Hub) Stats() map[string]any {
	return map[string]any{
		"connectedSessions": h.SessionCount(),
		"totalEvents":       h.totalEvents.Load(),
		"totalSessions":     h.totalClients.Load(),
		"slowEvictions":     h.droppedSlow.Load(),
	}
}

// HandleWebSocket upgrades the request and registers a session. The
// session ID comes from the sessionId query parameter or is generated.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	select {
	case <-h.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	if h.SessionCount() >= h.maxClients {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	sessionID := strings.TrimSpace(r.URL.Query().Get("sessionId"))
	if sessionID == "" || len(sessionID) > 64 {
		sessionID = idgen.SessionID()
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		hub:       h,
		conn:      conn,
		send:      make(chan []byte, sendBufferSize),
		sessionID: sessionID,
	}
	client.setState(StateConnecting)

	select {
	case h.register <- client:
	case <-h.done:
		_ = conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// readPump handles subscribe and mutation-notice messages. Notices are
// verified here, off the Run goroutine.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, normalCloseCodes...) {
				c.hub.logger.Debug("websocket read error", "session_id", c.sessionID, "error", err)
			}
			return
		}

		ev, _, err := Decode(message)
		if err != nil {
			c.hub.logger.Warn("ignoring malformed client message", "session_id", c.sessionID, "error", err)
			continue
		}
		switch v := ev.(type) {
		case Subscribe:
			c.subscribe(v.ChildKeys)
		case MutationNotice:
			if stored, ok := c.hub.verifyNotice(v, c.sessionID); ok {
				c.hub.notice(MutationNotice{stored}, c.sessionID)
			}
		default:
			c.hub.logger.Debug("ignoring server-only event from client", "type", ev.Type())
		}
	}
}

// writePump writes queued messages and keepalive pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.hub.logger.Debug("websocket write error", "session_id", c.sessionID, "error", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

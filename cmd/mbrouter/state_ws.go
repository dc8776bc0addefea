package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ============================================================================
// State WebSocket: hub + per-client pumps + broadcaster
// ============================================================================
//
// This file implements:
//   - A Hub that tracks connected WebSocket clients (chooser front-ends, dashboards)
//   - Per-client write pumps so one slow client doesn't block others
//   - A broadcaster loop that reads StateBroadcasts and fans them out
//   - Inbound "choose" / "dismiss" messages from chooser front-ends
//
// Notes:
//   - Slow clients are disconnected when their send buffer fills.
//   - Messages are JSON text frames with an envelope: {type, ts, data}.
//   - The initial message on connect is "state_init" with StateSnapshot in data.
//   - Inbound messages use the IPC envelope {type, data}; the answer is sent
//     back to that client only as a "reply" message.
//
// ============================================================================

type wsDecisionData struct {
	Event   KeyEvent `json:"event"`
	Key     string   `json:"key"`
	Source  string   `json:"source,omitempty"`
	Action  string   `json:"action"`
	Target  string   `json:"target,omitempty"`
	Reason  string   `json:"reason,omitempty"`
	Aborted bool     `json:"aborted"`
}

type wsChooserKeypressData struct {
	ID    string   `json:"id"`
	Event KeyEvent `json:"event"`
	Key   string   `json:"key"`
}

type wsChooserClosedData struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

type wsReceiverChangedData struct {
	Previous string `json:"previous"`
}

// wsOutboundEvent is a pre-typed, externally-consumable state event.
type wsOutboundEvent struct {
	Type string
	Data any
	At   time.Time // zero means "now"
}

// envelope is the wire format envelope for WS messages.
type envelope struct {
	Type string     `json:"type"`
	Ts   *time.Time `json:"ts,omitempty"`
	Data any        `json:"data,omitempty"`
}

func marshalEnvelope(typ string, at time.Time, data any) ([]byte, error) {
	if at.IsZero() {
		at = time.Now()
	}
	at = at.UTC()
	return json.Marshal(envelope{Type: typ, Ts: &at, Data: data})
}

// ============================================================================
// Hub
// ============================================================================

type Hub struct {
	logger *slog.Logger

	// Buffered broadcast channel for already-serialized JSON frames.
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client

	mu      sync.Mutex
	clients map[*Client]struct{}

	sendBuf int
}

type HubConfig struct {
	// SendBuf is the per-client outbound queue size.
	SendBuf int

	// BroadcastBuf is the hub inbound broadcast queue size.
	BroadcastBuf int
}

// NewHub constructs a hub. Call Run(ctx) to start it.
func NewHub(logger *slog.Logger, cfg HubConfig) *Hub {
	sendBuf := cfg.SendBuf
	if sendBuf <= 0 {
		sendBuf = 32
	}
	bcastBuf := cfg.BroadcastBuf
	if bcastBuf <= 0 {
		bcastBuf = 128
	}

	return &Hub{
		logger:     logger,
		broadcast:  make(chan []byte, bcastBuf),
		register:   make(chan *Client, 64),
		unregister: make(chan *Client, 64),
		clients:    make(map[*Client]struct{}),
		sendBuf:    sendBuf,
	}
}

// Run processes hub events until ctx is canceled.
// It disconnects all clients on shutdown.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("ws hub starting")

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("ws hub stopping (context canceled)")
			h.closeAllClients()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("ws client registered", "remote_addr", c.remoteAddr, "clients", n)

		case c := <-h.unregister:
			h.removeClient(c, "unregister")

		case msg := <-h.broadcast:
			var slow []*Client

			h.mu.Lock()
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					slow = append(slow, c)
				}
			}
			h.mu.Unlock()

			for _, c := range slow {
				h.removeClient(c, "slow_client")
			}
		}
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if c.conn != nil {
			_ = c.conn.Close()
		}
		safeCloseChan(c.send)
		delete(h.clients, c)
	}
}

func (h *Hub) removeClient(c *Client, reason string) {
	h.mu.Lock()
	_, ok := h.clients[c]
	if ok {
		delete(h.clients, c)
	}
	n := len(h.clients)
	h.mu.Unlock()

	if ok {
		if c.conn != nil {
			_ = c.conn.Close()
		}
		// Closing send signals writePump to exit.
		safeCloseChan(c.send)

		h.logger.Info("ws client disconnected", "remote_addr", c.remoteAddr, "reason", reason, "clients", n)
	}
}

func safeCloseChan(ch chan []byte) {
	defer func() {
		_ = recover() // ignore "close of closed channel"
	}()
	close(ch)
}

// BroadcastBytes enqueues a pre-serialized JSON WS frame for broadcast.
// It never blocks; if the hub queue is full it drops the message.
func (h *Hub) BroadcastBytes(msg []byte) {
	select {
	case h.broadcast <- msg:
	default:
		h.logger.Warn("ws hub broadcast queue full, dropping message", "bytes", len(msg))
	}
}

// ============================================================================
// Client
// ============================================================================

type Client struct {
	hub *Hub

	conn *websocket.Conn
	send chan []byte

	// events receives chooser answers read from this client; nil disables inbound.
	events       chan<- Event
	replyTimeout time.Duration

	remoteAddr string
	logger     *slog.Logger
}

// NewClient creates a client with a buffered send channel.
func NewClient(hub *Hub, conn *websocket.Conn, remoteAddr string, logger *slog.Logger) *Client {
	sendBuf := 32
	if hub != nil && hub.sendBuf > 0 {
		sendBuf = hub.sendBuf
	}
	return &Client{
		hub:          hub,
		conn:         conn,
		send:         make(chan []byte, sendBuf),
		replyTimeout: defaultIPCReplyTimeout,
		remoteAddr:   remoteAddr,
		logger:       logger,
	}
}

const (
	writeWait = 5 * time.Second

	pongWait   = 30 * time.Second
	pingPeriod = 20 * time.Second
)

// closeStatus extracts a human-readable websocket close code / text when possible.
func closeStatus(err error) (code int, text string, ok bool) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code, ce.Text, true
	}
	return 0, "", false
}

// writePump writes messages from the send queue to the websocket.
// It exits on write error or when send is closed.
func (c *Client) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Channel closed: hub is disconnecting us.
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.logExit("write error", err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logExit("ping error", err)
				return
			}
		}
	}
}

func (c *Client) logExit(what string, err error) {
	if errors.Is(err, websocket.ErrCloseSent) {
		return
	}
	if code, text, ok := closeStatus(err); ok {
		c.logger.Info("ws pump exiting (close)", "remote_addr", c.remoteAddr, "code", code, "reason", text)
		return
	}
	c.logger.Info("ws pump exiting ("+what+")", "remote_addr", c.remoteAddr, "error", err)
}

// readPump reads inbound chooser answers and detects disconnects.
// It exits on read error, then unregisters the client.
func (c *Client) readPump(ctx context.Context) {
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if ctx.Err() != nil {
			return
		}

		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.logExit("read error", err)
			if c.hub != nil {
				c.hub.unregister <- c
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		c.handleInbound(ctx, data)
	}
}

// handleInbound routes one client message to the daemon and queues the reply.
func (c *Client) handleInbound(ctx context.Context, data []byte) {
	var resp IPCResponse
	ev, err := UnmarshalEvent(data)
	switch {
	case err != nil:
		resp = errorResponse("parse event: %v", err)
	case c.events == nil:
		resp = errorResponse("inbound messages are disabled")
	default:
		switch ev.(type) {
		case Choose, Dismiss, StatusRequest:
			resp = dispatchIPC(ctx, ev, c.events, c.replyTimeout)
		default:
			resp = errorResponse("%s is not accepted over websocket", typeName(ev))
		}
	}

	msg, err := marshalEnvelope("reply", time.Time{}, resp)
	if err != nil {
		c.logger.Warn("ws reply marshal failed", "error", err)
		return
	}
	select {
	case c.send <- msg:
	default:
		c.logger.Warn("ws reply dropped (send buffer full)", "remote_addr", c.remoteAddr)
	}
}

// ============================================================================
// HTTP Handler + server wiring helpers
// ============================================================================

type Server struct {
	logger *slog.Logger

	hub *Hub

	// Required for initial snapshot requests and inbound chooser answers.
	events chan<- Event
}

type ServerConfig struct {
	Hub HubConfig
}

// NewServer constructs the WS state server components. Call Register on a mux,
// start hub.Run(ctx), and start the broadcaster loop.
func NewServer(logger *slog.Logger, events chan<- Event, cfg ServerConfig) *Server {
	return &Server{
		logger: logger,
		hub:    NewHub(logger, cfg.Hub),
		events: events,
	}
}

func (s *Server) Hub() *Hub { return s.hub }

// Register registers the WS and status handlers on the provided mux.
func (s *Server) Register(mux *http.ServeMux, wsPath, statusPath string) {
	if mux == nil {
		return
	}
	mux.HandleFunc(wsPath, s.handleStateWS)
	if statusPath != "" {
		mux.HandleFunc(statusPath, s.handleStatus)
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// requestSnapshot asks the daemon loop for a snapshot, bounded by ctx (or 1s).
func (s *Server) requestSnapshot(ctx context.Context) (StateSnapshot, error) {
	if s.events == nil {
		return StateSnapshot{}, errors.New("no daemon attached")
	}
	if _, has := ctx.Deadline(); !has {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Second)
		defer cancel()
	}

	reply := make(chan StateSnapshot, 1)
	select {
	case <-ctx.Done():
		return StateSnapshot{}, ctx.Err()
	case s.events <- RequestStateSnapshot{Reply: reply}:
	}

	select {
	case <-ctx.Done():
		return StateSnapshot{}, ctx.Err()
	case snap := <-reply:
		return snap, nil
	}
}

// handleStateWS upgrades and registers a client, then sends state_init.
func (s *Server) handleStateWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws upgrade failed", "error", err)
		return
	}

	client := NewClient(s.hub, conn, r.RemoteAddr, s.logger)
	client.events = s.events

	// Register client first so broadcasts can reach it.
	s.hub.register <- client

	// The pumps must outlive the HTTP handler; net/http cancels r.Context()
	// when the handler returns.
	go client.writePump(context.Background())
	go client.readPump(context.Background())

	snap, err := s.requestSnapshot(r.Context())
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			s.logger.Warn("ws snapshot request failed", "error", err)
		}
		return
	}

	initMsg, err := marshalEnvelope("state_init", time.Time{}, snap)
	if err != nil {
		s.logger.Warn("ws state_init marshal failed", "error", err)
		return
	}
	select {
	case client.send <- initMsg:
	default:
		s.hub.unregister <- client
	}
}

// handleStatus serves the current StateSnapshot as JSON.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	snap, err := s.requestSnapshot(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	snap.WSClients = s.hub.Clients()
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(snap); err != nil {
		s.logger.Debug("status write failed", "error", err)
	}
}

// ============================================================================
// Broadcaster
// ============================================================================

// newPublisher returns a non-blocking publish func feeding ch. The chooser
// publishes while holding its lock, so this must never block.
func newPublisher(ch chan<- StateBroadcast, logger *slog.Logger) func(StateBroadcast) {
	return func(b StateBroadcast) {
		select {
		case ch <- b:
		default:
			logger.Warn("state broadcast queue full, dropping", "type", typeName(b))
		}
	}
}

// RunBroadcaster reads StateBroadcast events, marshals them, and broadcasts
// them to all hub clients. Intended to run as a single goroutine.
func RunBroadcaster(ctx context.Context, hub *Hub, src <-chan StateBroadcast, logger *slog.Logger) {
	if hub == nil || src == nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return

		case b, ok := <-src:
			if !ok {
				logger.Info("ws broadcaster stopping (source ended)")
				return
			}

			ev, ok := convertBroadcast(b)
			if !ok {
				continue
			}

			msg, err := marshalEnvelope(ev.Type, ev.At, ev.Data)
			if err != nil {
				logger.Warn("ws broadcaster marshal failed", "error", err, "type", ev.Type)
				continue
			}
			hub.BroadcastBytes(msg)
		}
	}
}

func convertBroadcast(b StateBroadcast) (wsOutboundEvent, bool) {
	switch ev := b.(type) {
	case BroadcastDecision:
		return wsOutboundEvent{
			Type: "decision",
			Data: wsDecisionData{
				Event:   ev.Event,
				Key:     keyName(ev.Event.Code),
				Source:  ev.Source,
				Action:  ev.Decision.Action.String(),
				Target:  ev.Decision.Target.Flatten(),
				Reason:  ev.Decision.Reason,
				Aborted: ev.Aborted,
			},
			At: ev.At,
		}, true

	case BroadcastChooserShow:
		return wsOutboundEvent{Type: "chooser_show", Data: ev.Request, At: ev.At}, true

	case BroadcastChooserKeypress:
		return wsOutboundEvent{
			Type: "chooser_keypress",
			Data: wsChooserKeypressData{ID: ev.ID, Event: ev.Event, Key: keyName(ev.Event.Code)},
			At:   ev.At,
		}, true

	case BroadcastChooserClosed:
		return wsOutboundEvent{
			Type: "chooser_closed",
			Data: wsChooserClosedData{ID: ev.ID, Reason: ev.Reason},
			At:   ev.At,
		}, true

	case BroadcastPreferencesChanged:
		return wsOutboundEvent{Type: "preferences_changed", Data: ev.Prefs, At: ev.At}, true

	case BroadcastReceiverChanged:
		return wsOutboundEvent{
			Type: "receiver_changed",
			Data: wsReceiverChangedData{Previous: ev.Previous.Flatten()},
			At:   ev.At,
		}, true

	default:
		return wsOutboundEvent{}, false
	}
}

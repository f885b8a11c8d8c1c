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
// Telemetry WebSocket: hub + per-client pumps + broadcaster
// ============================================================================
//
// Read-only view of the controller for a laptop next to the track:
//   - state_init on connect, a StatusSnapshot requested through the control loop
//   - mode_changed immediately on every transition
//   - tick telemetry coalesced latest-wins (the loop runs at 100 Hz; viewers
//     don't need every tick and the journal keeps all of them)
//
// ControllerState stays owned by the control loop; nothing here touches it.
// Slow clients are disconnected when their send buffer fills.
// Frames are JSON text with an envelope: {type, ts, data}.
//
// ============================================================================

// wsStatusData is the `data` payload for "state_init".
type wsStatusData struct {
	Mode          string    `json:"mode"`
	ModeSince     time.Time `json:"mode_since"`
	FinishCounter int       `json:"finish_counter"`
	LastManeuver  string    `json:"last_maneuver,omitempty"`
	Cause         string    `json:"cause,omitempty"`
	Ticks         uint64    `json:"ticks"`
	ReadFailures  uint64    `json:"read_failures"`
}

// wsModeChangedData is the `data` payload for "mode_changed".
type wsModeChangedData struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Cause  string `json:"cause,omitempty"`
	Detail string `json:"detail,omitempty"`
}

// wsTickData is the `data` payload for "tick".
type wsTickData struct {
	Seq            uint64         `json:"seq"`
	Snapshot       *Snapshot      `json:"snapshot,omitempty"`
	Signals        *Signals       `json:"signals,omitempty"`
	Classification Classification `json:"classification"`
	ReadError      string         `json:"read_error,omitempty"`
	Mode           string         `json:"mode"`
	FinishCounter  int            `json:"finish_counter"`
	Maneuver       string         `json:"maneuver,omitempty"`
}

// wsOutboundEvent is a typed telemetry event ready to be enveloped.
type wsOutboundEvent struct {
	Type string
	Data any
	At   time.Time
}

// envelope is the wire format for telemetry frames.
type envelope struct {
	Type string     `json:"type"`
	Ts   *time.Time `json:"ts,omitempty"`
	Data any        `json:"data,omitempty"`
}

// wsTickCoalesceWindow bounds how often tick telemetry reaches clients.
const wsTickCoalesceWindow = 100 * time.Millisecond

// ============================================================================
// Hub
// ============================================================================

type Hub struct {
	logger *slog.Logger

	// Already-serialized JSON frames.
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client

	mu      sync.Mutex
	clients map[*Client]struct{}

	sendBuf int
}

type HubConfig struct {
	// SendBuf is the per-client outbound queue size (default 32).
	SendBuf int

	// BroadcastBuf is the hub inbound queue size (default 128).
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
		bcastBuf = defaultBroadcastBuf
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

// Run processes hub events until ctx is canceled, then disconnects all clients.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("telemetry hub starting")

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("telemetry hub stopping (context canceled)")
			h.closeAllClients()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("telemetry client registered", "remote_addr", c.remoteAddr, "clients", n)

		case c := <-h.unregister:
			h.removeClient(c, "unregister")

		case msg := <-h.broadcast:
			// Collect slow clients under the lock, remove them after.
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

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
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
		c.closeSend()
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

	if !ok {
		return
	}
	if c.conn != nil {
		_ = c.conn.Close()
	}
	// Closing send makes writePump exit.
	c.closeSend()
	h.logger.Info("telemetry client disconnected", "remote_addr", c.remoteAddr, "reason", reason, "clients", n)
}

// BroadcastBytes enqueues a serialized frame. It never blocks; a full hub queue drops it.
func (h *Hub) BroadcastBytes(msg []byte) {
	select {
	case h.broadcast <- msg:
	default:
		h.logger.Warn("telemetry hub queue full, dropping message", "bytes", len(msg))
	}
}

// ============================================================================
// Client
// ============================================================================

type Client struct {
	hub *Hub

	conn      *websocket.Conn
	send      chan []byte
	closeOnce sync.Once

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
		hub:        hub,
		conn:       conn,
		send:       make(chan []byte, sendBuf),
		remoteAddr: remoteAddr,
		logger:     logger,
	}
}

func (c *Client) closeSend() {
	c.closeOnce.Do(func() { close(c.send) })
}

const (
	writeWait  = 5 * time.Second
	pongWait   = 30 * time.Second
	pingPeriod = 20 * time.Second
)

// closeStatus extracts the websocket close code and text when present.
func closeStatus(err error) (code int, text string, ok bool) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code, ce.Text, true
	}
	return 0, "", false
}

func (c *Client) logExit(pump string, err error) {
	if errors.Is(err, websocket.ErrCloseSent) {
		return
	}
	if code, text, ok := closeStatus(err); ok {
		c.logger.Info("telemetry "+pump+" exiting (close)", "remote_addr", c.remoteAddr, "code", code, "reason", text)
		return
	}
	c.logger.Info("telemetry "+pump+" exiting", "remote_addr", c.remoteAddr, "error", err)
}

// writePump writes queued frames and keepalive pings until send is closed or a write fails.
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
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.logExit("writePump", err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logExit("writePump", err)
				return
			}
		}
	}
}

// readPump discards inbound frames so control frames are processed and
// disconnects are noticed, then unregisters the client.
func (c *Client) readPump(ctx context.Context) {
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if ctx.Err() != nil {
			return
		}
		if _, _, err := c.conn.ReadMessage(); err != nil {
			c.logExit("readPump", err)
			if c.hub != nil {
				c.hub.unregister <- c
			}
			return
		}
	}
}

// ============================================================================
// HTTP handler
// ============================================================================

type TelemetryServer struct {
	logger *slog.Logger
	hub    *Hub

	// Status requests for state_init go through the control loop.
	events chan<- Event
}

// NewTelemetryServer constructs the telemetry components. Register it on a
// mux, then start hub.Run(ctx) and RunBroadcaster.
func NewTelemetryServer(logger *slog.Logger, events chan<- Event, cfg HubConfig) *TelemetryServer {
	return &TelemetryServer{
		logger: logger,
		hub:    NewHub(logger, cfg),
		events: events,
	}
}

func (s *TelemetryServer) Hub() *Hub { return s.hub }

// Register registers the WS handler on the provided mux.
func (s *TelemetryServer) Register(mux *http.ServeMux, path string) {
	if mux == nil {
		return
	}
	mux.HandleFunc(path, s.handleTelemetryWS)
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleTelemetryWS upgrades and registers a client, then sends state_init.
func (s *TelemetryServer) handleTelemetryWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("telemetry upgrade failed", "error", err)
		return
	}

	client := NewClient(s.hub, conn, r.RemoteAddr, s.logger)
	s.hub.register <- client

	// The pumps outlive this handler; net/http cancels r.Context() on return.
	go client.writePump(context.Background())
	go client.readPump(context.Background())

	if s.events == nil {
		return
	}

	reply := make(chan StatusSnapshot, 1)
	select {
	case <-r.Context().Done():
		return
	case s.events <- RequestStatus{Reply: reply}:
	}

	waitCtx, cancel := context.WithTimeout(r.Context(), 1*time.Second)
	defer cancel()

	select {
	case <-waitCtx.Done():
		if !errors.Is(waitCtx.Err(), context.Canceled) {
			s.logger.Warn("telemetry status request failed", "error", waitCtx.Err())
		}
		return

	case st := <-reply:
		now := time.Now().UTC()
		initMsg, err := json.Marshal(envelope{
			Type: "state_init",
			Ts:   &now,
			Data: statusData(st),
		})
		if err != nil {
			s.logger.Warn("telemetry state_init marshal failed", "error", err)
			return
		}
		select {
		case client.send <- initMsg:
		default:
			s.hub.unregister <- client
		}
	}
}

func statusData(st StatusSnapshot) wsStatusData {
	return wsStatusData{
		Mode:          st.Mode,
		ModeSince:     st.ModeSince,
		FinishCounter: st.FinishCounter,
		LastManeuver:  string(st.LastManeuver),
		Cause:         string(st.Cause),
		Ticks:         st.Ticks,
		ReadFailures:  st.ReadFailures,
	}
}

// ============================================================================
// Broadcaster
// ============================================================================

// RunBroadcaster converts reducer broadcasts into telemetry frames and hands
// them to the hub. Tick telemetry is flushed at most once per
// wsTickCoalesceWindow (latest wins); every other event goes out immediately,
// after any pending tick so ordering is preserved. Run it as a single goroutine.
func RunBroadcaster(ctx context.Context, hub *Hub, src <-chan Broadcast, logger *slog.Logger) {
	if hub == nil || src == nil {
		return
	}

	var pendingTick *wsOutboundEvent
	var tickTimer *time.Timer
	var tickTimerCh <-chan time.Time

	emit := func(ev wsOutboundEvent) {
		ts := ev.At
		if ts.IsZero() {
			ts = time.Now().UTC()
		}
		msg, err := json.Marshal(envelope{Type: ev.Type, Ts: &ts, Data: ev.Data})
		if err != nil {
			logger.Warn("telemetry marshal failed", "error", err, "type", ev.Type)
			return
		}
		hub.BroadcastBytes(msg)
	}

	flushPendingTick := func() {
		if pendingTick == nil {
			return
		}
		emit(*pendingTick)
		pendingTick = nil
	}

	stopTickTimer := func() {
		if tickTimer != nil && !tickTimer.Stop() {
			select {
			case <-tickTimer.C:
			default:
			}
		}
		tickTimer = nil
		tickTimerCh = nil
	}

	for {
		select {
		case <-ctx.Done():
			flushPendingTick()
			stopTickTimer()
			return

		case <-tickTimerCh:
			flushPendingTick()
			// The timer is not reset on every update: a busy stream still
			// flushes once per window.
			tickTimer = nil
			tickTimerCh = nil

		case b, ok := <-src:
			if !ok {
				flushPendingTick()
				stopTickTimer()
				logger.Info("telemetry broadcaster stopping (source ended)")
				return
			}

			ev, ok := convertBroadcast(b)
			if !ok {
				continue
			}

			if ev.Type == "tick" {
				copyEv := ev
				pendingTick = &copyEv
				if tickTimer == nil {
					tickTimer = time.NewTimer(wsTickCoalesceWindow)
					tickTimerCh = tickTimer.C
				}
				continue
			}

			flushPendingTick()
			stopTickTimer()
			emit(ev)
		}
	}
}

func convertBroadcast(b Broadcast) (wsOutboundEvent, bool) {
	switch ev := b.(type) {
	case BroadcastModeChanged:
		return wsOutboundEvent{
			Type: "mode_changed",
			Data: wsModeChangedData{
				From:   ev.From.String(),
				To:     ev.To.String(),
				Cause:  string(ev.Cause),
				Detail: ev.Detail,
			},
			At: ev.At,
		}, true

	case TickReport:
		data := wsTickData{
			Seq:            ev.Seq,
			Classification: ev.Classification,
			ReadError:      ev.ReadError,
			Mode:           ev.Mode.String(),
			FinishCounter:  ev.FinishCounter,
			Maneuver:       string(ev.Maneuver),
		}
		if ev.ReadError == "" {
			snap, sig := ev.Snapshot, ev.Signals
			data.Snapshot = &snap
			data.Signals = &sig
		}
		return wsOutboundEvent{Type: "tick", Data: data, At: ev.At}, true

	default:
		return wsOutboundEvent{}, false
	}
}

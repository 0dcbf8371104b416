// Package relay implements the command relay hub. The autopilot posts
// single-letter commands into a WebSocket room and every other client in the
// room, normally the vehicle bridge, receives them.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"roverpilot/internal/model"
	"roverpilot/internal/util"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

const writeWait = 5 * time.Second

// client is one connected peer.
type client struct {
	id    string
	conn  *websocket.Conn
	wmu   sync.Mutex
	alive atomic.Bool
}

func (c *client) write(msg string) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, []byte(msg))
}

// Hub is an in-memory relay room.
type Hub struct {
	Addr      string
	Path      string
	Heartbeat time.Duration

	// Stream, when set, is served on StreamPath for video viewers.
	Stream     *Stream
	StreamPath string

	// OnOccupancy is called with the room size after every join and leave.
	// Calls never overlap.
	OnOccupancy func(clients int)

	occMu   sync.Mutex
	mu      sync.Mutex
	clients map[*client]struct{}
	server  *http.Server
	stop    chan struct{}
	once    sync.Once

	forwarded atomic.Uint64
}

// NewHub builds a hub from the relay configuration.
func NewHub(cfg model.RelayConfig) *Hub {
	path := cfg.Path
	if path == "" {
		path = "/auto-control"
	}
	h := &Hub{
		Addr:      cfg.Addr,
		Path:      path,
		Heartbeat: model.Ms(cfg.HeartbeatMs),
		clients:   map[*client]struct{}{},
		stop:      make(chan struct{}),
	}
	if cfg.Stream.Enabled {
		h.Stream = NewStream()
		h.StreamPath = cfg.Stream.Path
		if h.StreamPath == "" {
			h.StreamPath = "/stream"
		}
	}
	return h
}

// Handler returns the hub routes: the WebSocket room, the video stream when
// enabled, and /healthz.
func (h *Hub) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(h.Path, h.handleWS)
	if h.Stream != nil {
		mux.HandleFunc(h.StreamPath, h.Stream.handleWS)
	}
	mux.HandleFunc("/healthz", h.handleHealth)
	return mux
}

// Start serves the hub and runs the heartbeat. It blocks until Stop is called
// or the listener fails.
func (h *Hub) Start() error {
	h.mu.Lock()
	h.server = &http.Server{Addr: h.Addr, Handler: h.Handler(), ReadHeaderTimeout: 10 * time.Second}
	srv := h.server
	h.mu.Unlock()

	go h.heartbeatLoop()
	util.Info("[Relay] listening on %s%s", h.Addr, h.Path)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop shuts the server down and disconnects every client.
func (h *Hub) Stop() {
	h.once.Do(func() { close(h.stop) })

	h.mu.Lock()
	srv := h.server
	conns := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			util.Warn("[Relay] shutdown: %v", err)
		}
	}
	for _, c := range conns {
		_ = c.conn.Close()
	}
	if h.Stream != nil {
		h.Stream.disconnect()
	}
	util.Info("[Relay] stopped after forwarding %d commands", h.forwarded.Load())
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Forwarded returns the number of commands relayed so far.
func (h *Hub) Forwarded() uint64 { return h.forwarded.Load() }

func (h *Hub) handleHealth(w http.ResponseWriter, _ *http.Request) {
	body := map[string]any{
		"status":    "ok",
		"clients":   h.Clients(),
		"forwarded": h.Forwarded(),
	}
	if h.Stream != nil {
		body["viewers"] = h.Stream.Viewers()
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(body)
}

// notify reports the current room size to OnOccupancy.
func (h *Hub) notify() {
	if h.OnOccupancy == nil {
		return
	}
	h.occMu.Lock()
	defer h.occMu.Unlock()
	h.OnOccupancy(h.Clients())
}

// handleWS upgrades the request and serves the client until it leaves.
func (h *Hub) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		util.Warn("[Relay] upgrade: %v", err)
		return
	}
	c := &client{id: uuid.NewString(), conn: conn}
	c.alive.Store(true)
	conn.SetPongHandler(func(string) error {
		c.alive.Store(true)
		return nil
	})

	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	util.Info("[Relay] client %s connected from %s (%d online)", c.id, r.RemoteAddr, n)
	h.notify()

	defer func() {
		h.mu.Lock()
		delete(h.clients, c)
		n := len(h.clients)
		h.mu.Unlock()
		if err := conn.Close(); err != nil {
			util.Debug("[Relay] close %s: %v", c.id, err)
		}
		util.Info("[Relay] client %s left (%d online)", c.id, n)
		h.notify()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		h.handleMessage(c, strings.TrimSpace(string(data)))
	}
}

// handleMessage answers pings and forwards valid commands to the other clients.
func (h *Hub) handleMessage(from *client, msg string) {
	if msg == "" {
		return
	}
	if msg == "ping" {
		if err := from.write("pong"); err != nil {
			util.Debug("[Relay] pong to %s: %v", from.id, err)
		}
		return
	}
	cmd, err := model.ParseCommand(msg)
	if err != nil {
		util.Debug("[Relay] ignoring %q from %s", msg, from.id)
		return
	}
	h.broadcast(from, cmd.String())
	h.forwarded.Add(1)
}

// broadcast sends msg to every client except the sender.
func (h *Hub) broadcast(from *client, msg string) {
	h.mu.Lock()
	targets := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		if c != from {
			targets = append(targets, c)
		}
	}
	h.mu.Unlock()

	for _, c := range targets {
		if err := c.write(msg); err != nil {
			util.Warn("[Relay] send to %s: %v", c.id, err)
		}
	}
}

func (h *Hub) heartbeatLoop() {
	if h.Heartbeat <= 0 {
		return
	}
	t := time.NewTicker(h.Heartbeat)
	defer t.Stop()
	for {
		select {
		case <-h.stop:
			return
		case <-t.C:
			h.Beat()
		}
	}
}

// Beat runs one heartbeat round: clients that have not answered the previous
// ping are closed, the rest are pinged again.
func (h *Hub) Beat() {
	h.mu.Lock()
	conns := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		if !c.alive.Swap(false) {
			util.Warn("[Relay] client %s missed heartbeat, closing", c.id)
			_ = c.conn.Close()
			continue
		}
		if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
			util.Debug("[Relay] ping %s: %v", c.id, err)
		}
	}
}

// Package stream broadcasts call events to websocket subscribers.
package stream

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/nikiz24/callmon"
)

// Key is the conventional registry key
const Key = "stream"

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

// Event is one message on the feed
type Event struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"` // start, stop or exception
	Site       string    `json:"site"`
	Owner      string    `json:"owner"`
	Member     string    `json:"member"`
	Time       time.Time `json:"time"`
	DurationMS float64   `json:"duration_ms,omitempty"`
	Outcome    string    `json:"outcome,omitempty"`
	Error      string    `json:"error,omitempty"`
}

type client struct {
	conn  *websocket.Conn
	mutex sync.Mutex
}

func (c *client) write(messageType int, data []byte) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(messageType, data)
}

// Hub is both the stream backend and the websocket endpoint serving it.
// Events go through a bounded channel; when subscribers cannot keep up,
// events are dropped rather than slowing the intercepted calls.
type Hub struct {
	upgrader   websocket.Upgrader
	logger     *zap.Logger
	maxClients int

	clients      map[*client]bool
	clientsMutex sync.RWMutex

	events  chan Event
	stop    chan struct{}
	once    sync.Once
	dropped atomic.Int64
}

// NewHub creates a hub and starts its broadcast loop
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		logger:     logger,
		maxClients: 100,
		clients:    make(map[*client]bool),
		events:     make(chan Event, 1024),
		stop:       make(chan struct{}),
	}
	go h.broadcast()
	return h
}

func (h *Hub) Name() string { return Key }

func (h *Hub) Description() string {
	return "websocket feed of call start/stop/exception events"
}

func (h *Hub) Start(ctx context.Context, site callmon.CallSite) (*callmon.MonitorContext, error) {
	mc := callmon.NewMonitorContext(ctx, site, uuid.NewString())
	if h.ClientCount() > 0 {
		h.publish(h.event(mc, "start"))
	}
	return mc, nil
}

func (h *Hub) Stop(mc *callmon.MonitorContext, _ any) error {
	if h.ClientCount() > 0 {
		e := h.event(mc, "stop")
		e.Outcome = callmon.Outcome(nil)
		h.publish(e)
	}
	return nil
}

func (h *Hub) Exception(mc *callmon.MonitorContext, err error) error {
	if h.ClientCount() > 0 {
		e := h.event(mc, "exception")
		e.Outcome = callmon.Outcome(err)
		e.Error = err.Error()
		h.publish(e)
	}
	return nil
}

func (h *Hub) event(mc *callmon.MonitorContext, typ string) Event {
	id, _ := mc.Handle.(string)
	e := Event{
		ID:     id,
		Type:   typ,
		Site:   mc.Site.String(),
		Owner:  mc.Site.Owner,
		Member: mc.Site.Member,
		Time:   time.Now(),
	}
	if typ != "start" {
		e.DurationMS = float64(mc.Elapsed().Microseconds()) / 1000
	}
	return e
}

func (h *Hub) publish(e Event) {
	select {
	case h.events <- e:
	default:
		h.dropped.Add(1)
	}
}

// Dropped returns the number of events lost to a full queue
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

// ClientCount returns the number of connected subscribers
func (h *Hub) ClientCount() int {
	h.clientsMutex.RLock()
	defer h.clientsMutex.RUnlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and keeps the subscriber until it leaves
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.ClientCount() >= h.maxClients {
		http.Error(w, "Maximum clients reached", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	c := &client{conn: conn}
	h.clientsMutex.Lock()
	h.clients[c] = true
	h.clientsMutex.Unlock()

	defer func() {
		h.clientsMutex.Lock()
		delete(h.clients, c)
		h.clientsMutex.Unlock()
	}()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	// reading is required to notice disconnects
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					h.logger.Debug("WebSocket read failed", zap.Error(err))
				}
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-readDone:
			return
		case <-h.stop:
			c.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (h *Hub) broadcast() {
	for {
		select {
		case e := <-h.events:
			h.send(e)
		case <-h.stop:
			return
		}
	}
}

func (h *Hub) send(e Event) {
	h.clientsMutex.RLock()
	if len(h.clients) == 0 {
		h.clientsMutex.RUnlock()
		return
	}
	targets := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		targets = append(targets, c)
	}
	h.clientsMutex.RUnlock()

	data, err := json.Marshal(e)
	if err != nil {
		h.logger.Error("Failed to encode call event", zap.Error(err))
		return
	}

	var failed []*client
	for _, c := range targets {
		if err := c.write(websocket.TextMessage, data); err != nil {
			c.conn.Close()
			failed = append(failed, c)
		}
	}
	if len(failed) > 0 {
		h.clientsMutex.Lock()
		for _, c := range failed {
			delete(h.clients, c)
		}
		h.clientsMutex.Unlock()
	}
}

// Close disconnects subscribers and stops broadcasting
func (h *Hub) Close() error {
	h.once.Do(func() { close(h.stop) })
	return nil
}

package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/nightofknife/aura/internal/bus"
)

const (
	wsWriteWait  = 10 * time.Second
	wsSendBuffer = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The stream is observational; same-origin enforcement is left to the
	// deployment's proxy.
	CheckOrigin: func(*http.Request) bool { return true },
}

// Hub fans bus events and log records out to websocket clients. Slow
// clients drop frames rather than stalling the publishers.
type Hub struct {
	logger *slog.Logger

	mu     sync.Mutex
	conns  map[*websocket.Conn]chan []byte
	closed bool
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{logger: logger, conns: map[*websocket.Conn]chan []byte{}}
}

// BindBus streams every bus event to connected clients.
func (h *Hub) BindBus(events *bus.Bus) error {
	if events == nil {
		return nil
	}
	_, err := events.Subscribe(bus.ChannelAny, "**", func(ctx context.Context, e bus.Event) error {
		h.Broadcast("event", map[string]any{
			"id":        e.ID,
			"name":      e.Name,
			"channel":   e.Channel,
			"payload":   e.Payload,
			"timestamp": e.Timestamp,
		})
		return nil
	}, bus.Persistent())
	return err
}

// Broadcast sends one typed frame to every client, dropping it for clients
// whose send buffer is full.
func (h *Hub) Broadcast(frameType string, payload map[string]any) {
	data, err := json.Marshal(map[string]any{"type": frameType, "payload": payload})
	if err != nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn, ch := range h.conns {
		select {
		case ch <- data:
		default:
			h.logger.Debug("websocket client lagging, frame dropped", "remote", conn.RemoteAddr())
		}
	}
}

// Serve upgrades the request and streams frames until the client leaves.
func (h *Hub) Serve(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	send := make(chan []byte, wsSendBuffer)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.conns[conn] = send
	h.mu.Unlock()

	go h.writeLoop(conn, send)

	// Reads only detect disconnect; clients do not send frames.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	h.drop(conn)
}

func (h *Hub) writeLoop(conn *websocket.Conn, send chan []byte) {
	for data := range send {
		conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			break
		}
	}
	conn.Close()
}

func (h *Hub) drop(conn *websocket.Conn) {
	h.mu.Lock()
	ch, ok := h.conns[conn]
	if ok {
		delete(h.conns, conn)
	}
	h.mu.Unlock()
	if ok {
		close(ch)
	}
}

// Close disconnects every client and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	conns := h.conns
	h.conns = map[*websocket.Conn]chan []byte{}
	h.mu.Unlock()
	for _, ch := range conns {
		close(ch)
	}
}

// LogFanout is a slog.Handler that mirrors records to the hub as `log`
// frames while delegating to the wrapped handler.
type LogFanout struct {
	next  slog.Handler
	hub   *Hub
	attrs []slog.Attr
}

// NewLogFanout wraps next so records also reach websocket clients.
func NewLogFanout(next slog.Handler, hub *Hub) *LogFanout {
	return &LogFanout{next: next, hub: hub}
}

func (f *LogFanout) Enabled(ctx context.Context, level slog.Level) bool {
	return f.next.Enabled(ctx, level)
}

func (f *LogFanout) Handle(ctx context.Context, r slog.Record) error {
	fields := map[string]any{}
	for _, a := range f.attrs {
		fields[a.Key] = a.Value.Any()
	}
	r.Attrs(func(a slog.Attr) bool {
		fields[a.Key] = a.Value.Any()
		return true
	})
	f.hub.Broadcast("log", map[string]any{
		"level":   r.Level.String(),
		"message": r.Message,
		"time":    r.Time,
		"fields":  fields,
	})
	return f.next.Handle(ctx, r)
}

func (f *LogFanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := append(append([]slog.Attr{}, f.attrs...), attrs...)
	return &LogFanout{next: f.next.WithAttrs(attrs), hub: f.hub, attrs: merged}
}

func (f *LogFanout) WithGroup(name string) slog.Handler {
	return &LogFanout{next: f.next.WithGroup(name), hub: f.hub, attrs: f.attrs}
}

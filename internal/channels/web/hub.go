// Package web relays approval prompts to browsers over a websocket and
// accepts decisions back. The server mounts the hub's handler; every
// connected client sees every lifecycle event and may answer any pending
// prompt.
package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/haasonsaas/gatekeeper/internal/approvals"
	"github.com/haasonsaas/gatekeeper/pkg/models"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = 30 * time.Second
	maxFrameBytes  = 64 * 1024
	clientSendSize = 32
)

// ChannelName is recorded as resolvedFrom for decisions made here.
const ChannelName = "web"

// Hub fans approval events out to connected websocket clients and feeds
// their decisions into the approval service.
type Hub struct {
	svc      *approvals.Service
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// decisionFrame is what a browser sends to answer a prompt.
type decisionFrame struct {
	RequestID   string          `json:"requestId"`
	Decision    models.Decision `json:"decision"`
	RespondedBy string          `json:"respondedBy"`
}

// ackFrame tells the browser whether its decision was accepted.
type ackFrame struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
	Accepted  bool   `json:"accepted"`
	Error     string `json:"error,omitempty"`
}

// NewHub creates a hub over the approval service.
func NewHub(svc *approvals.Service, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		svc:    svc,
		logger: logger.With("adapter", ChannelName),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
	}
}

// Name implements channels.Adapter.
func (h *Hub) Name() string { return ChannelName }

// Start subscribes to the notification bus and begins broadcasting events
// to connected clients.
func (h *Hub) Start(ctx context.Context) error {
	ctx, h.cancel = context.WithCancel(ctx)
	events := h.svc.Subscribe(ctx)

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		for event := range events {
			frame, err := json.Marshal(event)
			if err != nil {
				continue
			}
			h.broadcast(frame)
		}
	}()
	return nil
}

// Stop disconnects all clients and stops the broadcast loop.
func (h *Hub) Stop(ctx context.Context) error {
	if h.cancel != nil {
		h.cancel()
	}
	h.mu.Lock()
	for c := range h.clients {
		close(c.send)
		delete(h.clients, c)
	}
	h.mu.Unlock()
	h.wg.Wait()
	return nil
}

// ServeHTTP upgrades the connection and runs the client until it drops.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	c := &client{conn: conn, send: make(chan []byte, clientSendSize)}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	go h.writePump(c)
	h.readPump(r.Context(), c)
}

func (h *Hub) broadcast(frame []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- frame:
		default:
			// Slow consumer: drop it rather than back up the hub. The
			// client re-syncs by polling the API on reconnect.
			close(c.send)
			delete(h.clients, c)
		}
	}
}

func (h *Hub) drop(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		close(c.send)
		delete(h.clients, c)
	}
	h.mu.Unlock()
}

func (h *Hub) readPump(ctx context.Context, c *client) {
	defer h.drop(c)
	defer c.conn.Close()

	c.conn.SetReadLimit(maxFrameBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var frame decisionFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			h.logger.Warn("drop malformed decision frame", "error", err)
			continue
		}
		h.handleDecision(ctx, c, frame)
	}
}

func (h *Hub) handleDecision(ctx context.Context, c *client, frame decisionFrame) {
	accepted, err := h.svc.Resolve(ctx, &models.ApprovalResponse{
		RequestID:     frame.RequestID,
		Decision:      frame.Decision,
		RespondedBy:   frame.RespondedBy,
		RespondedFrom: ChannelName,
	})
	ack := ackFrame{Type: "ack", RequestID: frame.RequestID, Accepted: accepted}
	if err != nil {
		ack.Error = err.Error()
	}
	if raw, err := json.Marshal(ack); err == nil {
		select {
		case c.send <- raw:
		default:
		}
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	defer c.conn.Close()

	for {
		select {
		case frame, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
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

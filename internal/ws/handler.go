// Package ws streams sync events to WebSocket clients.
package ws

import (
	"context"
	"net/http"
	"strings"

	"github.com/HerbHall/wazuhsync/pkg/plugin"
	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Handler provides the /ws endpoint and forwards bus events to the hub.
type Handler struct {
	hub         *Hub
	logger      *zap.Logger
	origins     []string
	unsubscribe func()
}

// Compile-time check that Handler implements the server interface.
var _ interface {
	RegisterRoutes(mux *http.ServeMux)
} = (*Handler)(nil)

// NewHandler creates a WebSocket handler subscribed to every bus topic.
// origins lists accepted Origin host patterns; empty accepts same-origin
// only.
func NewHandler(bus plugin.EventBus, logger *zap.Logger, origins ...string) *Handler {
	h := &Handler{
		hub:     NewHub(logger),
		logger:  logger,
		origins: origins,
	}
	if bus != nil {
		h.unsubscribe = bus.SubscribeAll(h.forward)
	}
	return h
}

// Hub exposes the hub, mainly for tests and client counts.
func (h *Handler) Hub() *Hub { return h.hub }

// Close stops forwarding bus events.
func (h *Handler) Close() {
	if h.unsubscribe != nil {
		h.unsubscribe()
	}
}

// RegisterRoutes registers the WebSocket route on the server mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws", h.handleStream)
}

func (h *Handler) forward(_ context.Context, event plugin.Event) {
	h.hub.Broadcast(Message{
		Type:      event.Topic,
		Source:    event.Source,
		Timestamp: event.Timestamp,
		Data:      event.Payload,
	})
}

// handleStream upgrades the connection and streams events. ?topics= takes a
// comma-separated list of topic prefixes, e.g. agent.,finding.
func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	var topics []string
	if v := r.URL.Query().Get("topics"); v != "" {
		for _, t := range strings.Split(v, ",") {
			if t = strings.TrimSpace(t); t != "" {
				topics = append(topics, t)
			}
		}
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.origins})
	if err != nil {
		h.logger.Warn("websocket accept failed", zap.Error(err))
		return
	}

	client := &Client{
		conn:   conn,
		id:     uuid.NewString(),
		topics: topics,
		send:   make(chan Message, 256),
		logger: h.logger,
	}
	h.hub.Register(client)

	// Run read and write pumps. When either exits, clean up.
	ctx, cancel := context.WithCancel(r.Context())
	done := make(chan struct{})
	go func() {
		client.writePump(ctx)
		cancel()
		close(done)
	}()

	client.readPump(ctx)
	cancel()

	h.hub.Unregister(client)
	conn.Close(websocket.StatusNormalClosure, "")
	<-done
}

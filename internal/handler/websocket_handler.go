package handler

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	wsfeed "github.com/dreschagin/image-studio/internal/notification/websocket"
	"github.com/gorilla/websocket"
)

// WebSocketHandler upgrades /ws connections and attaches them to the job feed.
type WebSocketHandler struct {
	hub            *wsfeed.Hub
	logger         *slog.Logger
	allowAll       bool
	allowedOrigins map[string]struct{}
	upgrader       websocket.Upgrader
}

func NewWebSocketHandler(hub *wsfeed.Hub, allowedOrigins []string, logger *slog.Logger) *WebSocketHandler {
	h := &WebSocketHandler{
		hub:            hub,
		logger:         logger,
		allowedOrigins: make(map[string]struct{}, len(allowedOrigins)),
	}
	for _, origin := range allowedOrigins {
		trimmed := strings.TrimRight(strings.TrimSpace(origin), "/")
		switch trimmed {
		case "":
		case "*":
			h.allowAll = true
		default:
			h.allowedOrigins[trimmed] = struct{}{}
		}
	}

	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// checkOrigin lets non-browser clients without Origin through.
func (h *WebSocketHandler) checkOrigin(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" || h.allowAll {
		return true
	}

	parsed, err := url.Parse(origin)
	if err != nil || parsed.Host == "" {
		return false
	}
	_, ok := h.allowedOrigins[parsed.Scheme+"://"+parsed.Host]
	return ok
}

func (h *WebSocketHandler) HandleConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}

	client := wsfeed.NewClient(h.hub, conn, h.logger)
	h.hub.Register(client)

	go client.WritePump()
	go client.ReadPump()
}

package websocket

import (
	"context"
	"log/slog"
	"sync"

	studiometrics "github.com/dreschagin/image-studio/internal/metrics"
	"github.com/dreschagin/image-studio/internal/studio"
)

// Hub fans finished jobs out to connected feed clients.
type Hub struct {
	clients map[*Client]bool

	broadcast  chan *studio.Job
	register   chan *Client
	unregister chan *Client
	done       chan struct{}

	mu sync.RWMutex

	metrics *studiometrics.Metrics
	logger  *slog.Logger
}

func NewHub(metrics *studiometrics.Metrics, logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan *studio.Job, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		metrics:    metrics,
		logger:     logger,
	}
}

// Run serves registrations and broadcasts until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("websocket hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				h.removeLocked(client)
			}
			h.mu.Unlock()
			h.logger.Info("websocket hub stopped")
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.setGaugeLocked()
			h.mu.Unlock()
			h.logger.Debug("feed client registered", "total_clients", h.ClientCount())

		case client := <-h.unregister:
			h.mu.Lock()
			h.removeLocked(client)
			h.mu.Unlock()
			h.logger.Debug("feed client unregistered", "total_clients", h.ClientCount())

		case job := <-h.broadcast:
			message := Message{Type: "job", Data: job}
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					h.removeLocked(client)
					h.logger.Warn("feed client too slow, disconnected")
				}
			}
			h.mu.Unlock()
		}
	}
}

func (h *Hub) removeLocked(client *Client) {
	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	close(client.send)
	h.setGaugeLocked()
}

func (h *Hub) setGaugeLocked() {
	if h.metrics != nil {
		h.metrics.WebSocketClients.Set(float64(len(h.clients)))
	}
}

// Register adds client. After the hub stopped the client is closed at once.
func (h *Hub) Register(client *Client) {
	select {
	case h.register <- client:
	case <-h.done:
		close(client.send)
	}
}

func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// BroadcastJob queues job for every client. It never blocks the caller.
func (h *Hub) BroadcastJob(job *studio.Job) {
	select {
	case h.broadcast <- job:
	default:
		h.logger.Warn("broadcast channel full, dropping job event", "job_id", job.ID)
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Message is the frame written to feed clients.
type Message struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

package websocket

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gofiber/contrib/websocket"
	"go.uber.org/zap"

	"github.com/photoaiproxy/api/internal/model"
)

const pingInterval = 30 * time.Second

// Client is one websocket subscriber to a job.
type Client struct {
	JobID string
	Conn  *websocket.Conn
	Send  chan []byte
}

// Hub fans job completion messages out to subscribers of that job.
type Hub struct {
	// Clients grouped by job ID
	clients map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan *BroadcastMessage
	done       chan struct{}

	logger *zap.Logger
}

// BroadcastMessage is an encoded message for one job's subscribers.
type BroadcastMessage struct {
	JobID   string
	Message []byte
}

func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		clients:    make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *BroadcastMessage, 256),
		done:       make(chan struct{}),
		logger:     logger,
	}
}

// Run owns the subscriber map until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for _, clients := range h.clients {
				for client := range clients {
					close(client.Send)
				}
			}
			h.clients = make(map[string]map[*Client]bool)
			return

		case client := <-h.register:
			if h.clients[client.JobID] == nil {
				h.clients[client.JobID] = make(map[*Client]bool)
			}
			h.clients[client.JobID][client] = true
			h.logger.Debug("websocket client registered", zap.String("job_id", client.JobID))

		case client := <-h.unregister:
			h.remove(client)
			h.logger.Debug("websocket client unregistered", zap.String("job_id", client.JobID))

		case msg := <-h.broadcast:
			for client := range h.clients[msg.JobID] {
				select {
				case client.Send <- msg.Message:
				default:
					// Slow consumer.
					h.remove(client)
				}
			}
		}
	}
}

func (h *Hub) remove(client *Client) {
	clients, ok := h.clients[client.JobID]
	if !ok || !clients[client] {
		return
	}
	delete(clients, client)
	close(client.Send)
	if len(clients) == 0 {
		delete(h.clients, client.JobID)
	}
}

// Register reports false once the hub has stopped.
func (h *Hub) Register(client *Client) bool {
	select {
	case h.register <- client:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// BroadcastJob announces a terminal job to its subscribers. Non-terminal jobs
// are ignored.
func (h *Hub) BroadcastJob(job *model.Job) {
	data, err := EncodeJob(job)
	if err != nil {
		h.logger.Error("failed to marshal job message", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	if data == nil {
		return
	}

	select {
	case h.broadcast <- &BroadcastMessage{JobID: job.ID, Message: data}:
	default:
		h.logger.Warn("websocket broadcast queue full, dropping message", zap.String("job_id", job.ID))
	}
}

// EncodeJob renders the message a subscriber receives for job, or nil while
// the job is still pending.
func EncodeJob(job *model.Job) ([]byte, error) {
	switch job.State {
	case model.JobStateCompleted:
		return json.Marshal(model.WSCompleteMessage{
			Type:   model.WSMessageTypeComplete,
			JobID:  job.ID,
			State:  job.State,
			Result: job.Result,
		})
	case model.JobStateFailed:
		return json.Marshal(model.WSErrorMessage{
			Type:  model.WSMessageTypeError,
			JobID: job.ID,
			State: job.State,
			Error: model.WSError{Code: "JOB_FAILED", Message: job.ErrorDetail},
		})
	default:
		return nil, nil
	}
}

// HandleConnection serves one subscriber. initial, when non-nil, is sent
// before anything else so late subscribers still learn a terminal outcome.
func (h *Hub) HandleConnection(c *websocket.Conn, jobID string, initial []byte) {
	client := &Client{
		JobID: jobID,
		Conn:  c,
		Send:  make(chan []byte, 16),
	}
	if initial != nil {
		client.Send <- initial
	}

	if !h.Register(client) {
		return
	}
	defer h.Unregister(client)

	pongs := make(chan []byte, 1)
	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()

		for {
			select {
			case message, ok := <-client.Send:
				if !ok {
					_ = c.WriteMessage(websocket.CloseMessage, []byte{})
					return
				}
				if err := c.WriteMessage(websocket.TextMessage, message); err != nil {
					return
				}

			case pong := <-pongs:
				if err := c.WriteMessage(websocket.TextMessage, pong); err != nil {
					return
				}

			case <-ticker.C:
				if err := c.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	for {
		_, message, err := c.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Warn("websocket read error", zap.String("job_id", jobID), zap.Error(err))
			}
			break
		}

		var msg model.WSMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}
		if msg.Type == model.WSMessageTypePing {
			pong, _ := json.Marshal(model.WSMessage{Type: model.WSMessageTypePong})
			select {
			case pongs <- pong:
			default:
			}
		}
	}
}

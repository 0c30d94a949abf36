package websocket

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/rs/zerolog"

	"github.com/0necontroller/vellum/internal/model"
)

const (
	sendBuffer   = 64
	pingInterval = 30 * time.Second
)

// Client represents a WebSocket subscriber of one upload
type Client struct {
	UploadID string
	Send     chan []byte
}

// Hub fans progress events out to the subscribers of each upload
type Hub struct {
	// Clients grouped by upload ID; owned by the Run goroutine
	clients map[string]map[*Client]struct{}

	register   chan *Client
	unregister chan *Client
	broadcast  chan *BroadcastMessage
	stopped    chan struct{}

	log zerolog.Logger
}

// BroadcastMessage represents a message to broadcast
type BroadcastMessage struct {
	UploadID string
	Message  []byte
}

// NewHub creates a new Hub
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		clients:    make(map[string]map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *BroadcastMessage, 256),
		stopped:    make(chan struct{}),
		log:        logger.With().Str("component", "ws-hub").Logger(),
	}
}

// Run starts the hub's main loop and returns when ctx is done
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(h.stopped)
			for id, clients := range h.clients {
				for client := range clients {
					close(client.Send)
				}
				delete(h.clients, id)
			}
			return

		case client := <-h.register:
			if h.clients[client.UploadID] == nil {
				h.clients[client.UploadID] = make(map[*Client]struct{})
			}
			h.clients[client.UploadID][client] = struct{}{}
			h.log.Debug().Str("uploadId", client.UploadID).Msg("client registered")

		case client := <-h.unregister:
			h.remove(client)

		case msg := <-h.broadcast:
			for client := range h.clients[msg.UploadID] {
				select {
				case client.Send <- msg.Message:
				default:
					// slow consumer
					h.remove(client)
				}
			}
		}
	}
}

func (h *Hub) remove(client *Client) {
	clients, ok := h.clients[client.UploadID]
	if !ok {
		return
	}
	if _, ok := clients[client]; !ok {
		return
	}
	delete(clients, client)
	close(client.Send)
	if len(clients) == 0 {
		delete(h.clients, client.UploadID)
	}
	h.log.Debug().Str("uploadId", client.UploadID).Msg("client unregistered")
}

// Subscribe registers a client for uploadID
func (h *Hub) Subscribe(uploadID string) *Client {
	client := &Client{UploadID: uploadID, Send: make(chan []byte, sendBuffer)}
	select {
	case h.register <- client:
	case <-h.stopped:
		close(client.Send)
	}
	return client
}

// Unsubscribe removes a client
func (h *Hub) Unsubscribe(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.stopped:
	}
}

func (h *Hub) publish(uploadID string, msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.log.Error().Err(err).Msg("failed to marshal hub message")
		return
	}
	select {
	case h.broadcast <- &BroadcastMessage{UploadID: uploadID, Message: data}:
	default:
		h.log.Warn().Str("uploadId", uploadID).Msg("hub backlog full, dropping message")
	}
}

// BroadcastProgress sends a progress update to all upload subscribers
func (h *Hub) BroadcastProgress(uploadID string, progress int, status model.UploadStatus, step string) {
	h.publish(uploadID, model.WSProgressMessage{
		Type:        model.WSMessageTypeProgress,
		UploadID:    uploadID,
		Progress:    progress,
		Status:      status,
		CurrentStep: step,
	})
}

// BroadcastComplete sends a completion message to all upload subscribers
func (h *Hub) BroadcastComplete(uploadID, streamURL string) {
	h.publish(uploadID, model.WSCompleteMessage{
		Type:      model.WSMessageTypeComplete,
		UploadID:  uploadID,
		StreamURL: streamURL,
	})
}

// BroadcastError sends an error message to all upload subscribers
func (h *Hub) BroadcastError(uploadID, code, message string) {
	h.publish(uploadID, model.WSErrorMessage{
		Type:     model.WSMessageTypeError,
		UploadID: uploadID,
		Error:    model.WSError{Code: code, Message: message},
	})
}

// SubscribeWithSnapshot registers a client and only then calls snapshot, so
// an event that fires while the snapshot is read is still queued on Send.
func (h *Hub) SubscribeWithSnapshot(uploadID string, snapshot func() []byte) (*Client, []byte) {
	client := h.Subscribe(uploadID)
	if snapshot == nil {
		return client, nil
	}
	return client, snapshot()
}

// HandleConnection serves one WebSocket connection until it closes. The
// snapshot, when non-nil, is written before any broadcast.
func (h *Hub) HandleConnection(c *websocket.Conn, uploadID string, snapshot func() []byte) {
	client, initial := h.SubscribeWithSnapshot(uploadID, snapshot)
	defer h.Unsubscribe(client)

	if initial != nil {
		if err := c.WriteMessage(websocket.TextMessage, initial); err != nil {
			return
		}
	}

	pong := make(chan []byte, 1)
	done := make(chan struct{})
	defer close(done)

	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return
			case message, ok := <-client.Send:
				if !ok {
					_ = c.WriteMessage(websocket.CloseMessage, []byte{})
					return
				}
				if err := c.WriteMessage(websocket.TextMessage, message); err != nil {
					return
				}
			case data := <-pong:
				if err := c.WriteMessage(websocket.TextMessage, data); err != nil {
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
				h.log.Warn().Err(err).Str("uploadId", uploadID).Msg("websocket error")
			}
			return
		}

		var msg model.WSMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}
		if msg.Type == model.WSMessageTypePing {
			data, _ := json.Marshal(model.WSMessage{Type: model.WSMessageTypePong})
			select {
			case pong <- data:
			default:
			}
		}
	}
}

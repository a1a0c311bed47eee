package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"arena-control-backend/internal/middleware"
	"arena-control-backend/internal/models"
)

const (
	MessagePing           = "PING"
	MessagePong           = "PONG"
	MessageAck            = "ACK"
	MessageError          = "ERROR"
	MessageShutdownNotice = "SHUTDOWN_NOTICE"

	EventJoin         = "join"
	EventSetConfig    = "set-config"
	EventUpdateSelf   = "update-self"
	EventUpdatePickup = "update-pickup"

	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 50 * time.Second
	clientSendSize = 16
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type Message struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type hubClient struct {
	id      string
	subject string
	conn    *websocket.Conn
	send    chan []byte
	once    sync.Once
}

// WebSocketHub keeps the real-time clients and delivers shutdown notices
// to them. Every client has its own writer goroutine; the hub only queues.
type WebSocketHub struct {
	logger *slog.Logger
	now    func() time.Time

	mu      sync.RWMutex
	clients map[string]*hubClient
}

func NewWebSocketHub(logger *slog.Logger) *WebSocketHub {
	return &WebSocketHub{
		logger:  logger,
		now:     time.Now,
		clients: make(map[string]*hubClient),
	}
}

func (hub *WebSocketHub) HandleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		hub.logger.Warn("failed to upgrade to websocket", "error", err)
		return
	}

	client := &hubClient{
		id:      uuid.New().String(),
		subject: c.GetString(middleware.ContextSubject),
		conn:    conn,
		send:    make(chan []byte, clientSendSize),
	}

	hub.register(client)
	defer hub.unregister(client)

	go hub.writePump(client)
	hub.readPump(client)
}

func (hub *WebSocketHub) register(client *hubClient) {
	hub.mu.Lock()
	hub.clients[client.id] = client
	hub.mu.Unlock()

	hub.logger.Debug("websocket client registered", "client_id", client.id, "subject", client.subject)
}

func (hub *WebSocketHub) unregister(client *hubClient) {
	hub.mu.Lock()
	if _, ok := hub.clients[client.id]; ok {
		delete(hub.clients, client.id)
		client.once.Do(func() { close(client.send) })
	}
	hub.mu.Unlock()

	hub.logger.Debug("websocket client unregistered", "client_id", client.id)
}

func (hub *WebSocketHub) readPump(client *hubClient) {
	defer client.conn.Close()

	client.conn.SetReadDeadline(time.Now().Add(pongWait))
	client.conn.SetPongHandler(func(string) error {
		return client.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg Message
		if err := client.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				hub.logger.Warn("websocket error", "client_id", client.id, "error", err)
			}
			return
		}

		hub.handleMessage(client, &msg)
	}
}

func (hub *WebSocketHub) writePump(client *hubClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		client.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-client.send:
			client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				client.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := client.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage answers PING and acknowledges the game events. The events
// are driven by the game servers; the backend only confirms receipt.
func (hub *WebSocketHub) handleMessage(client *hubClient, msg *Message) {
	switch msg.Type {
	case MessagePing:
		hub.sendTo(client, MessagePong, gin.H{"timestamp": hub.now().UnixMilli()})
	case EventJoin, EventSetConfig, EventUpdateSelf, EventUpdatePickup:
		hub.sendTo(client, MessageAck, gin.H{"event": msg.Type})
	default:
		hub.sendTo(client, MessageError, gin.H{"error": "unknown message type " + msg.Type})
	}
}

func (hub *WebSocketHub) sendTo(client *hubClient, messageType string, data any) {
	payload, err := encodeMessage(messageType, data)
	if err != nil {
		hub.logger.Error("failed to encode websocket message", "type", messageType, "error", err)
		return
	}

	hub.mu.RLock()
	defer hub.mu.RUnlock()
	if _, ok := hub.clients[client.id]; ok {
		hub.queue(client, payload)
	}
}

// queue drops the message for a client whose buffer is full. Callers hold
// hub.mu.
func (hub *WebSocketHub) queue(client *hubClient, payload []byte) {
	select {
	case client.send <- payload:
	default:
		hub.logger.Warn("websocket client too slow, dropping message", "client_id", client.id)
	}
}

// BroadcastShutdown sends a SHUTDOWN_NOTICE to every connected client.
func (hub *WebSocketHub) BroadcastShutdown(notice models.BroadcastNotice) {
	payload, err := encodeMessage(MessageShutdownNotice, notice)
	if err != nil {
		hub.logger.Error("failed to encode shutdown notice", "error", err)
		return
	}

	hub.mu.RLock()
	defer hub.mu.RUnlock()
	for _, client := range hub.clients {
		hub.queue(client, payload)
	}

	hub.logger.Info("shutdown notice broadcast", "clients", len(hub.clients), "kind", notice.Kind)
}

func (hub *WebSocketHub) ClientCount() int {
	hub.mu.RLock()
	defer hub.mu.RUnlock()
	return len(hub.clients)
}

// Close disconnects every client.
func (hub *WebSocketHub) Close() {
	hub.mu.Lock()
	defer hub.mu.Unlock()
	for id, client := range hub.clients {
		delete(hub.clients, id)
		client.once.Do(func() { close(client.send) })
	}
}

func encodeMessage(messageType string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Message{Type: messageType, Data: raw})
}

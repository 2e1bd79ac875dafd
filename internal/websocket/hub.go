package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"relaymail/backend/internal/domain"
	"relaymail/backend/internal/monitoring"
)

// ServerLookup 通过服务器令牌认证连接
type ServerLookup interface {
	FindServerByToken(ctx context.Context, token string) (*domain.Server, error)
}

// upgraderFactory 创建带有 Origin 验证的 WebSocket 升级器
func upgraderFactory(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			requestOrigin := r.Header.Get("Origin")
			if requestOrigin == "" {
				return true
			}
			for _, origin := range allowedOrigins {
				if origin == "*" || origin == requestOrigin {
					return true
				}
			}
			return false
		},
	}
}

// MessageType 定义WebSocket消息类型
type MessageType string

const (
	MessageTypeEvent MessageType = "event"
	MessageTypePing  MessageType = "ping"
	MessageTypePong  MessageType = "pong"
	MessageTypeError MessageType = "error"
)

// Message 定义WebSocket消息结构
type Message struct {
	Type      MessageType          `json:"type"`
	ServerID  string               `json:"serverId,omitempty"`
	Event     *domain.WebhookEvent `json:"event,omitempty"`
	Error     string               `json:"error,omitempty"`
	Timestamp time.Time            `json:"timestamp"`
}

// Client 订阅一个服务器事件流的连接
type Client struct {
	ID       string
	ServerID string
	conn     *websocket.Conn
	send     chan []byte
	hub      *Hub
	log      *zap.Logger
}

type broadcastMessage struct {
	serverID string
	data     []byte
}

// Hub 管理所有WebSocket连接，按服务器分组推送事件
type Hub struct {
	clients        map[string]*Client            // clientID -> Client
	servers        map[string]map[string]*Client // serverID -> clientID -> Client
	register       chan *Client
	unregister     chan *Client
	broadcast      chan *broadcastMessage
	mu             sync.RWMutex
	log            *zap.Logger
	allowedOrigins []string
	lookup         ServerLookup
	metrics        *monitoring.Metrics
	done           chan struct{}
}

// NewHub 创建WebSocket Hub
//
// 参数:
//   - allowedOrigins: 允许的 Origin 列表，为空时允许所有
//   - lookup: 用于校验连接携带的服务器令牌
func NewHub(allowedOrigins []string, lookup ServerLookup, metrics *monitoring.Metrics, log *zap.Logger) *Hub {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}

	return &Hub{
		clients:        make(map[string]*Client),
		servers:        make(map[string]map[string]*Client),
		register:       make(chan *Client),
		unregister:     make(chan *Client),
		broadcast:      make(chan *broadcastMessage, 256),
		log:            log.Named("websocket"),
		allowedOrigins: allowedOrigins,
		lookup:         lookup,
		metrics:        metrics,
		done:           make(chan struct{}),
	}
}

// Run 启动Hub，直到 ctx 结束
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.log.Info("websocket hub stopped")
			h.closeAllClients()
			close(h.done)
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.ID] = client
			if h.servers[client.ServerID] == nil {
				h.servers[client.ServerID] = make(map[string]*Client)
			}
			h.servers[client.ServerID][client.ID] = client
			count := len(h.clients)
			h.mu.Unlock()
			h.updateGauge(count)
			h.log.Info("client registered", zap.String("id", client.ID), zap.String("server_id", client.ServerID))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.ID]; ok {
				if clients, exists := h.servers[client.ServerID]; exists {
					delete(clients, client.ID)
					if len(clients) == 0 {
						delete(h.servers, client.ServerID)
					}
				}
				delete(h.clients, client.ID)
				close(client.send)
				h.log.Info("client unregistered", zap.String("id", client.ID))
			}
			count := len(h.clients)
			h.mu.Unlock()
			h.updateGauge(count)

		case msg := <-h.broadcast:
			h.broadcastToServer(msg.serverID, msg.data)

		case <-ticker.C:
			h.pingAllClients()
		}
	}
}

// PublishServerEvent 推送服务器事件，不阻塞调用方
func (h *Hub) PublishServerEvent(serverID string, event domain.WebhookEvent) {
	data, err := json.Marshal(&Message{
		Type:      MessageTypeEvent,
		ServerID:  serverID,
		Event:     &event,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		h.log.Error("failed to marshal event", zap.Error(err))
		return
	}

	select {
	case h.broadcast <- &broadcastMessage{serverID: serverID, data: data}:
	default:
		h.log.Warn("broadcast queue full, dropping event",
			zap.String("server_id", serverID),
			zap.String("event", string(event.Event)))
	}
}

// ClientCount 当前连接数
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) updateGauge(count int) {
	if h.metrics != nil {
		h.metrics.UpdateWebsocketClients(count)
	}
}

// broadcastToServer 向订阅特定服务器的客户端广播消息
func (h *Hub) broadcastToServer(serverID string, data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, client := range h.servers[serverID] {
		select {
		case client.send <- data:
		default:
			h.log.Warn("client channel blocked, skipping", zap.String("client_id", client.ID))
		}
	}
}

// pingAllClients 向所有客户端发送ping
func (h *Hub) pingAllClients() {
	data, err := json.Marshal(&Message{Type: MessageTypePing, Timestamp: time.Now().UTC()})
	if err != nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, client := range h.clients {
		select {
		case client.send <- data:
		default:
		}
	}
}

// closeAllClients 关闭所有客户端连接
func (h *Hub) closeAllClients() {
	h.mu.Lock()
	for _, client := range h.clients {
		close(client.send)
	}
	h.clients = make(map[string]*Client)
	h.servers = make(map[string]map[string]*Client)
	h.mu.Unlock()
	h.updateGauge(0)
}

// HandleWebSocket 处理 GET /ws/servers/:serverToken
func HandleWebSocket(hub *Hub) gin.HandlerFunc {
	upgrader := upgraderFactory(hub.allowedOrigins)

	return func(c *gin.Context) {
		server, err := hub.lookup.FindServerByToken(c.Request.Context(), c.Param("serverToken"))
		if err != nil {
			if errors.Is(err, domain.ErrServerNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "server not found"})
				return
			}
			hub.log.Error("failed to look up server", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			hub.log.Warn("failed to upgrade connection",
				zap.Error(err),
				zap.String("origin", c.Request.Header.Get("Origin")),
				zap.String("remote_addr", c.ClientIP()))
			return
		}

		client := &Client{
			ID:       uuid.New().String(),
			ServerID: server.ID,
			conn:     conn,
			hub:      hub,
			send:     make(chan []byte, 256),
			log:      hub.log,
		}
		select {
		case hub.register <- client:
		case <-hub.done:
			conn.Close()
			return
		}

		go client.writePump()
		go client.readPump()
	}
}

// readPump 读取客户端消息，连接断开时注销
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Warn("websocket error", zap.Error(err))
			}
			return
		}

		switch msg.Type {
		case MessageTypePing:
			c.sendMessage(&Message{Type: MessageTypePong, Timestamp: time.Now().UTC()})
		case MessageTypePong:
			c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		default:
			c.sendMessage(&Message{Type: MessageTypeError, Error: "unsupported message type", Timestamp: time.Now().UTC()})
		}
	}
}

// writePump 发送消息给客户端
func (c *Client) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// sendMessage 发送消息给客户端，已注销的连接直接丢弃
func (c *Client) sendMessage(msg *Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.log.Error("failed to marshal message", zap.Error(err))
		return
	}

	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if c.hub.clients[c.ID] != c {
		return
	}
	select {
	case c.send <- data:
	default:
		c.log.Warn("client channel blocked", zap.String("client_id", c.ID))
	}
}

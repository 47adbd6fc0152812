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

	"tempmail/gateway/internal/domain"
	"tempmail/gateway/internal/events"
	"tempmail/gateway/internal/monitoring"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	sendBuffer = 64
)

// IdentityLookup 查询身份是否存在
type IdentityLookup interface {
	Lookup(ctx context.Context, token string) (*domain.Identity, error)
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
	MessageTypeNewMail    MessageType = "new_mail"
	MessageTypeSubscribed MessageType = "subscribed"
	MessageTypePing       MessageType = "ping"
	MessageTypePong       MessageType = "pong"
)

// Message 定义WebSocket消息结构
type Message struct {
	Type      MessageType     `json:"type"`
	Token     string          `json:"uuid,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Client 代表一个WebSocket客户端连接，只订阅一个身份
type Client struct {
	ID    string
	Token string
	conn  *websocket.Conn
	send  chan []byte
	hub   *Hub
}

// Hub 管理所有WebSocket连接，把事件总线上的新邮件推送给对应身份的客户端
type Hub struct {
	clients    map[string]*Client            // clientID -> Client
	tokens     map[string]map[string]*Client // token -> clientID -> Client
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	mu         sync.RWMutex

	bus            events.Bus
	identities     IdentityLookup
	allowedOrigins []string
	metrics        *monitoring.Metrics
	log            *zap.Logger
}

// NewHub 创建WebSocket Hub
func NewHub(bus events.Bus, identities IdentityLookup, allowedOrigins []string, metrics *monitoring.Metrics, log *zap.Logger) *Hub {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	if metrics == nil {
		metrics = monitoring.NewMetrics()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		clients:        make(map[string]*Client),
		tokens:         make(map[string]map[string]*Client),
		register:       make(chan *Client),
		unregister:     make(chan *Client),
		done:           make(chan struct{}),
		bus:            bus,
		identities:     identities,
		allowedOrigins: allowedOrigins,
		metrics:        metrics,
		log:            log.Named("websocket"),
	}
}

// Run 启动Hub，直到 ctx 结束
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)

	incoming, cancel := h.bus.Subscribe(ctx)
	defer cancel()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.log.Info("websocket hub stopped")
			h.closeAllClients()
			return nil

		case client := <-h.register:
			h.addClient(client)

		case client := <-h.unregister:
			h.removeClient(client)

		case event, ok := <-incoming:
			if !ok {
				// 总线已关闭，不再有新事件
				incoming = nil
				continue
			}
			h.notifyNewMail(event)

		case <-ticker.C:
			h.pingAllClients()
		}
	}
}

// ClientCount 当前连接数
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) addClient(client *Client) {
	h.mu.Lock()
	h.clients[client.ID] = client
	if h.tokens[client.Token] == nil {
		h.tokens[client.Token] = make(map[string]*Client)
	}
	h.tokens[client.Token][client.ID] = client
	h.mu.Unlock()

	h.metrics.WebsocketClients.Inc()
	h.log.Debug("client registered", zap.String("id", client.ID), zap.String("token", client.Token))

	h.sendTo(client, &Message{
		Type:      MessageTypeSubscribed,
		Token:     client.Token,
		Timestamp: time.Now().UTC(),
	})
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client.ID]; !ok {
		return
	}
	if clients, exists := h.tokens[client.Token]; exists {
		delete(clients, client.ID)
		if len(clients) == 0 {
			delete(h.tokens, client.Token)
		}
	}
	delete(h.clients, client.ID)
	close(client.send)
	h.metrics.WebsocketClients.Dec()
	h.log.Debug("client unregistered", zap.String("id", client.ID))
}

// notifyNewMail 向订阅该身份的客户端推送新邮件摘要
func (h *Hub) notifyNewMail(event events.NewMail) {
	data, err := json.Marshal(event.Message)
	if err != nil {
		h.log.Error("failed to marshal new mail data", zap.Error(err))
		return
	}
	payload, err := json.Marshal(&Message{
		Type:      MessageTypeNewMail,
		Token:     event.Token,
		Data:      data,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, client := range h.tokens[event.Token] {
		select {
		case client.send <- payload:
		default:
			h.log.Warn("client channel blocked, skipping", zap.String("clientID", client.ID))
		}
	}
}

// pingAllClients 向所有客户端发送应用层 ping
func (h *Hub) pingAllClients() {
	payload, err := json.Marshal(&Message{Type: MessageTypePing, Timestamp: time.Now().UTC()})
	if err != nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, client := range h.clients {
		select {
		case client.send <- payload:
		default:
		}
	}
}

// closeAllClients 关闭所有客户端连接
func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, client := range h.clients {
		close(client.send)
		h.metrics.WebsocketClients.Dec()
	}
	h.clients = make(map[string]*Client)
	h.tokens = make(map[string]map[string]*Client)
}

func (h *Hub) sendTo(client *Client, msg *Message) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case client.send <- payload:
	default:
	}
}

// Handler 处理 GET /ws/:token，只允许已存在的身份订阅
func (h *Hub) Handler() gin.HandlerFunc {
	upgrader := upgraderFactory(h.allowedOrigins)

	return func(c *gin.Context) {
		token := c.Param("token")
		if _, err := h.identities.Lookup(c.Request.Context(), token); err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, domain.ErrIdentityNotFound) {
				status = http.StatusNotFound
			}
			c.JSON(status, gin.H{"code": status})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			h.log.Warn("failed to upgrade connection",
				zap.Error(err),
				zap.String("origin", c.Request.Header.Get("Origin")),
				zap.String("remote_addr", c.ClientIP()))
			return
		}

		client := &Client{
			ID:    uuid.NewString(),
			Token: token,
			conn:  conn,
			send:  make(chan []byte, sendBuffer),
			hub:   h,
		}

		select {
		case h.register <- client:
		case <-h.done:
			_ = conn.Close()
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
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Debug("websocket read error", zap.Error(err))
			}
			return
		}
		if msg.Type == MessageTypePong || msg.Type == MessageTypePing {
			_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		}
	}
}

// writePump 发送消息给客户端
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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

package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"vowmail/backend/internal/domain"
	"vowmail/backend/internal/monitoring"
)

// CeremonyDirectory 仪式查询接口，用于房间准入校验
type CeremonyDirectory interface {
	GetCeremony(ctx context.Context, id string) (*domain.Ceremony, error)
}

// JWTClaims JWT声明
type JWTClaims struct {
	UserID string `json:"sub"`
	Email  string `json:"email"`
	jwt.RegisteredClaims
}

// upgraderFactory 创建带有 Origin 验证的 WebSocket 升级器
func upgraderFactory(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			for _, origin := range allowedOrigins {
				if origin == "*" {
					return true
				}
			}

			requestOrigin := r.Header.Get("Origin")
			if requestOrigin == "" {
				// 没有 Origin 视为同源请求
				return true
			}

			for _, origin := range allowedOrigins {
				if requestOrigin == origin {
					return true
				}
			}
			return false
		},
	}
}

// Event 推送给客户端的事件结构
type Event struct {
	Type       domain.EventKind `json:"type"`
	CeremonyID string           `json:"ceremonyId,omitempty"`
	Data       json.RawMessage  `json:"data,omitempty"`
	Error      string           `json:"error,omitempty"`
	Timestamp  time.Time        `json:"timestamp"`
}

// 客户端上行动作
const (
	actionJoin  = "join"
	actionLeave = "leave"
	actionPong  = "pong"
)

// clientCommand 客户端上行指令
type clientCommand struct {
	Action     string `json:"action"`
	CeremonyID string `json:"ceremonyId,omitempty"`
}

// PresencePayload presence.joined / presence.left 事件载荷
type PresencePayload struct {
	CeremonyID string `json:"ceremonyId"`
	UserID     string `json:"userId"`
	Email      string `json:"email,omitempty"`
}

// Client 代表一个WebSocket客户端连接
type Client struct {
	UserID string
	Email  string

	conn *websocket.Conn
	send chan []byte
	hub  *Hub
	log  *zap.Logger

	// 已加入的仪式房间ID
	rooms map[string]bool
	mu    sync.Mutex
}

// Hub 管理所有WebSocket连接与仪式房间。
//
// 每个用户同时只保留一条连接，新连接顶替旧连接。
// 广播是尽力而为的：只投递给当前在线且未阻塞的房间成员。
// 在线表与房间表只由 Hub 自身修改。
type Hub struct {
	clients map[string]*Client            // userID -> Client
	rooms   map[string]map[string]*Client // ceremonyID -> userID -> Client
	mu      sync.RWMutex

	log            *zap.Logger
	allowedOrigins []string
	jwtSecret      string
	directory      CeremonyDirectory
	metrics        *monitoring.Metrics // 可为 nil
}

// NewHub 创建WebSocket Hub
//
// 参数:
//   - allowedOrigins: 允许的 Origin 列表，用于 WebSocket 连接验证
//   - jwtSecret: JWT密钥，用于验证用户token
//   - directory: 仪式查询接口，用于房间准入校验
func NewHub(allowedOrigins []string, jwtSecret string, directory CeremonyDirectory, metrics *monitoring.Metrics, log *zap.Logger) *Hub {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	if log == nil {
		log = zap.NewNop()
	}

	return &Hub{
		clients:        make(map[string]*Client),
		rooms:          make(map[string]map[string]*Client),
		log:            log,
		allowedOrigins: allowedOrigins,
		jwtSecret:      jwtSecret,
		directory:      directory,
		metrics:        metrics,
	}
}

// Run 启动Hub的心跳循环，ctx 取消时关闭所有连接
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.log.Info("websocket hub stopped")
			h.closeAllClients()
			return
		case <-ticker.C:
			h.pingAllClients()
		}
	}
}

// BroadcastToCeremony 向仪式房间内的在线成员广播事件。
//
// 投递至多一次：离线成员收不到，阻塞的连接被跳过，永不报错。
func (h *Hub) BroadcastToCeremony(ceremonyID string, kind domain.EventKind, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		h.log.Error("failed to marshal event payload",
			zap.String("event", string(kind)),
			zap.Error(err))
		return
	}

	event := &Event{
		Type:       kind,
		CeremonyID: ceremonyID,
		Data:       data,
		Timestamp:  time.Now(),
	}

	if h.metrics != nil {
		h.metrics.RecordBroadcast(string(kind))
	}
	h.deliverToRoom(ceremonyID, event, "")
}

// deliverToRoom 向房间投递事件，excludeUserID 非空时跳过该成员
func (h *Hub) deliverToRoom(ceremonyID string, event *Event, excludeUserID string) {
	h.mu.RLock()
	members := make([]*Client, 0, len(h.rooms[ceremonyID]))
	for userID, member := range h.rooms[ceremonyID] {
		if userID == excludeUserID {
			continue
		}
		members = append(members, member)
	}
	h.mu.RUnlock()

	if len(members) == 0 {
		return
	}

	data, err := json.Marshal(event)
	if err != nil {
		h.log.Error("failed to marshal event", zap.Error(err))
		return
	}

	for _, member := range members {
		select {
		case member.send <- data:
		default:
			// 客户端阻塞，跳过
			h.log.Warn("client channel blocked, skipping",
				zap.String("user_id", member.UserID))
		}
	}
}

// addClient 注册客户端，同一用户的旧连接被顶替
func (h *Hub) addClient(client *Client) {
	var replaced *Client

	h.mu.Lock()
	if prev, ok := h.clients[client.UserID]; ok {
		replaced = prev
		h.removeFromRoomsLocked(prev)
	}
	h.clients[client.UserID] = client
	h.mu.Unlock()

	if replaced != nil {
		close(replaced.send)
		h.log.Info("client replaced by new connection", zap.String("user_id", client.UserID))
	}

	if h.metrics != nil {
		h.metrics.WSConnectionsActive.Inc()
	}
	h.log.Info("client connected", zap.String("user_id", client.UserID))
}

// removeClient 注销客户端并广播 presence.left
func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	current, ok := h.clients[client.UserID]
	if !ok || current != client {
		// 已被新连接顶替
		h.mu.Unlock()
		return
	}
	leftRooms := h.removeFromRoomsLocked(client)
	delete(h.clients, client.UserID)
	h.mu.Unlock()

	close(client.send)
	if h.metrics != nil {
		h.metrics.WSConnectionsActive.Dec()
	}

	for _, ceremonyID := range leftRooms {
		h.notifyPresence(ceremonyID, client, domain.EventPresenceLeft)
	}
	h.log.Info("client disconnected", zap.String("user_id", client.UserID))
}

// removeFromRoomsLocked 将客户端移出全部房间，返回受影响的房间ID。
// 调用方必须持有 h.mu。
func (h *Hub) removeFromRoomsLocked(client *Client) []string {
	client.mu.Lock()
	roomIDs := make([]string, 0, len(client.rooms))
	for id := range client.rooms {
		roomIDs = append(roomIDs, id)
	}
	client.rooms = make(map[string]bool)
	client.mu.Unlock()

	for _, id := range roomIDs {
		if members, ok := h.rooms[id]; ok {
			delete(members, client.UserID)
			if len(members) == 0 {
				delete(h.rooms, id)
			}
		}
	}
	return roomIDs
}

// joinRoom 将客户端加入仪式房间。
//
// 重复加入为空操作。加入成功后向房间内其他成员广播 presence.joined。
func (h *Hub) joinRoom(ctx context.Context, client *Client, ceremonyID string) error {
	if ceremonyID == "" {
		return errors.New("ceremony ID is required")
	}

	// 只有仪式参与者可以加入房间
	ceremony, err := h.directory.GetCeremony(ctx, ceremonyID)
	if err != nil {
		return fmt.Errorf("unknown ceremony: %s", ceremonyID)
	}
	if _, ok := ceremony.RoleForEmail(client.Email); !ok {
		return fmt.Errorf("not a participant of ceremony: %s", ceremonyID)
	}

	h.mu.Lock()
	if current, ok := h.clients[client.UserID]; !ok || current != client {
		// 连接已被新连接顶替或已注销，不能再进入房间表
		h.mu.Unlock()
		return errors.New("connection is no longer active")
	}

	client.mu.Lock()
	already := client.rooms[ceremonyID]
	client.rooms[ceremonyID] = true
	client.mu.Unlock()

	if already {
		h.mu.Unlock()
		return nil
	}

	if h.rooms[ceremonyID] == nil {
		h.rooms[ceremonyID] = make(map[string]*Client)
	}
	h.rooms[ceremonyID][client.UserID] = client
	h.mu.Unlock()

	h.notifyPresence(ceremonyID, client, domain.EventPresenceJoined)
	h.log.Info("client joined room",
		zap.String("user_id", client.UserID),
		zap.String("ceremony_id", ceremonyID))
	return nil
}

// leaveRoom 将客户端移出仪式房间，未加入时为空操作
func (h *Hub) leaveRoom(client *Client, ceremonyID string) {
	client.mu.Lock()
	wasMember := client.rooms[ceremonyID]
	delete(client.rooms, ceremonyID)
	client.mu.Unlock()

	if !wasMember {
		return
	}

	h.mu.Lock()
	if members, ok := h.rooms[ceremonyID]; ok {
		delete(members, client.UserID)
		if len(members) == 0 {
			delete(h.rooms, ceremonyID)
		}
	}
	h.mu.Unlock()

	h.notifyPresence(ceremonyID, client, domain.EventPresenceLeft)
	h.log.Info("client left room",
		zap.String("user_id", client.UserID),
		zap.String("ceremony_id", ceremonyID))
}

// notifyPresence 向房间内其他成员广播成员变动事件
func (h *Hub) notifyPresence(ceremonyID string, client *Client, kind domain.EventKind) {
	payload := PresencePayload{
		CeremonyID: ceremonyID,
		UserID:     client.UserID,
		Email:      client.Email,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}

	if h.metrics != nil {
		h.metrics.RecordBroadcast(string(kind))
	}
	h.deliverToRoom(ceremonyID, &Event{
		Type:       kind,
		CeremonyID: ceremonyID,
		Data:       data,
		Timestamp:  time.Now(),
	}, client.UserID)
}

// pingAllClients 向所有客户端发送ping
func (h *Hub) pingAllClients() {
	msg := &Event{
		Type:      "ping",
		Timestamp: time.Now(),
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, client := range h.clients {
		select {
		case client.send <- data:
		default:
			// 跳过阻塞的客户端
		}
	}
}

// closeAllClients 关闭所有客户端连接
func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, client := range h.clients {
		close(client.send)
	}
	h.clients = make(map[string]*Client)
	h.rooms = make(map[string]map[string]*Client)
}

// authenticateClient 认证客户端
func (h *Hub) authenticateClient(c *gin.Context) (*Client, error) {
	token := c.Query("token")
	if token == "" {
		authHeader := c.GetHeader("Authorization")
		if authHeader != "" {
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) == 2 && parts[0] == "Bearer" {
				token = parts[1]
			}
		}
	}

	if token == "" {
		return nil, errors.New("missing authentication token")
	}

	userID, email, err := h.validateJWT(token)
	if err != nil {
		return nil, errors.New("invalid authentication token")
	}

	return &Client{
		UserID: userID,
		Email:  strings.ToLower(email),
		rooms:  make(map[string]bool),
		log:    h.log,
	}, nil
}

// validateJWT 验证JWT token
func (h *Hub) validateJWT(tokenString string) (userID, email string, err error) {
	token, err := jwt.ParseWithClaims(tokenString, &JWTClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(h.jwtSecret), nil
	})

	if err != nil {
		return "", "", err
	}

	if claims, ok := token.Claims.(*JWTClaims); ok && token.Valid {
		if claims.UserID == "" {
			return "", "", errors.New("token missing subject")
		}
		return claims.UserID, claims.Email, nil
	}

	return "", "", errors.New("invalid token claims")
}

// HandleWebSocket 处理WebSocket连接
func HandleWebSocket(hub *Hub) gin.HandlerFunc {
	upgrader := upgraderFactory(hub.allowedOrigins)

	return func(c *gin.Context) {
		client, err := hub.authenticateClient(c)
		if err != nil {
			hub.log.Warn("websocket authentication failed",
				zap.Error(err),
				zap.String("remote_addr", c.ClientIP()))
			c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			hub.log.Error("failed to upgrade connection",
				zap.Error(err),
				zap.String("origin", c.Request.Header.Get("Origin")),
				zap.String("remote_addr", c.ClientIP()))
			return
		}

		client.conn = conn
		client.hub = hub
		client.send = make(chan []byte, 256)

		hub.addClient(client)

		go client.writePump()
		go client.readPump(c.Request.Context())
	}
}

// readPump 处理客户端上行指令
func (c *Client) readPump(ctx context.Context) {
	defer func() {
		c.hub.removeClient(c)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		var cmd clientCommand
		err := c.conn.ReadJSON(&cmd)
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Error("websocket error", zap.Error(err))
			}
			break
		}

		c.handleCommand(ctx, &cmd)
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

			c.conn.WriteMessage(websocket.TextMessage, message)

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleCommand 处理上行指令
func (c *Client) handleCommand(ctx context.Context, cmd *clientCommand) {
	switch cmd.Action {
	case actionJoin:
		if err := c.hub.joinRoom(ctx, c, cmd.CeremonyID); err != nil {
			c.sendError(err.Error())
		}
	case actionLeave:
		c.hub.leaveRoom(c, cmd.CeremonyID)
	case actionPong:
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	default:
		c.log.Warn("unknown client action", zap.String("action", cmd.Action))
	}
}

// sendError 发送错误消息给客户端
func (c *Client) sendError(errMsg string) {
	event := &Event{
		Type:      "error",
		Error:     errMsg,
		Timestamp: time.Now(),
	}
	data, err := json.Marshal(event)
	if err != nil {
		return
	}

	select {
	case c.send <- data:
	default:
		c.log.Warn("client channel blocked", zap.String("user_id", c.UserID))
	}
}

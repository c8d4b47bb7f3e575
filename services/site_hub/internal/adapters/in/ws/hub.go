package ws

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/EthanQC/fieldsync/pkg/protocol"
	"github.com/EthanQC/fieldsync/pkg/zlog"
	"github.com/EthanQC/fieldsync/services/site_hub/internal/domain/entity"
	"github.com/EthanQC/fieldsync/services/site_hub/internal/ports/in"
	"github.com/EthanQC/fieldsync/services/site_hub/internal/ports/out"
	"github.com/EthanQC/fieldsync/services/site_hub/pkg/jwt"
)

const (
	// 写超时
	writeWait = 10 * time.Second
	// Pong等待时间
	pongWait = 60 * time.Second
	// Ping周期（必须小于pongWait）
	pingPeriod = 30 * time.Second
	// 最大消息大小
	maxMessageSize = 64 * 1024
	// 发送缓冲
	sendBuffer = 256
)

var errSendBufferFull = errors.New("send buffer full")

// Client 一条现场终端连接
type Client struct {
	hub       *Hub
	conn      *websocket.Conn
	principal entity.Principal
	send      chan []byte
	done      chan struct{}
	closed    int32

	// 以下字段由 hub.mu 保护
	projects map[string]struct{}
	current  string
	threads  map[string]struct{}
}

// Send 非阻塞投递，缓冲满时丢弃
func (c *Client) Send(data []byte) error {
	if atomic.LoadInt32(&c.closed) == 1 {
		return errors.New("connection closed")
	}
	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return errors.New("connection closed")
	default:
		return errSendBufferFull
	}
}

// Close 关闭连接，重复调用安全
func (c *Client) Close() error {
	if !atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		return nil
	}
	close(c.done)
	return c.conn.Close()
}

func (c *Client) sendMsg(msg any) {
	data, err := protocol.Encode(msg)
	if err != nil {
		zap.L().Error("encode channel message", zap.Error(err))
		return
	}
	if err := c.Send(data); err != nil {
		zap.L().Warn("drop channel message", zap.String("user", c.principal.UserID), zap.Error(err))
	}
}

func (c *Client) sendError(text string) {
	c.sendMsg(protocol.ErrorMessage{Error: text})
}

// readPump 读取并处理客户端报文
func (c *Client) readPump() {
	defer c.hub.unregister(c)

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				zap.L().Warn("WebSocket error", zap.String("user", c.principal.UserID), zap.Error(err))
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.hub.handle(c, data)
	}
}

// writePump 写出队列中的报文并定时 ping
func (c *Client) writePump() {
	ticker := time.NewTicker(c.hub.pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case <-c.done:
			c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				zap.L().Warn("Write error", zap.String("user", c.principal.UserID), zap.Error(err))
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Hub 管理所有连接及其项目、会话订阅
type Hub struct {
	tokens   *jwt.Manager
	presence in.PresenceUseCase
	upgrader websocket.Upgrader
	gauge    prometheus.Gauge
	logger   *zap.Logger

	pingPeriod time.Duration

	mu       sync.RWMutex
	clients  map[*Client]struct{}
	projects map[string]map[*Client]struct{}
	threads  map[string]map[*Client]struct{}
}

var _ out.Broadcaster = (*Hub)(nil)

// NewHub 创建 hub；reg 为空时不注册连接数指标
func NewHub(tokens *jwt.Manager, reg prometheus.Registerer) *Hub {
	h := &Hub{
		tokens: tokens,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		gauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fieldsync_hub_connections",
			Help: "Open field channel connections.",
		}),
		logger:     zlog.Named("hub"),
		pingPeriod: pingPeriod,
		clients:    make(map[*Client]struct{}),
		projects:   make(map[string]map[*Client]struct{}),
		threads:    make(map[string]map[*Client]struct{}),
	}
	if reg != nil {
		reg.MustRegister(h.gauge)
	}
	return h
}

// SetPresence 订阅时用于下发当前在线人员；与 PresenceService 互相依赖，组装后注入
func (h *Hub) SetPresence(p in.PresenceUseCase) {
	h.presence = p
}

// bearer 从 Authorization 或 ?token= 取 token
func bearer(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if tok, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return strings.TrimSpace(tok)
		}
		return ""
	}
	return r.URL.Query().Get("token")
}

// ServeHTTP 鉴权后升级为 WebSocket
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	claims, err := h.tokens.Parse(bearer(r))
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade error", zap.Error(err))
		return
	}

	c := &Client{
		hub:       h,
		conn:      conn,
		principal: entity.Principal{UserID: claims.Subject, UserName: claims.UserName, Role: claims.Role},
		send:      make(chan []byte, sendBuffer),
		done:      make(chan struct{}),
		projects:  make(map[string]struct{}),
		threads:   make(map[string]struct{}),
	}
	h.register(c)

	go c.writePump()
	go c.readPump()
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.gauge.Set(float64(n))
	h.mu.Unlock()
	h.logger.Info("Connection registered", zap.String("user", c.principal.UserID), zap.Int("totalConns", n))
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	for p := range c.projects {
		removeMember(h.projects, p, c)
	}
	for t := range c.threads {
		removeMember(h.threads, t, c)
	}
	n := len(h.clients)
	h.gauge.Set(float64(n))
	h.mu.Unlock()

	c.Close()
	h.logger.Info("Connection unregistered", zap.String("user", c.principal.UserID), zap.Int("totalConns", n))
}

func addMember(idx map[string]map[*Client]struct{}, key string, c *Client) {
	set, ok := idx[key]
	if !ok {
		set = make(map[*Client]struct{})
		idx[key] = set
	}
	set[c] = struct{}{}
}

func removeMember(idx map[string]map[*Client]struct{}, key string, c *Client) {
	if set, ok := idx[key]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(idx, key)
		}
	}
}

func (h *Hub) handle(c *Client, data []byte) {
	msg, err := protocol.Decode(data)
	if err != nil {
		c.sendError(err.Error())
		return
	}

	switch m := msg.(type) {
	case protocol.Subscribe:
		h.subscribe(c, m)
	case protocol.JoinThread:
		h.mu.Lock()
		c.threads[m.ThreadID] = struct{}{}
		addMember(h.threads, m.ThreadID, c)
		h.mu.Unlock()
	case protocol.Typing:
		h.mu.RLock()
		_, joined := c.threads[m.ThreadID]
		h.mu.RUnlock()
		if !joined {
			c.sendError("join the thread before typing")
			return
		}
		m.UserID = c.principal.UserID
		m.UserName = c.principal.UserName
		h.ToThread(m.ThreadID, m, c.principal.UserID)
	default:
		c.sendError("unsupported message type from client")
	}
}

// subscribe 列表订阅累加；单项目订阅替换上一次的单项目订阅
func (h *Hub) subscribe(c *Client, m protocol.Subscribe) {
	var added []string

	h.mu.Lock()
	for _, p := range m.ProjectIDs {
		if p == "" {
			continue
		}
		if _, ok := c.projects[p]; !ok {
			added = append(added, p)
		}
		c.projects[p] = struct{}{}
		addMember(h.projects, p, c)
	}
	if m.ProjectID != "" && m.ProjectID != c.current {
		if prev := c.current; prev != "" && !contains(m.ProjectIDs, prev) {
			delete(c.projects, prev)
			removeMember(h.projects, prev, c)
		}
		c.current = m.ProjectID
		if _, ok := c.projects[m.ProjectID]; !ok {
			added = append(added, m.ProjectID)
		}
		c.projects[m.ProjectID] = struct{}{}
		addMember(h.projects, m.ProjectID, c)
	}
	h.mu.Unlock()

	if h.presence == nil {
		return
	}
	for _, p := range added {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		users, err := h.presence.ActiveUsers(ctx, p)
		cancel()
		if err != nil {
			h.logger.Warn("load active users", zap.String("project", p), zap.Error(err))
			continue
		}
		c.sendMsg(protocol.Users{Type: protocol.TypeActiveUsers, ProjectID: p, Users: users})
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func (h *Hub) fanout(set map[*Client]struct{}, msg any, exceptUserID string) {
	data, err := protocol.Encode(msg)
	if err != nil {
		h.logger.Error("encode broadcast", zap.Error(err))
		return
	}
	for c := range set {
		if exceptUserID != "" && c.principal.UserID == exceptUserID {
			continue
		}
		if err := c.Send(data); err != nil {
			h.logger.Warn("Failed to send message to user", zap.String("user", c.principal.UserID), zap.Error(err))
		}
	}
}

// ToProject 广播给项目订阅者
func (h *Hub) ToProject(projectID string, msg any) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	h.fanout(h.projects[projectID], msg, "")
}

// ToThread 广播给会话成员
func (h *Hub) ToThread(threadID string, msg any, exceptUserID string) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	h.fanout(h.threads[threadID], msg, exceptUserID)
}

// Subscriptions 用户所有连接订阅的项目
func (h *Hub) Subscriptions(userID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	seen := make(map[string]struct{})
	var out []string
	for c := range h.clients {
		if c.principal.UserID != userID {
			continue
		}
		for p := range c.projects {
			if _, ok := seen[p]; !ok {
				seen[p] = struct{}{}
				out = append(out, p)
			}
		}
	}
	return out
}

// Stats 连接统计
func (h *Hub) Stats() map[string]int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return map[string]int{
		"connections": len(h.clients),
		"projects":    len(h.projects),
		"threads":     len(h.threads),
	}
}

// Close 关闭所有连接
func (h *Hub) Close() {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()
	for _, c := range clients {
		c.Close()
	}
}

package application

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/EthanQC/fieldsync/pkg/protocol"
	"github.com/EthanQC/fieldsync/pkg/scheduler"
	"github.com/EthanQC/fieldsync/services/field_agent/internal/domain/channel"
	"github.com/EthanQC/fieldsync/services/field_agent/internal/domain/entity"
	"github.com/EthanQC/fieldsync/services/field_agent/internal/domain/errs"
	"github.com/EthanQC/fieldsync/services/field_agent/internal/ports/out"
)

// ChannelEvent 长连接对外事件：收到的报文或状态变化
type ChannelEvent struct {
	Type    protocol.MessageType // 报文类型，状态变化时为空
	Message any                  // protocol 包中的具体报文
	State   entity.ChannelState
	At      time.Time
}

// IsState 是否为状态变化事件
func (e ChannelEvent) IsState() bool {
	return e.Type == ""
}

// ChannelManagerConfig 长连接管理配置
type ChannelManagerConfig struct {
	UserID      string
	ProjectIDs  []string
	Backoff     channel.Backoff
	MaxRetries  int // 0 表示不限次数
	DialTimeout time.Duration
}

// ChannelManager 维护唯一一条长连接。所有状态只在 loop 协程中修改，
// 拨号结果、读到的报文、定时器到期都以带连接代号的事件投递回 loop，代号过期的事件直接丢弃
type ChannelManager struct {
	cfg     ChannelManagerConfig
	dialer  out.ChannelDialer
	tokens  out.TokenProvider
	sched   *scheduler.Scheduler
	metrics *Metrics
	machine *channel.Machine
	logger  *zap.Logger

	cmds    chan func()
	events  chan ChannelEvent
	done    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
	started bool

	// 以下字段只在 loop 协程访问
	conn       out.ChannelConn
	gen        uint64
	session    entity.ChannelSession
	retryTask  *scheduler.Task
	dialCancel context.CancelFunc

	snapMu sync.RWMutex
	snap   entity.ChannelSession

	subsMu sync.RWMutex
	subs   []func(ChannelEvent)
}

// NewChannelManager 创建长连接管理器
func NewChannelManager(cfg ChannelManagerConfig, dialer out.ChannelDialer, tokens out.TokenProvider, sched *scheduler.Scheduler, metrics *Metrics) *ChannelManager {
	if cfg.Backoff == nil {
		cfg.Backoff = channel.Flat{}
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	m := &ChannelManager{
		cfg:     cfg,
		dialer:  dialer,
		tokens:  tokens,
		sched:   sched,
		metrics: metrics,
		logger:  zap.L().Named("channel"),
		cmds:    make(chan func()),
		events:  make(chan ChannelEvent, 256),
		done:    make(chan struct{}),
	}
	m.machine = channel.NewMachine(func(from, to entity.ChannelState) {
		m.session.State = to
		m.metrics.setChannelState(to)
		m.logger.Info("channel state changed", zap.String("from", string(from)), zap.String("to", string(to)))
		m.emit(ChannelEvent{State: to, At: time.Now()}, true)
	})
	m.session = entity.ChannelSession{
		State:      entity.ChannelIdle,
		UserID:     cfg.UserID,
		ProjectIDs: append([]string(nil), cfg.ProjectIDs...),
	}
	m.snap = m.session
	metrics.setChannelState(entity.ChannelIdle)
	return m
}

// Start 启动事件循环
func (m *ChannelManager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return fmt.Errorf("channel manager already running")
	}
	m.running = true
	m.started = true
	m.wg.Add(2)
	go m.loop()
	go m.dispatch()
	return nil
}

// Stop 断开连接并退出事件循环
func (m *ChannelManager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.mu.Unlock()

	m.Disconnect()
	close(m.done)
	m.wg.Wait()
}

// Subscribe 注册事件回调，回调在独立的分发协程中串行执行
func (m *ChannelManager) Subscribe(fn func(ChannelEvent)) {
	m.subsMu.Lock()
	m.subs = append(m.subs, fn)
	m.subsMu.Unlock()
}

// Session 当前会话快照
func (m *ChannelManager) Session() entity.ChannelSession {
	m.snapMu.RLock()
	defer m.snapMu.RUnlock()
	s := m.snap
	s.ProjectIDs = append([]string(nil), m.snap.ProjectIDs...)
	return s
}

// State 当前状态
func (m *ChannelManager) State() entity.ChannelState {
	return m.machine.State()
}

// Connect 建立连接；connecting/connected 时为空操作，等待重连时立即拨号
func (m *ChannelManager) Connect(ctx context.Context) error {
	return m.call(ctx, func() error {
		switch m.machine.State() {
		case entity.ChannelConnecting, entity.ChannelConnected:
			return nil
		}
		m.session.ShouldReconnect = true
		m.cancelRetry()
		m.session.RetryCount = 0
		m.session.LastError = ""
		if _, err := m.machine.Fire(channel.EventConnect); err != nil {
			return err
		}
		m.startDial()
		return nil
	})
}

// Disconnect 主动断开：先清除重连标记再关闭连接，因此关闭事件不会触发重连
func (m *ChannelManager) Disconnect() {
	_ = m.call(context.Background(), func() error {
		m.session.ShouldReconnect = false
		m.cancelRetry()
		m.teardownConn()
		_, _ = m.machine.Fire(channel.EventDisconnect)
		m.session.RetryCount = 0
		m.session.NextRetryAt = time.Time{}
		return nil
	})
}

// Send 仅在 connected 时发送，否则返回 errs.ErrNotConnected，不排队
func (m *ChannelManager) Send(msg any) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	return m.call(context.Background(), func() error {
		return m.write(data)
	})
}

// SelectProject 记录当前项目，已连接时重新发送订阅
func (m *ChannelManager) SelectProject(projectID string) {
	_ = m.call(context.Background(), func() error {
		m.session.SubscribedProjectID = projectID
		if m.machine.State() != entity.ChannelConnected || projectID == "" {
			return nil
		}
		if err := m.writeMsg(protocol.Subscribe{ProjectID: projectID}); err != nil {
			m.logger.Warn("resubscribe failed", zap.String("projectId", projectID), zap.Error(err))
		}
		return nil
	})
}

// JoinThread 加入会话
func (m *ChannelManager) JoinThread(threadID string) error {
	if threadID == "" {
		return errors.New("thread id is empty")
	}
	return m.Send(protocol.JoinThread{ThreadID: threadID})
}

// OnConnectivity 网络从离线恢复且处于 disconnected 时立即重连并重置退避
func (m *ChannelManager) OnConnectivity(tr entity.Transition) {
	if !tr.CameOnline() {
		return
	}
	m.post(func() {
		if m.machine.State() != entity.ChannelDisconnected || !m.session.ShouldReconnect {
			return
		}
		m.logger.Info("network back online, reconnecting now")
		m.cancelRetry()
		m.session.RetryCount = 0
		if _, err := m.machine.Fire(channel.EventConnect); err != nil {
			return
		}
		m.startDial()
	})
}

// loop 唯一修改会话状态的协程
func (m *ChannelManager) loop() {
	defer m.wg.Done()
	for {
		select {
		case fn := <-m.cmds:
			fn()
			m.publishSnapshot()
		case <-m.done:
			m.teardownConn()
			m.cancelRetry()
			return
		}
	}
}

// dispatch 串行执行订阅回调
func (m *ChannelManager) dispatch() {
	defer m.wg.Done()
	for {
		select {
		case ev := <-m.events:
			m.subsMu.RLock()
			subs := slices.Clone(m.subs)
			m.subsMu.RUnlock()
			for _, fn := range subs {
				fn(ev)
			}
		case <-m.done:
			return
		}
	}
}

// post 把函数投递到 loop，loop 未启动或已退出时返回 false
func (m *ChannelManager) post(fn func()) bool {
	return m.postCtx(context.Background(), fn) == nil
}

func (m *ChannelManager) postCtx(ctx context.Context, fn func()) error {
	m.mu.Lock()
	started := m.started
	m.mu.Unlock()
	if !started {
		return fmt.Errorf("%w: channel manager not started", errs.ErrNotConnected)
	}
	select {
	case m.cmds <- fn:
		return nil
	case <-m.done:
		return errs.ErrNotConnected
	case <-ctx.Done():
		return ctx.Err()
	}
}

// call 在 loop 中执行 fn 并等待结果
func (m *ChannelManager) call(ctx context.Context, fn func() error) error {
	reply := make(chan error, 1)
	if err := m.postCtx(ctx, func() { reply <- fn() }); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *ChannelManager) emit(ev ChannelEvent, mustDeliver bool) {
	if mustDeliver {
		select {
		case m.events <- ev:
		case <-m.done:
		}
		return
	}
	select {
	case m.events <- ev:
	default:
		m.logger.Warn("channel event dropped, subscribers too slow", zap.String("type", string(ev.Type)))
	}
}

func (m *ChannelManager) publishSnapshot() {
	m.snapMu.Lock()
	m.snap = m.session
	m.snap.ProjectIDs = append([]string(nil), m.session.ProjectIDs...)
	m.snapMu.Unlock()
}

// startDial 以新的连接代号异步拨号
func (m *ChannelManager) startDial() {
	m.gen++
	gen := m.gen
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.DialTimeout)
	m.dialCancel = cancel

	go func() {
		defer cancel()
		conn, err := m.dial(ctx)
		if !m.post(func() { m.onDialResult(gen, conn, err) }) && conn != nil {
			_ = conn.Close()
		}
	}()
}

func (m *ChannelManager) dial(ctx context.Context) (out.ChannelConn, error) {
	header := http.Header{}
	if m.tokens != nil {
		token, err := m.tokens.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("fetch token: %w", err)
		}
		if token != "" {
			header.Set("Authorization", "Bearer "+token)
		}
	}
	header.Set(protocol.HeaderUserID, m.cfg.UserID)
	return m.dialer.Dial(ctx, header)
}

func (m *ChannelManager) onDialResult(gen uint64, conn out.ChannelConn, err error) {
	if gen != m.gen || m.machine.State() != entity.ChannelConnecting {
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	m.dialCancel = nil

	if err != nil {
		m.session.LastError = err.Error()
		m.logger.Warn("channel dial failed", zap.Int("retryCount", m.session.RetryCount), zap.Error(err))
		_, _ = m.machine.Fire(channel.EventDialFailed)
		m.scheduleReconnect()
		return
	}

	m.conn = conn
	m.session.RetryCount = 0
	m.session.LastError = ""
	m.session.NextRetryAt = time.Time{}
	m.session.ConnectedAt = time.Now()
	_, _ = m.machine.Fire(channel.EventOpened)

	if err := m.writeMsg(protocol.Subscribe{UserID: m.cfg.UserID, ProjectIDs: m.session.ProjectIDs}); err != nil {
		m.logger.Warn("subscribe failed", zap.Error(err))
		return
	}
	if p := m.session.SubscribedProjectID; p != "" {
		if err := m.writeMsg(protocol.Subscribe{ProjectID: p}); err != nil {
			m.logger.Warn("project subscribe failed", zap.Error(err))
			return
		}
	}

	m.wg.Add(1)
	go m.readLoop(gen, conn)
}

// readLoop 每条连接一个读协程，读到的内容全部交回 loop 处理
func (m *ChannelManager) readLoop(gen uint64, conn out.ChannelConn) {
	defer m.wg.Done()
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			m.post(func() { m.onClosed(gen, err) })
			return
		}
		if !m.post(func() { m.onMessage(gen, data) }) {
			return
		}
	}
}

func (m *ChannelManager) onMessage(gen uint64, data []byte) {
	if gen != m.gen {
		return
	}
	msg, err := protocol.Decode(data)
	if err != nil {
		m.metrics.incMalformed()
		m.logger.Warn("drop malformed channel message",
			zap.Error(fmt.Errorf("%w: %v", errs.ErrMalformedMessage, err)),
			zap.Int("size", len(data)))
		return
	}
	var typ protocol.MessageType
	switch v := msg.(type) {
	case protocol.Users:
		typ = v.Type
	case protocol.UserLeft:
		typ = protocol.TypeUserLeft
	case protocol.ThreadMessage:
		typ = protocol.TypeMessageNew
	case protocol.Typing:
		typ = protocol.TypeMessageTyping
	case protocol.EmergencyAlert:
		typ = protocol.TypeEmergencyAlert
	case protocol.ErrorMessage:
		m.logger.Warn("server reported channel error", zap.String("error", v.Error))
		return
	default:
		m.metrics.incMalformed()
		m.logger.Warn("drop unexpected channel message", zap.String("type", fmt.Sprintf("%T", msg)))
		return
	}
	m.emit(ChannelEvent{Type: typ, Message: msg, At: time.Now()}, false)
}

func (m *ChannelManager) onClosed(gen uint64, err error) {
	if gen != m.gen {
		return
	}
	m.teardownConn()
	if m.machine.State() != entity.ChannelConnected {
		return
	}
	if err != nil {
		m.session.LastError = err.Error()
	}
	m.logger.Warn("channel closed", zap.Error(err))
	_, _ = m.machine.Fire(channel.EventClosed)
	m.scheduleReconnect()
}

// scheduleReconnect 每次关闭至多安排一个重连定时器
func (m *ChannelManager) scheduleReconnect() {
	if !m.session.ShouldReconnect || m.retryTask != nil {
		return
	}
	if m.cfg.MaxRetries > 0 && m.session.RetryCount >= m.cfg.MaxRetries {
		m.session.LastError = errs.ErrRetriesExhausted.Error()
		m.session.NextRetryAt = time.Time{}
		m.logger.Error("channel reconnect retries exhausted", zap.Int("maxRetries", m.cfg.MaxRetries))
		return
	}

	m.session.RetryCount++
	delay := m.cfg.Backoff.Delay(m.session.RetryCount)
	m.session.NextRetryAt = time.Now().Add(delay)
	m.metrics.incReconnect()

	var task *scheduler.Task
	task = m.sched.After(delay, func() {
		m.post(func() {
			if m.retryTask != task {
				return
			}
			m.retryTask = nil
			m.session.NextRetryAt = time.Time{}
			if _, err := m.machine.Fire(channel.EventRetry); err != nil {
				return
			}
			m.startDial()
		})
	})
	m.retryTask = task
	m.logger.Info("channel reconnect scheduled", zap.Int("attempt", m.session.RetryCount), zap.Duration("delay", delay))
}

func (m *ChannelManager) cancelRetry() {
	if m.retryTask != nil {
		m.retryTask.Cancel()
		m.retryTask = nil
	}
	m.session.NextRetryAt = time.Time{}
}

// teardownConn 作废当前代号并关闭连接与在途拨号
func (m *ChannelManager) teardownConn() {
	m.gen++
	if m.dialCancel != nil {
		m.dialCancel()
		m.dialCancel = nil
	}
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
}

func (m *ChannelManager) writeMsg(msg any) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	return m.write(data)
}

func (m *ChannelManager) write(data []byte) error {
	if m.machine.State() != entity.ChannelConnected || m.conn == nil {
		return errs.ErrNotConnected
	}
	if err := m.conn.WriteMessage(data); err != nil {
		m.onClosed(m.gen, err)
		return fmt.Errorf("%w: %v", errs.ErrTransientNetwork, err)
	}
	return nil
}

// ChannelURL 在拨号地址上附加 user_id 查询参数，供会丢弃请求头的代理使用
func ChannelURL(raw, userID string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("user_id", userID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

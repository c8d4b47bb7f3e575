package application

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/EthanQC/fieldsync/pkg/protocol"
	"github.com/EthanQC/fieldsync/services/field_agent/internal/domain/entity"
	"github.com/EthanQC/fieldsync/services/field_agent/internal/domain/roster"
)

// SelfIdentity 本机用户
type SelfIdentity struct {
	UserID   string
	UserName string
	Role     protocol.Role
}

// AggregatorConfig 名册配置
type AggregatorConfig struct {
	Self          SelfIdentity
	StaleAfter    time.Duration
	SweepInterval time.Duration
	// SelfAlive 返回 true 时本机条目不因过期被清理，通常为采样器是否在运行
	SelfAlive func() bool
}

// Aggregator 按项目维护在线人员名册
type Aggregator struct {
	cfg    AggregatorConfig
	logger *zap.Logger

	mu      sync.RWMutex
	rosters map[string]roster.Roster
	current string

	runMu   sync.Mutex
	stop    chan struct{}
	running bool
	wg      sync.WaitGroup
}

// NewAggregator 创建名册聚合器
func NewAggregator(cfg AggregatorConfig) *Aggregator {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = roster.DefaultStaleAfter
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 30 * time.Second
	}
	return &Aggregator{
		cfg:     cfg,
		logger:  zap.L().Named("aggregator"),
		rosters: make(map[string]roster.Roster),
	}
}

// Start 启动过期清理
func (a *Aggregator) Start() error {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	if a.running {
		return fmt.Errorf("aggregator already running")
	}
	a.running = true
	a.stop = make(chan struct{})

	a.wg.Add(1)
	go func(stop chan struct{}) {
		defer a.wg.Done()
		ticker := time.NewTicker(a.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case now := <-ticker.C:
				a.Sweep(now)
			}
		}
	}(a.stop)
	return nil
}

// Stop 停止清理
func (a *Aggregator) Stop() {
	a.runMu.Lock()
	if !a.running {
		a.runMu.Unlock()
		return
	}
	a.running = false
	close(a.stop)
	a.runMu.Unlock()
	a.wg.Wait()
}

// SelectProject 切换当前项目
func (a *Aggregator) SelectProject(projectID string) {
	a.mu.Lock()
	a.current = projectID
	a.mu.Unlock()
}

// HandleChannelEvent 处理长连接事件；连接建立时清空名册（保留本机条目），随后由 active_users 重建
func (a *Aggregator) HandleChannelEvent(ev ChannelEvent) {
	if ev.IsState() {
		if ev.State == entity.ChannelConnected {
			a.mu.Lock()
			rebuilt := make(map[string]roster.Roster)
			for p, r := range a.rosters {
				if self, ok := r[a.cfg.Self.UserID]; ok {
					rebuilt[p] = roster.Merge(nil, self)
				}
			}
			a.rosters = rebuilt
			a.mu.Unlock()
			a.logger.Debug("roster cleared for rebuild")
		}
		return
	}

	switch msg := ev.Message.(type) {
	case protocol.Users:
		a.Apply(msg.ProjectID, msg.Users, ev.At)
	case protocol.UserLeft:
		a.Leave(msg.ProjectID, msg.UserID)
	}
}

// Apply 合并一批位置更新，缺少 lastUpdated 的条目以接收时间补齐
func (a *Aggregator) Apply(projectID string, users []entity.ActiveUser, receivedAt time.Time) {
	if receivedAt.IsZero() {
		receivedAt = time.Now()
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	grouped := make(map[string][]entity.ActiveUser)
	for _, u := range users {
		if u.LastUpdated.IsZero() {
			u.LastUpdated = receivedAt
		}
		p := u.ProjectID
		if p == "" {
			p = projectID
		}
		if p == "" {
			p = a.current
		}
		u.ProjectID = p
		grouped[p] = append(grouped[p], u)
	}
	for p, batch := range grouped {
		a.rosters[p] = roster.Merge(a.rosters[p], batch...)
	}
}

// Leave 立即移除；projectID 为空时从所有项目移除
func (a *Aggregator) Leave(projectID, userID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for p, r := range a.rosters {
		if projectID == "" || p == projectID {
			a.rosters[p] = roster.Remove(r, userID)
		}
	}
}

// SetSelf 把本机读数作为自己的条目写入当前项目
func (a *Aggregator) SetSelf(reading entity.GeoReading) {
	if !reading.Valid() || a.cfg.Self.UserID == "" {
		return
	}
	u := entity.ActiveUser{
		UserID:      a.cfg.Self.UserID,
		UserName:    a.cfg.Self.UserName,
		Role:        a.cfg.Self.Role,
		Coordinates: *reading.Coordinates,
		Accuracy:    reading.Accuracy,
		LastUpdated: reading.CapturedAt,
	}
	a.mu.RLock()
	project := a.current
	a.mu.RUnlock()
	a.Apply(project, []entity.ActiveUser{u}, reading.CapturedAt)
}

// Sweep 清理过期条目；采样器运行期间本机条目一直保留
func (a *Aggregator) Sweep(now time.Time) []string {
	keepSelf := a.cfg.Self.UserID != "" && a.cfg.SelfAlive != nil && a.cfg.SelfAlive()

	a.mu.Lock()
	defer a.mu.Unlock()
	var all []string
	for p, r := range a.rosters {
		self, hasSelf := r[a.cfg.Self.UserID]
		pruned, removed := roster.Prune(r, now, a.cfg.StaleAfter)
		if keepSelf && hasSelf {
			if _, ok := pruned[self.UserID]; !ok {
				pruned[self.UserID] = self
				removed = slices.DeleteFunc(removed, func(id string) bool { return id == self.UserID })
			}
		}
		a.rosters[p] = pruned
		if len(removed) > 0 {
			a.logger.Debug("stale users pruned", zap.String("projectId", p), zap.Strings("userIds", removed))
			all = append(all, removed...)
		}
	}
	return all
}

// Rows 项目名册视图，projectID 为空时使用当前项目
func (a *Aggregator) Rows(projectID string, now time.Time) []entity.RosterRow {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if projectID == "" {
		projectID = a.current
	}
	return roster.View(a.rosters[projectID], now, a.cfg.Self.UserID)
}

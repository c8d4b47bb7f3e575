package application

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/EthanQC/fieldsync/pkg/scheduler"
	"github.com/EthanQC/fieldsync/services/field_agent/internal/domain/entity"
	"github.com/EthanQC/fieldsync/services/field_agent/internal/ports/in"
	"github.com/EthanQC/fieldsync/services/field_agent/internal/ports/out"
)

// AgentConfig 组装参数
type AgentConfig struct {
	Self         SelfIdentity
	ProjectIDs   []string
	Channel      ChannelManagerConfig
	Sampler      SamplerConfig
	Aggregator   AggregatorConfig
	Prober       ProberConfig
	SyncInterval time.Duration
	Heartbeat    time.Duration
	RESTTimeout  time.Duration
}

// AgentPorts 外部依赖
type AgentPorts struct {
	Dialer   out.ChannelDialer
	Tokens   out.TokenProvider
	Position out.PositionSource
	Health   out.HealthChecker
	Store    out.QueueStore
	Replayer out.Replayer
	Backend  out.Backend
}

// Agent 把各组件连接起来：探测结果驱动重连与补发，定位读数驱动自身条目与位置上报
type Agent struct {
	Channel     *ChannelManager
	Sampler     *Sampler
	Aggregator  *Aggregator
	Prober      *Prober
	Queue       *OfflineQueue
	Sync        *SyncCoordinator
	Broadcaster *PresenceBroadcaster
	Reporter    *FieldReporter

	backend out.Backend
	timeout time.Duration
	logger  *zap.Logger
}

var _ in.AgentUseCase = (*Agent)(nil)

// NewAgent 创建并连接所有组件
func NewAgent(cfg AgentConfig, ports AgentPorts, sched *scheduler.Scheduler, metrics *Metrics) *Agent {
	if cfg.Channel.UserID == "" {
		cfg.Channel.UserID = cfg.Self.UserID
	}
	if len(cfg.Channel.ProjectIDs) == 0 {
		cfg.Channel.ProjectIDs = cfg.ProjectIDs
	}
	cfg.Aggregator.Self = cfg.Self

	a := &Agent{
		backend: ports.Backend,
		timeout: cfg.RESTTimeout,
		logger:  zap.L().Named("agent"),
	}
	if a.timeout <= 0 {
		a.timeout = 10 * time.Second
	}

	a.Channel = NewChannelManager(cfg.Channel, ports.Dialer, ports.Tokens, sched, metrics)
	a.Sampler = NewSampler(cfg.Sampler, ports.Position)
	cfg.Aggregator.SelfAlive = a.Sampler.Running
	a.Aggregator = NewAggregator(cfg.Aggregator)
	a.Prober = NewProber(cfg.Prober, ports.Health, metrics)
	a.Queue = NewOfflineQueue(ports.Store, metrics)
	a.Sync = NewSyncCoordinator(a.Queue, ports.Replayer, a.Prober.State, cfg.SyncInterval, metrics)

	project := func() string { return a.Channel.Session().SubscribedProjectID }
	a.Broadcaster = NewPresenceBroadcaster(cfg.Self, cfg.Heartbeat, a.timeout, ports.Backend, a.Sampler.Latest, a.Prober.State, project)
	a.Reporter = NewFieldReporter(a.Queue, a.Sync, ports.Backend, ports.Tokens, a.Sampler.Latest, a.Prober.State, project, a.timeout)

	a.Channel.Subscribe(a.Aggregator.HandleChannelEvent)
	a.Sampler.Subscribe(a.Aggregator.SetSelf)
	a.Sampler.Subscribe(a.Broadcaster.OnReading)
	a.Prober.Subscribe(a.Channel.OnConnectivity)
	a.Prober.Subscribe(a.Sync.OnTransition)
	return a
}

// Start 依次启动各组件并建立长连接
func (a *Agent) Start(ctx context.Context) error {
	starters := []func() error{
		a.Queue.Start,
		a.Channel.Start,
		a.Aggregator.Start,
		a.Sync.Start,
		a.Prober.Start,
		a.Sampler.Start,
		a.Broadcaster.Start,
	}
	for _, start := range starters {
		if err := start(); err != nil {
			a.Stop()
			return err
		}
	}
	if err := a.Channel.Connect(ctx); err != nil {
		a.Stop()
		return err
	}
	a.logger.Info("field agent started")
	return nil
}

// Stop 逆序停止
func (a *Agent) Stop() {
	a.Broadcaster.Stop()
	a.Sampler.Stop()
	a.Prober.Stop()
	a.Sync.Stop()
	a.Aggregator.Stop()
	a.Channel.Stop()
	a.Queue.Stop()
	a.logger.Info("field agent stopped")
}

// Status 可达性与长连接状态分开上报
func (a *Agent) Status(ctx context.Context) entity.Status {
	st := entity.Status{
		Connectivity: a.Prober.State(),
		Channel:      a.Channel.Session(),
		LastFlush:    a.Sync.LastResult(),
	}
	if err := a.Prober.LastError(); err != nil {
		st.ConnectivityError = err.Error()
	}
	if n, err := a.Queue.Len(ctx); err == nil {
		st.Pending = n
	} else {
		a.logger.Warn("read pending count failed", zap.Error(err))
	}
	if loc := a.Sampler.Latest(); loc.Valid() || loc.Err != nil {
		st.Location = &loc
		st.LocationError = loc.ErrString()
	}
	return st
}

// Roster 项目名册
func (a *Agent) Roster(projectID string) []entity.RosterRow {
	return a.Aggregator.Rows(projectID, time.Now())
}

// Pending 待补发条目
func (a *Agent) Pending(ctx context.Context) ([]entity.Submission, error) {
	return a.Queue.Pending(ctx)
}

// SyncNow 立即补发
func (a *Agent) SyncNow(ctx context.Context) (entity.FlushResult, error) {
	return a.Sync.SyncNow(ctx)
}

// SubmitField 现场上报
func (a *Agent) SubmitField(ctx context.Context, r in.FieldReport) (string, error) {
	return a.Reporter.Submit(ctx, r)
}

// EmergencyAlert 紧急告警
func (a *Agent) EmergencyAlert(ctx context.Context, message string) error {
	return a.Reporter.EmergencyAlert(ctx, message)
}

// SelectProject 切换项目：重新订阅，并用 REST 拉取一次当前在线人员作为初始名册
func (a *Agent) SelectProject(projectID string) {
	a.Aggregator.SelectProject(projectID)
	a.Channel.SelectProject(projectID)
	if projectID == "" || a.Prober.State() == entity.ConnOffline {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		defer cancel()
		users, err := a.backend.ActiveUsers(ctx, projectID)
		if err != nil {
			a.logger.Debug("seed roster failed", zap.String("projectId", projectID), zap.Error(err))
			return
		}
		a.Aggregator.Apply(projectID, users, time.Now())
	}()
}

// JoinThread 加入会话
func (a *Agent) JoinThread(threadID string) error {
	return a.Channel.JoinThread(threadID)
}

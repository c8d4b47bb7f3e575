package application

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/EthanQC/fieldsync/services/field_agent/internal/domain/entity"
	"github.com/EthanQC/fieldsync/services/field_agent/internal/domain/errs"
	"github.com/EthanQC/fieldsync/services/field_agent/internal/ports/out"
)

// ProberConfig 探测配置
type ProberConfig struct {
	Interval time.Duration
	Timeout  time.Duration
}

// Prober 周期探测后端健康；第一次结果只建立状态，之后只在状态变化时通知
type Prober struct {
	cfg     ProberConfig
	checker out.HealthChecker
	metrics *Metrics
	logger  *zap.Logger

	mu       sync.RWMutex
	state    entity.Connectivity
	lastErr  error
	observed bool

	subsMu sync.RWMutex
	subs   []func(entity.Transition)

	runMu   sync.Mutex
	cancel  context.CancelFunc
	running bool
	wg      sync.WaitGroup
}

// NewProber 创建探测器
func NewProber(cfg ProberConfig, checker out.HealthChecker, metrics *Metrics) *Prober {
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 4 * time.Second
	}
	metrics.setConnectivity(entity.ConnUnknown)
	return &Prober{
		cfg:     cfg,
		checker: checker,
		metrics: metrics,
		logger:  zap.L().Named("prober"),
		state:   entity.ConnUnknown,
	}
}

// Subscribe 注册状态变化回调
func (p *Prober) Subscribe(fn func(entity.Transition)) {
	p.subsMu.Lock()
	p.subs = append(p.subs, fn)
	p.subsMu.Unlock()
}

// Start 立即探测一次，之后按间隔探测
func (p *Prober) Start() error {
	p.runMu.Lock()
	defer p.runMu.Unlock()
	if p.running {
		return fmt.Errorf("prober already running")
	}
	p.running = true
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.Probe(ctx)
		ticker := time.NewTicker(p.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.Probe(ctx)
			}
		}
	}()
	return nil
}

// Stop 停止探测
func (p *Prober) Stop() {
	p.runMu.Lock()
	if !p.running {
		p.runMu.Unlock()
		return
	}
	p.running = false
	p.cancel()
	p.runMu.Unlock()
	p.wg.Wait()
}

// Probe 执行一次探测并返回分类结果
func (p *Prober) Probe(ctx context.Context) entity.Connectivity {
	cctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	err := p.checker.Check(cctx)
	cancel()
	if ctx.Err() != nil {
		return p.State()
	}

	to := classify(err)
	p.observe(to, err)
	return to
}

// State 最近一次分类
func (p *Prober) State() entity.Connectivity {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

// LastError 最近一次探测错误
func (p *Prober) LastError() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastErr
}

func classify(err error) entity.Connectivity {
	switch {
	case err == nil:
		return entity.ConnOnline
	case errors.Is(err, errs.ErrDegraded):
		return entity.ConnDegraded
	default:
		return entity.ConnOffline
	}
}

func (p *Prober) observe(to entity.Connectivity, err error) {
	p.mu.Lock()
	from := p.state
	first := !p.observed
	p.state = to
	p.lastErr = err
	p.observed = true
	p.mu.Unlock()

	p.metrics.setConnectivity(to)
	if first {
		p.logger.Info("connectivity established", zap.String("state", string(to)), zap.Error(err))
		return
	}
	if from == to {
		return
	}

	tr := entity.Transition{From: from, To: to, At: time.Now(), Err: err}
	p.logger.Info("connectivity changed", zap.String("from", string(from)), zap.String("to", string(to)), zap.Error(err))

	p.subsMu.RLock()
	subs := slices.Clone(p.subs)
	p.subsMu.RUnlock()
	for _, fn := range subs {
		fn(tr)
	}
}

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

// SamplerConfig 采样配置
type SamplerConfig struct {
	Mode         entity.SamplerMode
	Interval     time.Duration
	Timeout      time.Duration
	MaxCachedAge time.Duration
	HighAccuracy bool
}

// Sampler 定位采样器，维护最新读数；失败时保留上一次成功的坐标
type Sampler struct {
	cfg    SamplerConfig
	source out.PositionSource
	logger *zap.Logger

	mu      sync.RWMutex
	latest  entity.GeoReading
	gen     uint64
	cancel  context.CancelFunc
	running bool
	wg      sync.WaitGroup

	subsMu sync.RWMutex
	subs   []func(entity.GeoReading)
}

// NewSampler 创建采样器
func NewSampler(cfg SamplerConfig, source out.PositionSource) *Sampler {
	if cfg.Mode == "" {
		cfg.Mode = entity.ModeInterval
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Minute
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Sampler{cfg: cfg, source: source, logger: zap.L().Named("sampler")}
}

// Subscribe 每次成功定位后回调
func (s *Sampler) Subscribe(fn func(entity.GeoReading)) {
	s.subsMu.Lock()
	s.subs = append(s.subs, fn)
	s.subsMu.Unlock()
}

// Start 开始采样，立即获取一次定位
func (s *Sampler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("sampler already running")
	}
	s.running = true
	s.gen++
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.wg.Add(1)
	go s.run(ctx, s.gen)
	s.logger.Info("sampler started", zap.String("mode", string(s.cfg.Mode)), zap.Duration("interval", s.cfg.Interval))
	return nil
}

// Stop 停止采样，之后到达的回调全部丢弃
func (s *Sampler) Stop() {
	s.mu.Lock()
	s.gen++
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.running = false
	s.mu.Unlock()
	s.wg.Wait()
}

// Running 是否在采样
func (s *Sampler) Running() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Latest 最新读数
func (s *Sampler) Latest() entity.GeoReading {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latest
}

func (s *Sampler) options() out.PositionOptions {
	return out.PositionOptions{HighAccuracy: s.cfg.HighAccuracy, Timeout: s.cfg.Timeout}
}

func (s *Sampler) run(ctx context.Context, gen uint64) {
	defer s.wg.Done()

	if !s.acquire(ctx, gen) {
		return
	}

	if s.cfg.Mode == entity.ModeContinuous {
		err := s.source.Watch(ctx, s.options(), func(pos entity.Position, err error) {
			if !s.record(gen, pos, err) {
				s.halt(gen)
			}
		})
		if err != nil && ctx.Err() == nil {
			s.record(gen, entity.Position{}, err)
		}
		return
	}

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !s.acquire(ctx, gen) {
				return
			}
		}
	}
}

// acquire 获取一次定位，返回 false 表示应停止采样
func (s *Sampler) acquire(ctx context.Context, gen uint64) bool {
	if s.cfg.MaxCachedAge > 0 {
		cur := s.Latest()
		if cur.Valid() && cur.Err == nil && time.Since(cur.CapturedAt) < s.cfg.MaxCachedAge {
			return true
		}
	}

	cctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	pos, err := s.source.Current(cctx, s.options())
	cancel()
	if err != nil && ctx.Err() != nil {
		return false
	}
	if !s.record(gen, pos, err) {
		s.halt(gen)
		return false
	}
	return true
}

// record 记录结果，返回 false 表示权限被拒绝
func (s *Sampler) record(gen uint64, pos entity.Position, err error) bool {
	if err != nil {
		err = classifyPositionErr(err)
	}

	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return true
	}
	if err != nil {
		s.latest.Err = err
	} else {
		coords := pos.Coordinates
		acc := pos.Accuracy
		s.latest = entity.GeoReading{Coordinates: &coords, Accuracy: &acc, CapturedAt: time.Now()}
	}
	reading := s.latest
	s.mu.Unlock()

	if err != nil {
		s.logger.Warn("position acquisition failed", zap.Error(err))
		return !errors.Is(err, errs.ErrPermissionDenied)
	}

	s.subsMu.RLock()
	subs := slices.Clone(s.subs)
	s.subsMu.RUnlock()
	for _, fn := range subs {
		fn(reading)
	}
	return true
}

// halt 权限被拒绝后停止采样，不自动重试
func (s *Sampler) halt(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen {
		return
	}
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.running = false
	s.logger.Error("location permission denied, sampler stopped")
}

func classifyPositionErr(err error) error {
	switch {
	case errors.Is(err, errs.ErrPermissionDenied),
		errors.Is(err, errs.ErrPositionTimeout),
		errors.Is(err, errs.ErrPositionUnavail):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", errs.ErrPositionTimeout, err)
	default:
		return fmt.Errorf("%w: %v", errs.ErrPositionUnavail, err)
	}
}

package application

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/EthanQC/fieldsync/services/field_agent/internal/domain/entity"
	"github.com/EthanQC/fieldsync/services/field_agent/internal/ports/out"
)

// SyncCoordinator 离线队列补发协调。单协程执行，补发不会重叠；
// 补发期间到达的触发合并为一次后续补发
type SyncCoordinator struct {
	queue        *OfflineQueue
	replayer     out.Replayer
	connectivity func() entity.Connectivity
	interval     time.Duration
	metrics      *Metrics
	logger       *zap.Logger

	mu      sync.Mutex
	pending bool
	reason  entity.FlushReason
	waiters []chan entity.FlushResult
	last    *entity.FlushResult
	wake    chan struct{}

	runMu   sync.Mutex
	cancel  context.CancelFunc
	running bool
	wg      sync.WaitGroup
}

// NewSyncCoordinator 创建补发协调器；connectivity 为 nil 时周期补发从不跳过
func NewSyncCoordinator(queue *OfflineQueue, replayer out.Replayer, connectivity func() entity.Connectivity, interval time.Duration, metrics *Metrics) *SyncCoordinator {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	return &SyncCoordinator{
		queue:        queue,
		replayer:     replayer,
		connectivity: connectivity,
		interval:     interval,
		metrics:      metrics,
		logger:       zap.L().Named("sync"),
		wake:         make(chan struct{}, 1),
	}
}

// Start 启动协调协程
func (c *SyncCoordinator) Start() error {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if c.running {
		return fmt.Errorf("sync coordinator already running")
	}
	c.running = true
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	c.wg.Add(1)
	go c.run(ctx)
	return nil
}

// Stop 停止协调协程，正在进行的补发会被取消
func (c *SyncCoordinator) Stop() {
	c.runMu.Lock()
	if !c.running {
		c.runMu.Unlock()
		return
	}
	c.running = false
	c.cancel()
	c.runMu.Unlock()
	c.wg.Wait()

	c.mu.Lock()
	for _, w := range c.waiters {
		close(w)
	}
	c.waiters = nil
	c.mu.Unlock()
}

// OnTransition 从离线恢复在线时触发补发
func (c *SyncCoordinator) OnTransition(tr entity.Transition) {
	if tr.CameOnline() {
		c.Trigger(entity.ReasonOnline)
	}
}

// Trigger 请求一次补发，不等待结果
func (c *SyncCoordinator) Trigger(reason entity.FlushReason) {
	c.mu.Lock()
	c.pending = true
	if c.reason == "" {
		c.reason = reason
	}
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// SyncNow 请求补发并等待本次（或合并后的）结果
func (c *SyncCoordinator) SyncNow(ctx context.Context) (entity.FlushResult, error) {
	w := make(chan entity.FlushResult, 1)
	c.mu.Lock()
	c.waiters = append(c.waiters, w)
	c.mu.Unlock()
	c.Trigger(entity.ReasonManual)

	select {
	case res, ok := <-w:
		if !ok {
			return entity.FlushResult{}, fmt.Errorf("sync coordinator stopped")
		}
		return res, nil
	case <-ctx.Done():
		return entity.FlushResult{}, ctx.Err()
	}
}

// LastResult 最近一次补发结果
func (c *SyncCoordinator) LastResult() *entity.FlushResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.last == nil {
		return nil
	}
	r := *c.last
	return &r
}

func (c *SyncCoordinator) run(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.wake:
			c.mu.Lock()
			if !c.pending {
				c.mu.Unlock()
				continue
			}
			reason, waiters := c.reason, c.waiters
			c.pending, c.reason, c.waiters = false, "", nil
			c.mu.Unlock()

			res := c.flush(ctx, reason)
			for _, w := range waiters {
				w <- res
			}
		case <-ticker.C:
			if c.connectivity != nil && c.connectivity() == entity.ConnOffline {
				c.logger.Debug("periodic sync skipped while offline")
				continue
			}
			c.flush(ctx, entity.ReasonPeriodic)
		}
	}
}

// flush 按 FIFO 顺序逐条补发，遇到第一条失败即停止，失败条目及其后的条目保留
func (c *SyncCoordinator) flush(ctx context.Context, reason entity.FlushReason) (res entity.FlushResult) {
	res = entity.FlushResult{Reason: string(reason), StartedAt: time.Now()}
	defer func() {
		res.Duration = time.Since(res.StartedAt).String()
		c.mu.Lock()
		last := res
		c.last = &last
		c.mu.Unlock()
	}()

	items, err := c.queue.Pending(ctx)
	if err != nil {
		c.logger.Error("load pending submissions failed", zap.Error(err))
		res.Failed = 1
		return res
	}
	if len(items) == 0 {
		return res
	}

	for _, it := range items {
		if err := c.replayer.Replay(ctx, it); err != nil {
			res.Failed = 1
			c.logger.Warn("replay failed, stopping flush",
				zap.String("id", it.ID), zap.String("target", it.TargetURL), zap.Error(err))
			break
		}
		if err := c.queue.Remove(ctx, it.ID); err != nil {
			res.Failed = 1
			c.logger.Error("remove delivered submission failed, it will be replayed again",
				zap.String("id", it.ID), zap.Error(err))
			break
		}
		res.Synced++
	}

	if n, err := c.queue.Len(ctx); err == nil {
		res.Remaining = n
	} else {
		res.Remaining = len(items) - res.Synced
	}
	c.metrics.addFlush(res.Synced, res.Failed)
	c.logger.Info("flush finished",
		zap.String("reason", res.Reason),
		zap.Int("synced", res.Synced),
		zap.Int("failed", res.Failed),
		zap.Int("remaining", res.Remaining))
	return res
}

package application

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/EthanQC/fieldsync/pkg/protocol"
	"github.com/EthanQC/fieldsync/pkg/zlog"
	"github.com/EthanQC/fieldsync/services/site_hub/internal/ports/out"
)

// Janitor 周期清理超时未更新的在线人员并广播 user_left
type Janitor struct {
	store    out.PresenceStore
	bus      out.Broadcaster
	interval time.Duration
	ttl      time.Duration
	logger   *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewJanitor 创建清理任务
func NewJanitor(store out.PresenceStore, bus out.Broadcaster, interval, ttl time.Duration) *Janitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &Janitor{store: store, bus: bus, interval: interval, ttl: ttl, logger: zlog.Named("janitor")}
}

func (j *Janitor) Start() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.cancel != nil {
		return fmt.Errorf("janitor already running")
	}
	ctx, cancel := context.WithCancel(context.Background())
	j.cancel = cancel

	j.wg.Add(1)
	go func() {
		defer j.wg.Done()
		ticker := time.NewTicker(j.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				j.Sweep(ctx, now)
			}
		}
	}()
	return nil
}

func (j *Janitor) Stop() {
	j.mu.Lock()
	cancel := j.cancel
	j.cancel = nil
	j.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	j.wg.Wait()
}

// Sweep 清理一轮，返回移除的人数
func (j *Janitor) Sweep(ctx context.Context, now time.Time) int {
	projects, err := j.store.Projects(ctx)
	if err != nil {
		j.logger.Warn("list projects failed", zap.Error(err))
		return 0
	}
	removed := 0
	for _, projectID := range projects {
		ids, err := j.store.Prune(ctx, projectID, now.Add(-j.ttl))
		if err != nil {
			j.logger.Warn("prune failed", zap.String("project", projectID), zap.Error(err))
			continue
		}
		for _, id := range ids {
			j.bus.ToProject(projectID, protocol.UserLeft{UserID: id, ProjectID: projectID})
		}
		removed += len(ids)
	}
	if removed > 0 {
		j.logger.Info("stale users pruned", zap.Int("count", removed))
	}
	return removed
}

package application

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/EthanQC/fieldsync/pkg/protocol"
	"github.com/EthanQC/fieldsync/services/field_agent/internal/domain/entity"
	"github.com/EthanQC/fieldsync/services/field_agent/internal/ports/out"
)

// PresenceBroadcaster 把本机定位上报给后端：每次新读数上报一次，另有心跳重发最近的有效读数
type PresenceBroadcaster struct {
	self         SelfIdentity
	heartbeat    time.Duration
	timeout      time.Duration
	backend      out.Backend
	latest       func() entity.GeoReading
	connectivity func() entity.Connectivity
	project      func() string
	now          func() time.Time
	logger       *zap.Logger

	runMu   sync.Mutex
	cancel  context.CancelFunc
	running bool
	wg      sync.WaitGroup
}

// NewPresenceBroadcaster 创建位置上报器
func NewPresenceBroadcaster(
	self SelfIdentity,
	heartbeat, timeout time.Duration,
	backend out.Backend,
	latest func() entity.GeoReading,
	connectivity func() entity.Connectivity,
	project func() string,
) *PresenceBroadcaster {
	if heartbeat <= 0 {
		heartbeat = 60 * time.Second
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &PresenceBroadcaster{
		self:         self,
		heartbeat:    heartbeat,
		timeout:      timeout,
		backend:      backend,
		latest:       latest,
		connectivity: connectivity,
		project:      project,
		now:          time.Now,
		logger:       zap.L().Named("broadcaster"),
	}
}

// Start 启动心跳
func (b *PresenceBroadcaster) Start() error {
	b.runMu.Lock()
	defer b.runMu.Unlock()
	if b.running {
		return fmt.Errorf("presence broadcaster already running")
	}
	b.running = true
	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		ticker := time.NewTicker(b.heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				b.Heartbeat(ctx)
			}
		}
	}()
	return nil
}

// Stop 停止心跳
func (b *PresenceBroadcaster) Stop() {
	b.runMu.Lock()
	if !b.running {
		b.runMu.Unlock()
		return
	}
	b.running = false
	b.cancel()
	b.runMu.Unlock()
	b.wg.Wait()
}

// OnReading 新读数立即上报
func (b *PresenceBroadcaster) OnReading(r entity.GeoReading) {
	b.broadcast(context.Background(), r, time.Time{})
}

// Heartbeat 重发最近的有效读数，附带发送时间供后端续期在线状态
func (b *PresenceBroadcaster) Heartbeat(ctx context.Context) {
	b.broadcast(ctx, b.latest(), b.now())
}

func (b *PresenceBroadcaster) broadcast(ctx context.Context, r entity.GeoReading, heartbeatAt time.Time) {
	if !r.Valid() {
		return
	}
	if b.connectivity != nil && b.connectivity() == entity.ConnOffline {
		return
	}

	req := protocol.LocationUpdateRequest{
		Coordinates: *r.Coordinates,
		Accuracy:    r.Accuracy,
		Role:        b.self.Role,
		UserName:    b.self.UserName,
	}
	if !r.CapturedAt.IsZero() {
		at := r.CapturedAt
		req.CapturedAt = &at
	}
	if !heartbeatAt.IsZero() {
		req.HeartbeatAt = &heartbeatAt
	}
	if b.project != nil {
		req.ProjectID = b.project()
	}

	cctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	if err := b.backend.UpdateLocation(cctx, req); err != nil {
		b.logger.Debug("location broadcast dropped", zap.Error(err))
	}
}

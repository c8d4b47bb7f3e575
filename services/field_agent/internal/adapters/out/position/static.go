// Package position 设备定位源
package position

import (
	"context"
	"time"

	"github.com/EthanQC/fieldsync/services/field_agent/internal/domain/entity"
	"github.com/EthanQC/fieldsync/services/field_agent/internal/ports/out"
)

// Static 固定坐标定位源，用于固定安装的现场终端与开发环境
type Static struct {
	Coordinates entity.Coordinates
	Accuracy    float64
	// Every 持续定位模式下的重复间隔，0 表示只回调一次
	Every time.Duration
}

var _ out.PositionSource = (*Static)(nil)

func (s *Static) Current(ctx context.Context, _ out.PositionOptions) (entity.Position, error) {
	if err := ctx.Err(); err != nil {
		return entity.Position{}, err
	}
	return entity.Position{Coordinates: s.Coordinates, Accuracy: s.Accuracy, Timestamp: time.Now()}, nil
}

func (s *Static) Watch(ctx context.Context, opts out.PositionOptions, fn func(entity.Position, error)) error {
	fn(s.Current(ctx, opts))
	if s.Every <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(s.Every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			fn(s.Current(ctx, opts))
		}
	}
}

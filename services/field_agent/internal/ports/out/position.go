package out

import (
	"context"
	"time"

	"github.com/EthanQC/fieldsync/services/field_agent/internal/domain/entity"
)

// PositionOptions 定位参数
type PositionOptions struct {
	HighAccuracy bool
	Timeout      time.Duration
}

// PositionSource 设备定位能力
type PositionSource interface {
	// Current 获取一次定位
	Current(ctx context.Context, opts PositionOptions) (entity.Position, error)
	// Watch 持续定位，每次定位或失败都回调 fn，直到 ctx 取消
	Watch(ctx context.Context, opts PositionOptions, fn func(entity.Position, error)) error
}

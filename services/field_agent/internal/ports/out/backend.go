package out

import (
	"context"

	"github.com/EthanQC/fieldsync/pkg/protocol"
	"github.com/EthanQC/fieldsync/services/field_agent/internal/domain/entity"
)

// HealthChecker 后端健康探测：nil 表示在线，
// errs.ErrDegraded 表示后端应答但不健康，其他错误视为离线
type HealthChecker interface {
	Check(ctx context.Context) error
}

// Replayer 按请求描述原样重放，2xx 返回 nil
type Replayer interface {
	Replay(ctx context.Context, s entity.Submission) error
}

// Backend 后端 REST 接口
type Backend interface {
	// UpdateLocation 上报自己的位置
	UpdateLocation(ctx context.Context, req protocol.LocationUpdateRequest) error
	// EmergencyAlert 直接发送紧急告警
	EmergencyAlert(ctx context.Context, req protocol.EmergencyAlertRequest) error
	// ActiveUsers 拉取项目在线人员
	ActiveUsers(ctx context.Context, projectID string) ([]protocol.ActiveUser, error)
	// URL 拼接完整地址
	URL(path string) string
}

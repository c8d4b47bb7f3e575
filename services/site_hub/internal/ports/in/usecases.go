package in

import (
	"context"
	"encoding/json"

	"github.com/EthanQC/fieldsync/pkg/protocol"
	"github.com/EthanQC/fieldsync/services/site_hub/internal/domain/entity"
)

// PresenceUseCase 在线人员
type PresenceUseCase interface {
	UpdateLocation(ctx context.Context, p entity.Principal, req protocol.LocationUpdateRequest) error
	ActiveUsers(ctx context.Context, projectID string) ([]entity.ActiveUser, error)
	Leave(ctx context.Context, projectID, userID string) error
}

// FieldUseCase 现场上报与紧急告警
type FieldUseCase interface {
	// Submit 幂等写入一条上报，created 为 false 表示是重复提交
	Submit(ctx context.Context, p entity.Principal, idempotencyKey string, req protocol.FieldReportRequest) (resp protocol.FieldReportResponse, created bool, err error)
	// Sync 批量重放离线队列中的请求
	Sync(ctx context.Context, p entity.Principal, req protocol.SyncRequest) protocol.SyncResponse
	EmergencyAlert(ctx context.Context, p entity.Principal, req protocol.EmergencyAlertRequest) (entity.Alert, error)
}

// ThreadUseCase 会话消息
type ThreadUseCase interface {
	Post(ctx context.Context, p entity.Principal, threadID string, message json.RawMessage) error
}

package in

import (
	"context"
	"encoding/json"

	"github.com/EthanQC/fieldsync/services/field_agent/internal/domain/entity"
)

// FieldReport 现场上报内容
type FieldReport struct {
	ProjectID   string              `json:"projectId"`
	Type        string              `json:"type"`
	Title       string              `json:"title"`
	Coordinates *entity.Coordinates `json:"coordinates,omitempty"`
	Images      []string            `json:"images,omitempty"`
	Data        json.RawMessage     `json:"data,omitempty"`
}

// AgentUseCase 本地状态 API 使用的用例
type AgentUseCase interface {
	// Status 状态指示
	Status(ctx context.Context) entity.Status
	// Roster 项目在线人员，projectID 为空时使用当前选择的项目
	Roster(projectID string) []entity.RosterRow
	// Pending 待补发条目
	Pending(ctx context.Context) ([]entity.Submission, error)
	// SyncNow 立即补发并等待结果
	SyncNow(ctx context.Context) (entity.FlushResult, error)
	// SubmitField 入队一条现场上报，返回条目 id
	SubmitField(ctx context.Context, r FieldReport) (string, error)
	// EmergencyAlert 直接发送紧急告警
	EmergencyAlert(ctx context.Context, message string) error
	// SelectProject 切换当前项目
	SelectProject(projectID string)
	// JoinThread 加入会话
	JoinThread(threadID string) error
}

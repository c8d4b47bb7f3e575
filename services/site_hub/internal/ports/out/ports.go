package out

import (
	"context"
	"time"

	"github.com/EthanQC/fieldsync/services/site_hub/internal/domain/entity"
)

// PresenceStore 在线人员位置存储
type PresenceStore interface {
	// Upsert 按 lastUpdated 后写者胜，返回 false 表示不比已存储的新而被丢弃；相等时只续期
	Upsert(ctx context.Context, projectID string, u entity.ActiveUser) (bool, error)
	// Active 未过期的在线人员
	Active(ctx context.Context, projectID string) ([]entity.ActiveUser, error)
	// Remove 移除一个人员
	Remove(ctx context.Context, projectID, userID string) error
	// Prune 移除 lastUpdated 早于 before 的人员并返回其 id
	Prune(ctx context.Context, projectID string, before time.Time) ([]string, error)
	// Projects 有在线人员记录的项目
	Projects(ctx context.Context) ([]string, error)
}

// FieldRepository 现场上报仓储
type FieldRepository interface {
	// Create 按幂等键写入；键已存在时返回已有记录且 created 为 false
	Create(ctx context.Context, r *entity.FieldReport) (stored *entity.FieldReport, created bool, err error)
	Get(ctx context.Context, id string) (*entity.FieldReport, error)
}

// EventPublisher 事件发布
type EventPublisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// ImageStore 上报图片存储
type ImageStore interface {
	// Put 保存图片并返回访问地址
	Put(ctx context.Context, key, contentType string, data []byte) (string, error)
}

// Alerter 紧急告警的站外通知
type Alerter interface {
	Notify(ctx context.Context, a entity.Alert) error
}

// Broadcaster 长连接广播
type Broadcaster interface {
	// ToProject 发给订阅了该项目的连接
	ToProject(projectID string, msg any)
	// ToThread 发给加入了该会话的连接，except 为空时不排除
	ToThread(threadID string, msg any, exceptUserID string)
	// Subscriptions 该用户当前连接订阅的项目
	Subscriptions(userID string) []string
}

package out

import (
	"context"

	"github.com/EthanQC/fieldsync/services/field_agent/internal/domain/entity"
)

// QueueStore 离线队列持久化存储，Append 返回前必须落盘
type QueueStore interface {
	// Append 追加到队尾
	Append(ctx context.Context, s entity.Submission) error
	// List 按入队顺序返回全部条目
	List(ctx context.Context) ([]entity.Submission, error)
	// Delete 删除指定条目，不存在时返回 errs.ErrSubmissionAbsent
	Delete(ctx context.Context, id string) error
	// Count 条目数
	Count(ctx context.Context) (int, error)
	Close() error
}

package application

import (
	"context"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/EthanQC/fieldsync/pkg/protocol"
	"github.com/EthanQC/fieldsync/services/field_agent/internal/domain/entity"
	"github.com/EthanQC/fieldsync/services/field_agent/internal/domain/errs"
	"github.com/EthanQC/fieldsync/services/field_agent/internal/ports/out"
)

// NewSubmission 入队请求，id 与创建时间由队列分配
type NewSubmission struct {
	TargetURL string
	Method    string
	Headers   map[string]string
	Body      []byte
}

// OfflineQueue 离线队列。唯一的后台协程串行处理邮箱中的操作，是存储的唯一写入者
type OfflineQueue struct {
	store   out.QueueStore
	metrics *Metrics
	logger  *zap.Logger

	mailbox chan func()
	done    chan struct{}
	runMu   sync.Mutex
	running bool
	wg      sync.WaitGroup

	subsMu sync.RWMutex
	subs   []func(pending int)
}

// NewOfflineQueue 创建离线队列
func NewOfflineQueue(store out.QueueStore, metrics *Metrics) *OfflineQueue {
	return &OfflineQueue{
		store:   store,
		metrics: metrics,
		logger:  zap.L().Named("queue"),
		mailbox: make(chan func()),
		done:    make(chan struct{}),
	}
}

// Start 启动队列协程
func (q *OfflineQueue) Start() error {
	q.runMu.Lock()
	defer q.runMu.Unlock()
	if q.running {
		return fmt.Errorf("offline queue already running")
	}
	q.running = true

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		q.refreshPending(context.Background())
		for {
			select {
			case fn := <-q.mailbox:
				fn()
			case <-q.done:
				return
			}
		}
	}()
	return nil
}

// Stop 停止队列协程，不关闭存储
func (q *OfflineQueue) Stop() {
	q.runMu.Lock()
	if !q.running {
		q.runMu.Unlock()
		return
	}
	q.running = false
	close(q.done)
	q.runMu.Unlock()
	q.wg.Wait()
}

// OnChange 待补发数量变化时回调
func (q *OfflineQueue) OnChange(fn func(pending int)) {
	q.subsMu.Lock()
	q.subs = append(q.subs, fn)
	q.subsMu.Unlock()
}

// Enqueue 分配 id 并在落盘后返回；存储失败返回 errs.ErrQueuePersistence
func (q *OfflineQueue) Enqueue(ctx context.Context, ns NewSubmission) (entity.Submission, error) {
	if ns.TargetURL == "" {
		return entity.Submission{}, fmt.Errorf("submission target url is empty")
	}
	sub := entity.Submission{
		ID:        uuid.NewString(),
		CreatedAt: time.Now().UTC(),
		TargetURL: ns.TargetURL,
		Method:    strings.ToUpper(ns.Method),
		Headers:   make(map[string]string, len(ns.Headers)+1),
		Body:      ns.Body,
	}
	if sub.Method == "" {
		sub.Method = http.MethodPost
	}
	for k, v := range ns.Headers {
		sub.Headers[http.CanonicalHeaderKey(k)] = v
	}
	sub.Headers[protocol.HeaderIdempotencyKey] = sub.ID

	// 投递后写入不再受调用方取消影响，避免已落盘的条目被报告为失败
	wctx := context.WithoutCancel(ctx)
	err := q.do(ctx, func() error {
		if err := q.store.Append(wctx, sub); err != nil {
			return fmt.Errorf("%w: %v", errs.ErrQueuePersistence, err)
		}
		q.refreshPending(wctx)
		return nil
	})
	if err != nil {
		q.logger.Error("enqueue failed", zap.String("target", sub.TargetURL), zap.Error(err))
		return entity.Submission{}, err
	}
	q.logger.Info("submission queued", zap.String("id", sub.ID), zap.String("method", sub.Method), zap.String("target", sub.TargetURL))
	return sub, nil
}

// Pending 按入队顺序返回快照，不修改队列
func (q *OfflineQueue) Pending(ctx context.Context) ([]entity.Submission, error) {
	var items []entity.Submission
	err := q.do(ctx, func() error {
		var err error
		items, err = q.store.List(ctx)
		return err
	})
	return items, err
}

// Len 待补发数量
func (q *OfflineQueue) Len(ctx context.Context) (int, error) {
	var n int
	err := q.do(ctx, func() error {
		var err error
		n, err = q.store.Count(ctx)
		return err
	})
	return n, err
}

// Remove 删除指定条目
func (q *OfflineQueue) Remove(ctx context.Context, id string) error {
	return q.do(ctx, func() error {
		if err := q.store.Delete(ctx, id); err != nil {
			return err
		}
		q.refreshPending(ctx)
		return nil
	})
}

// do 把操作投递到队列协程并等待完成；ctx 只约束投递，投递成功后一定等到结果
func (q *OfflineQueue) do(ctx context.Context, fn func() error) error {
	reply := make(chan error, 1)
	select {
	case q.mailbox <- func() { reply <- fn() }:
	case <-q.done:
		return fmt.Errorf("%w: queue stopped", errs.ErrQueuePersistence)
	case <-ctx.Done():
		return ctx.Err()
	}
	return <-reply
}

func (q *OfflineQueue) refreshPending(ctx context.Context) {
	n, err := q.store.Count(ctx)
	if err != nil {
		q.logger.Warn("count pending failed", zap.Error(err))
		return
	}
	q.metrics.setPending(n)

	q.subsMu.RLock()
	subs := slices.Clone(q.subs)
	q.subsMu.RUnlock()
	for _, fn := range subs {
		fn(n)
	}
}

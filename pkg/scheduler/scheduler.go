// Package scheduler 提供可取消的一次性定时任务，任务归属于某个组件，组件关闭时统一取消
package scheduler

import (
	"sync"
	"time"
)

// Task 已调度的任务句柄
type Task struct {
	s     *Scheduler
	id    uint64
	timer *time.Timer
}

// Cancel 取消任务，返回任务是否在执行前被取消
func (t *Task) Cancel() bool {
	if t == nil {
		return false
	}
	t.s.mu.Lock()
	_, pending := t.s.tasks[t.id]
	delete(t.s.tasks, t.id)
	t.s.mu.Unlock()

	t.timer.Stop()
	return pending
}

// Scheduler 任务集合
type Scheduler struct {
	mu     sync.Mutex
	nextID uint64
	tasks  map[uint64]*Task
	closed bool
}

func New() *Scheduler {
	return &Scheduler{tasks: make(map[uint64]*Task)}
}

// After 在 d 之后执行 fn；Scheduler 已关闭时返回 nil 且 fn 不会执行
func (s *Scheduler) After(d time.Duration, fn func()) *Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.nextID++
	t := &Task{s: s, id: s.nextID}
	t.timer = time.AfterFunc(d, func() {
		s.mu.Lock()
		_, ok := s.tasks[t.id]
		delete(s.tasks, t.id)
		closed := s.closed
		s.mu.Unlock()

		if ok && !closed {
			fn()
		}
	})
	s.tasks[t.id] = t
	return t
}

// Pending 尚未触发的任务数
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// Stop 取消全部任务，之后的 After 调用都被忽略
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.closed = true
	tasks := s.tasks
	s.tasks = make(map[uint64]*Task)
	s.mu.Unlock()

	for _, t := range tasks {
		t.timer.Stop()
	}
}

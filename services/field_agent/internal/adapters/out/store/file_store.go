package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/EthanQC/fieldsync/services/field_agent/internal/domain/entity"
	"github.com/EthanQC/fieldsync/services/field_agent/internal/domain/errs"
	"github.com/EthanQC/fieldsync/services/field_agent/internal/ports/out"
)

// FileStore 把整个队列保存为一个 JSON 文件，每次修改先写临时文件再原子替换
type FileStore struct {
	path  string
	mu    sync.RWMutex
	items []entity.Submission
}

var _ out.QueueStore = (*FileStore)(nil)

// NewFileStore 打开或创建队列文件
func NewFileStore(path string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create queue dir: %w", err)
	}
	s := &FileStore{path: path}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileStore) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read queue file: %w", err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, &s.items); err != nil {
		return fmt.Errorf("decode queue file %s: %w", s.path, err)
	}
	return nil
}

// persist 写入临时文件、fsync 后重命名
func (s *FileStore) persist(items []entity.Submission) error {
	data, err := json.MarshalIndent(items, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".queue-*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), s.path)
}

func (s *FileStore) Append(_ context.Context, sub entity.Submission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := append(append([]entity.Submission(nil), s.items...), sub)
	if err := s.persist(next); err != nil {
		return err
	}
	s.items = next
	return nil
}

func (s *FileStore) List(context.Context) ([]entity.Submission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]entity.Submission(nil), s.items...), nil
}

func (s *FileStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := -1
	for i, it := range s.items {
		if it.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return errs.ErrSubmissionAbsent
	}
	next := make([]entity.Submission, 0, len(s.items)-1)
	next = append(next, s.items[:idx]...)
	next = append(next, s.items[idx+1:]...)
	if err := s.persist(next); err != nil {
		return err
	}
	s.items = next
	return nil
}

func (s *FileStore) Count(context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items), nil
}

func (s *FileStore) Close() error { return nil }

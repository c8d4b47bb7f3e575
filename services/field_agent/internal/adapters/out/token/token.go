// Package token 提供连接后端时使用的 bearer token
package token

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/EthanQC/fieldsync/services/field_agent/internal/ports/out"
)

var ErrEmptyToken = errors.New("token is empty")

// Static 固定 token
type Static string

var _ out.TokenProvider = Static("")

func (s Static) Token(context.Context) (string, error) {
	if s == "" {
		return "", ErrEmptyToken
	}
	return string(s), nil
}

// File 从文件读取 token，文件修改后自动重新读取
type File struct {
	path string

	mu      sync.Mutex
	token   string
	modTime time.Time
	size    int64
}

var _ out.TokenProvider = (*File)(nil)

// NewFile 创建文件 token 提供者，立即读取一次
func NewFile(path string) (*File, error) {
	f := &File{path: path}
	if _, err := f.Token(context.Background()); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *File) Token(context.Context) (string, error) {
	info, err := os.Stat(f.path)
	if err != nil {
		return "", fmt.Errorf("stat token file: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.token != "" && info.ModTime().Equal(f.modTime) && info.Size() == f.size {
		return f.token, nil
	}

	raw, err := os.ReadFile(f.path)
	if err != nil {
		return "", fmt.Errorf("read token file: %w", err)
	}
	tok := strings.TrimSpace(string(raw))
	if tok == "" {
		return "", fmt.Errorf("%s: %w", f.path, ErrEmptyToken)
	}
	if f.token != "" && tok != f.token {
		zap.L().Named("token").Info("token file reloaded", zap.String("path", f.path))
	}
	f.token, f.modTime, f.size = tok, info.ModTime(), info.Size()
	return tok, nil
}

// New 按配置选择提供者，token_file 优先
func New(token, tokenFile string) (out.TokenProvider, error) {
	if tokenFile != "" {
		return NewFile(tokenFile)
	}
	if token == "" {
		return nil, ErrEmptyToken
	}
	return Static(token), nil
}

package zlog

import (
	"io"
	"net/http"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	dynamicLevel = zap.NewAtomicLevelAt(zap.InfoLevel) // 全局可变级别
	levelName    atomic.Value
)

func initLevel(lvl string) {
	SetLevel(lvl)
}

func parseLevel(lvl string) zapcore.Level {
	switch strings.ToLower(lvl) {
	case "debug":
		return zap.DebugLevel
	case "warn":
		return zap.WarnLevel
	case "error":
		return zap.ErrorLevel
	default:
		return zap.InfoLevel
	}
}

// SetLevel 热更新日志级别，无法识别的级别按 info 处理
func SetLevel(lvl string) {
	parsed := parseLevel(lvl)
	dynamicLevel.SetLevel(parsed)
	levelName.Store(parsed.String())
}

// GetLevel 返回当前级别字符串
func GetLevel() string {
	if v, ok := levelName.Load().(string); ok {
		return v
	}
	return "info"
}

// LevelHTTPHandler 挂到 /log/level：GET 返回当前级别，PUT ?v=debug 修改
func LevelHTTPHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPut {
			lvl := r.URL.Query().Get("v")
			if lvl == "" {
				lvl = r.FormValue("v")
			}
			if lvl == "" {
				w.WriteHeader(http.StatusBadRequest)
				_, _ = io.WriteString(w, "missing v")
				return
			}
			SetLevel(lvl)
		}
		_, _ = io.WriteString(w, GetLevel())
	}
}

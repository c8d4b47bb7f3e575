package zlog

import (
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
)

// MustInitGlobal 创建 logger 并替换 zap 全局实例，返回的函数用于退出前 Sync
func MustInitGlobal(cfg Config) func() {
	l, err := New(cfg)
	if err != nil {
		panic(err)
	}
	zap.ReplaceGlobals(l)
	stop := watchSIGHUP()
	return func() {
		stop()
		_ = l.Sync()
	}
}

// watchSIGHUP 收到 SIGHUP 时在 debug 与 info 之间切换
func watchSIGHUP() func() {
	c := make(chan os.Signal, 1)
	done := make(chan struct{})
	signal.Notify(c, syscall.SIGHUP)
	go func() {
		for {
			select {
			case <-c:
				if GetLevel() == "debug" {
					SetLevel("info")
				} else {
					SetLevel("debug")
				}
				zap.L().Info("log level toggled", zap.String("now", GetLevel()))
			case <-done:
				return
			}
		}
	}()
	return func() {
		signal.Stop(c)
		close(done)
	}
}

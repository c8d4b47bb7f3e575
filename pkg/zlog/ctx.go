package zlog

import (
	"context"

	"go.uber.org/zap"
)

type ctxKey struct{}

// WithContext 把 logger 挂到 context 上
func WithContext(ctx context.Context, l *zap.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// FromContext 取出 context 中的 logger，没有则回落到全局实例
func FromContext(ctx context.Context) *zap.Logger {
	if ctx == nil {
		return zap.L()
	}
	if l, ok := ctx.Value(ctxKey{}).(*zap.Logger); ok && l != nil {
		return l
	}
	return zap.L()
}

// C 是简写，常在业务层使用
func C(ctx context.Context) *zap.Logger { return FromContext(ctx) }

// Named 全局 logger 加上组件名，后台组件构造时调用一次即可
func Named(component string) *zap.Logger {
	return zap.L().With(zap.String("component", component))
}

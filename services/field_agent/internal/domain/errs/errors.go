// Package errs 定义 field agent 的错误分类，调用方用 errors.Is 判别
package errs

import "errors"

var (
	// ErrTransientNetwork 可重试的网络故障：DNS 失败、连接拒绝、超时、服务端 5xx
	ErrTransientNetwork = errors.New("transient network error")
	// ErrPermissionDenied 定位权限被拒绝，采样器停止，不自动重试
	ErrPermissionDenied = errors.New("location permission denied")
	// ErrMalformedMessage 长连接收到无法解析的报文
	ErrMalformedMessage = errors.New("malformed channel message")
	// ErrQueuePersistence 离线队列写入持久化存储失败
	ErrQueuePersistence = errors.New("queue persistence failure")

	ErrNotConnected     = errors.New("channel not connected")
	ErrEmergencyAlert   = errors.New("emergency alert not delivered")
	ErrRetriesExhausted = errors.New("channel reconnect retries exhausted")
	ErrDegraded         = errors.New("backend degraded")
	ErrPositionTimeout  = errors.New("position acquisition timed out")
	ErrPositionUnavail  = errors.New("position unavailable")
	ErrSubmissionAbsent = errors.New("submission not found")
	ErrRejected         = errors.New("request rejected by backend")
)

// Retryable 网络类错误可以在下一次触发时重试
func Retryable(err error) bool {
	return errors.Is(err, ErrTransientNetwork) || errors.Is(err, ErrDegraded)
}

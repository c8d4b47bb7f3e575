package entity

import "time"

// ChannelState 长连接状态
type ChannelState string

const (
	ChannelIdle         ChannelState = "idle"         // 未连接或已主动断开
	ChannelConnecting   ChannelState = "connecting"   // 拨号中
	ChannelConnected    ChannelState = "connected"    // 已连接
	ChannelDisconnected ChannelState = "disconnected" // 异常断开，等待重连
)

// ChannelSession 长连接会话快照，由 ChannelManager 独占维护
type ChannelSession struct {
	State               ChannelState `json:"state"`
	UserID              string       `json:"userId"`
	ProjectIDs          []string     `json:"projectIds,omitempty"`
	SubscribedProjectID string       `json:"subscribedProjectId,omitempty"`
	RetryCount          int          `json:"retryCount"`
	ShouldReconnect     bool         `json:"shouldReconnect"`
	LastError           string       `json:"lastError,omitempty"`
	ConnectedAt         time.Time    `json:"connectedAt,omitempty"`
	NextRetryAt         time.Time    `json:"nextRetryAt,omitempty"`
}

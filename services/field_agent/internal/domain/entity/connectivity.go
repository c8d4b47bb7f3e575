package entity

import "time"

// Connectivity 网络可达性分类
type Connectivity string

const (
	ConnUnknown  Connectivity = "unknown"
	ConnOnline   Connectivity = "online"
	ConnDegraded Connectivity = "degraded"
	ConnOffline  Connectivity = "offline"
)

// Transition 可达性状态变化
type Transition struct {
	From Connectivity
	To   Connectivity
	At   time.Time
	Err  error
}

// CameOnline 从离线恢复
func (t Transition) CameOnline() bool {
	return t.From == ConnOffline && t.To == ConnOnline
}

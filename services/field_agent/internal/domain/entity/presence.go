package entity

import (
	"time"

	"github.com/EthanQC/fieldsync/pkg/protocol"
)

// ActiveUser 在线人员，与服务端广播结构一致
type ActiveUser = protocol.ActiveUser

// RosterRow 面板展示用的行，附加派生字段
type RosterRow struct {
	ActiveUser
	Self       bool          `json:"self,omitempty"`
	LastSeen   time.Duration `json:"-"`
	LastSeenMs int64         `json:"lastSeenAgeMs"`
	ColorTag   string        `json:"colorTag"`
}

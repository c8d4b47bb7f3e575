package entity

import (
	"encoding/json"
	"time"

	"github.com/EthanQC/fieldsync/pkg/protocol"
)

// ActiveUser 在线人员，与长连接广播结构一致
type ActiveUser = protocol.ActiveUser

// Principal 通过认证的调用方
type Principal struct {
	UserID   string
	UserName string
	Role     protocol.Role
}

// FieldReport 已落库的现场上报
type FieldReport struct {
	ID             string
	IdempotencyKey string
	UserID         string
	ProjectID      string
	Type           string
	Title          string
	Coordinates    protocol.Coordinates
	ImageURLs      []string
	Data           json.RawMessage
	CapturedAt     time.Time
	CreatedAt      time.Time
}

// Alert 紧急告警
type Alert struct {
	ID          string
	UserID      string
	UserName    string
	ProjectID   string
	Coordinates protocol.Coordinates
	Message     string
	RaisedAt    time.Time
}

// ChannelMessage 转成长连接报文
func (a Alert) ChannelMessage() protocol.EmergencyAlert {
	return protocol.EmergencyAlert{
		AlertID:     a.ID,
		UserID:      a.UserID,
		UserName:    a.UserName,
		ProjectID:   a.ProjectID,
		Coordinates: a.Coordinates,
		Message:     a.Message,
		RaisedAt:    a.RaisedAt,
	}
}

// Kafka topic
const (
	TopicFieldCreated   = "fieldsync.field.created"
	TopicEmergencyAlert = "fieldsync.emergency.alert"
)

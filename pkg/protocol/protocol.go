// Package protocol 定义 field agent 与 site hub 之间的 JSON 报文，
// 长连接上的每一帧都带 type 判别字段，REST 请求体也集中在这里
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"
)

// MessageType 长连接报文类型
type MessageType string

const (
	// 客户端 -> 服务端
	TypeSubscribe  MessageType = "subscribe"
	TypeJoinThread MessageType = "join-thread"

	// 服务端 -> 客户端
	TypeLocationUpdate MessageType = "location_update"
	TypeActiveUsers    MessageType = "active_users"
	TypeUserLeft       MessageType = "user_left"
	TypeMessageNew     MessageType = "message:new"
	TypeEmergencyAlert MessageType = "emergency_alert"
	TypeError          MessageType = "error"

	// 双向：客户端上报输入中，服务端转发给同一会话的其他成员
	TypeMessageTyping MessageType = "message:typing"
)

var (
	ErrMalformed   = errors.New("malformed channel message")
	ErrUnknownType = errors.New("unknown channel message type")
)

// Role 现场人员角色
type Role string

const (
	RoleManager Role = "manager"
	RoleForeman Role = "foreman"
	RoleLabour  Role = "labour"
)

// Valid 是否为已知角色
func (r Role) Valid() bool {
	switch r {
	case RoleManager, RoleForeman, RoleLabour:
		return true
	}
	return false
}

// Coordinates WGS84 经纬度
type Coordinates struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Valid 经纬度是否在合法范围内
func (c Coordinates) Valid() bool {
	if math.IsNaN(c.Lat) || math.IsNaN(c.Lng) {
		return false
	}
	return c.Lat >= -90 && c.Lat <= 90 && c.Lng >= -180 && c.Lng <= 180
}

// ActiveUser 服务端广播的在线人员位置
type ActiveUser struct {
	UserID      string      `json:"userId"`
	UserName    string      `json:"userName,omitempty"`
	Role        Role        `json:"role"`
	Coordinates Coordinates `json:"coordinates"`
	Accuracy    *float64    `json:"accuracy,omitempty"`
	LastUpdated time.Time   `json:"lastUpdated"`
	ProjectID   string      `json:"projectId,omitempty"`
}

type envelope struct {
	Type MessageType `json:"type"`
}

// Subscribe 订阅报文：连接建立时带 userId+projectIds，切换项目时只带 projectId
type Subscribe struct {
	Type       MessageType `json:"type"`
	UserID     string      `json:"userId,omitempty"`
	ProjectIDs []string    `json:"projectIds,omitempty"`
	ProjectID  string      `json:"projectId,omitempty"`
}

type JoinThread struct {
	Type     MessageType `json:"type"`
	ThreadID string      `json:"threadId"`
}

// Users location_update 与 active_users 共用的载荷
type Users struct {
	Type      MessageType  `json:"type"`
	ProjectID string       `json:"projectId,omitempty"`
	Users     []ActiveUser `json:"users"`
}

type UserLeft struct {
	Type      MessageType `json:"type"`
	UserID    string      `json:"userId"`
	ProjectID string      `json:"projectId,omitempty"`
}

type ThreadMessage struct {
	Type     MessageType     `json:"type"`
	ThreadID string          `json:"threadId"`
	Message  json.RawMessage `json:"message"`
}

type Typing struct {
	Type     MessageType `json:"type"`
	ThreadID string      `json:"threadId"`
	UserID   string      `json:"userId,omitempty"`
	UserName string      `json:"userName,omitempty"`
}

type EmergencyAlert struct {
	Type        MessageType `json:"type"`
	AlertID     string      `json:"alertId"`
	UserID      string      `json:"userId"`
	UserName    string      `json:"userName,omitempty"`
	ProjectID   string      `json:"projectId,omitempty"`
	Coordinates Coordinates `json:"coordinates"`
	Message     string      `json:"message,omitempty"`
	RaisedAt    time.Time   `json:"raisedAt"`
}

type ErrorMessage struct {
	Type  MessageType `json:"type"`
	Error string      `json:"error"`
}

// Encode 序列化报文，自动补齐 type 字段
func Encode(msg any) ([]byte, error) {
	switch m := msg.(type) {
	case Subscribe:
		m.Type = TypeSubscribe
		msg = m
	case JoinThread:
		m.Type = TypeJoinThread
		msg = m
	case UserLeft:
		m.Type = TypeUserLeft
		msg = m
	case ThreadMessage:
		m.Type = TypeMessageNew
		msg = m
	case Typing:
		m.Type = TypeMessageTyping
		msg = m
	case EmergencyAlert:
		m.Type = TypeEmergencyAlert
		msg = m
	case ErrorMessage:
		m.Type = TypeError
		msg = m
	case Users:
		if m.Type != TypeLocationUpdate && m.Type != TypeActiveUsers {
			return nil, fmt.Errorf("users message needs type %s or %s", TypeLocationUpdate, TypeActiveUsers)
		}
	default:
		return nil, fmt.Errorf("unsupported message %T", msg)
	}
	return json.Marshal(msg)
}

// Decode 按 type 判别字段解码为具体报文（值类型）
func Decode(data []byte) (any, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	var (
		msg any
		err error
	)
	switch env.Type {
	case TypeSubscribe:
		var m Subscribe
		if err = json.Unmarshal(data, &m); err == nil && m.UserID == "" && m.ProjectID == "" && len(m.ProjectIDs) == 0 {
			err = errors.New("subscribe without userId or projectId")
		}
		msg = m
	case TypeJoinThread:
		var m JoinThread
		if err = json.Unmarshal(data, &m); err == nil && m.ThreadID == "" {
			err = errors.New("join-thread without threadId")
		}
		msg = m
	case TypeLocationUpdate, TypeActiveUsers:
		var m Users
		if err = json.Unmarshal(data, &m); err == nil {
			err = validateUsers(m.Users)
		}
		msg = m
	case TypeUserLeft:
		var m UserLeft
		if err = json.Unmarshal(data, &m); err == nil && m.UserID == "" {
			err = errors.New("user_left without userId")
		}
		msg = m
	case TypeMessageNew:
		var m ThreadMessage
		err = json.Unmarshal(data, &m)
		msg = m
	case TypeMessageTyping:
		var m Typing
		if err = json.Unmarshal(data, &m); err == nil && m.ThreadID == "" {
			err = errors.New("message:typing without threadId")
		}
		msg = m
	case TypeEmergencyAlert:
		var m EmergencyAlert
		err = json.Unmarshal(data, &m)
		msg = m
	case TypeError:
		var m ErrorMessage
		err = json.Unmarshal(data, &m)
		msg = m
	case "":
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}

	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, env.Type, err)
	}
	return msg, nil
}

func validateUsers(users []ActiveUser) error {
	for i, u := range users {
		if u.UserID == "" {
			return fmt.Errorf("users[%d] without userId", i)
		}
		if !u.Coordinates.Valid() {
			return fmt.Errorf("users[%d] has invalid coordinates", i)
		}
	}
	return nil
}

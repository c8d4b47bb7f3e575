package protocol

import (
	"encoding/json"
	"time"
)

// REST 路径
const (
	PathHealth           = "/health"
	PathLocationUpdate   = "/location/update"
	PathActiveUsers      = "/location/active-users"
	PathField            = "/field"
	PathFieldSync        = "/field/sync"
	PathEmergencyAlert   = "/field/emergency/alert"
	PathChannel          = "/ws"
	HeaderIdempotencyKey = "Idempotency-Key"
	HeaderUserID         = "X-User-Id"
)

// HealthResponse GET /health
type HealthResponse struct {
	Status string `json:"status"`
}

// LocationUpdateRequest POST /location/update
type LocationUpdateRequest struct {
	Coordinates Coordinates `json:"coordinates"`
	Accuracy    *float64    `json:"accuracy,omitempty"`
	Role        Role        `json:"role"`
	ProjectID   string      `json:"projectId,omitempty"`
	UserName    string      `json:"userName,omitempty"`
	CapturedAt  *time.Time  `json:"capturedAt,omitempty"`
	// HeartbeatAt 心跳重发同一读数时的发送时间，作为在线时间
	HeartbeatAt *time.Time `json:"heartbeatAt,omitempty"`
}

// FieldReportRequest POST /field
type FieldReportRequest struct {
	ProjectID   string          `json:"projectId"`
	Type        string          `json:"type"`
	Title       string          `json:"title"`
	Coordinates Coordinates     `json:"coordinates"`
	Images      []string        `json:"images,omitempty"` // base64 编码的图片
	Data        json.RawMessage `json:"data,omitempty"`
	CapturedAt  *time.Time      `json:"capturedAt,omitempty"`
}

// FieldReportResponse POST /field 201
type FieldReportResponse struct {
	ID        string   `json:"id"`
	ImageURLs []string `json:"imageUrls,omitempty"`
	Duplicate bool     `json:"duplicate,omitempty"`
}

// ReplayRequest 离线队列中一条待补发请求的完整描述
type ReplayRequest struct {
	ID        string            `json:"id"`
	TargetURL string            `json:"targetUrl"`
	Method    string            `json:"method"`
	Headers   map[string]string `json:"headers,omitempty"`
	Body      json.RawMessage   `json:"body,omitempty"`
}

// SyncRequest POST /field/sync
type SyncRequest struct {
	PendingData []ReplayRequest `json:"pendingData"`
}

// SyncResponse POST /field/sync
type SyncResponse struct {
	Synced int `json:"synced"`
	Failed int `json:"failed"`
}

// EmergencyAlertRequest POST /field/emergency/alert
type EmergencyAlertRequest struct {
	Coordinates Coordinates `json:"coordinates"`
	Message     string      `json:"message,omitempty"`
	ProjectID   string      `json:"projectId,omitempty"`
}

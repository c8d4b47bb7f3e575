package entity

import (
	"time"

	"github.com/EthanQC/fieldsync/pkg/protocol"
)

// Coordinates 与长连接报文共用同一结构
type Coordinates = protocol.Coordinates

// Position 定位源返回的一次原始定位
type Position struct {
	Coordinates Coordinates
	Accuracy    float64 // 米
	Timestamp   time.Time
}

// SamplerMode 采样方式
type SamplerMode string

const (
	ModeContinuous SamplerMode = "continuous"
	ModeInterval   SamplerMode = "interval"
)

// GeoReading 采样器对外暴露的最新读数，失败时保留上一次成功的坐标
type GeoReading struct {
	Coordinates *Coordinates `json:"coordinates,omitempty"`
	Accuracy    *float64     `json:"accuracy,omitempty"`
	CapturedAt  time.Time    `json:"capturedAt,omitempty"`
	Err         error        `json:"-"`
}

// Valid 是否有可用坐标
func (r GeoReading) Valid() bool {
	return r.Coordinates != nil
}

// ErrString 便于 JSON 输出
func (r GeoReading) ErrString() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}

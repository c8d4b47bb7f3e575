package entity

import (
	"net/http"
	"time"
)

// Submission 离线队列中的一条待补发请求，保存完整请求描述以便原样重放
type Submission struct {
	ID        string            `json:"id"`
	CreatedAt time.Time         `json:"createdAt"`
	TargetURL string            `json:"targetUrl"`
	Method    string            `json:"method"`
	Headers   map[string]string `json:"headers,omitempty"`
	Body      []byte            `json:"body,omitempty"`
}

// Header 返回 http.Header 形式的请求头
func (s Submission) Header() http.Header {
	h := make(http.Header, len(s.Headers))
	for k, v := range s.Headers {
		h.Set(k, v)
	}
	return h
}

// FlushResult 一次补发的结果
type FlushResult struct {
	Synced    int       `json:"synced"`
	Failed    int       `json:"failed"`
	Remaining int       `json:"remaining"`
	Reason    string    `json:"reason,omitempty"`
	StartedAt time.Time `json:"startedAt"`
	Duration  string    `json:"duration"`
}

// FlushReason 触发补发的原因
type FlushReason string

const (
	ReasonOnline   FlushReason = "online"
	ReasonManual   FlushReason = "manual"
	ReasonPeriodic FlushReason = "periodic"
	ReasonEnqueue  FlushReason = "enqueue"
)

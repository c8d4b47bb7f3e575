package http

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/EthanQC/fieldsync/pkg/zlog"
	"github.com/EthanQC/fieldsync/services/field_agent/internal/domain/entity"
	"github.com/EthanQC/fieldsync/services/field_agent/internal/domain/errs"
	"github.com/EthanQC/fieldsync/services/field_agent/internal/ports/in"
)

// StatusController 本地状态 API，供现场面板读取状态并发起操作
type StatusController struct {
	agent in.AgentUseCase
}

// NewStatusController 创建本地状态控制器
func NewStatusController(agent in.AgentUseCase) *StatusController {
	return &StatusController{agent: agent}
}

// NewRouter 创建带访问日志的 gin 路由，gatherer 为空时不挂 /metrics
func NewRouter(agent in.AgentUseCase, gatherer prometheus.Gatherer) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), zlog.GinLogger())

	NewStatusController(agent).RegisterRoutes(&r.RouterGroup)
	if gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}
	r.GET("/log/level", gin.WrapF(zlog.LevelHTTPHandler()))
	r.PUT("/log/level", gin.WrapF(zlog.LevelHTTPHandler()))
	return r
}

// RegisterRoutes 注册路由
func (s *StatusController) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/status", s.Status)
	r.GET("/roster", s.Roster)
	r.GET("/queue", s.Queue)
	r.POST("/sync", s.Sync)
	r.POST("/field", s.SubmitField)
	r.POST("/emergency", s.Emergency)
	r.PUT("/project", s.SelectProject)
	r.POST("/threads/:id/join", s.JoinThread)
}

// Status 可达性、长连接、待补发数量
func (s *StatusController) Status(c *gin.Context) {
	c.JSON(http.StatusOK, s.agent.Status(c.Request.Context()))
}

// Roster 项目在线人员
func (s *StatusController) Roster(c *gin.Context) {
	rows := s.agent.Roster(c.Query("projectId"))
	if rows == nil {
		rows = []entity.RosterRow{}
	}
	c.JSON(http.StatusOK, gin.H{"users": rows})
}

type pendingItem struct {
	ID        string `json:"id"`
	CreatedAt string `json:"createdAt"`
	Method    string `json:"method"`
	TargetURL string `json:"targetUrl"`
	Size      int    `json:"size"`
}

// Queue 待补发条目，不返回请求体和请求头
func (s *StatusController) Queue(c *gin.Context) {
	subs, err := s.agent.Pending(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	items := make([]pendingItem, 0, len(subs))
	for _, sub := range subs {
		items = append(items, pendingItem{
			ID:        sub.ID,
			CreatedAt: sub.CreatedAt.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
			Method:    sub.Method,
			TargetURL: sub.TargetURL,
			Size:      len(sub.Body),
		})
	}
	c.JSON(http.StatusOK, gin.H{"pending": items})
}

// Sync 立即补发并返回本轮结果
func (s *StatusController) Sync(c *gin.Context) {
	res, err := s.agent.SyncNow(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, res)
}

// SubmitField 入队现场上报
func (s *StatusController) SubmitField(c *gin.Context) {
	var req in.FieldReport
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	if strings.TrimSpace(req.Type) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "type is required"})
		return
	}

	id, err := s.agent.SubmitField(c.Request.Context(), req)
	if err != nil {
		c.JSON(mapAgentError(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"id": id})
}

type emergencyRequest struct {
	Message string `json:"message"`
}

// Emergency 紧急告警，不入队，失败直接告知调用方
func (s *StatusController) Emergency(c *gin.Context) {
	var req emergencyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	if err := s.agent.EmergencyAlert(c.Request.Context(), req.Message); err != nil {
		c.JSON(mapAgentError(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"delivered": true})
}

type projectRequest struct {
	ProjectID string `json:"projectId"`
}

// SelectProject 切换当前项目
func (s *StatusController) SelectProject(c *gin.Context) {
	var req projectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	s.agent.SelectProject(req.ProjectID)
	c.Status(http.StatusNoContent)
}

// JoinThread 加入会话
func (s *StatusController) JoinThread(c *gin.Context) {
	if err := s.agent.JoinThread(c.Param("id")); err != nil {
		c.JSON(mapAgentError(err), gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func mapAgentError(err error) int {
	switch {
	case errors.Is(err, errs.ErrNotConnected):
		return http.StatusConflict
	case errors.Is(err, errs.ErrPositionUnavail):
		return http.StatusUnprocessableEntity
	case errors.Is(err, errs.ErrEmergencyAlert):
		return http.StatusBadGateway
	case errors.Is(err, errs.ErrQueuePersistence):
		return http.StatusInsufficientStorage
	default:
		return http.StatusBadRequest
	}
}

package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/EthanQC/fieldsync/pkg/protocol"
	"github.com/EthanQC/fieldsync/pkg/zlog"
	"github.com/EthanQC/fieldsync/services/site_hub/internal/domain/errs"
	"github.com/EthanQC/fieldsync/services/site_hub/internal/ports/in"
	"github.com/EthanQC/fieldsync/services/site_hub/pkg/jwt"
)

// Deps 路由依赖
type Deps struct {
	Tokens   *jwt.Manager
	Presence in.PresenceUseCase
	Field    in.FieldUseCase
	Thread   in.ThreadUseCase
	Channel  http.Handler
	Limiter  *RateLimiter
	Gatherer prometheus.Gatherer
	Timeout  time.Duration
}

// Handler REST 接口
type Handler struct {
	presence in.PresenceUseCase
	field    in.FieldUseCase
	thread   in.ThreadUseCase
	timeout  time.Duration
}

// NewRouter 组装 gin 路由；/health 与 /metrics 不需要认证
func NewRouter(d Deps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), zlog.GinLogger())

	h := &Handler{presence: d.Presence, field: d.Field, thread: d.Thread, timeout: d.Timeout}
	if h.timeout <= 0 {
		h.timeout = 15 * time.Second
	}

	r.GET(protocol.PathHealth, func(c *gin.Context) {
		c.JSON(http.StatusOK, protocol.HealthResponse{Status: "ok"})
	})
	if d.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{})))
	}
	r.GET("/log/level", gin.WrapF(zlog.LevelHTTPHandler()))
	r.PUT("/log/level", gin.WrapF(zlog.LevelHTTPHandler()))
	if d.Channel != nil {
		// 长连接自行校验 token（支持 ?token=）
		r.GET(protocol.PathChannel, gin.WrapH(d.Channel))
	}

	authorized := r.Group("")
	authorized.Use(AuthMiddleware(d.Tokens))
	if d.Limiter != nil {
		authorized.Use(d.Limiter.Middleware())
	}
	{
		authorized.POST(protocol.PathLocationUpdate, h.UpdateLocation)
		authorized.GET(protocol.PathActiveUsers, h.ActiveUsers)
		authorized.DELETE("/location/:projectId", h.Leave)

		authorized.POST(protocol.PathField, h.SubmitField)
		authorized.POST(protocol.PathFieldSync, h.Sync)
		authorized.POST(protocol.PathEmergencyAlert, h.EmergencyAlert)

		authorized.POST("/threads/:id/messages", h.PostThreadMessage)
	}
	return r
}

func (h *Handler) ctx(c *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request.Context(), h.timeout)
}

// UpdateLocation POST /location/update
func (h *Handler) UpdateLocation(c *gin.Context) {
	var req protocol.LocationUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	ctx, cancel := h.ctx(c)
	defer cancel()

	if err := h.presence.UpdateLocation(ctx, principal(c), req); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// ActiveUsers GET /location/active-users?projectId=
func (h *Handler) ActiveUsers(c *gin.Context) {
	projectID := c.Query("projectId")
	ctx, cancel := h.ctx(c)
	defer cancel()

	users, err := h.presence.ActiveUsers(ctx, projectID)
	if err != nil {
		writeError(c, err)
		return
	}
	if users == nil {
		users = []protocol.ActiveUser{}
	}
	c.JSON(http.StatusOK, protocol.Users{Type: protocol.TypeActiveUsers, ProjectID: projectID, Users: users})
}

// Leave DELETE /location/:projectId 主动离开项目
func (h *Handler) Leave(c *gin.Context) {
	ctx, cancel := h.ctx(c)
	defer cancel()

	if err := h.presence.Leave(ctx, c.Param("projectId"), principal(c).UserID); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// SubmitField POST /field，重复提交同样返回 201
func (h *Handler) SubmitField(c *gin.Context) {
	var req protocol.FieldReportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	ctx, cancel := h.ctx(c)
	defer cancel()

	resp, _, err := h.field.Submit(ctx, principal(c), c.GetHeader(protocol.HeaderIdempotencyKey), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, resp)
}

// Sync POST /field/sync
func (h *Handler) Sync(c *gin.Context) {
	var req protocol.SyncRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	ctx, cancel := h.ctx(c)
	defer cancel()

	c.JSON(http.StatusOK, h.field.Sync(ctx, principal(c), req))
}

// EmergencyAlert POST /field/emergency/alert
func (h *Handler) EmergencyAlert(c *gin.Context) {
	var req protocol.EmergencyAlertRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	ctx, cancel := h.ctx(c)
	defer cancel()

	alert, err := h.field.EmergencyAlert(ctx, principal(c), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "alertId": alert.ID})
}

// PostThreadMessage POST /threads/:id/messages
func (h *Handler) PostThreadMessage(c *gin.Context) {
	var body struct {
		Message json.RawMessage `json:"message"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	ctx, cancel := h.ctx(c)
	defer cancel()

	if err := h.thread.Post(ctx, principal(c), c.Param("id"), body.Message); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, errs.ErrInvalidArgument), errors.Is(err, errs.ErrUnsupported):
		status = http.StatusBadRequest
	case errors.Is(err, errs.ErrUnauthorized):
		status = http.StatusUnauthorized
	case errors.Is(err, errs.ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, errs.ErrStaleUpdate):
		status = http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}
	if status >= http.StatusInternalServerError {
		zlog.FromContext(c.Request.Context()).Error("request failed", zap.Error(err))
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

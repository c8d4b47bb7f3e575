package application

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/EthanQC/fieldsync/pkg/protocol"
	"github.com/EthanQC/fieldsync/services/field_agent/internal/domain/entity"
	"github.com/EthanQC/fieldsync/services/field_agent/internal/domain/errs"
	"github.com/EthanQC/fieldsync/services/field_agent/internal/ports/in"
	"github.com/EthanQC/fieldsync/services/field_agent/internal/ports/out"
)

// FieldReporter 现场上报：普通上报一律先入队再补发，紧急告警直接发送且从不入队
type FieldReporter struct {
	queue        *OfflineQueue
	coordinator  *SyncCoordinator
	backend      out.Backend
	tokens       out.TokenProvider
	latest       func() entity.GeoReading
	connectivity func() entity.Connectivity
	project      func() string
	timeout      time.Duration
	logger       *zap.Logger
}

// NewFieldReporter 创建现场上报
func NewFieldReporter(
	queue *OfflineQueue,
	coordinator *SyncCoordinator,
	backend out.Backend,
	tokens out.TokenProvider,
	latest func() entity.GeoReading,
	connectivity func() entity.Connectivity,
	project func() string,
	timeout time.Duration,
) *FieldReporter {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &FieldReporter{
		queue:        queue,
		coordinator:  coordinator,
		backend:      backend,
		tokens:       tokens,
		latest:       latest,
		connectivity: connectivity,
		project:      project,
		timeout:      timeout,
		logger:       zap.L().Named("reporter"),
	}
}

// Submit 组装完整的 POST /field 请求描述并入队，在线时请求补发
func (r *FieldReporter) Submit(ctx context.Context, report in.FieldReport) (string, error) {
	coords, err := r.position(report.Coordinates)
	if err != nil {
		return "", err
	}
	if report.ProjectID == "" && r.project != nil {
		report.ProjectID = r.project()
	}
	if report.ProjectID == "" {
		return "", fmt.Errorf("field report needs a project")
	}

	captured := time.Now().UTC()
	body, err := json.Marshal(protocol.FieldReportRequest{
		ProjectID:   report.ProjectID,
		Type:        report.Type,
		Title:       report.Title,
		Coordinates: coords,
		Images:      report.Images,
		Data:        report.Data,
		CapturedAt:  &captured,
	})
	if err != nil {
		return "", fmt.Errorf("encode field report: %w", err)
	}

	headers := map[string]string{"Content-Type": "application/json"}
	if r.tokens != nil {
		token, err := r.tokens.Token(ctx)
		if err != nil {
			return "", fmt.Errorf("fetch token: %w", err)
		}
		if token != "" {
			headers["Authorization"] = "Bearer " + token
		}
	}

	sub, err := r.queue.Enqueue(ctx, NewSubmission{
		TargetURL: r.backend.URL(protocol.PathField),
		Method:    http.MethodPost,
		Headers:   headers,
		Body:      body,
	})
	if err != nil {
		return "", err
	}

	if r.coordinator != nil && (r.connectivity == nil || r.connectivity() != entity.ConnOffline) {
		r.coordinator.Trigger(entity.ReasonEnqueue)
	}
	return sub.ID, nil
}

// EmergencyAlert 直接发送，失败返回 errs.ErrEmergencyAlert
func (r *FieldReporter) EmergencyAlert(ctx context.Context, message string) error {
	coords, err := r.position(nil)
	if err != nil {
		r.logger.Error("emergency alert without position", zap.Error(err))
		return fmt.Errorf("%w: %v", errs.ErrEmergencyAlert, err)
	}

	req := protocol.EmergencyAlertRequest{Coordinates: coords, Message: message}
	if r.project != nil {
		req.ProjectID = r.project()
	}

	cctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	if err := r.backend.EmergencyAlert(cctx, req); err != nil {
		r.logger.Error("emergency alert not delivered", zap.Error(err))
		return fmt.Errorf("%w: %w", errs.ErrEmergencyAlert, err)
	}
	r.logger.Info("emergency alert delivered", zap.String("projectId", req.ProjectID))
	return nil
}

// position 优先使用显式坐标，否则取采样器最近一次有效定位
func (r *FieldReporter) position(explicit *entity.Coordinates) (entity.Coordinates, error) {
	if explicit != nil {
		if !explicit.Valid() {
			return entity.Coordinates{}, fmt.Errorf("invalid coordinates %v,%v", explicit.Lat, explicit.Lng)
		}
		return *explicit, nil
	}
	if r.latest != nil {
		if cur := r.latest(); cur.Valid() {
			return *cur.Coordinates, nil
		}
	}
	return entity.Coordinates{}, errs.ErrPositionUnavail
}

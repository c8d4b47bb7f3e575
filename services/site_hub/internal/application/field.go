package application

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/EthanQC/fieldsync/pkg/protocol"
	"github.com/EthanQC/fieldsync/pkg/zlog"
	"github.com/EthanQC/fieldsync/services/site_hub/internal/domain/entity"
	"github.com/EthanQC/fieldsync/services/site_hub/internal/domain/errs"
	"github.com/EthanQC/fieldsync/services/site_hub/internal/ports/in"
	"github.com/EthanQC/fieldsync/services/site_hub/internal/ports/out"
)

// 由幂等键推导上报 id，重放时图片对象键保持不变
var reportNamespace = uuid.MustParse("6f1c2a4e-8d0b-4b8e-9a57-3f2d1c0e9b11")

const maxImageBytes = 8 << 20

// FieldDeps 现场上报用例的依赖，Images/Events/Alerter 可以为空
type FieldDeps struct {
	Repo     out.FieldRepository
	Images   out.ImageStore
	Events   out.EventPublisher
	Alerter  out.Alerter
	Bus      out.Broadcaster
	Presence in.PresenceUseCase
}

// FieldService 现场上报与紧急告警
type FieldService struct {
	FieldDeps
	now    func() time.Time
	logger *zap.Logger
}

var _ in.FieldUseCase = (*FieldService)(nil)

// NewFieldService 创建现场上报用例
func NewFieldService(deps FieldDeps) *FieldService {
	return &FieldService{FieldDeps: deps, now: time.Now, logger: zlog.Named("field")}
}

type fieldCreatedEvent struct {
	ID          string               `json:"id"`
	UserID      string               `json:"userId"`
	ProjectID   string               `json:"projectId"`
	Type        string               `json:"type"`
	Title       string               `json:"title,omitempty"`
	Coordinates protocol.Coordinates `json:"coordinates"`
	ImageURLs   []string             `json:"imageUrls,omitempty"`
	Data        json.RawMessage      `json:"data,omitempty"`
	CapturedAt  time.Time            `json:"capturedAt"`
	CreatedAt   time.Time            `json:"createdAt"`
}

// Submit 幂等写入；同一幂等键的重放返回首次写入的记录
func (s *FieldService) Submit(ctx context.Context, p entity.Principal, key string, req protocol.FieldReportRequest) (protocol.FieldReportResponse, bool, error) {
	if strings.TrimSpace(req.Type) == "" {
		return protocol.FieldReportResponse{}, false, fmt.Errorf("%w: type is required", errs.ErrInvalidArgument)
	}
	if req.ProjectID == "" {
		return protocol.FieldReportResponse{}, false, fmt.Errorf("%w: projectId is required", errs.ErrInvalidArgument)
	}
	if !req.Coordinates.Valid() {
		return protocol.FieldReportResponse{}, false, fmt.Errorf("%w: coordinates out of range", errs.ErrInvalidArgument)
	}
	if key == "" {
		key = uuid.NewString()
	}

	now := s.now().UTC()
	report := &entity.FieldReport{
		ID:             uuid.NewSHA1(reportNamespace, []byte(p.UserID+"/"+key)).String(),
		IdempotencyKey: key,
		UserID:         p.UserID,
		ProjectID:      req.ProjectID,
		Type:           req.Type,
		Title:          req.Title,
		Coordinates:    req.Coordinates,
		Data:           req.Data,
		CapturedAt:     now,
		CreatedAt:      now,
	}
	if req.CapturedAt != nil && !req.CapturedAt.IsZero() {
		report.CapturedAt = req.CapturedAt.UTC()
	}

	urls, err := s.storeImages(ctx, report, req.Images)
	if err != nil {
		return protocol.FieldReportResponse{}, false, err
	}
	report.ImageURLs = urls

	stored, created, err := s.Repo.Create(ctx, report)
	if err != nil {
		return protocol.FieldReportResponse{}, false, fmt.Errorf("save field report: %w", err)
	}

	if created {
		s.publish(ctx, entity.TopicFieldCreated, stored.ID, fieldCreatedEvent{
			ID:          stored.ID,
			UserID:      stored.UserID,
			ProjectID:   stored.ProjectID,
			Type:        stored.Type,
			Title:       stored.Title,
			Coordinates: stored.Coordinates,
			ImageURLs:   stored.ImageURLs,
			Data:        stored.Data,
			CapturedAt:  stored.CapturedAt,
			CreatedAt:   stored.CreatedAt,
		})
		zlog.C(ctx).Info("field report accepted", zap.String("id", stored.ID), zap.String("project", stored.ProjectID), zap.String("user", stored.UserID))
	} else {
		zlog.C(ctx).Info("duplicate field report", zap.String("id", stored.ID), zap.String("key", key))
	}

	return protocol.FieldReportResponse{ID: stored.ID, ImageURLs: stored.ImageURLs, Duplicate: !created}, created, nil
}

// storeImages 解码 base64 图片并上传，未配置图片存储时忽略图片
func (s *FieldService) storeImages(ctx context.Context, r *entity.FieldReport, images []string) ([]string, error) {
	if len(images) == 0 {
		return nil, nil
	}
	if s.Images == nil {
		s.logger.Warn("image store not configured, dropping images", zap.String("id", r.ID), zap.Int("count", len(images)))
		return nil, nil
	}

	urls := make([]string, 0, len(images))
	for i, raw := range images {
		contentType, data, err := decodeImage(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: images[%d]: %v", errs.ErrInvalidArgument, i, err)
		}
		key := fmt.Sprintf("reports/%s/%s/%d%s", r.ProjectID, r.ID, i, extension(contentType))
		u, err := s.Images.Put(ctx, key, contentType, data)
		if err != nil {
			return nil, fmt.Errorf("upload image: %w", err)
		}
		urls = append(urls, u)
	}
	return urls, nil
}

// decodeImage 支持裸 base64 与 data:<mime>;base64, 前缀
func decodeImage(raw string) (string, []byte, error) {
	contentType := ""
	if rest, ok := strings.CutPrefix(raw, "data:"); ok {
		meta, payload, found := strings.Cut(rest, ",")
		if !found || !strings.HasSuffix(meta, ";base64") {
			return "", nil, errors.New("unsupported data url")
		}
		contentType = strings.TrimSuffix(meta, ";base64")
		raw = payload
	}
	data, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return "", nil, err
	}
	if len(data) == 0 || len(data) > maxImageBytes {
		return "", nil, fmt.Errorf("image size %d out of range", len(data))
	}
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	return contentType, data, nil
}

func extension(contentType string) string {
	switch contentType {
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/webp":
		return ".webp"
	case "image/gif":
		return ".gif"
	default:
		return ".bin"
	}
}

// Sync 逐条重放离线队列内容，单条失败不影响其余条目
func (s *FieldService) Sync(ctx context.Context, p entity.Principal, req protocol.SyncRequest) protocol.SyncResponse {
	var resp protocol.SyncResponse
	for _, item := range req.PendingData {
		if err := s.replay(ctx, p, item); err != nil {
			resp.Failed++
			s.logger.Warn("sync item failed", zap.String("id", item.ID), zap.String("target", item.TargetURL), zap.Error(err))
			continue
		}
		resp.Synced++
	}
	return resp
}

func (s *FieldService) replay(ctx context.Context, p entity.Principal, item protocol.ReplayRequest) error {
	if !strings.EqualFold(item.Method, http.MethodPost) {
		return fmt.Errorf("%w: method %s", errs.ErrUnsupported, item.Method)
	}
	u, err := url.Parse(item.TargetURL)
	if err != nil {
		return fmt.Errorf("%w: %v", errs.ErrUnsupported, err)
	}

	switch {
	case strings.HasSuffix(u.Path, protocol.PathLocationUpdate):
		if s.Presence == nil {
			return fmt.Errorf("%w: %s", errs.ErrUnsupported, u.Path)
		}
		var req protocol.LocationUpdateRequest
		if err := json.Unmarshal(item.Body, &req); err != nil {
			return fmt.Errorf("%w: %v", errs.ErrInvalidArgument, err)
		}
		return s.Presence.UpdateLocation(ctx, p, req)
	case strings.HasSuffix(u.Path, protocol.PathField):
		var req protocol.FieldReportRequest
		if err := json.Unmarshal(item.Body, &req); err != nil {
			return fmt.Errorf("%w: %v", errs.ErrInvalidArgument, err)
		}
		key := headerValue(item.Headers, protocol.HeaderIdempotencyKey)
		if key == "" {
			key = item.ID
		}
		_, _, err := s.Submit(ctx, p, key, req)
		return err
	default:
		return fmt.Errorf("%w: %s", errs.ErrUnsupported, u.Path)
	}
}

func headerValue(h map[string]string, name string) string {
	for k, v := range h {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

// EmergencyAlert 广播给项目订阅者，并发布事件、发送短信
func (s *FieldService) EmergencyAlert(ctx context.Context, p entity.Principal, req protocol.EmergencyAlertRequest) (entity.Alert, error) {
	if !req.Coordinates.Valid() {
		return entity.Alert{}, fmt.Errorf("%w: coordinates out of range", errs.ErrInvalidArgument)
	}
	alert := entity.Alert{
		ID:          uuid.NewString(),
		UserID:      p.UserID,
		UserName:    p.UserName,
		ProjectID:   req.ProjectID,
		Coordinates: req.Coordinates,
		Message:     req.Message,
		RaisedAt:    s.now().UTC(),
	}

	projects := []string{req.ProjectID}
	if req.ProjectID == "" {
		projects = s.Bus.Subscriptions(p.UserID)
	}
	for _, projectID := range projects {
		msg := alert.ChannelMessage()
		msg.ProjectID = projectID
		s.Bus.ToProject(projectID, msg)
	}

	s.publish(ctx, entity.TopicEmergencyAlert, alert.ID, alert.ChannelMessage())
	if s.Alerter != nil {
		if err := s.Alerter.Notify(ctx, alert); err != nil {
			s.logger.Error("emergency sms failed", zap.String("alert", alert.ID), zap.Error(err))
		}
	}
	s.logger.Warn("emergency alert raised",
		zap.String("alert", alert.ID),
		zap.String("user", alert.UserID),
		zap.Strings("projects", projects),
		zap.Float64("lat", alert.Coordinates.Lat),
		zap.Float64("lng", alert.Coordinates.Lng),
	)
	return alert, nil
}

func (s *FieldService) publish(ctx context.Context, topic, key string, v any) {
	if s.Events == nil {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("encode event", zap.String("topic", topic), zap.Error(err))
		return
	}
	if err := s.Events.Publish(ctx, topic, key, data); err != nil {
		s.logger.Warn("publish event failed", zap.String("topic", topic), zap.String("key", key), zap.Error(err))
	}
}

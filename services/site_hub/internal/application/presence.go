package application

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/EthanQC/fieldsync/pkg/protocol"
	"github.com/EthanQC/fieldsync/pkg/zlog"
	"github.com/EthanQC/fieldsync/services/site_hub/internal/domain/entity"
	"github.com/EthanQC/fieldsync/services/site_hub/internal/domain/errs"
	"github.com/EthanQC/fieldsync/services/site_hub/internal/ports/in"
	"github.com/EthanQC/fieldsync/services/site_hub/internal/ports/out"
)

// 客户端时钟最多允许超前的时间，超过按服务端时间记录
const maxClockSkew = time.Minute

// PresenceService 在线人员位置
type PresenceService struct {
	store  out.PresenceStore
	bus    out.Broadcaster
	now    func() time.Time
	logger *zap.Logger
}

var _ in.PresenceUseCase = (*PresenceService)(nil)

// NewPresenceService 创建在线人员用例
func NewPresenceService(store out.PresenceStore, bus out.Broadcaster) *PresenceService {
	return &PresenceService{store: store, bus: bus, now: time.Now, logger: zlog.Named("presence")}
}

// UpdateLocation 记录位置并广播给项目订阅者；比已记录旧的更新静默丢弃
func (s *PresenceService) UpdateLocation(ctx context.Context, p entity.Principal, req protocol.LocationUpdateRequest) error {
	if !req.Coordinates.Valid() {
		return fmt.Errorf("%w: coordinates out of range", errs.ErrInvalidArgument)
	}
	role := req.Role
	if !role.Valid() {
		role = p.Role
	}
	name := req.UserName
	if name == "" {
		name = p.UserName
	}

	now := s.now().UTC()
	at := now
	if req.CapturedAt != nil && !req.CapturedAt.IsZero() && req.CapturedAt.Before(now.Add(maxClockSkew)) {
		at = req.CapturedAt.UTC()
	}
	// 心跳不带新读数，lastUpdated 取心跳时间使在线状态延续
	if req.HeartbeatAt != nil && req.HeartbeatAt.After(at) {
		at = now
		if req.HeartbeatAt.Before(now.Add(maxClockSkew)) {
			at = req.HeartbeatAt.UTC()
		}
	}

	projects := []string{req.ProjectID}
	if req.ProjectID == "" {
		projects = s.bus.Subscriptions(p.UserID)
	}
	if len(projects) == 0 {
		return fmt.Errorf("%w: no project for location update", errs.ErrInvalidArgument)
	}

	for _, projectID := range projects {
		u := entity.ActiveUser{
			UserID:      p.UserID,
			UserName:    name,
			Role:        role,
			Coordinates: req.Coordinates,
			Accuracy:    req.Accuracy,
			LastUpdated: at,
			ProjectID:   projectID,
		}
		accepted, err := s.store.Upsert(ctx, projectID, u)
		if err != nil {
			return fmt.Errorf("store location: %w", err)
		}
		if !accepted {
			s.logger.Debug("stale location ignored", zap.String("user", p.UserID), zap.String("project", projectID))
			continue
		}
		s.bus.ToProject(projectID, protocol.Users{
			Type:      protocol.TypeLocationUpdate,
			ProjectID: projectID,
			Users:     []entity.ActiveUser{u},
		})
	}
	return nil
}

// ActiveUsers 项目当前在线人员
func (s *PresenceService) ActiveUsers(ctx context.Context, projectID string) ([]entity.ActiveUser, error) {
	if projectID == "" {
		return nil, fmt.Errorf("%w: projectId is required", errs.ErrInvalidArgument)
	}
	return s.store.Active(ctx, projectID)
}

// Leave 移除并广播 user_left
func (s *PresenceService) Leave(ctx context.Context, projectID, userID string) error {
	if err := s.store.Remove(ctx, projectID, userID); err != nil {
		return err
	}
	s.bus.ToProject(projectID, protocol.UserLeft{UserID: userID, ProjectID: projectID})
	return nil
}

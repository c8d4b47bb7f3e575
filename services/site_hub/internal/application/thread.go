package application

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/EthanQC/fieldsync/pkg/protocol"
	"github.com/EthanQC/fieldsync/services/site_hub/internal/domain/entity"
	"github.com/EthanQC/fieldsync/services/site_hub/internal/domain/errs"
	"github.com/EthanQC/fieldsync/services/site_hub/internal/ports/in"
	"github.com/EthanQC/fieldsync/services/site_hub/internal/ports/out"
)

// ThreadService 会话消息转发，消息本身由外部消息服务持久化
type ThreadService struct {
	bus out.Broadcaster
}

var _ in.ThreadUseCase = (*ThreadService)(nil)

func NewThreadService(bus out.Broadcaster) *ThreadService {
	return &ThreadService{bus: bus}
}

// Post 把消息推给会话成员
func (s *ThreadService) Post(_ context.Context, p entity.Principal, threadID string, message json.RawMessage) error {
	if threadID == "" {
		return fmt.Errorf("%w: thread id is required", errs.ErrInvalidArgument)
	}
	if len(message) == 0 || !json.Valid(message) {
		return fmt.Errorf("%w: message must be json", errs.ErrInvalidArgument)
	}
	s.bus.ToThread(threadID, protocol.ThreadMessage{ThreadID: threadID, Message: message}, "")
	return nil
}

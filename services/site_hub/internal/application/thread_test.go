package application

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EthanQC/fieldsync/pkg/protocol"
	"github.com/EthanQC/fieldsync/services/site_hub/internal/domain/errs"
)

func TestThreadPost(t *testing.T) {
	bus := &fakeBus{}
	s := NewThreadService(bus)

	require.NoError(t, s.Post(context.Background(), ann, "t1", json.RawMessage(`{"text":"hi"}`)))
	out := bus.sent()
	require.Len(t, out, 1)
	assert.Equal(t, "thread:t1", out[0].target)
	assert.Equal(t, "t1", out[0].msg.(protocol.ThreadMessage).ThreadID)

	assert.ErrorIs(t, s.Post(context.Background(), ann, "", json.RawMessage(`{}`)), errs.ErrInvalidArgument)
	assert.ErrorIs(t, s.Post(context.Background(), ann, "t1", json.RawMessage(`{bad`)), errs.ErrInvalidArgument)
	assert.ErrorIs(t, s.Post(context.Background(), ann, "t1", nil), errs.ErrInvalidArgument)
}

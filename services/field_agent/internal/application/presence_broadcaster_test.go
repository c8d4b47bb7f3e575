package application

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EthanQC/fieldsync/pkg/protocol"
	"github.com/EthanQC/fieldsync/services/field_agent/internal/domain/entity"
)

func TestHeartbeatCarriesSendTime(t *testing.T) {
	backend := &fakeBackend{}
	coords := entity.Coordinates{Lat: 4, Lng: 5}
	captured := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	reading := entity.GeoReading{Coordinates: &coords, CapturedAt: captured}

	b := NewPresenceBroadcaster(
		SelfIdentity{UserID: "me", UserName: "Kai", Role: protocol.RoleForeman},
		time.Hour, time.Second, backend,
		func() entity.GeoReading { return reading },
		func() entity.Connectivity { return entity.ConnOnline },
		func() string { return "p1" },
	)
	sent := captured.Add(7 * time.Minute)
	b.now = func() time.Time { return sent }

	b.OnReading(reading)
	b.Heartbeat(context.Background())

	backend.mu.Lock()
	defer backend.mu.Unlock()
	require.Len(t, backend.locations, 2)

	fresh := backend.locations[0]
	assert.Nil(t, fresh.HeartbeatAt)
	require.NotNil(t, fresh.CapturedAt)
	assert.Equal(t, captured, *fresh.CapturedAt)

	hb := backend.locations[1]
	require.NotNil(t, hb.HeartbeatAt)
	assert.Equal(t, sent, *hb.HeartbeatAt)
	assert.Equal(t, captured, *hb.CapturedAt)
	assert.Equal(t, "p1", hb.ProjectID)
}

func TestHeartbeatSkippedOfflineOrWithoutFix(t *testing.T) {
	backend := &fakeBackend{}
	conn := entity.ConnOffline
	var reading entity.GeoReading

	b := NewPresenceBroadcaster(SelfIdentity{UserID: "me"}, time.Hour, time.Second, backend,
		func() entity.GeoReading { return reading },
		func() entity.Connectivity { return conn },
		nil,
	)
	b.Heartbeat(context.Background())

	coords := entity.Coordinates{Lat: 4, Lng: 5}
	reading = entity.GeoReading{Coordinates: &coords, CapturedAt: time.Now()}
	b.Heartbeat(context.Background())
	assert.Equal(t, 0, backend.locationCount())

	conn = entity.ConnOnline
	b.Heartbeat(context.Background())
	assert.Equal(t, 1, backend.locationCount())
}

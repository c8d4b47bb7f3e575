package application

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EthanQC/fieldsync/pkg/protocol"
	"github.com/EthanQC/fieldsync/services/field_agent/internal/domain/entity"
	"github.com/EthanQC/fieldsync/services/field_agent/internal/domain/roster"
)

func peer(id string, at time.Time, lat float64) entity.ActiveUser {
	return entity.ActiveUser{
		UserID:      id,
		Role:        protocol.RoleLabour,
		Coordinates: entity.Coordinates{Lat: lat, Lng: 1},
		LastUpdated: at,
	}
}

func TestAggregatorMergesChannelEvents(t *testing.T) {
	now := time.Now()
	a := NewAggregator(AggregatorConfig{Self: SelfIdentity{UserID: "me", Role: protocol.RoleForeman}})
	a.SelectProject("p1")

	a.HandleChannelEvent(ChannelEvent{
		Type:    protocol.TypeActiveUsers,
		Message: protocol.Users{Type: protocol.TypeActiveUsers, ProjectID: "p1", Users: []entity.ActiveUser{peer("a", now, 1), peer("b", now, 2)}},
		At:      now,
	})
	a.HandleChannelEvent(ChannelEvent{
		Type:    protocol.TypeLocationUpdate,
		Message: protocol.Users{Type: protocol.TypeLocationUpdate, Users: []entity.ActiveUser{peer("a", now.Add(-time.Minute), 9)}},
		At:      now,
	})

	rows := a.Rows("", now)
	require.Equal(t, []string{"a", "b"}, sortedIDs(rows))
	for _, r := range rows {
		if r.UserID == "a" {
			assert.Equal(t, 1.0, r.Coordinates.Lat, "stale update must not overwrite")
			assert.Equal(t, roster.ColorLabour, r.ColorTag)
		}
	}

	a.HandleChannelEvent(ChannelEvent{Type: protocol.TypeUserLeft, Message: protocol.UserLeft{UserID: "b", ProjectID: "p1"}})
	assert.Equal(t, []string{"a"}, sortedIDs(a.Rows("p1", now)))
}

func TestAggregatorClearsOnReconnect(t *testing.T) {
	now := time.Now()
	a := NewAggregator(AggregatorConfig{})
	a.Apply("p1", []entity.ActiveUser{peer("a", now, 1)}, now)
	require.Len(t, a.Rows("p1", now), 1)

	a.HandleChannelEvent(ChannelEvent{State: entity.ChannelDisconnected})
	assert.Len(t, a.Rows("p1", now), 1)

	a.HandleChannelEvent(ChannelEvent{State: entity.ChannelConnected})
	assert.Empty(t, a.Rows("p1", now))
}

func TestAggregatorSweepsStale(t *testing.T) {
	now := time.Now()
	a := NewAggregator(AggregatorConfig{})
	a.Apply("p1", []entity.ActiveUser{peer("old", now.Add(-3*time.Minute), 1), peer("new", now, 1)}, now)

	removed := a.Sweep(now)
	assert.Equal(t, []string{"old"}, removed)
	assert.Equal(t, []string{"new"}, sortedIDs(a.Rows("p1", now)))
}

func TestAggregatorSelfEntry(t *testing.T) {
	a := NewAggregator(AggregatorConfig{Self: SelfIdentity{UserID: "me", UserName: "Me", Role: protocol.RoleManager}})
	a.SelectProject("p1")

	a.SetSelf(entity.GeoReading{})
	assert.Empty(t, a.Rows("", time.Now()))

	coords := entity.Coordinates{Lat: 5, Lng: 6}
	acc := 3.0
	at := time.Now()
	a.SetSelf(entity.GeoReading{Coordinates: &coords, Accuracy: &acc, CapturedAt: at})

	rows := a.Rows("", at)
	require.Len(t, rows, 1)
	assert.True(t, rows[0].Self)
	assert.Equal(t, roster.ColorManager, rows[0].ColorTag)
	assert.Equal(t, "p1", rows[0].ProjectID)
}

func TestAggregatorFillsMissingTimestamp(t *testing.T) {
	recv := time.Now()
	a := NewAggregator(AggregatorConfig{})
	a.Apply("p1", []entity.ActiveUser{{UserID: "x", Coordinates: entity.Coordinates{Lat: 1, Lng: 1}}}, recv)

	rows := a.Rows("p1", recv)
	require.Len(t, rows, 1)
	assert.True(t, recv.Equal(rows[0].LastUpdated))
}

func TestAggregatorKeepsSelfWhileSampling(t *testing.T) {
	sampling := true
	a := NewAggregator(AggregatorConfig{
		Self:       SelfIdentity{UserID: "me", Role: protocol.RoleForeman},
		StaleAfter: 2 * time.Minute,
		SelfAlive:  func() bool { return sampling },
	})
	a.SelectProject("p1")

	coords := entity.Coordinates{Lat: 5, Lng: 6}
	t0 := time.Now()
	a.SetSelf(entity.GeoReading{Coordinates: &coords, CapturedAt: t0})
	a.Apply("p1", []entity.ActiveUser{peer("a", t0, 1)}, t0)

	later := t0.Add(3 * time.Minute)
	assert.Equal(t, []string{"a"}, a.Sweep(later))
	rows := a.Rows("p1", later)
	require.Len(t, rows, 1)
	assert.True(t, rows[0].Self)
	assert.Equal(t, 3*time.Minute, rows[0].LastSeen)

	sampling = false
	assert.Equal(t, []string{"me"}, a.Sweep(later))
	assert.Empty(t, a.Rows("p1", later))
}

func TestAggregatorReconnectKeepsSelf(t *testing.T) {
	now := time.Now()
	a := NewAggregator(AggregatorConfig{Self: SelfIdentity{UserID: "me", Role: protocol.RoleForeman}})
	a.SelectProject("p1")
	coords := entity.Coordinates{Lat: 5, Lng: 6}
	a.SetSelf(entity.GeoReading{Coordinates: &coords, CapturedAt: now})
	a.Apply("p1", []entity.ActiveUser{peer("a", now, 1)}, now)

	a.HandleChannelEvent(ChannelEvent{State: entity.ChannelConnected})
	assert.Equal(t, []string{"me"}, sortedIDs(a.Rows("p1", now)))
}

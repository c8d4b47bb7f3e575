package roster

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EthanQC/fieldsync/pkg/protocol"
	"github.com/EthanQC/fieldsync/services/field_agent/internal/domain/entity"
)

var base = time.Date(2024, 6, 3, 9, 0, 0, 0, time.UTC)

func user(id string, role protocol.Role, at time.Time, lat float64) entity.ActiveUser {
	return entity.ActiveUser{
		UserID:      id,
		UserName:    id,
		Role:        role,
		Coordinates: protocol.Coordinates{Lat: lat, Lng: 10},
		LastUpdated: at,
	}
}

func TestMergeIsIdempotent(t *testing.T) {
	u := user("a", protocol.RoleLabour, base, 1)

	once := Merge(Roster{}, u)
	twice := Merge(once, u)

	assert.Equal(t, once, twice)
	assert.Len(t, twice, 1)
}

func TestMergeRejectsStaleUpdate(t *testing.T) {
	newer := user("a", protocol.RoleLabour, base.Add(time.Minute), 2)
	older := user("a", protocol.RoleLabour, base, 1)

	r := Merge(Roster{}, newer)
	r = Merge(r, older)

	assert.Equal(t, 2.0, r["a"].Coordinates.Lat)
	assert.False(t, Accepts(r, older))
}

func TestMergeEqualTimestampKeepsExisting(t *testing.T) {
	first := user("a", protocol.RoleLabour, base, 1)
	second := user("a", protocol.RoleLabour, base, 9)

	r := Merge(Merge(Roster{}, first), second)
	assert.Equal(t, 1.0, r["a"].Coordinates.Lat)
}

func TestMergeDoesNotMutateInput(t *testing.T) {
	r := Merge(Roster{}, user("a", protocol.RoleLabour, base, 1))
	_ = Merge(r, user("b", protocol.RoleForeman, base, 1))
	assert.Len(t, r, 1)

	_ = Merge(r, user("", protocol.RoleForeman, base, 1))
	assert.Len(t, r, 1)
}

func TestPrune(t *testing.T) {
	r := Merge(Roster{},
		user("fresh", protocol.RoleLabour, base.Add(-time.Minute), 1),
		user("stale", protocol.RoleLabour, base.Add(-3*time.Minute), 1),
	)

	pruned, removed := Prune(r, base, DefaultStaleAfter)
	require.Equal(t, []string{"stale"}, removed)
	assert.Contains(t, pruned, "fresh")
	assert.NotContains(t, pruned, "stale")
	assert.Len(t, r, 2)
}

func TestRemove(t *testing.T) {
	r := Merge(Roster{}, user("a", protocol.RoleLabour, base, 1))
	assert.Empty(t, Remove(r, "a"))
	assert.Len(t, Remove(r, "missing"), 1)
}

func TestColor(t *testing.T) {
	assert.Equal(t, ColorManager, Color(protocol.RoleManager))
	assert.Equal(t, ColorForeman, Color(protocol.RoleForeman))
	assert.Equal(t, ColorLabour, Color(protocol.RoleLabour))
	assert.Equal(t, ColorUnknown, Color("surveyor"))
}

func TestViewOrderAndDerivedFields(t *testing.T) {
	r := Merge(Roster{},
		user("lab", protocol.RoleLabour, base.Add(-30*time.Second), 1),
		user("mgr", protocol.RoleManager, base.Add(-10*time.Second), 1),
		user("me", protocol.RoleLabour, base, 1),
		user("odd", "", base.Add(time.Second), 1),
	)

	rows := View(r, base, "me")
	require.Len(t, rows, 4)
	assert.Equal(t, []string{"me", "mgr", "lab", "odd"}, []string{rows[0].UserID, rows[1].UserID, rows[2].UserID, rows[3].UserID})
	assert.True(t, rows[0].Self)
	assert.Equal(t, int64(10000), rows[1].LastSeenMs)
	assert.Equal(t, ColorManager, rows[1].ColorTag)
	assert.Equal(t, int64(0), rows[3].LastSeenMs)
	assert.Equal(t, ColorUnknown, rows[3].ColorTag)
}

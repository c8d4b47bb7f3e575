package protocol

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeFillsType(t *testing.T) {
	data, err := Encode(Subscribe{UserID: "u1", ProjectIDs: []string{"p1", "p2"}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"subscribe","userId":"u1","projectIds":["p1","p2"]}`, string(data))

	data, err = Encode(JoinThread{ThreadID: "t9"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"join-thread","threadId":"t9"}`, string(data))

	_, err = Encode(Users{Users: nil})
	assert.Error(t, err)

	_, err = Encode(struct{}{})
	assert.Error(t, err)
}

func TestDecodeLocationUpdate(t *testing.T) {
	ts := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	raw := `{"type":"location_update","users":[{"userId":"u2","userName":"Ana","role":"foreman",` +
		`"coordinates":{"lat":-33.86,"lng":151.2},"lastUpdated":"2024-05-01T08:00:00Z","projectId":"p1"}]}`

	msg, err := Decode([]byte(raw))
	require.NoError(t, err)

	users, ok := msg.(Users)
	require.True(t, ok)
	assert.Equal(t, TypeLocationUpdate, users.Type)
	require.Len(t, users.Users, 1)
	u := users.Users[0]
	assert.Equal(t, "u2", u.UserID)
	assert.Equal(t, RoleForeman, u.Role)
	assert.True(t, ts.Equal(u.LastUpdated))
	assert.InDelta(t, 151.2, u.Coordinates.Lng, 1e-9)
}

func TestDecodeRejects(t *testing.T) {
	cases := []struct {
		name    string
		raw     string
		wantErr error
	}{
		{"not json", `{"type":`, ErrMalformed},
		{"missing type", `{"users":[]}`, ErrMalformed},
		{"unknown type", `{"type":"weather"}`, ErrUnknownType},
		{"user without id", `{"type":"active_users","users":[{"role":"labour","coordinates":{"lat":1,"lng":1}}]}`, ErrMalformed},
		{"bad latitude", `{"type":"location_update","users":[{"userId":"a","coordinates":{"lat":91,"lng":1}}]}`, ErrMalformed},
		{"user_left without id", `{"type":"user_left","projectId":"p"}`, ErrMalformed},
		{"typing without thread", `{"type":"message:typing","userId":"a"}`, ErrMalformed},
		{"wrong field type", `{"type":"join-thread","threadId":7}`, ErrMalformed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode([]byte(tc.raw))
			assert.ErrorIs(t, err, tc.wantErr)
		})
	}
}

func TestThreadMessageKeepsRawBody(t *testing.T) {
	data, err := Encode(ThreadMessage{ThreadID: "t1", Message: json.RawMessage(`{"id":"m1","text":"hi"}`)})
	require.NoError(t, err)

	msg, err := Decode(data)
	require.NoError(t, err)
	tm := msg.(ThreadMessage)
	assert.Equal(t, "t1", tm.ThreadID)
	assert.JSONEq(t, `{"id":"m1","text":"hi"}`, string(tm.Message))
}

func TestRoleValid(t *testing.T) {
	assert.True(t, RoleManager.Valid())
	assert.True(t, RoleLabour.Valid())
	assert.False(t, Role("visitor").Valid())
	assert.False(t, Role("").Valid())
}

package jwt

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EthanQC/fieldsync/pkg/protocol"
)

func TestGenerateParse(t *testing.T) {
	m := NewManager("s3cret", "site-hub")
	tok, err := m.Generate("u1", "Ana", protocol.RoleForeman, time.Minute)
	require.NoError(t, err)

	c, err := m.Parse(tok)
	require.NoError(t, err)
	assert.Equal(t, "u1", c.Subject)
	assert.Equal(t, "Ana", c.UserName)
	assert.Equal(t, protocol.RoleForeman, c.Role)
}

func TestParseRejects(t *testing.T) {
	m := NewManager("s3cret", "site-hub")

	expired, err := m.Generate("u1", "", protocol.RoleLabour, -time.Minute)
	require.NoError(t, err)
	_, err = m.Parse(expired)
	assert.ErrorIs(t, err, ErrInvalidToken)

	other, err := NewManager("other", "site-hub").Generate("u1", "", protocol.RoleLabour, time.Minute)
	require.NoError(t, err)
	_, err = m.Parse(other)
	assert.ErrorIs(t, err, ErrInvalidToken)

	wrongIssuer, err := NewManager("s3cret", "elsewhere").Generate("u1", "", protocol.RoleLabour, time.Minute)
	require.NoError(t, err)
	_, err = m.Parse(wrongIssuer)
	assert.ErrorIs(t, err, ErrInvalidToken)

	noSubject, err := m.Generate("", "", protocol.RoleLabour, time.Minute)
	require.NoError(t, err)
	_, err = m.Parse(noSubject)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = m.Parse("garbage")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

package application

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EthanQC/fieldsync/pkg/protocol"
	"github.com/EthanQC/fieldsync/pkg/scheduler"
	"github.com/EthanQC/fieldsync/services/field_agent/internal/domain/channel"
	"github.com/EthanQC/fieldsync/services/field_agent/internal/domain/entity"
	"github.com/EthanQC/fieldsync/services/field_agent/internal/domain/errs"
)

func newTestManager(t *testing.T, d *fakeDialer, cfg ChannelManagerConfig) *ChannelManager {
	t.Helper()
	if cfg.UserID == "" {
		cfg.UserID = "u1"
	}
	if cfg.Backoff == nil {
		cfg.Backoff = channel.Flat{Interval: 20 * time.Millisecond}
	}
	sched := scheduler.New()
	m := NewChannelManager(cfg, d, staticToken("tkn"), sched, NewMetrics(nil))
	require.NoError(t, m.Start())
	t.Cleanup(func() {
		m.Stop()
		sched.Stop()
	})
	return m
}

func waitState(t *testing.T, m *ChannelManager, want entity.ChannelState) {
	t.Helper()
	require.Eventually(t, func() bool { return m.Session().State == want }, waitFor, tick, "want state %s", want)
}

func TestConnectSubscribes(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(t, d, ChannelManagerConfig{ProjectIDs: []string{"p1", "p2"}})
	m.SelectProject("p2")

	require.NoError(t, m.Connect(context.Background()))
	waitState(t, m, entity.ChannelConnected)

	conn := d.last()
	require.Eventually(t, func() bool { return len(conn.writes()) == 2 }, waitFor, tick)
	w := conn.writes()
	assert.JSONEq(t, `{"type":"subscribe","userId":"u1","projectIds":["p1","p2"]}`, w[0])
	assert.JSONEq(t, `{"type":"subscribe","projectId":"p2"}`, w[1])

	d.mu.Lock()
	h := d.headers[0]
	d.mu.Unlock()
	assert.Equal(t, "Bearer tkn", h.Get("Authorization"))
	assert.Equal(t, "u1", h.Get(protocol.HeaderUserID))

	s := m.Session()
	assert.Equal(t, 0, s.RetryCount)
	assert.True(t, s.ShouldReconnect)
	assert.Equal(t, "p2", s.SubscribedProjectID)
}

func TestConnectIsIdempotent(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(t, d, ChannelManagerConfig{})

	for i := 0; i < 5; i++ {
		require.NoError(t, m.Connect(context.Background()))
	}
	waitState(t, m, entity.ChannelConnected)
	require.NoError(t, m.Connect(context.Background()))

	assert.Equal(t, 1, d.dialCount())
	assert.Equal(t, 1, d.peakOpen())
}

func TestCloseSchedulesExactlyOneReconnect(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(t, d, ChannelManagerConfig{Backoff: channel.Flat{Interval: 30 * time.Millisecond}})

	require.NoError(t, m.Connect(context.Background()))
	waitState(t, m, entity.ChannelConnected)

	d.last().Close()
	waitState(t, m, entity.ChannelDisconnected)
	assert.Equal(t, 1, m.Session().RetryCount)

	waitState(t, m, entity.ChannelConnected)
	time.Sleep(100 * time.Millisecond)

	assert.Equal(t, 2, d.dialCount())
	assert.Equal(t, 1, d.peakOpen())
	assert.Equal(t, 0, m.Session().RetryCount)
}

func TestDisconnectDoesNotReconnect(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(t, d, ChannelManagerConfig{})

	require.NoError(t, m.Connect(context.Background()))
	waitState(t, m, entity.ChannelConnected)

	m.Disconnect()
	assert.Equal(t, entity.ChannelIdle, m.Session().State)
	assert.False(t, m.Session().ShouldReconnect)

	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, 1, d.dialCount())
	assert.Equal(t, entity.ChannelIdle, m.State())
}

func TestDisconnectCancelsPendingRetry(t *testing.T) {
	d := &fakeDialer{fail: func(int) error { return errors.New("refused") }}
	m := newTestManager(t, d, ChannelManagerConfig{Backoff: channel.Flat{Interval: 50 * time.Millisecond}})

	require.NoError(t, m.Connect(context.Background()))
	waitState(t, m, entity.ChannelDisconnected)
	require.False(t, m.Session().NextRetryAt.IsZero())

	m.Disconnect()
	time.Sleep(120 * time.Millisecond)
	assert.Equal(t, 1, d.dialCount())
	assert.Equal(t, entity.ChannelIdle, m.State())
}

func TestSendRequiresConnection(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(t, d, ChannelManagerConfig{})

	err := m.Send(protocol.Typing{ThreadID: "t1"})
	assert.ErrorIs(t, err, errs.ErrNotConnected)
	assert.ErrorIs(t, m.JoinThread("t1"), errs.ErrNotConnected)

	require.NoError(t, m.Connect(context.Background()))
	waitState(t, m, entity.ChannelConnected)
	require.NoError(t, m.JoinThread("t1"))

	conn := d.last()
	w := conn.writes()
	assert.JSONEq(t, `{"type":"join-thread","threadId":"t1"}`, w[len(w)-1])
}

func TestSelectProjectResubscribes(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(t, d, ChannelManagerConfig{})

	require.NoError(t, m.Connect(context.Background()))
	waitState(t, m, entity.ChannelConnected)

	m.SelectProject("site-9")
	w := d.last().writes()
	assert.JSONEq(t, `{"type":"subscribe","projectId":"site-9"}`, w[len(w)-1])
}

func TestInboundDispatchAndMalformed(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(t, d, ChannelManagerConfig{})

	var mu sync.Mutex
	var got []ChannelEvent
	m.Subscribe(func(ev ChannelEvent) {
		if ev.IsState() {
			return
		}
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
	})

	require.NoError(t, m.Connect(context.Background()))
	waitState(t, m, entity.ChannelConnected)

	conn := d.last()
	conn.push(`{"type":"active_users","projectId":"p1","users":[{"userId":"a","role":"labour","coordinates":{"lat":1,"lng":2},"lastUpdated":"2024-01-01T00:00:00Z"}]}`)
	conn.push(`{not json`)
	conn.push(`{"type":"weather"}`)
	conn.push(`{"type":"user_left","userId":"a","projectId":"p1"}`)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, waitFor, tick)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, protocol.TypeActiveUsers, got[0].Type)
	assert.Equal(t, "p1", got[0].Message.(protocol.Users).ProjectID)
	assert.Equal(t, protocol.TypeUserLeft, got[1].Type)
	assert.Equal(t, entity.ChannelConnected, m.State())
}

func TestRetriesExhausted(t *testing.T) {
	var healthy sync.Mutex
	failing := true
	d := &fakeDialer{fail: func(int) error {
		healthy.Lock()
		defer healthy.Unlock()
		if failing {
			return errors.New("no route to host")
		}
		return nil
	}}
	m := newTestManager(t, d, ChannelManagerConfig{
		Backoff:    channel.Flat{Interval: 10 * time.Millisecond},
		MaxRetries: 2,
	})

	require.NoError(t, m.Connect(context.Background()))
	require.Eventually(t, func() bool {
		return m.Session().LastError == errs.ErrRetriesExhausted.Error()
	}, waitFor, tick)
	assert.Equal(t, 3, d.dialCount())
	assert.Equal(t, entity.ChannelDisconnected, m.State())

	healthy.Lock()
	failing = false
	healthy.Unlock()

	m.OnConnectivity(entity.Transition{From: entity.ConnOffline, To: entity.ConnOnline, At: time.Now()})
	waitState(t, m, entity.ChannelConnected)
	assert.Equal(t, 4, d.dialCount())
}

func TestOnlineTransitionReconnectsImmediately(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(t, d, ChannelManagerConfig{Backoff: channel.Flat{Interval: time.Hour}})

	require.NoError(t, m.Connect(context.Background()))
	waitState(t, m, entity.ChannelConnected)

	d.last().Close()
	waitState(t, m, entity.ChannelDisconnected)

	m.OnConnectivity(entity.Transition{From: entity.ConnOnline, To: entity.ConnDegraded})
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, entity.ChannelDisconnected, m.State())

	m.OnConnectivity(entity.Transition{From: entity.ConnOffline, To: entity.ConnOnline})
	waitState(t, m, entity.ChannelConnected)
	assert.Equal(t, 2, d.dialCount())
	assert.True(t, m.Session().NextRetryAt.IsZero())
}

func TestNeverTwoOpenChannels(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(t, d, ChannelManagerConfig{Backoff: channel.Flat{Interval: 5 * time.Millisecond}})

	online := entity.Transition{From: entity.ConnOffline, To: entity.ConnOnline}
	for i := 0; i < 20; i++ {
		require.NoError(t, m.Connect(context.Background()))
		m.OnConnectivity(online)
		if c := d.last(); c != nil {
			c.Close()
		}
		m.OnConnectivity(online)
		_ = m.Connect(context.Background())
	}
	waitState(t, m, entity.ChannelConnected)
	assert.LessOrEqual(t, d.peakOpen(), 1)
}

func TestCallsBeforeStartDoNotBlock(t *testing.T) {
	d := &fakeDialer{}
	sched := scheduler.New()
	t.Cleanup(sched.Stop)
	m := NewChannelManager(ChannelManagerConfig{UserID: "u1"}, d, staticToken("tkn"), sched, NewMetrics(nil))

	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.ErrorIs(t, m.Connect(context.Background()), errs.ErrNotConnected)
		assert.ErrorIs(t, m.Send(protocol.Typing{ThreadID: "t1"}), errs.ErrNotConnected)
		m.SelectProject("p1")
		m.Disconnect()
		m.OnConnectivity(entity.Transition{From: entity.ConnOffline, To: entity.ConnOnline})
	}()
	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatal("calls blocked before Start")
	}
	assert.Equal(t, 0, d.dialCount())
	assert.Equal(t, entity.ChannelIdle, m.State())
}

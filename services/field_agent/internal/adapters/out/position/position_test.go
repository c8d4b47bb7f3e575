package position

import (
	"bufio"
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EthanQC/fieldsync/services/field_agent/internal/domain/entity"
	"github.com/EthanQC/fieldsync/services/field_agent/internal/domain/errs"
	"github.com/EthanQC/fieldsync/services/field_agent/internal/ports/out"
)

// fakeGPSD 先写出 VERSION 横幅，收到 WATCH 命令后依次写出给定报告
func fakeGPSD(t *testing.T, lines ...string) string {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				if _, err := c.Write([]byte(`{"class":"VERSION","release":"3.25","proto_major":3}` + "\n")); err != nil {
					return
				}
				cmd, err := bufio.NewReader(c).ReadString('}')
				if err != nil || !strings.HasPrefix(cmd, "?WATCH=") {
					return
				}
				for _, l := range lines {
					if _, err := c.Write([]byte(l + "\n")); err != nil {
						return
					}
				}
				time.Sleep(500 * time.Millisecond)
			}(conn)
		}
	}()
	return ln.Addr().String()
}

func TestGPSDCurrentSkipsNoFix(t *testing.T) {
	addr := fakeGPSD(t,
		`{"class":"VERSION","release":"3.25"}`,
		`{"class":"TPV","mode":1}`,
		`not json`,
		`{"class":"TPV","mode":3,"time":"2024-05-01T10:00:00.000Z","lat":-33.86,"lon":151.21,"eph":4.5}`,
	)

	pos, err := NewGPSD(addr).Current(context.Background(), out.PositionOptions{Timeout: time.Second})
	require.NoError(t, err)
	assert.InDelta(t, -33.86, pos.Coordinates.Lat, 1e-9)
	assert.InDelta(t, 151.21, pos.Coordinates.Lng, 1e-9)
	assert.Equal(t, 4.5, pos.Accuracy)
	assert.Equal(t, 2024, pos.Timestamp.Year())
}

func TestGPSDCurrentTimesOutWithoutFix(t *testing.T) {
	addr := fakeGPSD(t, `{"class":"TPV","mode":1}`)

	_, err := NewGPSD(addr).Current(context.Background(), out.PositionOptions{Timeout: 100 * time.Millisecond})
	assert.ErrorIs(t, err, errs.ErrPositionTimeout)
}

func TestGPSDUnreachable(t *testing.T) {
	_, err := NewGPSD("127.0.0.1:1").Current(context.Background(), out.PositionOptions{Timeout: 200 * time.Millisecond})
	assert.ErrorIs(t, err, errs.ErrPositionUnavail)
}

func TestGPSDWatchDeliversFixes(t *testing.T) {
	addr := fakeGPSD(t,
		`{"class":"TPV","mode":2,"lat":1,"lon":2,"epx":3,"epy":6}`,
		`{"class":"TPV","mode":3,"lat":1.5,"lon":2.5}`,
	)

	ctx, cancel := context.WithCancel(context.Background())
	got := make(chan entity.Position, 4)
	done := make(chan error, 1)
	go func() {
		done <- NewGPSD(addr).Watch(ctx, out.PositionOptions{}, func(p entity.Position, err error) {
			if err == nil {
				got <- p
			}
		})
	}()

	first := <-got
	assert.Equal(t, 6.0, first.Accuracy)
	second := <-got
	assert.Equal(t, 1.5, second.Coordinates.Lat)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not stop")
	}
}

func TestGPSDCurrentStreamClosedWithoutFix(t *testing.T) {
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		c.Write([]byte(`{"class":"VERSION"}` + "\n"))
		bufio.NewReader(c).ReadString('}')
	}()

	_, err = NewGPSD(ln.Addr().String()).Current(context.Background(), out.PositionOptions{Timeout: time.Second})
	assert.ErrorIs(t, err, errs.ErrPositionUnavail)
}

func TestNewGPSDDefaultAddress(t *testing.T) {
	assert.Equal(t, "localhost:2947", NewGPSD("").Addr)
}

func TestStaticSource(t *testing.T) {
	s := &Static{Coordinates: entity.Coordinates{Lat: 7, Lng: 8}, Accuracy: 25, Every: 10 * time.Millisecond}
	pos, err := s.Current(context.Background(), out.PositionOptions{})
	require.NoError(t, err)
	assert.Equal(t, 7.0, pos.Coordinates.Lat)

	ctx, cancel := context.WithTimeout(context.Background(), 55*time.Millisecond)
	defer cancel()
	n := 0
	require.NoError(t, s.Watch(ctx, out.PositionOptions{}, func(entity.Position, error) { n++ }))
	assert.GreaterOrEqual(t, n, 3)
}

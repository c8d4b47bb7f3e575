package position

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/stratoberry/go-gpsd"
	"go.uber.org/zap"

	"github.com/EthanQC/fieldsync/services/field_agent/internal/domain/entity"
	"github.com/EthanQC/fieldsync/services/field_agent/internal/domain/errs"
	"github.com/EthanQC/fieldsync/services/field_agent/internal/ports/out"
)

const (
	gpsdRetryPause  = 5 * time.Second
	fallbackTimeout = 10 * time.Second
)

// tpvPosition TPV 报告转成定位，无定位（mode<2）时返回 false
func tpvPosition(r *gpsd.TPVReport) (entity.Position, bool) {
	if r == nil || r.Mode < gpsd.Mode2D {
		return entity.Position{}, false
	}
	acc := r.Eph
	if acc == 0 && (r.Epx > 0 || r.Epy > 0) {
		acc = math.Max(r.Epx, r.Epy)
	}
	ts := r.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	return entity.Position{
		Coordinates: entity.Coordinates{Lat: r.Lat, Lng: r.Lon},
		Accuracy:    acc,
		Timestamp:   ts,
	}, true
}

// GPSD 通过 gpsd 的 WATCH 流读取接收机定位
type GPSD struct {
	Addr string
}

var _ out.PositionSource = (*GPSD)(nil)

// NewGPSD 创建 gpsd 定位源，addr 为空时使用 gpsd 默认地址
func NewGPSD(addr string) *GPSD {
	if addr == "" {
		addr = gpsd.DefaultAddress
	}
	return &GPSD{Addr: addr}
}

// session 建立一次 WATCH 会话，把有效 TPV 交给 fn，直到流结束或 ctx 取消
func (g *GPSD) session(ctx context.Context, dialTimeout time.Duration, fn func(entity.Position)) error {
	s, err := gpsd.DialTimeout(g.Addr, dialTimeout)
	if err != nil {
		return fmt.Errorf("%w: gpsd %s: %v", errs.ErrPositionUnavail, g.Addr, err)
	}
	s.AddFilter("TPV", func(r interface{}) {
		if ctx.Err() != nil {
			return
		}
		report, _ := r.(*gpsd.TPVReport)
		if pos, ok := tpvPosition(report); ok {
			fn(pos)
		}
	})

	done := s.Watch()
	select {
	case <-done:
		s.Close()
		return fmt.Errorf("%w: gpsd closed the stream", errs.ErrPositionUnavail)
	case <-ctx.Done():
		s.Close()
		// watch 协程退出时会写 done
		go func() { <-done }()
		return ctx.Err()
	}
}

// Current 读取到第一条有效 TPV 或超时为止
func (g *GPSD) Current(ctx context.Context, opts out.PositionOptions) (entity.Position, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = fallbackTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	fixes := make(chan entity.Position, 1)
	ended := make(chan error, 1)
	go func() {
		ended <- g.session(ctx, timeout, func(p entity.Position) {
			select {
			case fixes <- p:
			default:
			}
		})
	}()

	select {
	case pos := <-fixes:
		return pos, nil
	case err := <-ended:
		select {
		case pos := <-fixes:
			return pos, nil
		default:
		}
		if ctx.Err() == nil {
			return entity.Position{}, err
		}
	case <-ctx.Done():
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return entity.Position{}, fmt.Errorf("%w: no fix within %s", errs.ErrPositionTimeout, timeout)
	}
	return entity.Position{}, ctx.Err()
}

// Watch 持续读取 TPV，连接断开后间隔重连，直到 ctx 取消
func (g *GPSD) Watch(ctx context.Context, _ out.PositionOptions, fn func(entity.Position, error)) error {
	logger := zap.L().Named("gpsd")
	for {
		err := g.session(ctx, fallbackTimeout, func(p entity.Position) { fn(p, nil) })
		if ctx.Err() != nil {
			return nil
		}
		fn(entity.Position{}, err)
		logger.Warn("gpsd stream ended, retrying", zap.String("addr", g.Addr), zap.Error(err))

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(gpsdRetryPause):
		}
	}
}

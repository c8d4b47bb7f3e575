package application

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/EthanQC/fieldsync/pkg/protocol"
	"github.com/EthanQC/fieldsync/services/field_agent/internal/domain/entity"
	"github.com/EthanQC/fieldsync/services/field_agent/internal/domain/errs"
	"github.com/EthanQC/fieldsync/services/field_agent/internal/ports/out"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

// fakeConn 内存长连接
type fakeConn struct {
	dialer  *fakeDialer
	in      chan []byte
	closed  chan struct{}
	once    sync.Once
	mu      sync.Mutex
	written [][]byte
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case d := <-c.in:
		return d, nil
	case <-c.closed:
		return nil, errors.New("connection closed")
	}
}

func (c *fakeConn) WriteMessage(data []byte) error {
	select {
	case <-c.closed:
		return errors.New("write on closed connection")
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, append([]byte(nil), data...))
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() {
		close(c.closed)
		c.dialer.mu.Lock()
		c.dialer.open--
		c.dialer.mu.Unlock()
	})
	return nil
}

func (c *fakeConn) push(raw string) {
	c.in <- []byte(raw)
}

func (c *fakeConn) writes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.written))
	for i, w := range c.written {
		out[i] = string(w)
	}
	return out
}

// fakeDialer 记录拨号次数与同时打开的连接数
type fakeDialer struct {
	mu      sync.Mutex
	dials   int
	open    int
	maxOpen int
	fail    func(n int) error
	conns   []*fakeConn
	headers []http.Header
}

func (d *fakeDialer) Dial(ctx context.Context, header http.Header) (out.ChannelConn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	d.headers = append(d.headers, header.Clone())
	if d.fail != nil {
		if err := d.fail(d.dials); err != nil {
			return nil, err
		}
	}
	c := &fakeConn{dialer: d, in: make(chan []byte, 16), closed: make(chan struct{})}
	d.conns = append(d.conns, c)
	d.open++
	if d.open > d.maxOpen {
		d.maxOpen = d.open
	}
	return c, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) last() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

func (d *fakeDialer) peakOpen() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.maxOpen
}

type staticToken string

func (s staticToken) Token(context.Context) (string, error) { return string(s), nil }

// fakeStore 内存队列存储
type fakeStore struct {
	mu        sync.Mutex
	items     []entity.Submission
	appendErr error
	// 非空时 Append 先通知 started，再等 gate 放行
	started chan struct{}
	gate    chan struct{}
}

func (s *fakeStore) Append(ctx context.Context, sub entity.Submission) error {
	if s.gate != nil {
		s.started <- struct{}{}
		<-s.gate
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.appendErr != nil {
		return s.appendErr
	}
	s.items = append(s.items, sub)
	return nil
}

func (s *fakeStore) List(context.Context) ([]entity.Submission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]entity.Submission(nil), s.items...), nil
}

func (s *fakeStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, it := range s.items {
		if it.ID == id {
			s.items = append(s.items[:i], s.items[i+1:]...)
			return nil
		}
	}
	return errs.ErrSubmissionAbsent
}

func (s *fakeStore) Count(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items), nil
}

func (s *fakeStore) Close() error { return nil }

// fakeReplayer 按目标地址决定成功或失败
type fakeReplayer struct {
	mu       sync.Mutex
	failURLs map[string]bool
	calls    []string
	block    chan struct{}
}

func (r *fakeReplayer) Replay(ctx context.Context, s entity.Submission) error {
	if r.block != nil {
		select {
		case <-r.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, s.TargetURL)
	if r.failURLs[s.TargetURL] {
		return errs.ErrTransientNetwork
	}
	return nil
}

func (r *fakeReplayer) replayed() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func (r *fakeReplayer) setFail(url string, fail bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failURLs == nil {
		r.failURLs = map[string]bool{}
	}
	r.failURLs[url] = fail
}

// scriptedHealth 按脚本依次返回探测结果，脚本用完后重复最后一个
type scriptedHealth struct {
	mu     sync.Mutex
	script []error
	calls  int
}

func (h *scriptedHealth) Check(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	i := h.calls
	if i >= len(h.script) {
		i = len(h.script) - 1
	}
	h.calls++
	return h.script[i]
}

func (h *scriptedHealth) set(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.script = []error{err}
	h.calls = 0
}

// fakeBackend 记录位置上报与告警
type fakeBackend struct {
	mu        sync.Mutex
	locations []protocol.LocationUpdateRequest
	alerts    []protocol.EmergencyAlertRequest
	alertErr  error
	active    map[string][]protocol.ActiveUser
}

func (b *fakeBackend) UpdateLocation(_ context.Context, req protocol.LocationUpdateRequest) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.locations = append(b.locations, req)
	return nil
}

func (b *fakeBackend) EmergencyAlert(_ context.Context, req protocol.EmergencyAlertRequest) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.alertErr != nil {
		return b.alertErr
	}
	b.alerts = append(b.alerts, req)
	return nil
}

func (b *fakeBackend) ActiveUsers(_ context.Context, projectID string) ([]protocol.ActiveUser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.active[projectID], nil
}

func (b *fakeBackend) URL(path string) string { return "http://hub.test" + path }

func (b *fakeBackend) locationCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.locations)
}

// fakePosition 可编程定位源
type fakePosition struct {
	mu      sync.Mutex
	results []error
	calls   int
	pos     entity.Position
	watchFn func(entity.Position, error)
	watchCh chan struct{}
}

func (p *fakePosition) Current(ctx context.Context, _ out.PositionOptions) (entity.Position, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	i := p.calls
	p.calls++
	if i < len(p.results) && p.results[i] != nil {
		return entity.Position{}, p.results[i]
	}
	pos := p.pos
	pos.Timestamp = time.Now()
	return pos, nil
}

func (p *fakePosition) Watch(ctx context.Context, _ out.PositionOptions, fn func(entity.Position, error)) error {
	p.mu.Lock()
	p.watchFn = fn
	if p.watchCh != nil {
		close(p.watchCh)
	}
	p.mu.Unlock()
	<-ctx.Done()
	return nil
}

func (p *fakePosition) emit(pos entity.Position, err error) {
	p.mu.Lock()
	fn := p.watchFn
	p.mu.Unlock()
	fn(pos, err)
}

func (p *fakePosition) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func sortedIDs(rows []entity.RosterRow) []string {
	ids := make([]string, len(rows))
	for i, r := range rows {
		ids[i] = r.UserID
	}
	sort.Strings(ids)
	return ids
}

package application

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/EthanQC/fieldsync/services/site_hub/internal/domain/entity"
)

// memPresence 内存在线人员存储
type memPresence struct {
	mu    sync.Mutex
	users map[string]map[string]entity.ActiveUser
	err   error
}

func newMemPresence() *memPresence {
	return &memPresence{users: map[string]map[string]entity.ActiveUser{}}
}

func (m *memPresence) Upsert(_ context.Context, projectID string, u entity.ActiveUser) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return false, m.err
	}
	set, ok := m.users[projectID]
	if !ok {
		set = map[string]entity.ActiveUser{}
		m.users[projectID] = set
	}
	if cur, ok := set[u.UserID]; ok && !u.LastUpdated.After(cur.LastUpdated) {
		return false, nil
	}
	set[u.UserID] = u
	return true, nil
}

func (m *memPresence) Active(_ context.Context, projectID string) ([]entity.ActiveUser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []entity.ActiveUser
	for _, u := range m.users[projectID] {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (m *memPresence) Remove(_ context.Context, projectID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.users[projectID], userID)
	return nil
}

func (m *memPresence) Prune(_ context.Context, projectID string, before time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if projectID == "broken" {
		return nil, errors.New("prune failed")
	}
	var ids []string
	for id, u := range m.users[projectID] {
		if u.LastUpdated.Before(before) {
			ids = append(ids, id)
			delete(m.users[projectID], id)
		}
	}
	if len(m.users[projectID]) == 0 {
		delete(m.users, projectID)
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *memPresence) Projects(context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.users))
	for p := range m.users {
		out = append(out, p)
	}
	sort.Strings(out)
	return out, nil
}

type sent struct {
	target string
	msg    any
	except string
}

// fakeBus 记录广播
type fakeBus struct {
	mu   sync.Mutex
	subs map[string][]string
	out  []sent
}

func (b *fakeBus) ToProject(projectID string, msg any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.out = append(b.out, sent{target: "project:" + projectID, msg: msg})
}

func (b *fakeBus) ToThread(threadID string, msg any, exceptUserID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.out = append(b.out, sent{target: "thread:" + threadID, msg: msg, except: exceptUserID})
}

func (b *fakeBus) Subscriptions(userID string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.subs[userID]
}

func (b *fakeBus) sent() []sent {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]sent(nil), b.out...)
}

// memRepo 按 (user, key) 去重的仓储
type memRepo struct {
	mu    sync.Mutex
	byKey map[string]*entity.FieldReport
	err   error
}

func (r *memRepo) Create(_ context.Context, rep *entity.FieldReport) (*entity.FieldReport, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, false, r.err
	}
	if r.byKey == nil {
		r.byKey = map[string]*entity.FieldReport{}
	}
	k := rep.UserID + "/" + rep.IdempotencyKey
	if cur, ok := r.byKey[k]; ok {
		return cur, false, nil
	}
	cp := *rep
	r.byKey[k] = &cp
	return &cp, true, nil
}

func (r *memRepo) Get(_ context.Context, id string) (*entity.FieldReport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rep := range r.byKey {
		if rep.ID == id {
			return rep, nil
		}
	}
	return nil, errors.New("not found")
}

func (r *memRepo) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byKey)
}

type putCall struct {
	key, contentType string
	size             int
}

type memImages struct {
	mu   sync.Mutex
	puts []putCall
}

func (m *memImages) Put(_ context.Context, key, contentType string, data []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.puts = append(m.puts, putCall{key: key, contentType: contentType, size: len(data)})
	return "http://img.test/" + key, nil
}

type event struct {
	topic, key string
	value      []byte
}

type memEvents struct {
	mu     sync.Mutex
	events []event
	err    error
}

func (m *memEvents) Publish(_ context.Context, topic, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.events = append(m.events, event{topic: topic, key: key, value: value})
	return nil
}

type memAlerter struct {
	mu     sync.Mutex
	alerts []entity.Alert
	err    error
}

func (m *memAlerter) Notify(_ context.Context, a entity.Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts = append(m.alerts, a)
	return m.err
}

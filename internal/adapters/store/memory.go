package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dkeye/livecore/internal/core"
	"github.com/dkeye/livecore/internal/domain"
)

// Memory is a single-process store with the same semantics as Redis.
type Memory struct {
	clock clock.Clock

	mu           sync.Mutex
	presence     map[domain.UserID]map[string]time.Time
	offline      map[domain.UserID][]core.Frame
	participants map[domain.SessionID]map[domain.UserID]struct{}
}

var (
	_ core.PresenceStore        = (*Memory)(nil)
	_ core.OfflineQueue         = (*Memory)(nil)
	_ core.ParticipantDirectory = (*Memory)(nil)
)

func NewMemory(opts ...Option) *Memory {
	o := buildOptions(opts)
	return &Memory{
		clock:        o.clock,
		presence:     make(map[domain.UserID]map[string]time.Time),
		offline:      make(map[domain.UserID][]core.Frame),
		participants: make(map[domain.SessionID]map[domain.UserID]struct{}),
	}
}

func (m *Memory) Refresh(_ context.Context, user domain.UserID, instance string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	claims := m.presence[user]
	if claims == nil {
		claims = make(map[string]time.Time)
		m.presence[user] = claims
	}
	claims[instance] = m.clock.Now().Add(ttl)
	return nil
}

func (m *Memory) Clear(_ context.Context, user domain.UserID, instance string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if claims, ok := m.presence[user]; ok {
		delete(claims, instance)
		if len(claims) == 0 {
			delete(m.presence, user)
		}
	}
	return nil
}

func (m *Memory) Online(_ context.Context, user domain.UserID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	for _, exp := range m.presence[user] {
		if exp.After(now) {
			return true, nil
		}
	}
	return false, nil
}

func (m *Memory) Alive(_ context.Context, user domain.UserID, instance string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	exp, ok := m.presence[user][instance]
	return ok && exp.After(m.clock.Now()), nil
}

func (m *Memory) Push(_ context.Context, user domain.UserID, f core.Frame) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offline[user] = append(m.offline[user], append(core.Frame(nil), f...))
	return nil
}

func (m *Memory) Prepend(_ context.Context, user domain.UserID, frames []core.Frame) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	head := make([]core.Frame, 0, len(frames)+len(m.offline[user]))
	for _, f := range frames {
		head = append(head, append(core.Frame(nil), f...))
	}
	m.offline[user] = append(head, m.offline[user]...)
	return nil
}

func (m *Memory) Drain(_ context.Context, user domain.UserID) ([]core.Frame, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.offline[user]
	delete(m.offline, user)
	return out, nil
}

func (m *Memory) AddParticipant(_ context.Context, p domain.Participant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.participants[p.SessionID]
	if set == nil {
		set = make(map[domain.UserID]struct{})
		m.participants[p.SessionID] = set
	}
	set[p.UserID] = struct{}{}
	return nil
}

func (m *Memory) RemoveParticipant(_ context.Context, p domain.Participant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if set, ok := m.participants[p.SessionID]; ok {
		delete(set, p.UserID)
		if len(set) == 0 {
			delete(m.participants, p.SessionID)
		}
	}
	return nil
}

func (m *Memory) Participants(_ context.Context, sid domain.SessionID) ([]domain.UserID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.UserID, 0, len(m.participants[sid]))
	for u := range m.participants[sid] {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

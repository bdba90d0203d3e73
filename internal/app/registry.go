package app

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/dkeye/livecore/internal/core"
	"github.com/dkeye/livecore/internal/domain"
	"github.com/rs/zerolog/log"
)

type connEntry struct {
	conn    core.SignalConnection
	user    domain.UserID
	online  bool
	session domain.SessionID
	cancel  context.CancelFunc
}

// Unbound describes the registry state a connection left behind.
type Unbound struct {
	User    domain.UserID
	Session domain.SessionID
	// WasOnline is set when the connection had been marked online.
	WasOnline bool
	// LastOnline is set when no other online connection of User remains.
	LastOnline bool
}

// Registry tracks the authenticated signaling connections of this process and
// the local half of presence: which of them were marked online.
type Registry struct {
	policy Policy

	mu       sync.RWMutex
	conns    map[core.ConnID]*connEntry
	byUser   map[domain.UserID]map[core.ConnID]struct{}
	lastSeen map[domain.UserID]time.Time
}

func NewRegistry(policy Policy) *Registry {
	if policy == nil {
		policy = SimplePolicy{}
	}
	return &Registry{
		policy:   policy,
		conns:    make(map[core.ConnID]*connEntry),
		byUser:   make(map[domain.UserID]map[core.ConnID]struct{}),
		lastSeen: make(map[domain.UserID]time.Time),
	}
}

func (r *Registry) Bind(conn core.SignalConnection, user domain.UserID, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := conn.ID()
	r.conns[id] = &connEntry{conn: conn, user: user, cancel: cancel}
	set, ok := r.byUser[user]
	if !ok {
		set = make(map[core.ConnID]struct{})
		r.byUser[user] = set
	}
	set[id] = struct{}{}
	log.Info().Str("module", "app.registry").Str("conn", string(id)).Str("user", string(user)).Msg("bound connection")
}

func (r *Registry) Unbind(id core.ConnID) (Unbound, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[id]
	if !ok {
		return Unbound{}, false
	}
	delete(r.conns, id)
	if set := r.byUser[e.user]; set != nil {
		delete(set, id)
		if len(set) == 0 {
			delete(r.byUser, e.user)
		}
	}
	res := Unbound{User: e.user, Session: e.session, WasOnline: e.online}
	if e.online {
		res.LastOnline = !r.onlineLocked(e.user)
		if res.LastOnline {
			delete(r.lastSeen, e.user)
		}
	}
	log.Info().Str("module", "app.registry").Str("conn", string(id)).Str("user", string(e.user)).Msg("unbound connection")
	return res, true
}

func (r *Registry) Conn(id core.ConnID) (core.SignalConnection, domain.UserID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.conns[id]
	if !ok {
		return nil, "", false
	}
	return e.conn, e.user, true
}

func (r *Registry) SetSession(id core.ConnID, sid domain.SessionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.conns[id]; ok {
		e.session = sid
	}
}

func (r *Registry) SessionOf(id core.ConnID) (domain.SessionID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.conns[id]
	if !ok || e.session == "" {
		return "", false
	}
	return e.session, true
}

// MarkOnline flags the connection as online and reports whether it is the
// user's first online connection on this process.
func (r *Registry) MarkOnline(id core.ConnID, now time.Time) (first bool, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[id]
	if !ok {
		return false, false
	}
	first = !r.onlineLocked(e.user)
	e.online = true
	r.lastSeen[e.user] = now
	return first, true
}

// MarkOffline clears the online flag on every local connection of user and
// reports whether any was set.
func (r *Registry) MarkOffline(user domain.UserID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	was := false
	for id := range r.byUser[user] {
		if e := r.conns[id]; e != nil && e.online {
			e.online = false
			was = true
		}
	}
	delete(r.lastSeen, user)
	return was
}

func (r *Registry) onlineLocked(user domain.UserID) bool {
	for id := range r.byUser[user] {
		if e := r.conns[id]; e != nil && e.online {
			return true
		}
	}
	return false
}

func (r *Registry) IsOnline(user domain.UserID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.onlineLocked(user)
}

// OnlineUsers returns the users with at least one online connection, sorted.
func (r *Registry) OnlineUsers() []domain.UserID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.UserID, 0, len(r.lastSeen))
	for user := range r.lastSeen {
		if r.onlineLocked(user) {
			out = append(out, user)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Touch records activity for an online user. It reports false when the user
// has no online connection here.
func (r *Registry) Touch(user domain.UserID, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.onlineLocked(user) {
		return false
	}
	r.lastSeen[user] = now
	return true
}

func (r *Registry) LastSeen(user domain.UserID) (time.Time, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.lastSeen[user]
	return t, ok
}

func (r *Registry) HasUser(user domain.UserID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[user]) > 0
}

// Send delivers f to a single connection.
func (r *Registry) Send(id core.ConnID, f core.Frame) error {
	r.mu.RLock()
	e, ok := r.conns[id]
	r.mu.RUnlock()
	if !ok {
		return core.ErrConnClosed
	}
	if !r.deliver(e.conn, f) {
		return core.ErrBackpressure
	}
	return nil
}

// SendToUser delivers f to every local connection of user and returns how
// many accepted it.
func (r *Registry) SendToUser(user domain.UserID, f core.Frame) int {
	return r.fanout(f, func(e *connEntry) bool { return e.user == user })
}

// Broadcast delivers f to every local connection except exclude.
func (r *Registry) Broadcast(f core.Frame, exclude core.ConnID) int {
	return r.fanout(f, func(e *connEntry) bool { return e.conn.ID() != exclude })
}

// BroadcastSession delivers f to local connections bound to sid, except exclude.
func (r *Registry) BroadcastSession(sid domain.SessionID, exclude core.ConnID, f core.Frame) int {
	return r.fanout(f, func(e *connEntry) bool { return e.session == sid && e.conn.ID() != exclude })
}

func (r *Registry) fanout(f core.Frame, match func(*connEntry) bool) int {
	r.mu.RLock()
	targets := make([]core.SignalConnection, 0, len(r.conns))
	for _, e := range r.conns {
		if match(e) {
			targets = append(targets, e.conn)
		}
	}
	r.mu.RUnlock()

	sent := 0
	for _, c := range targets {
		if r.deliver(c, f) {
			sent++
		}
	}
	return sent
}

func (r *Registry) deliver(c core.SignalConnection, f core.Frame) bool {
	err := c.TrySend(f)
	if err == nil {
		return true
	}
	if !errors.Is(err, core.ErrBackpressure) {
		return false
	}
	switch r.policy.OnBackPressure(c) {
	case KickMember:
		log.Warn().Str("module", "app.registry").Str("conn", string(c.ID())).Msg("slow connection, closing")
		c.Close()
	case MarkSlow:
		log.Warn().Str("module", "app.registry").Str("conn", string(c.ID())).Msg("slow connection")
	case DropFrame, NoAction:
	}
	return false
}

func (r *Registry) Cancel(id core.ConnID) bool {
	r.mu.RLock()
	e, ok := r.conns[id]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if e.cancel != nil {
		e.cancel()
	}
	log.Info().Str("module", "app.registry").Str("conn", string(id)).Msg("canceled connection")
	return true
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

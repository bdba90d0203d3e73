package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dkeye/livecore/internal/core"
	"github.com/dkeye/livecore/internal/domain"
	"github.com/dkeye/livecore/internal/metrics"
	"github.com/rs/zerolog/log"
)

type roomSlot struct {
	ready chan struct{}
	room  *Room
	err   error
}

// RoomManager owns the live session rooms of this process.
type RoomManager struct {
	engine      core.MediaEngine
	codecs      []core.RtpCodecCapability
	clock       clock.Clock
	idleTimeout time.Duration
	metrics     *metrics.Metrics

	mu    sync.Mutex
	rooms map[domain.SessionID]*roomSlot
}

type RoomManagerOption func(*RoomManager)

func WithClock(c clock.Clock) RoomManagerOption {
	return func(m *RoomManager) { m.clock = c }
}

func WithIdleTimeout(d time.Duration) RoomManagerOption {
	return func(m *RoomManager) { m.idleTimeout = d }
}

func WithMetrics(mt *metrics.Metrics) RoomManagerOption {
	return func(m *RoomManager) { m.metrics = mt }
}

func NewRoomManager(engine core.MediaEngine, opts ...RoomManagerOption) *RoomManager {
	m := &RoomManager{
		engine:      engine,
		codecs:      DefaultCodecs(),
		clock:       clock.New(),
		idleTimeout: 10 * time.Minute,
		rooms:       make(map[domain.SessionID]*roomSlot),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// GetOrCreateRoom returns the session's Room, creating its Router on first
// use. Concurrent first calls share one Router creation; a failed creation
// leaves no Room behind.
func (m *RoomManager) GetOrCreateRoom(ctx context.Context, sid domain.SessionID) (*Room, error) {
	m.mu.Lock()
	if slot, ok := m.rooms[sid]; ok {
		m.mu.Unlock()
		select {
		case <-slot.ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if slot.err != nil {
			return nil, slot.err
		}
		return slot.room, nil
	}
	slot := &roomSlot{ready: make(chan struct{})}
	m.rooms[sid] = slot
	m.mu.Unlock()

	router, err := m.engine.CreateRouter(ctx, m.codecs)
	if err != nil {
		slot.err = fmt.Errorf("create router for session %s: %w", sid, err)
		m.mu.Lock()
		delete(m.rooms, sid)
		m.mu.Unlock()
		close(slot.ready)
		log.Error().Err(err).Str("module", "app.rooms").Str("session", string(sid)).Msg("router creation failed")
		return nil, slot.err
	}
	slot.room = newRoom(sid, router, m.clock.Now())
	close(slot.ready)

	count := m.Count()
	m.metrics.SetRooms(count)
	log.Info().Str("module", "app.rooms").Str("session", string(sid)).Str("router", router.ID()).Int("rooms", count).Msg("room created")
	return slot.room, nil
}

func (m *RoomManager) GetRoom(sid domain.SessionID) (*Room, bool) {
	m.mu.Lock()
	slot, ok := m.rooms[sid]
	m.mu.Unlock()
	if !ok {
		return nil, false
	}
	select {
	case <-slot.ready:
	default:
		return nil, false
	}
	if slot.room == nil {
		return nil, false
	}
	return slot.room, true
}

func (m *RoomManager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, slot := range m.rooms {
		select {
		case <-slot.ready:
			if slot.room != nil {
				n++
			}
		default:
		}
	}
	return n
}

// Reap closes rooms that have been empty for at least the idle timeout.
func (m *RoomManager) Reap(now time.Time) []domain.SessionID {
	m.mu.Lock()
	var candidates []*Room
	for _, slot := range m.rooms {
		select {
		case <-slot.ready:
			if slot.room != nil {
				candidates = append(candidates, slot.room)
			}
		default:
		}
	}
	m.mu.Unlock()

	var reaped []domain.SessionID
	for _, room := range candidates {
		since, empty := room.idleSince()
		if !empty || now.Sub(since) < m.idleTimeout {
			continue
		}
		if m.remove(room.ID, room) {
			reaped = append(reaped, room.ID)
			log.Info().Str("module", "app.rooms").Str("session", string(room.ID)).Dur("idle", now.Sub(since)).Msg("idle room reaped")
		}
	}
	return reaped
}

func (m *RoomManager) remove(sid domain.SessionID, room *Room) bool {
	m.mu.Lock()
	slot, ok := m.rooms[sid]
	if !ok || slot.room != room {
		m.mu.Unlock()
		return false
	}
	if !room.retire() {
		m.mu.Unlock()
		return false
	}
	delete(m.rooms, sid)
	count := len(m.rooms)
	m.mu.Unlock()

	room.Router.Close()
	m.metrics.SetRooms(count)
	return true
}

// Run reaps idle rooms until ctx is done.
func (m *RoomManager) Run(ctx context.Context) error {
	interval := m.idleTimeout / 2
	if interval <= 0 {
		interval = time.Minute
	}
	t := m.clock.Ticker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-t.C:
			m.Reap(now)
		}
	}
}

// Close closes every router. Used at shutdown.
func (m *RoomManager) Close() {
	m.mu.Lock()
	slots := m.rooms
	m.rooms = make(map[domain.SessionID]*roomSlot)
	m.mu.Unlock()
	for _, slot := range slots {
		<-slot.ready
		if slot.room == nil {
			continue
		}
		for _, p := range slot.room.Others("") {
			p.Close()
		}
		slot.room.Router.Close()
	}
	m.metrics.SetRooms(0)
}

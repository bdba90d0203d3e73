package sfu

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
)

// Key names the relay of one simulcast layer of a producer.
func Key(producerID string, layer int) string {
	return fmt.Sprintf("%s#%d", producerID, layer)
}

type RelayManager struct {
	mu     sync.RWMutex
	relays map[string]*Relay
}

func NewRelayManager() *RelayManager {
	return &RelayManager{
		relays: make(map[string]*Relay),
	}
}

// StartRelay creates a new Relay for key and starts its loop. An existing
// relay under the same key is stopped.
func (m *RelayManager) StartRelay(ctx context.Context, key string, src RTPSource) *Relay {
	logger := log.With().
		Str("module", "sfu").
		Str("relay", key).
		Logger()

	relayCtx, cancel := context.WithCancel(ctx)
	relay := NewRelay(src, cancel)

	m.mu.Lock()
	if old, ok := m.relays[key]; ok {
		logger.Info().Msg("replacing existing relay")
		old.markAllDelete()
		if old.cancel != nil {
			old.cancel()
		}
	}
	m.relays[key] = relay
	m.mu.Unlock()

	logger.Debug().Msg("starting relay loop")

	go relay.loop(relayCtx, &logger)
	return relay
}

// AddSubscriber attaches ot to the relay under key for consumer dst.
func (m *RelayManager) AddSubscriber(key, dst string, ot *OutTrack) bool {
	m.mu.RLock()
	relay, ok := m.relays[key]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	relay.AddOutTrack(dst, ot)
	return true
}

// MoveSubscriber detaches dst from the relay under from and attaches the same
// OutTrack to the relay under to.
func (m *RelayManager) MoveSubscriber(from, to, dst string) bool {
	m.mu.RLock()
	src, okFrom := m.relays[from]
	dstRelay, okTo := m.relays[to]
	m.mu.RUnlock()
	if !okFrom || !okTo {
		return false
	}
	ot, ok := src.RemoveOutTrack(dst)
	if !ok {
		return false
	}
	dstRelay.AddOutTrack(dst, ot)
	return true
}

// MarkSubscriberDelete marks subscriber's OutTrack as TrackStateDelete.
func (m *RelayManager) MarkSubscriberDelete(key, dst string) {
	m.mu.RLock()
	relay, ok := m.relays[key]
	m.mu.RUnlock()
	if !ok {
		return
	}
	if ot, ok := relay.outTrack(dst); ok {
		ot.MarkDelete()
	}
}

// StopRelay stops a relay and removes it from the manager.
func (m *RelayManager) StopRelay(key string) {
	m.mu.Lock()
	relay, ok := m.relays[key]
	if ok {
		delete(m.relays, key)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	relay.markAllDelete()
	if relay.cancel != nil {
		relay.cancel()
	}
}

// HasRelay reports whether a relay exists for key.
func (m *RelayManager) HasRelay(key string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.relays[key]
	return ok
}

// Subscribers returns how many out tracks the relay under key feeds.
func (m *RelayManager) Subscribers(key string) int {
	m.mu.RLock()
	relay, ok := m.relays[key]
	m.mu.RUnlock()
	if !ok {
		return 0
	}
	return relay.Len()
}

package bus

import (
	"context"
	"sync"

	"github.com/dkeye/livecore/internal/core"
	"github.com/rs/zerolog/log"
)

const subscriberBuffer = 256

// Memory is an in-process bus. Instances sharing one Memory behave like
// processes sharing a Redis server.
type Memory struct {
	mu     sync.RWMutex
	subs   map[string]map[*subscriber]struct{}
	closed bool
}

type subscriber struct {
	ch chan []byte
}

var _ core.Bus = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{subs: make(map[string]map[*subscriber]struct{})}
}

// Publish never blocks; a subscriber whose buffer is full misses the payload.
func (m *Memory) Publish(_ context.Context, channel string, payload []byte) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	for s := range m.subs[channel] {
		select {
		case s.ch <- append([]byte(nil), payload...):
		default:
			log.Warn().Str("module", "bus").Str("channel", channel).Msg("subscriber buffer full, dropping")
		}
	}
	return nil
}

func (m *Memory) Subscribe(ctx context.Context, channel string, h core.BusHandler) error {
	s := &subscriber{ch: make(chan []byte, subscriberBuffer)}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.subs[channel] == nil {
		m.subs[channel] = make(map[*subscriber]struct{})
	}
	m.subs[channel][s] = struct{}{}
	m.mu.Unlock()

	go func() {
		defer m.unsubscribe(channel, s)
		for {
			select {
			case <-ctx.Done():
				return
			case p, ok := <-s.ch:
				if !ok {
					return
				}
				h(ctx, p)
			}
		}
	}()
	return nil
}

func (m *Memory) unsubscribe(channel string, s *subscriber) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if set, ok := m.subs[channel]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(m.subs, channel)
		}
	}
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for _, set := range m.subs {
		for s := range set {
			close(s.ch)
		}
	}
	m.subs = make(map[string]map[*subscriber]struct{})
	return nil
}

package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dkeye/livecore/internal/core"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"
)

var ErrClosed = errors.New("bus closed")

// Redis fans payloads out over Redis pub/sub. The client is shared with the
// stores and is not closed by the bus.
type Redis struct {
	client *redis.Client

	mu     sync.Mutex
	subs   map[*redis.PubSub]struct{}
	closed bool
}

var _ core.Bus = (*Redis)(nil)

func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client, subs: make(map[*redis.PubSub]struct{})}
}

func (r *Redis) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := r.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe waits for the server's subscription confirmation before
// returning, so a publish issued afterwards is observed.
func (r *Redis) Subscribe(ctx context.Context, channel string, h core.BusHandler) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	r.mu.Unlock()

	ps := r.client.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return fmt.Errorf("subscribe %s: %w", channel, err)
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		_ = ps.Close()
		return ErrClosed
	}
	r.subs[ps] = struct{}{}
	r.mu.Unlock()

	log.Debug().Str("module", "bus").Str("channel", channel).Msg("subscribed")

	msgs := ps.Channel()
	go func() {
		defer r.release(ps)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				h(ctx, []byte(msg.Payload))
			}
		}
	}()
	return nil
}

func (r *Redis) release(ps *redis.PubSub) {
	r.mu.Lock()
	_, ok := r.subs[ps]
	delete(r.subs, ps)
	r.mu.Unlock()
	if ok {
		_ = ps.Close()
	}
}

func (r *Redis) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	subs := r.subs
	r.subs = make(map[*redis.PubSub]struct{})
	r.mu.Unlock()

	var err error
	for ps := range subs {
		err = multierr.Append(err, ps.Close())
	}
	return err
}

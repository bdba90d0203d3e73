// Package store holds the shared presence marker, offline queue and session
// participant directory, backed by Redis or by process memory.
package store

import (
	"fmt"

	"github.com/benbjohnson/clock"
	"github.com/dkeye/livecore/internal/domain"
)

func presenceKey(user domain.UserID) string { return fmt.Sprintf("presence:%s", user) }
func offlineKey(user domain.UserID) string { return fmt.Sprintf("offline:messages:%s", user) }
func participantsKey(s domain.SessionID) string { return fmt.Sprintf("session:participants:%s", s) }

type options struct {
	clock clock.Clock
}

type Option func(*options)

// WithClock sets the time source used to score presence claims.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

func buildOptions(opts []Option) options {
	o := options{clock: clock.New()}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

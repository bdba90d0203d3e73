package core

//go:generate mockgen -source=interfaces.go -destination=mocks/mock_interfaces.go -package=mocks

import (
	"context"
	"time"

	"github.com/dkeye/livecore/internal/domain"
)

// IdentityVerifier exchanges an opaque bearer credential for a verified user id.
type IdentityVerifier interface {
	Verify(ctx context.Context, token string) (domain.UserID, error)
}

// BusHandler receives one payload published on a subscribed channel.
type BusHandler func(ctx context.Context, payload []byte)

// Bus is the cross-process publish/subscribe fabric. Delivery is unordered
// across processes and at-most-once per subscriber.
type Bus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	// Subscribe returns once the subscription is active; h runs until ctx is done.
	Subscribe(ctx context.Context, channel string, h BusHandler) error
	Close() error
}

// PresenceStore holds the shared, short-lived "user is reachable" marker.
// Each instance owns its own claim on the marker.
type PresenceStore interface {
	Refresh(ctx context.Context, user domain.UserID, instance string, ttl time.Duration) error
	Clear(ctx context.Context, user domain.UserID, instance string) error
	// Online reports whether any instance holds a live claim.
	Online(ctx context.Context, user domain.UserID) (bool, error)
	// Alive reports whether instance's own claim is still live.
	Alive(ctx context.Context, user domain.UserID, instance string) (bool, error)
}

// OfflineQueue keeps frames for receivers that could not be reached live.
type OfflineQueue interface {
	Push(ctx context.Context, user domain.UserID, f Frame) error
	// Prepend puts frames back at the head of the queue, keeping their order.
	Prepend(ctx context.Context, user domain.UserID, frames []Frame) error
	// Drain returns all queued frames in FIFO order and clears the queue.
	Drain(ctx context.Context, user domain.UserID) ([]Frame, error)
}

// ParticipantDirectory records who takes part in which live session.
type ParticipantDirectory interface {
	AddParticipant(ctx context.Context, p domain.Participant) error
	RemoveParticipant(ctx context.Context, p domain.Participant) error
}

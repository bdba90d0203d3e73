package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound                 = errors.New("not found")
	ErrIncompatibleCapabilities = errors.New("incompatible capabilities")
	ErrAlreadyConnected         = errors.New("transport already connected")
	ErrDeliveryExhausted        = errors.New("delivery retries exhausted")
	ErrEngineFatal              = errors.New("media engine lost")

	ErrBadPayload     = errors.New("bad payload")
	ErrForbidden      = errors.New("forbidden")
	ErrRateLimited    = errors.New("rate limited")
	ErrMessageEmpty   = errors.New("message empty")
	ErrMessageTooLong = errors.New("message too long")
)

var (
	ErrRoomNotFound      = fmt.Errorf("room %w", ErrNotFound)
	ErrPeerNotFound      = fmt.Errorf("peer %w", ErrNotFound)
	ErrTransportNotFound = fmt.Errorf("transport %w", ErrNotFound)
	ErrProducerNotFound  = fmt.Errorf("producer %w", ErrNotFound)
	ErrConsumerNotFound  = fmt.Errorf("consumer %w", ErrNotFound)
)

// NoProducerError is returned by consume when no other peer produces Kind.
type NoProducerError struct {
	Kind MediaKind
}

func (e *NoProducerError) Error() string {
	return fmt.Sprintf("No %s producer found", e.Kind)
}

func (e *NoProducerError) Is(target error) bool {
	return target == ErrNotFound || target == ErrProducerNotFound
}

// Wire codes carried in error frames.
const (
	CodeNotFound          = "not_found"
	CodeIncompatible      = "incompatible_capabilities"
	CodeBadPayload        = "bad_payload"
	CodeForbidden         = "forbidden"
	CodeRateLimited       = "rate_limited"
	CodeDeliveryExhausted = "delivery_exhausted"
	CodeInternal          = "internal"
)

func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrIncompatibleCapabilities):
		return CodeIncompatible
	case errors.Is(err, ErrBadPayload), errors.Is(err, ErrMessageEmpty),
		errors.Is(err, ErrMessageTooLong), errors.Is(err, ErrUserIDEmpty), errors.Is(err, ErrUserIDTooLong):
		return CodeBadPayload
	case errors.Is(err, ErrForbidden):
		return CodeForbidden
	case errors.Is(err, ErrRateLimited):
		return CodeRateLimited
	case errors.Is(err, ErrDeliveryExhausted):
		return CodeDeliveryExhausted
	default:
		return CodeInternal
	}
}

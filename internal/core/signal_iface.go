package core

import "errors"

// Frame is one serialized signaling message.
type Frame []byte

// ConnID identifies one live signaling connection on this process.
type ConnID string

// SignalConnection abstracts for a system messaging transport
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	ID() ConnID
	TrySend(Frame) error
	Close()
}

var (
	// ErrBackpressure is returned by TrySend when the send buffer is full.
	ErrBackpressure = errors.New("backpressure")
	ErrConnClosed   = errors.New("connection closed")
)

package core

import (
	"context"

	"github.com/dkeye/livecore/internal/domain"
)

// MediaEngine is the process-wide handle to the media routing engine.
type MediaEngine interface {
	CreateRouter(ctx context.Context, codecs []RtpCodecCapability) (Router, error)
	// Fatal yields once if the engine is lost; the process must not keep serving media.
	Fatal() <-chan error
	Close() error
}

// Router is one session's routing context.
type Router interface {
	ID() string
	RtpCapabilities() RtpCapabilities
	CreateTransport(ctx context.Context, opts TransportOptions) (Transport, error)
	CanConsume(p Producer, caps RtpCapabilities) bool
	Close()
}

// Transport is one ICE+DTLS path for a single peer direction.
// Closing it closes every Producer and Consumer created on it.
type Transport interface {
	ID() string
	Descriptor() TransportDescriptor
	Connected() bool
	// Connect completes the handshake; a connected transport returns domain.ErrAlreadyConnected.
	Connect(ctx context.Context, remote RemoteParameters) error
	Produce(ctx context.Context, opts ProduceOptions) (Producer, error)
	Consume(ctx context.Context, opts ConsumeOptions) (Consumer, error)
	Stats() (TransportStats, error)
	Close()
	Done() <-chan struct{}
}

type Producer interface {
	ID() string
	Kind() domain.MediaKind
	RtpParameters() RtpParameters
	// Layers is the number of simulcast spatial layers being received.
	Layers() int
	Closed() bool
	Close()
}

type Consumer interface {
	ID() string
	ProducerID() string
	Kind() domain.MediaKind
	RtpParameters() RtpParameters
	Paused() bool
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	SetPreferredLayers(l Layers) error
	PreferredLayers() Layers
	Stats() ConsumerStats
	Closed() bool
	Close()
}

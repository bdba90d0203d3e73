// Package coretest provides an in-memory media engine for exercising the
// session state machine without sockets.
package coretest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/dkeye/livecore/internal/core"
	"github.com/dkeye/livecore/internal/domain"
	"github.com/google/uuid"
)

var ErrClosed = errors.New("closed")

type Engine struct {
	mu         sync.Mutex
	routers    []*Router
	FailRouter error
	fatal      chan error
}

func NewEngine() *Engine {
	return &Engine{fatal: make(chan error, 1)}
}

func (e *Engine) CreateRouter(_ context.Context, codecs []core.RtpCodecCapability) (core.Router, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.FailRouter != nil {
		return nil, e.FailRouter
	}
	r := &Router{id: uuid.NewString(), caps: core.RtpCapabilities{Codecs: codecs}}
	e.routers = append(e.routers, r)
	return r, nil
}

func (e *Engine) Fatal() <-chan error { return e.fatal }

// Kill simulates loss of the engine.
func (e *Engine) Kill(err error) {
	select {
	case e.fatal <- fmt.Errorf("%w: %v", domain.ErrEngineFatal, err):
	default:
	}
}

func (e *Engine) Close() error { return nil }

func (e *Engine) Routers() []*Router {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*Router(nil), e.routers...)
}

type Router struct {
	id   string
	caps core.RtpCapabilities

	mu         sync.Mutex
	transports []*Transport
	closed     bool
}

func (r *Router) ID() string                            { return r.id }
func (r *Router) RtpCapabilities() core.RtpCapabilities { return r.caps }

func (r *Router) CreateTransport(_ context.Context, _ core.TransportOptions) (core.Transport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	t := &Transport{id: uuid.NewString(), done: make(chan struct{})}
	r.transports = append(r.transports, t)
	return t, nil
}

// CanConsume matches the producer's first codec against the remote capabilities by mime type.
func (r *Router) CanConsume(p core.Producer, caps core.RtpCapabilities) bool {
	params := p.RtpParameters()
	if len(params.Codecs) == 0 {
		return false
	}
	for _, c := range caps.Codecs {
		if strings.EqualFold(c.MimeType, params.Codecs[0].MimeType) {
			return true
		}
	}
	return false
}

func (r *Router) Close() {
	r.mu.Lock()
	ts := append([]*Transport(nil), r.transports...)
	r.closed = true
	r.mu.Unlock()
	for _, t := range ts {
		t.Close()
	}
}

func (r *Router) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *Router) Transports() []*Transport {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Transport(nil), r.transports...)
}

type Transport struct {
	id   string
	done chan struct{}

	mu           sync.Mutex
	connected    bool
	closed       bool
	connectCalls int
	rtt          float64
	producers    []*Producer
	consumers    []*Consumer
}

func (t *Transport) ID() string { return t.id }

func (t *Transport) Descriptor() core.TransportDescriptor {
	return core.TransportDescriptor{
		ID:             t.id,
		IceParameters:  core.IceParameters{UsernameFragment: "ufrag-" + t.id[:8], Password: "pwd", IceLite: true},
		IceCandidates:  []core.IceCandidate{{Foundation: "1", Priority: 1, IP: "127.0.0.1", Protocol: "udp", Port: 40000, Type: "host"}},
		DtlsParameters: core.DtlsParameters{Role: "auto", Fingerprints: []core.DtlsFingerprint{{Algorithm: "sha-256", Value: "00"}}},
	}
}

func (t *Transport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

func (t *Transport) Connect(_ context.Context, _ core.RemoteParameters) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connectCalls++
	if t.closed {
		return ErrClosed
	}
	if t.connected {
		return domain.ErrAlreadyConnected
	}
	t.connected = true
	return nil
}

func (t *Transport) ConnectCalls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connectCalls
}

func (t *Transport) Produce(_ context.Context, opts core.ProduceOptions) (core.Producer, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrClosed
	}
	layers := 1
	if len(opts.Encodings) > 1 {
		layers = len(opts.Encodings)
	}
	p := &Producer{id: uuid.NewString(), kind: opts.Kind, params: opts.RtpParameters, layers: layers}
	t.producers = append(t.producers, p)
	return p, nil
}

func (t *Transport) Consume(_ context.Context, opts core.ConsumeOptions) (core.Consumer, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrClosed
	}
	if opts.Producer.Closed() {
		return nil, domain.ErrProducerNotFound
	}
	layers := opts.Producer.Layers()
	c := &Consumer{
		id:         uuid.NewString(),
		producerID: opts.Producer.ID(),
		kind:       opts.Producer.Kind(),
		params:     opts.Producer.RtpParameters(),
		paused:     opts.Paused,
		maxSpatial: uint8(layers - 1),
		layers:     core.Layers{Spatial: uint8(layers - 1), Temporal: MaxTemporalLayer},
	}
	t.consumers = append(t.consumers, c)
	return c, nil
}

// SetRTT sets the round trip time reported by Stats, in seconds.
func (t *Transport) SetRTT(rtt float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rtt = rtt
}

func (t *Transport) Stats() (core.TransportStats, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return core.TransportStats{}, ErrClosed
	}
	return core.TransportStats{TransportID: t.id, RTT: t.rtt, HasRTT: t.rtt > 0}, nil
}

func (t *Transport) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	ps, cs := t.producers, t.consumers
	close(t.done)
	t.mu.Unlock()
	for _, p := range ps {
		p.Close()
	}
	for _, c := range cs {
		c.Close()
	}
}

func (t *Transport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *Transport) Done() <-chan struct{} { return t.done }

type Producer struct {
	id     string
	kind   domain.MediaKind
	params core.RtpParameters
	layers int

	mu     sync.Mutex
	closed bool
}

func (p *Producer) ID() string                        { return p.id }
func (p *Producer) Kind() domain.MediaKind            { return p.kind }
func (p *Producer) RtpParameters() core.RtpParameters { return p.params }
func (p *Producer) Layers() int                       { return p.layers }

func (p *Producer) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Producer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
}

const MaxTemporalLayer = 2

type Consumer struct {
	id         string
	producerID string
	kind       domain.MediaKind
	params     core.RtpParameters
	maxSpatial uint8

	mu      sync.Mutex
	paused  bool
	closed  bool
	layers  core.Layers
	pauses  int
	resumes int
}

func (c *Consumer) ID() string                        { return c.id }
func (c *Consumer) ProducerID() string                { return c.producerID }
func (c *Consumer) Kind() domain.MediaKind            { return c.kind }
func (c *Consumer) RtpParameters() core.RtpParameters { return c.params }

func (c *Consumer) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

func (c *Consumer) Pause(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.paused = true
	c.pauses++
	return nil
}

func (c *Consumer) Resume(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.paused = false
	c.resumes++
	return nil
}

// Counts returns how many times Pause and Resume were called.
func (c *Consumer) Counts() (pauses, resumes int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pauses, c.resumes
}

func (c *Consumer) SetPreferredLayers(l core.Layers) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.layers = core.Layers{Spatial: min(l.Spatial, c.maxSpatial), Temporal: min(l.Temporal, MaxTemporalLayer)}
	return nil
}

func (c *Consumer) PreferredLayers() core.Layers {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.layers
}

func (c *Consumer) Stats() core.ConsumerStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return core.ConsumerStats{
		ConsumerID:    c.id,
		ProducerID:    c.producerID,
		Kind:          c.kind,
		Paused:        c.paused,
		SpatialLayer:  c.layers.Spatial,
		TemporalLayer: c.layers.Temporal,
	}
}

func (c *Consumer) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Consumer) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

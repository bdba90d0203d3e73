package rtc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/livecore/internal/core"
	"github.com/dkeye/livecore/internal/domain"
	"github.com/google/uuid"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

const (
	defaultGatherTimeout  = 10 * time.Second
	defaultConnectTimeout = 15 * time.Second
)

func newInterceptors(me *webrtc.MediaEngine) (*interceptor.Registry, error) {
	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(me, registry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}
	return registry, nil
}

// Router owns one pion API instance, so codec payload types are scoped to
// the session it serves.
type Router struct {
	id     string
	engine *Engine
	api    *webrtc.API
	codecs []core.RtpCodecCapability

	mu         sync.Mutex
	transports map[string]*Transport
	closed     bool
}

var _ core.Router = (*Router)(nil)

func (r *Router) ID() string { return r.id }

func (r *Router) RtpCapabilities() core.RtpCapabilities {
	return core.RtpCapabilities{Codecs: append([]core.RtpCodecCapability(nil), r.codecs...)}
}

func (r *Router) codec(mime string) (core.RtpCodecCapability, bool) {
	for _, c := range r.codecs {
		if sameCodec(c.MimeType, mime) {
			return c, true
		}
	}
	return core.RtpCodecCapability{}, false
}

func (r *Router) CreateTransport(ctx context.Context, opts core.TransportOptions) (core.Transport, error) {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return nil, fmt.Errorf("router %s closed: %w", r.id, domain.ErrRoomNotFound)
	}

	gatherer, err := r.api.NewICEGatherer(webrtc.ICEGatherOptions{ICEServers: r.engine.iceServers()})
	if err != nil {
		return nil, fmt.Errorf("ice gatherer: %w", err)
	}
	complete := make(chan struct{})
	var once sync.Once
	gatherer.OnLocalCandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			once.Do(func() { close(complete) })
		}
	})
	if err := gatherer.Gather(); err != nil {
		_ = gatherer.Close()
		return nil, fmt.Errorf("ice gather: %w", err)
	}

	timeout := r.engine.cfg.GatherTimeout
	if timeout <= 0 {
		timeout = defaultGatherTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-complete:
	case <-timer.C:
		_ = gatherer.Close()
		return nil, fmt.Errorf("ice gather timed out after %s", timeout)
	case <-ctx.Done():
		_ = gatherer.Close()
		return nil, ctx.Err()
	}

	t, err := newTransport(r, gatherer, opts)
	if err != nil {
		_ = gatherer.Close()
		return nil, err
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		t.Close()
		return nil, fmt.Errorf("router %s closed: %w", r.id, domain.ErrRoomNotFound)
	}
	r.transports[t.id] = t
	r.mu.Unlock()

	log.Info().
		Str("module", "rtc").
		Str("router", r.id).
		Str("transport", t.id).
		Int("candidates", len(t.desc.IceCandidates)).
		Msg("transport created")
	return t, nil
}

func (r *Router) forget(id string) {
	r.mu.Lock()
	delete(r.transports, id)
	r.mu.Unlock()
}

// CanConsume reports whether caps can decode the producer's first codec.
func (r *Router) CanConsume(p core.Producer, caps core.RtpCapabilities) bool {
	if p == nil || p.Closed() {
		return false
	}
	_, ok := matchCodec(p.RtpParameters(), caps)
	return ok
}

func matchCodec(params core.RtpParameters, caps core.RtpCapabilities) (core.RtpCodecParameters, bool) {
	if len(params.Codecs) == 0 {
		return core.RtpCodecParameters{}, false
	}
	want := params.Codecs[0]
	for _, c := range caps.Codecs {
		if sameCodec(c.MimeType, want.MimeType) && (c.ClockRate == 0 || c.ClockRate == want.ClockRate) {
			return want, true
		}
	}
	return core.RtpCodecParameters{}, false
}

func (r *Router) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	ts := make([]*Transport, 0, len(r.transports))
	for _, t := range r.transports {
		ts = append(ts, t)
	}
	r.transports = make(map[string]*Transport)
	r.mu.Unlock()

	for _, t := range ts {
		t.Close()
	}
	log.Info().Str("module", "rtc").Str("router", r.id).Msg("router closed")
}

func newID() string { return uuid.NewString() }

package rtc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/livecore/internal/core"
	"github.com/dkeye/livecore/internal/domain"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"
)

// Transport pairs a pion ICE transport with its DTLS transport.
type Transport struct {
	id     string
	router *Router
	opts   core.TransportOptions
	logger zerolog.Logger

	gatherer *webrtc.ICEGatherer
	ice      *webrtc.ICETransport
	dtls     *webrtc.DTLSTransport
	desc     core.TransportDescriptor

	mu        sync.Mutex
	started   bool
	connected bool
	ready     chan struct{}
	producers map[string]*Producer
	consumers map[string]*Consumer
	closed    bool
	done      chan struct{}
}

var _ core.Transport = (*Transport)(nil)

func newTransport(r *Router, gatherer *webrtc.ICEGatherer, opts core.TransportOptions) (*Transport, error) {
	iceParams, err := gatherer.GetLocalParameters()
	if err != nil {
		return nil, fmt.Errorf("ice parameters: %w", err)
	}
	candidates, err := gatherer.GetLocalCandidates()
	if err != nil {
		return nil, fmt.Errorf("ice candidates: %w", err)
	}
	ice := r.api.NewICETransport(gatherer)
	dtls, err := r.api.NewDTLSTransport(ice, nil)
	if err != nil {
		return nil, fmt.Errorf("dtls transport: %w", err)
	}
	dtlsParams, err := dtls.GetLocalParameters()
	if err != nil {
		return nil, fmt.Errorf("dtls parameters: %w", err)
	}

	id := newID()
	t := &Transport{
		id:        id,
		router:    r,
		opts:      opts,
		logger:    log.With().Str("module", "rtc").Str("transport", id).Logger(),
		gatherer:  gatherer,
		ice:       ice,
		dtls:      dtls,
		ready:     make(chan struct{}),
		producers: make(map[string]*Producer),
		consumers: make(map[string]*Consumer),
		done:      make(chan struct{}),
	}
	t.desc = core.TransportDescriptor{
		ID: id,
		IceParameters: core.IceParameters{
			UsernameFragment: iceParams.UsernameFragment,
			Password:         iceParams.Password,
			IceLite:          true,
		},
		IceCandidates:  make([]core.IceCandidate, 0, len(candidates)),
		DtlsParameters: fromDTLS(dtlsParams),
	}
	for _, c := range candidates {
		t.desc.IceCandidates = append(t.desc.IceCandidates, fromCandidate(c))
	}

	ice.OnConnectionStateChange(func(s webrtc.ICETransportState) {
		t.logger.Info().Str("ice_state", s.String()).Msg("ICE state")
		if s == webrtc.ICETransportStateFailed || s == webrtc.ICETransportStateClosed {
			t.Close()
		}
	})
	return t, nil
}

func (t *Transport) ID() string { return t.id }

func (t *Transport) Descriptor() core.TransportDescriptor { return t.desc }

// Connected reports whether remote parameters were accepted.
func (t *Transport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.started && !t.closed
}

func (t *Transport) Done() <-chan struct{} { return t.done }

// Connect applies the remote parameters and starts the ICE and DTLS
// handshakes as the controlled, ICE-lite side. It returns before the
// handshake completes, because the remote side only starts its own half
// after it learns that the parameters were accepted. The remote ICE
// credentials are required because the lite agent validates connectivity
// checks against them.
func (t *Transport) Connect(_ context.Context, remote core.RemoteParameters) error {
	if remote.IceParameters == nil || remote.IceParameters.UsernameFragment == "" || remote.IceParameters.Password == "" {
		return fmt.Errorf("%w: iceParameters with usernameFragment and password required by ice-lite transport", domain.ErrBadPayload)
	}
	dtlsParams, err := toDTLS(remote.DtlsParameters)
	if err != nil {
		return err
	}
	cands := make([]webrtc.ICECandidate, 0, len(remote.IceCandidates))
	for _, c := range remote.IceCandidates {
		wc, err := toCandidate(c)
		if err != nil {
			return err
		}
		cands = append(cands, wc)
	}

	t.mu.Lock()
	switch {
	case t.closed:
		t.mu.Unlock()
		return fmt.Errorf("transport %s closed: %w", t.id, domain.ErrTransportNotFound)
	case t.started:
		t.mu.Unlock()
		return domain.ErrAlreadyConnected
	}
	t.started = true
	t.mu.Unlock()

	iceParams := webrtc.ICEParameters{
		UsernameFragment: remote.IceParameters.UsernameFragment,
		Password:         remote.IceParameters.Password,
		ICELite:          remote.IceParameters.IceLite,
	}
	go t.runHandshake(iceParams, cands, dtlsParams)
	return nil
}

// runHandshake closes the transport when the handshake fails or does not
// finish within the connect timeout.
func (t *Transport) runHandshake(iceParams webrtc.ICEParameters, cands []webrtc.ICECandidate, dtlsParams webrtc.DTLSParameters) {
	res := make(chan error, 1)
	go func() { res <- t.handshake(iceParams, cands, dtlsParams) }()

	timeout := t.router.engine.cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-res:
		if err != nil {
			t.logger.Warn().Err(err).Msg("handshake failed")
			t.Close()
			return
		}
	case <-timer.C:
		t.logger.Warn().Dur("timeout", timeout).Msg("handshake timed out")
		t.Close()
		return
	case <-t.done:
		return
	}

	t.mu.Lock()
	t.connected = true
	t.mu.Unlock()
	close(t.ready)
	t.logger.Info().Msg("transport connected")

	if t.opts.MaxIncomingBitrate > 0 {
		go t.capIncoming(t.opts.MaxIncomingBitrate)
	}
}

func (t *Transport) handshake(iceParams webrtc.ICEParameters, cands []webrtc.ICECandidate, dtlsParams webrtc.DTLSParameters) error {
	if len(cands) > 0 {
		if err := t.ice.SetRemoteCandidates(cands); err != nil {
			return fmt.Errorf("remote candidates: %w", err)
		}
	}
	role := webrtc.ICERoleControlled
	if err := t.ice.Start(nil, iceParams, &role); err != nil {
		return fmt.Errorf("ice start: %w", err)
	}
	if err := t.dtls.Start(dtlsParams); err != nil {
		return fmt.Errorf("dtls start: %w", err)
	}
	return nil
}

// awaitConnected blocks until the handshake finished, bounded by ctx and the
// connect timeout.
func (t *Transport) awaitConnected(ctx context.Context) error {
	timeout := t.router.engine.cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-t.ready:
		return nil
	case <-t.done:
		return fmt.Errorf("transport %s closed: %w", t.id, domain.ErrTransportNotFound)
	case <-timer.C:
		return fmt.Errorf("transport %s not connected after %s", t.id, timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// capIncoming advertises MaxIncomingBitrate to every producer on the
// transport through periodic REMB feedback.
func (t *Transport) capIncoming(bitrate uint64) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
		}
		var ssrcs []uint32
		t.mu.Lock()
		for _, p := range t.producers {
			ssrcs = append(ssrcs, p.ssrcs...)
		}
		t.mu.Unlock()
		if len(ssrcs) == 0 {
			continue
		}
		pkt := &rtcp.ReceiverEstimatedMaximumBitrate{Bitrate: float32(bitrate), SSRCs: ssrcs}
		if _, err := t.dtls.WriteRTCP([]rtcp.Packet{pkt}); err != nil {
			t.logger.Debug().Err(err).Msg("remb write failed")
		}
	}
}

func (t *Transport) Produce(ctx context.Context, opts core.ProduceOptions) (core.Producer, error) {
	if err := t.awaitConnected(ctx); err != nil {
		return nil, err
	}
	p, err := newProducer(t, opts)
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		p.Close()
		return nil, fmt.Errorf("transport %s closed: %w", t.id, domain.ErrTransportNotFound)
	}
	t.producers[p.id] = p
	t.mu.Unlock()
	return p, nil
}

func (t *Transport) Consume(ctx context.Context, opts core.ConsumeOptions) (core.Consumer, error) {
	c, err := newConsumer(t, opts)
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		c.Close()
		return nil, fmt.Errorf("transport %s closed: %w", t.id, domain.ErrTransportNotFound)
	}
	t.consumers[c.id] = c
	t.mu.Unlock()
	return c, nil
}

func (t *Transport) forgetProducer(id string) {
	t.mu.Lock()
	delete(t.producers, id)
	t.mu.Unlock()
}

func (t *Transport) forgetConsumer(id string) {
	t.mu.Lock()
	delete(t.consumers, id)
	t.mu.Unlock()
}

func (t *Transport) Stats() (core.TransportStats, error) {
	st := core.TransportStats{TransportID: t.id}
	t.mu.Lock()
	connected := t.connected
	t.mu.Unlock()
	if !connected {
		return st, nil
	}
	pair, ok := t.ice.GetSelectedCandidatePairStats()
	if !ok {
		return st, nil
	}
	st.RTT = pair.CurrentRoundTripTime
	st.HasRTT = pair.CurrentRoundTripTime > 0
	return st, nil
}

func (t *Transport) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	producers := make([]*Producer, 0, len(t.producers))
	for _, p := range t.producers {
		producers = append(producers, p)
	}
	consumers := make([]*Consumer, 0, len(t.consumers))
	for _, c := range t.consumers {
		consumers = append(consumers, c)
	}
	t.producers = nil
	t.consumers = nil
	close(t.done)
	t.mu.Unlock()

	for _, c := range consumers {
		c.Close()
	}
	for _, p := range producers {
		p.Close()
	}

	err := multierr.Combine(t.dtls.Stop(), t.ice.Stop(), t.gatherer.Close())
	t.router.forget(t.id)
	if err != nil {
		t.logger.Debug().Err(err).Msg("close error")
	} else {
		t.logger.Info().Msg("closed")
	}
}

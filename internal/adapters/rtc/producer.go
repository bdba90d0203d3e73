package rtc

import (
	"context"
	"fmt"
	"sync"

	"github.com/dkeye/livecore/internal/app/sfu"
	"github.com/dkeye/livecore/internal/core"
	"github.com/dkeye/livecore/internal/domain"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Producer receives one track, with one relay per simulcast layer.
type Producer struct {
	id        string
	kind      domain.MediaKind
	params    core.RtpParameters
	transport *Transport
	receiver  *webrtc.RTPReceiver
	logger    zerolog.Logger

	ssrcs []uint32
	keys  []string

	mu        sync.Mutex
	consumers map[string]*Consumer
	closed    bool
}

var _ core.Producer = (*Producer)(nil)

func newProducer(t *Transport, opts core.ProduceOptions) (*Producer, error) {
	if len(opts.RtpParameters.Codecs) == 0 {
		return nil, fmt.Errorf("%w: rtpParameters without codecs", domain.ErrBadPayload)
	}
	codec := opts.RtpParameters.Codecs[0]
	if _, ok := t.router.codec(codec.MimeType); !ok {
		return nil, fmt.Errorf("%w: codec %s", domain.ErrIncompatibleCapabilities, codec.MimeType)
	}
	encodings := mergeEncodings(opts.RtpParameters.Encodings, opts.Encodings)
	if len(encodings) == 0 {
		return nil, fmt.Errorf("%w: rtpParameters without encodings", domain.ErrBadPayload)
	}

	decodings := make([]webrtc.RTPDecodingParameters, 0, len(encodings))
	ssrcs := make([]uint32, 0, len(encodings))
	for i, e := range encodings {
		if e.Ssrc == 0 {
			return nil, fmt.Errorf("%w: encoding %d without ssrc", domain.ErrBadPayload, i)
		}
		ssrcs = append(ssrcs, e.Ssrc)
		decodings = append(decodings, webrtc.RTPDecodingParameters{
			RTPCodingParameters: webrtc.RTPCodingParameters{
				SSRC:        webrtc.SSRC(e.Ssrc),
				PayloadType: webrtc.PayloadType(codec.PayloadType),
			},
		})
	}

	receiver, err := t.router.api.NewRTPReceiver(codecType(opts.Kind), t.dtls)
	if err != nil {
		return nil, fmt.Errorf("rtp receiver: %w", err)
	}
	if err := receiver.Receive(webrtc.RTPReceiveParameters{Encodings: decodings}); err != nil {
		_ = receiver.Stop()
		return nil, fmt.Errorf("receive: %w", err)
	}

	id := newID()
	params := opts.RtpParameters
	params.Encodings = encodings
	p := &Producer{
		id:        id,
		kind:      opts.Kind,
		params:    params,
		transport: t,
		receiver:  receiver,
		logger:    log.With().Str("module", "rtc").Str("producer", id).Str("kind", string(opts.Kind)).Logger(),
		ssrcs:     ssrcs,
		consumers: make(map[string]*Consumer),
	}

	relays := t.router.engine.relays
	for i, track := range receiver.Tracks() {
		key := sfu.Key(id, i)
		relays.StartRelay(context.Background(), key, track)
		p.keys = append(p.keys, key)
	}
	go p.drainRTCP()

	p.logger.Info().Int("layers", len(p.keys)).Msg("producer started")
	return p, nil
}

// drainRTCP keeps the receiver's interceptors fed.
func (p *Producer) drainRTCP() {
	for {
		if _, _, err := p.receiver.ReadRTCP(); err != nil {
			return
		}
	}
}

func (p *Producer) ID() string { return p.id }
func (p *Producer) Kind() domain.MediaKind { return p.kind }
func (p *Producer) RtpParameters() core.RtpParameters { return p.params }
func (p *Producer) Layers() int { return len(p.keys) }

func (p *Producer) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Producer) layerKey(layer int) string {
	if layer >= len(p.keys) {
		layer = len(p.keys) - 1
	}
	if layer < 0 {
		layer = 0
	}
	return p.keys[layer]
}

// RequestKeyFrame asks the sender of layer for a new key frame.
func (p *Producer) RequestKeyFrame(layer int) {
	if p.kind != domain.KindVideo || len(p.ssrcs) == 0 {
		return
	}
	if layer >= len(p.ssrcs) {
		layer = len(p.ssrcs) - 1
	}
	if layer < 0 {
		layer = 0
	}
	pli := &rtcp.PictureLossIndication{MediaSSRC: p.ssrcs[layer]}
	if _, err := p.transport.dtls.WriteRTCP([]rtcp.Packet{pli}); err != nil {
		p.logger.Debug().Err(err).Msg("pli write failed")
	}
}

func (p *Producer) attach(c *Consumer) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	p.consumers[c.id] = c
	return true
}

func (p *Producer) detach(id string) {
	p.mu.Lock()
	delete(p.consumers, id)
	p.mu.Unlock()
}

// Close stops every relay of the producer and closes its consumers.
func (p *Producer) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	consumers := make([]*Consumer, 0, len(p.consumers))
	for _, c := range p.consumers {
		consumers = append(consumers, c)
	}
	p.consumers = nil
	p.mu.Unlock()

	for _, c := range consumers {
		c.Close()
	}
	for _, key := range p.keys {
		p.transport.router.engine.relays.StopRelay(key)
	}
	if err := p.receiver.Stop(); err != nil {
		p.logger.Debug().Err(err).Msg("receiver stop")
	}
	p.transport.forgetProducer(p.id)
	p.logger.Info().Msg("producer closed")
}

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

const maxTemporalLayer = 2

// Consumer forwards one producer layer to the remote side through a static
// local track. Layer switches move its OutTrack between relays.
type Consumer struct {
	id        string
	producer  *Producer
	transport *Transport
	params    core.RtpParameters
	sender    *webrtc.RTPSender
	out       *sfu.OutTrack
	logger    zerolog.Logger

	mu     sync.Mutex
	paused bool
	layers core.Layers
	key    string
	closed bool
}

var _ core.Consumer = (*Consumer)(nil)

func newConsumer(t *Transport, opts core.ConsumeOptions) (*Consumer, error) {
	producer, ok := opts.Producer.(*Producer)
	if !ok || producer.Closed() {
		return nil, domain.ErrProducerNotFound
	}
	codec, ok := matchCodec(producer.params, opts.RtpCapabilities)
	if !ok {
		return nil, domain.ErrIncompatibleCapabilities
	}

	id := newID()
	track, err := webrtc.NewTrackLocalStaticRTP(toCodecParameters(core.RtpCodecCapability{
		MimeType:     codec.MimeType,
		ClockRate:    codec.ClockRate,
		Channels:     codec.Channels,
		Parameters:   codec.Parameters,
		RtcpFeedback: codec.RtcpFeedback,
	}).RTPCodecCapability, id, producer.id)
	if err != nil {
		return nil, fmt.Errorf("local track: %w", err)
	}
	sender, err := t.router.api.NewRTPSender(track, t.dtls)
	if err != nil {
		return nil, fmt.Errorf("rtp sender: %w", err)
	}
	sendParams := sender.GetParameters()
	if err := sender.Send(sendParams); err != nil {
		_ = sender.Stop()
		return nil, fmt.Errorf("send: %w", err)
	}

	params := core.RtpParameters{Mid: id}
	for _, c := range sendParams.Codecs {
		if sameCodec(c.MimeType, codec.MimeType) {
			params.Codecs = []core.RtpCodecParameters{fromCodec(c, codec.Parameters)}
			break
		}
	}
	if len(params.Codecs) == 0 {
		params.Codecs = []core.RtpCodecParameters{codec}
	}
	if len(sendParams.Encodings) > 0 {
		params.Encodings = []core.RtpEncoding{{Ssrc: uint32(sendParams.Encodings[0].SSRC)}}
	}

	top := producer.Layers() - 1
	c := &Consumer{
		id:        id,
		producer:  producer,
		transport: t,
		params:    params,
		sender:    sender,
		out:       sfu.NewOutTrack(track),
		logger:    log.With().Str("module", "rtc").Str("consumer", id).Str("producer", producer.id).Logger(),
		paused:    opts.Paused,
		layers:    core.Layers{Spatial: uint8(top), Temporal: maxTemporalLayer},
		key:       producer.layerKey(top),
	}
	if opts.Paused {
		c.out.MarkMuted()
	}
	if !producer.attach(c) {
		_ = sender.Stop()
		return nil, domain.ErrProducerNotFound
	}
	if !t.router.engine.relays.AddSubscriber(c.key, id, c.out) {
		producer.detach(id)
		_ = sender.Stop()
		return nil, domain.ErrProducerNotFound
	}
	go c.readRTCP()

	c.logger.Info().Bool("paused", opts.Paused).Msg("consumer created")
	return c, nil
}

// readRTCP turns subscriber key frame requests into PLIs toward the producer.
func (c *Consumer) readRTCP() {
	for {
		pkts, _, err := c.sender.ReadRTCP()
		if err != nil {
			return
		}
		for _, pkt := range pkts {
			switch pkt.(type) {
			case *rtcp.PictureLossIndication, *rtcp.FullIntraRequest:
				c.producer.RequestKeyFrame(int(c.PreferredLayers().Spatial))
			}
		}
	}
}

func (c *Consumer) ID() string { return c.id }
func (c *Consumer) ProducerID() string { return c.producer.id }
func (c *Consumer) Kind() domain.MediaKind { return c.producer.kind }
func (c *Consumer) RtpParameters() core.RtpParameters { return c.params }

func (c *Consumer) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

func (c *Consumer) Pause(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return domain.ErrConsumerNotFound
	}
	c.paused = true
	c.out.MarkMuted()
	return nil
}

func (c *Consumer) Resume(_ context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return domain.ErrConsumerNotFound
	}
	c.paused = false
	c.out.MarkOk()
	spatial := int(c.layers.Spatial)
	c.mu.Unlock()

	c.producer.RequestKeyFrame(spatial)
	return nil
}

// SetPreferredLayers clamps l to what the producer sends and moves the
// subscriber to the matching relay.
func (c *Consumer) SetPreferredLayers(l core.Layers) error {
	top := c.producer.Layers() - 1
	if int(l.Spatial) > top {
		l.Spatial = uint8(top)
	}
	if l.Temporal > maxTemporalLayer {
		l.Temporal = maxTemporalLayer
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return domain.ErrConsumerNotFound
	}
	from := c.key
	to := c.producer.layerKey(int(l.Spatial))
	c.layers = l
	c.key = to
	c.mu.Unlock()

	if from == to {
		return nil
	}
	if !c.transport.router.engine.relays.MoveSubscriber(from, to, c.id) {
		return fmt.Errorf("move %s to %s: %w", from, to, domain.ErrProducerNotFound)
	}
	c.producer.RequestKeyFrame(int(l.Spatial))
	c.logger.Debug().Uint8("spatial", l.Spatial).Uint8("temporal", l.Temporal).Msg("layers changed")
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
		ProducerID:    c.producer.id,
		Kind:          c.producer.kind,
		Paused:        c.paused,
		SpatialLayer:  c.layers.Spatial,
		TemporalLayer: c.layers.Temporal,
		PacketsSent:   c.out.Packets(),
	}
}

func (c *Consumer) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Consumer) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	key := c.key
	c.mu.Unlock()

	c.out.MarkDelete()
	c.transport.router.engine.relays.MarkSubscriberDelete(key, c.id)
	c.producer.detach(c.id)
	if err := c.sender.Stop(); err != nil {
		c.logger.Debug().Err(err).Msg("sender stop")
	}
	c.transport.forgetConsumer(c.id)
	c.logger.Info().Msg("consumer closed")
}

package orch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dkeye/livecore/internal/app"
	"github.com/dkeye/livecore/internal/core"
	"github.com/dkeye/livecore/internal/domain"
	"github.com/dkeye/livecore/internal/proto"
)

// CreateTransport opens a transport for one direction of peerID. A transport
// already open for that direction is closed and replaced.
func (o *Orchestrator) CreateTransport(ctx context.Context, sid domain.SessionID, peerID domain.PeerID, dir domain.Direction) (core.TransportDescriptor, error) {
	if !dir.Valid() {
		return core.TransportDescriptor{}, fmt.Errorf("%w: direction %q", domain.ErrBadPayload, dir)
	}
	room, peer, err := o.lookup(sid, peerID)
	if err != nil {
		return core.TransportDescriptor{}, err
	}
	t, err := room.Router.CreateTransport(ctx, core.TransportOptions{
		MaxIncomingBitrate:              o.Media.MaxIncomingBitrate,
		InitialAvailableOutgoingBitrate: o.Media.InitialOutgoingBitrate,
	})
	if err != nil {
		return core.TransportDescriptor{}, fmt.Errorf("create %s transport: %w", dir, err)
	}
	if !room.Holds(peer) {
		t.Close()
		return core.TransportDescriptor{}, app.ErrPeerClosed
	}
	old, err := peer.SetTransport(dir, t)
	if err != nil {
		t.Close()
		return core.TransportDescriptor{}, err
	}
	if old != nil {
		old.Close()
	}
	go o.watchRTT(sid, peer, dir, t)

	lg := logger(sid, peerID)
	lg.Info().Str("direction", string(dir)).Str("transport", t.ID()).Msg("transport created")
	return t.Descriptor(), nil
}

// ConnectTransport hands the client's handshake parameters to the transport.
// Connecting twice is not an error.
func (o *Orchestrator) ConnectTransport(ctx context.Context, sid domain.SessionID, peerID domain.PeerID, dir domain.Direction, remote core.RemoteParameters) error {
	_, peer, err := o.lookup(sid, peerID)
	if err != nil {
		return err
	}
	t, ok := peer.Transport(dir)
	if !ok {
		return fmt.Errorf("%s transport: %w", dir, domain.ErrTransportNotFound)
	}
	if err := t.Connect(ctx, remote); err != nil && !errors.Is(err, domain.ErrAlreadyConnected) {
		return err
	}
	return nil
}

// Produce starts receiving kind from peerID and returns the producer id. The
// peer's previous producer of the same kind is closed.
func (o *Orchestrator) Produce(ctx context.Context, sid domain.SessionID, peerID domain.PeerID, dir domain.Direction, kind domain.MediaKind, params core.RtpParameters) (string, error) {
	if dir == "" {
		dir = domain.DirectionSend
	}
	if !kind.Valid() {
		return "", fmt.Errorf("%w: kind %q", domain.ErrBadPayload, kind)
	}
	room, peer, err := o.lookup(sid, peerID)
	if err != nil {
		return "", err
	}
	t, ok := peer.Transport(dir)
	if !ok {
		return "", fmt.Errorf("%s transport: %w", dir, domain.ErrTransportNotFound)
	}
	if !t.Connected() {
		return "", ErrTransportNotConnected
	}

	opts := core.ProduceOptions{Kind: kind, RtpParameters: params}
	if kind == domain.KindVideo {
		opts.Encodings = app.SimulcastEncodings()
	}
	pr, err := t.Produce(ctx, opts)
	if err != nil {
		return "", err
	}
	if !room.Holds(peer) {
		pr.Close()
		return "", app.ErrPeerClosed
	}
	old, err := peer.SetProducer(pr)
	if err != nil {
		pr.Close()
		return "", err
	}
	if old != nil && old != pr {
		old.Close()
	}
	o.publishStatus(ctx, domain.SessionStatus{SessionID: sid, PeerID: peerID, Kind: kind, Live: true})

	lg := logger(sid, peerID)
	lg.Info().Str("kind", string(kind)).Str("producer", pr.ID()).Int("layers", pr.Layers()).Msg("producing")
	return pr.ID(), nil
}

// Consume subscribes peerID to kind. The source is target when given,
// otherwise the first other peer, ordered by id, producing kind.
func (o *Orchestrator) Consume(ctx context.Context, sid domain.SessionID, peerID domain.PeerID, dir domain.Direction, kind domain.MediaKind, caps core.RtpCapabilities, target domain.PeerID) (core.ConsumerDescriptor, error) {
	if dir == "" {
		dir = domain.DirectionRecv
	}
	if !kind.Valid() {
		return core.ConsumerDescriptor{}, fmt.Errorf("%w: kind %q", domain.ErrBadPayload, kind)
	}
	room, peer, err := o.lookup(sid, peerID)
	if err != nil {
		return core.ConsumerDescriptor{}, err
	}
	t, ok := peer.Transport(dir)
	if !ok {
		return core.ConsumerDescriptor{}, fmt.Errorf("%s transport: %w", dir, domain.ErrTransportNotFound)
	}

	src := findProducer(room, peerID, kind, target)
	if src == nil {
		return core.ConsumerDescriptor{}, &domain.NoProducerError{Kind: kind}
	}
	if !room.Router.CanConsume(src, caps) {
		return core.ConsumerDescriptor{}, domain.ErrIncompatibleCapabilities
	}
	c, err := t.Consume(ctx, core.ConsumeOptions{Producer: src, RtpCapabilities: caps})
	if err != nil {
		return core.ConsumerDescriptor{}, err
	}
	if !room.Holds(peer) {
		c.Close()
		return core.ConsumerDescriptor{}, app.ErrPeerClosed
	}
	if err := peer.AddConsumer(c); err != nil {
		c.Close()
		return core.ConsumerDescriptor{}, err
	}

	lg := logger(sid, peerID)
	lg.Info().Str("kind", string(kind)).Str("consumer", c.ID()).Str("producer", src.ID()).Msg("consuming")
	return core.ConsumerDescriptor{
		ID:            c.ID(),
		ProducerID:    c.ProducerID(),
		Kind:          c.Kind(),
		RtpParameters: c.RtpParameters(),
	}, nil
}

func findProducer(room *app.Room, self domain.PeerID, kind domain.MediaKind, target domain.PeerID) core.Producer {
	if target != "" {
		if target == self {
			return nil
		}
		other, ok := room.Peer(target)
		if !ok {
			return nil
		}
		pr, _ := other.Producer(kind)
		return pr
	}
	for _, other := range room.Others(self) {
		if pr, ok := other.Producer(kind); ok {
			return pr
		}
	}
	return nil
}

// Resume resumes consumerID, or the first paused consumer when it is empty.
func (o *Orchestrator) Resume(ctx context.Context, sid domain.SessionID, peerID domain.PeerID, consumerID string) error {
	_, peer, err := o.lookup(sid, peerID)
	if err != nil {
		return err
	}
	var c core.Consumer
	if consumerID != "" {
		c, _ = peer.Consumer(consumerID)
	} else {
		for _, cand := range peer.Consumers() {
			if cand.Paused() {
				c = cand
				break
			}
		}
	}
	if c == nil {
		return domain.ErrConsumerNotFound
	}
	return c.Resume(ctx)
}

// HasProducer reports which kinds the other peers of the session produce.
func (o *Orchestrator) HasProducer(sid domain.SessionID, peerID domain.PeerID) (proto.Availability, error) {
	room, _, err := o.lookup(sid, peerID)
	if err != nil {
		return proto.Availability{}, err
	}
	var a proto.Availability
	for _, other := range room.Others(peerID) {
		for _, k := range other.ProducedKinds() {
			switch k {
			case domain.KindAudio:
				a.Audio = true
			case domain.KindVideo:
				a.Video = true
			}
		}
	}
	return a, nil
}

func (o *Orchestrator) Stats(_ context.Context, sid domain.SessionID, peerID domain.PeerID) ([]core.ConsumerStats, error) {
	_, peer, err := o.lookup(sid, peerID)
	if err != nil {
		return nil, err
	}
	consumers := peer.Consumers()
	out := make([]core.ConsumerStats, 0, len(consumers))
	for _, c := range consumers {
		out = append(out, c.Stats())
	}
	return out, nil
}

// watchRTT samples the transport until it closes and warns the peer when the
// round trip time exceeds the configured threshold.
func (o *Orchestrator) watchRTT(sid domain.SessionID, peer *app.Peer, dir domain.Direction, t core.Transport) {
	defer peer.DropTransport(dir, t)
	interval := o.Media.StatsInterval
	if interval <= 0 || o.Media.RTTThreshold <= 0 {
		<-t.Done()
		return
	}
	threshold := o.Media.RTTThreshold.Seconds()
	tick := o.clock().Ticker(interval)
	defer tick.Stop()

	for {
		select {
		case <-t.Done():
			return
		case <-tick.C:
			st, err := t.Stats()
			if err != nil || !st.HasRTT || st.RTT <= threshold {
				continue
			}
			o.Metrics.RTTWarning()
			l := logger(sid, peer.ID)
			l.Debug().Dur("rtt", time.Duration(st.RTT*float64(time.Second))).Str("transport", t.ID()).Msg("high round trip time")
			o.send(peer, proto.ConnectionWarning(st))
		}
	}
}

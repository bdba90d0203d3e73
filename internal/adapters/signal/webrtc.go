package signal

import (
	"context"

	"github.com/dkeye/livecore/internal/proto"
)

func (ctl *SignalWSController) handleCreateTransport(ctx context.Context, cl *client, m CreateTransport) error {
	sid, peer := cl.target(m.SessionID, m.PeerID)
	desc, err := ctl.Orch.CreateTransport(ctx, sid, peer, m.Direction)
	if err != nil {
		return err
	}
	ctl.reply(cl, proto.TransportCreated(m.Direction, desc))
	return nil
}

func (ctl *SignalWSController) handleConnectTransport(ctx context.Context, cl *client, m ConnectTransport) error {
	sid, peer := cl.target(m.SessionID, m.PeerID)
	if err := ctl.Orch.ConnectTransport(ctx, sid, peer, m.Direction, m.Remote); err != nil {
		return err
	}
	ctl.reply(cl, proto.TransportConnected(m.Direction))
	return nil
}

func (ctl *SignalWSController) handleProduce(ctx context.Context, cl *client, m Produce) error {
	sid, peer := cl.target(m.SessionID, m.PeerID)
	id, err := ctl.Orch.Produce(ctx, sid, peer, m.Direction, m.Kind, m.RtpParameters)
	if err != nil {
		return err
	}
	ctl.reply(cl, proto.Produced(id, m.Kind))
	return nil
}

func (ctl *SignalWSController) handleConsume(ctx context.Context, cl *client, m Consume) error {
	sid, peer := cl.target(m.SessionID, m.PeerID)
	desc, err := ctl.Orch.Consume(ctx, sid, peer, m.Direction, m.Kind, m.RtpCapabilities, m.ProducerPeerID)
	if err != nil {
		return err
	}
	ctl.reply(cl, proto.Consumed(desc))
	return nil
}

func (ctl *SignalWSController) handleHasProducer(cl *client, m HasProducer) error {
	sid, peer := cl.target(m.SessionID, m.PeerID)
	a, err := ctl.Orch.HasProducer(sid, peer)
	if err != nil {
		return err
	}
	ctl.reply(cl, proto.HasProducer(a))
	return nil
}

func (ctl *SignalWSController) handleStats(ctx context.Context, cl *client, m GetStats) error {
	sid, peer := cl.target(m.SessionID, m.PeerID)
	stats, err := ctl.Orch.Stats(ctx, sid, peer)
	if err != nil {
		return err
	}
	ctl.reply(cl, proto.StatsUpdate(peer, stats))
	return nil
}

package orch

import (
	"context"

	"github.com/dkeye/livecore/internal/app"
	"github.com/dkeye/livecore/internal/core"
	"github.com/dkeye/livecore/internal/domain"
	"github.com/dkeye/livecore/internal/proto"
)

// ReportQuality pauses the peer's first video consumer on a poor connection
// and resumes it once the connection recovers. Audio is never touched.
func (o *Orchestrator) ReportQuality(ctx context.Context, sid domain.SessionID, peerID domain.PeerID, q domain.Quality) error {
	_, peer, err := o.lookup(sid, peerID)
	if err != nil {
		return err
	}
	peer.SetQuality(q)

	c, ok := peer.FirstConsumer(domain.KindVideo)
	if !ok {
		return nil
	}
	l := logger(sid, peerID)
	if q == domain.QualityPoor {
		if c.Paused() {
			return nil
		}
		if err := c.Pause(ctx); err != nil {
			return err
		}
		l.Info().Str("consumer", c.ID()).Msg("video paused for poor connection")
		o.send(peer, proto.StreamPaused(domain.KindVideo))
		return nil
	}
	if !c.Paused() {
		return nil
	}
	if err := c.Resume(ctx); err != nil {
		return err
	}
	l.Info().Str("consumer", c.ID()).Str("quality", string(q)).Msg("video resumed")
	o.send(peer, proto.StreamResumed(domain.KindVideo))
	return nil
}

// SetBuffering drops every video consumer of the peer to the lowest layer
// while it buffers and restores the highest layer afterwards.
func (o *Orchestrator) SetBuffering(_ context.Context, sid domain.SessionID, peerID domain.PeerID, buffering bool) error {
	_, peer, err := o.lookup(sid, peerID)
	if err != nil {
		return err
	}
	peer.SetBuffering(buffering)

	layers := core.Layers{Spatial: app.MaxSpatialLayer, Temporal: maxTemporalLayer}
	if buffering {
		layers = core.Layers{}
	}
	for _, c := range peer.Consumers() {
		if c.Kind() != domain.KindVideo {
			continue
		}
		if err := c.SetPreferredLayers(layers); err != nil {
			lg := logger(sid, peerID)
			lg.Warn().Err(err).Str("consumer", c.ID()).Msg("set preferred layers")
		}
	}
	return nil
}

const maxTemporalLayer = 2

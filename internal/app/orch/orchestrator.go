// Package orch drives the peer media state machine of live sessions: joining,
// transports, producers, consumers, teardown and connection quality.
package orch

import (
	"context"
	"fmt"

	"github.com/benbjohnson/clock"
	"github.com/dkeye/livecore/internal/app"
	"github.com/dkeye/livecore/internal/config"
	"github.com/dkeye/livecore/internal/core"
	"github.com/dkeye/livecore/internal/domain"
	"github.com/dkeye/livecore/internal/metrics"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Events fans session-scoped frames and live status out to this process and
// to the bus.
type Events interface {
	BroadcastSession(ctx context.Context, sid domain.SessionID, exclude core.ConnID, frame core.Frame) error
	PublishStatus(ctx context.Context, st domain.SessionStatus) error
}

type Orchestrator struct {
	Registry     *app.Registry
	Rooms        *app.RoomManager
	Events       Events
	Participants core.ParticipantDirectory
	Metrics      *metrics.Metrics
	Clock        clock.Clock
	Media        config.MediaConfig
}

// ErrTransportNotConnected is returned by Produce before ConnectTransport.
var ErrTransportNotConnected = fmt.Errorf("transport not connected: %w", domain.ErrTransportNotFound)

const joinAttempts = 3

func (o *Orchestrator) clock() clock.Clock {
	if o.Clock == nil {
		return clock.New()
	}
	return o.Clock
}

func logger(sid domain.SessionID, peer domain.PeerID) zerolog.Logger {
	return log.With().
		Str("module", "orch").
		Str("session", string(sid)).
		Str("peer", string(peer)).
		Logger()
}

func validIDs(sid domain.SessionID, peer domain.PeerID) error {
	if sid == "" {
		return fmt.Errorf("%w: sessionId required", domain.ErrBadPayload)
	}
	if peer == "" {
		return fmt.Errorf("%w: peerId required", domain.ErrBadPayload)
	}
	return nil
}

func (o *Orchestrator) lookup(sid domain.SessionID, peerID domain.PeerID) (*app.Room, *app.Peer, error) {
	if err := validIDs(sid, peerID); err != nil {
		return nil, nil, err
	}
	room, ok := o.Rooms.GetRoom(sid)
	if !ok {
		return nil, nil, fmt.Errorf("session %s: %w", sid, domain.ErrRoomNotFound)
	}
	peer, ok := room.Peer(peerID)
	if !ok {
		return nil, nil, fmt.Errorf("peer %s: %w", peerID, domain.ErrPeerNotFound)
	}
	return room, peer, nil
}

func (o *Orchestrator) send(peer *app.Peer, f core.Frame) {
	if peer.Conn == nil {
		return
	}
	if err := o.Registry.Send(peer.Conn.ID(), f); err != nil {
		log.Debug().Err(err).Str("module", "orch").Str("peer", string(peer.ID)).Msg("send to peer failed")
	}
}

func (o *Orchestrator) broadcast(ctx context.Context, sid domain.SessionID, exclude core.ConnID, f core.Frame) {
	if o.Events == nil {
		return
	}
	if err := o.Events.BroadcastSession(ctx, sid, exclude, f); err != nil {
		log.Warn().Err(err).Str("module", "orch").Str("session", string(sid)).Msg("session broadcast failed")
	}
}

func (o *Orchestrator) publishStatus(ctx context.Context, st domain.SessionStatus) {
	if o.Events == nil {
		return
	}
	if err := o.Events.PublishStatus(ctx, st); err != nil {
		log.Warn().Err(err).Str("module", "orch").Str("session", string(st.SessionID)).Msg("status publish failed")
	}
}

package orch

import (
	"context"
	"errors"

	"github.com/dkeye/livecore/internal/app"
	"github.com/dkeye/livecore/internal/core"
	"github.com/dkeye/livecore/internal/domain"
	"github.com/dkeye/livecore/internal/proto"
)

// JoinSession installs a fresh Peer for peerID in the session's room. A Peer
// already installed under the same id is closed first, so a re-join never
// inherits stale transports or producers.
func (o *Orchestrator) JoinSession(ctx context.Context, sid domain.SessionID, peerID domain.PeerID, user domain.UserID, conn core.SignalConnection) (*app.Peer, error) {
	if err := validIDs(sid, peerID); err != nil {
		return nil, err
	}
	l := logger(sid, peerID)

	peer := app.NewPeer(peerID, user, conn)
	var prev *app.Peer
	for attempt := 1; ; attempt++ {
		room, err := o.Rooms.GetOrCreateRoom(ctx, sid)
		if err != nil {
			return nil, err
		}
		prev, err = room.Join(peer)
		if err == nil {
			break
		}
		if !errors.Is(err, app.ErrRoomRetired) || attempt == joinAttempts {
			return nil, err
		}
		l.Debug().Int("attempt", attempt).Msg("room retired during join, retrying")
	}

	if prev != nil {
		l.Info().Msg("replacing previous peer")
		for _, kind := range prev.Close() {
			o.publishStatus(ctx, domain.SessionStatus{SessionID: sid, PeerID: peerID, Kind: kind, Live: false})
		}
	} else {
		o.Metrics.PeerJoined()
	}

	var exclude core.ConnID
	if conn != nil {
		exclude = conn.ID()
		o.Registry.SetSession(exclude, sid)
	}
	if o.Participants != nil {
		if err := o.Participants.AddParticipant(ctx, domain.NewParticipant(sid, peerID, user)); err != nil {
			l.Warn().Err(err).Msg("participant not recorded")
		}
	}
	o.broadcast(ctx, sid, exclude, proto.UserJoined(user, peerID))

	l.Info().Str("user", string(user)).Msg("peer joined")
	return peer, nil
}

// GetCapabilities returns the router capabilities of the session, creating
// the room on first use.
func (o *Orchestrator) GetCapabilities(ctx context.Context, sid domain.SessionID) (core.RtpCapabilities, error) {
	if sid == "" {
		return core.RtpCapabilities{}, domain.ErrRoomNotFound
	}
	room, err := o.Rooms.GetOrCreateRoom(ctx, sid)
	if err != nil {
		return core.RtpCapabilities{}, err
	}
	return room.Router.RtpCapabilities(), nil
}

// Leave tears peer down if it is still the Peer installed under its id. A
// stale Peer that was already replaced by a re-join is left alone.
func (o *Orchestrator) Leave(ctx context.Context, sid domain.SessionID, peer *app.Peer) bool {
	if peer == nil {
		return false
	}
	room, ok := o.Rooms.GetRoom(sid)
	if !ok {
		peer.Close()
		return false
	}
	if !room.Remove(peer, o.clock().Now()) {
		return false
	}
	l := logger(sid, peer.ID)

	kinds := peer.Close()
	o.Metrics.PeerLeft()
	for _, kind := range kinds {
		o.publishStatus(ctx, domain.SessionStatus{SessionID: sid, PeerID: peer.ID, Kind: kind, Live: false})
	}
	var exclude core.ConnID
	if peer.Conn != nil {
		exclude = peer.Conn.ID()
	}
	o.broadcast(ctx, sid, exclude, proto.UserLeft(peer.UserID, peer.ID))
	if o.Participants != nil {
		if err := o.Participants.RemoveParticipant(ctx, domain.NewParticipant(sid, peer.ID, peer.UserID)); err != nil {
			l.Warn().Err(err).Msg("participant not removed")
		}
	}
	l.Info().Int("remaining", room.Len()).Msg("peer left")
	return true
}

// LeaveSession is the explicit leave of peerID.
func (o *Orchestrator) LeaveSession(ctx context.Context, sid domain.SessionID, peerID domain.PeerID) error {
	_, peer, err := o.lookup(sid, peerID)
	if err != nil {
		return err
	}
	o.Leave(ctx, sid, peer)
	return nil
}

// ReportIssue tells the rest of the session that peerID's signaling failed.
func (o *Orchestrator) ReportIssue(ctx context.Context, sid domain.SessionID, peerID domain.PeerID, exclude core.ConnID) {
	if sid == "" || peerID == "" {
		return
	}
	o.broadcast(ctx, sid, exclude, proto.PeerConnectionIssue(peerID))
}

// JoinLive binds conn to a session without media and announces user to it.
func (o *Orchestrator) JoinLive(ctx context.Context, sid domain.SessionID, user domain.UserID, conn core.ConnID) {
	o.Registry.SetSession(conn, sid)
	if o.Participants != nil {
		if err := o.Participants.AddParticipant(ctx, domain.NewParticipant(sid, "", user)); err != nil {
			lg := logger(sid, "")
			lg.Warn().Err(err).Msg("participant not recorded")
		}
	}
	o.broadcast(ctx, sid, conn, proto.UserJoined(user, ""))
}

// LeaveLive is the media-less counterpart of Leave.
func (o *Orchestrator) LeaveLive(ctx context.Context, sid domain.SessionID, user domain.UserID, conn core.ConnID) {
	o.broadcast(ctx, sid, conn, proto.UserLeft(user, ""))
	if o.Participants != nil {
		if err := o.Participants.RemoveParticipant(ctx, domain.NewParticipant(sid, "", user)); err != nil {
			lg := logger(sid, "")
			lg.Warn().Err(err).Msg("participant not removed")
		}
	}
}

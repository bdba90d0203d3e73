package signal

import (
	"context"
	"fmt"

	"github.com/dkeye/livecore/internal/domain"
	"github.com/dkeye/livecore/internal/proto"
	"github.com/rs/zerolog/log"
)

// target fills in the session and peer this connection joined when a frame
// leaves them out.
func (cl *client) target(sid domain.SessionID, peer domain.PeerID) (domain.SessionID, domain.PeerID) {
	if sid == "" {
		sid = cl.session
	}
	if peer == "" && cl.peer != nil && sid == cl.session {
		peer = cl.peer.ID
	}
	return sid, peer
}

// sameUser rejects identity fields that name someone other than the verified
// user. An empty field means the verified user.
func (cl *client) sameUser(claimed domain.UserID) (domain.UserID, error) {
	if claimed == "" || claimed == cl.user {
		return cl.user, nil
	}
	return "", fmt.Errorf("%w: user %s acting as %s", domain.ErrForbidden, cl.user, claimed)
}

func (ctl *SignalWSController) handleJoin(ctx context.Context, cl *client, m JoinSession) error {
	if cl.peer != nil && (cl.session != m.SessionID || cl.peer.ID != m.PeerID) {
		log.Info().Str("module", "signal").Str("conn", string(cl.conn.id)).Str("from", string(cl.session)).Msg("switching session")
		ctl.Orch.Leave(ctx, cl.session, cl.peer)
		cl.peer = nil
	}
	peer, err := ctl.Orch.JoinSession(ctx, m.SessionID, m.PeerID, cl.user, cl.conn)
	if err != nil {
		return err
	}
	cl.session, cl.peer = m.SessionID, peer
	return nil
}

func (ctl *SignalWSController) handleLeave(ctx context.Context, cl *client, m LeaveSession) error {
	user, err := cl.sameUser(m.UserID)
	if err != nil {
		return err
	}
	sid, peerID := cl.target(m.SessionID, m.PeerID)
	if sid == "" {
		return fmt.Errorf("%w: sessionId required", domain.ErrBadPayload)
	}
	if peerID == "" {
		ctl.Orch.LeaveLive(ctx, sid, user, cl.conn.id)
		return nil
	}
	if err := ctl.Orch.LeaveSession(ctx, sid, peerID); err != nil {
		return err
	}
	if cl.peer != nil && cl.peer.ID == peerID && cl.session == sid {
		cl.peer = nil
	}
	return nil
}

func (ctl *SignalWSController) handleJoinLive(ctx context.Context, cl *client, m JoinLiveSession) error {
	user, err := cl.sameUser(m.UserID)
	if err != nil {
		return err
	}
	if cl.peer == nil {
		cl.session = m.SessionID
	}
	ctl.Orch.JoinLive(ctx, m.SessionID, user, cl.conn.id)
	return nil
}

func (ctl *SignalWSController) handleCapabilities(ctx context.Context, cl *client, m GetRtpCapabilities) error {
	sid, _ := cl.target(m.SessionID, "")
	caps, err := ctl.Orch.GetCapabilities(ctx, sid)
	if err != nil {
		return err
	}
	ctl.reply(cl, proto.RtpCapabilities(caps))
	return nil
}

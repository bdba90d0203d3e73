package signal

import (
	"context"

	"github.com/rs/zerolog/log"
)

func (ctl *SignalWSController) handlePrivateMessage(ctx context.Context, cl *client, m PrivateMessage) error {
	sender, err := cl.sameUser(m.SenderID)
	if err != nil {
		return err
	}
	msg, err := ctl.Delivery.SendPrivate(ctx, cl.conn.id, sender, m.ReceiverID, m.Text)
	if err != nil {
		return err
	}
	log.Debug().Str("module", "signal").Str("message", string(msg.ID)).Str("receiver", string(m.ReceiverID)).Msg("private message")
	return nil
}

func (ctl *SignalWSController) handleTyping(ctx context.Context, cl *client, m UserTyping) error {
	sender, err := cl.sameUser(m.UserID)
	if err != nil {
		return err
	}
	sid := m.SessionID
	if sid == "" && m.ReceiverID == "" {
		sid = cl.session
	}
	return ctl.Delivery.Typing(ctx, cl.conn.id, sender, m.ReceiverID, sid, m.IsTyping)
}

func (ctl *SignalWSController) handleOnline(ctx context.Context, cl *client, m UserOnline) error {
	user, err := cl.sameUser(m.UserID)
	if err != nil {
		return err
	}
	return ctl.Delivery.MarkOnline(ctx, cl.conn.id, user)
}

func (ctl *SignalWSController) handleOffline(ctx context.Context, cl *client, m UserOffline) error {
	user, err := cl.sameUser(m.UserID)
	if err != nil {
		return err
	}
	ctl.Delivery.MarkOffline(ctx, cl.conn.id, user)
	return nil
}

package signal

import (
	"context"
	"fmt"
	"time"

	"github.com/dkeye/livecore/internal/core"
	"github.com/dkeye/livecore/internal/proto"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	frameTimeout    = 30 * time.Second
	teardownTimeout = 5 * time.Second
)

func (ctl *SignalWSController) writePump(ctx context.Context, c *WsSignalConn) {
	ping := time.NewTicker(ctl.WS.PingPeriod)
	defer ping.Stop()
	defer c.Close()

	for {
		select {
		case <-ctx.Done():
			log.Debug().Str("module", "signal").Str("conn", string(c.id)).Msg("writePump ctx done")
			return
		case <-ping.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(ctl.WS.WriteWait)); err != nil {
				log.Debug().Err(err).Str("module", "signal").Str("conn", string(c.id)).Msg("writePump ping")
				return
			}
		case data, ok := <-c.send:
			if !ok {
				log.Debug().Str("module", "signal").Str("conn", string(c.id)).Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(ctl.WS.WriteWait)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Warn().Err(err).Str("module", "signal").Str("conn", string(c.id)).Msg("writePump write error")
				return
			}
		}
	}
}

func (ctl *SignalWSController) readPump(ctx context.Context, cl *client) {
	c := cl.conn
	logger := log.With().Str("module", "signal").Str("conn", string(c.id)).Str("user", string(cl.user)).Logger()

	var readErr error
	defer func() {
		logger.Info().Msg("readPump closing")
		ctl.teardown(ctx, cl, readErr)
	}()

	c.conn.SetReadLimit(ctl.WS.ReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(ctl.WS.PongWait))
	c.conn.SetPongHandler(func(string) error {
		ctl.Delivery.Touch(ctx, cl.user)
		return c.conn.SetReadDeadline(time.Now().Add(ctl.WS.PongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				readErr = err
				logger.Warn().Err(err).Msg("readPump read error")
			}
			return
		}
		if ctx.Err() != nil {
			return
		}
		ctl.handleFrame(ctx, cl, data)
	}
}

// handleFrame decodes and runs one frame. A panicking handler costs the frame,
// never the connection.
func (ctl *SignalWSController) handleFrame(ctx context.Context, cl *client, data []byte) {
	in := Decode(data)
	ctl.Metrics.Frame(metricType(in))

	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("module", "signal").
				Str("conn", string(cl.conn.id)).
				Str("type", in.frameType()).
				Str("panic", fmt.Sprint(r)).
				Msg("frame handler panicked")
			ctl.reply(cl, proto.Error(fmt.Errorf("handler panic: %v", r)))
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, frameTimeout)
	defer cancel()
	if err := ctl.dispatch(ctx, cl, in); err != nil {
		log.Debug().Err(err).Str("module", "signal").Str("conn", string(cl.conn.id)).Str("type", in.frameType()).Msg("frame failed")
		ctl.reply(cl, proto.Error(err))
	}
}

func metricType(in Inbound) string {
	switch in.(type) {
	case Unrecognized:
		return "unrecognized"
	case Malformed:
		return "malformed"
	}
	return in.frameType()
}

func (ctl *SignalWSController) dispatch(ctx context.Context, cl *client, in Inbound) error {
	switch m := in.(type) {
	case JoinSession:
		return ctl.handleJoin(ctx, cl, m)
	case GetRtpCapabilities:
		return ctl.handleCapabilities(ctx, cl, m)
	case CreateTransport:
		return ctl.handleCreateTransport(ctx, cl, m)
	case ConnectTransport:
		return ctl.handleConnectTransport(ctx, cl, m)
	case Produce:
		return ctl.handleProduce(ctx, cl, m)
	case Consume:
		return ctl.handleConsume(ctx, cl, m)
	case Resume:
		sid, peer := cl.target(m.SessionID, m.PeerID)
		return ctl.Orch.Resume(ctx, sid, peer, m.ConsumerID)
	case HasProducer:
		return ctl.handleHasProducer(cl, m)
	case GetStats:
		return ctl.handleStats(ctx, cl, m)
	case ConnectionQuality:
		sid, peer := cl.target(m.SessionID, m.PeerID)
		return ctl.Orch.ReportQuality(ctx, sid, peer, m.Quality)
	case SetBuffering:
		sid, peer := cl.target(m.SessionID, m.PeerID)
		return ctl.Orch.SetBuffering(ctx, sid, peer, m.Buffering)
	case LeaveSession:
		return ctl.handleLeave(ctx, cl, m)
	case JoinLiveSession:
		return ctl.handleJoinLive(ctx, cl, m)
	case ChatMessage:
		return ctl.Delivery.ChatMessage(ctx, m.SessionID, m.Payload)
	case PrivateMessage:
		return ctl.handlePrivateMessage(ctx, cl, m)
	case MessageAck:
		ctl.Delivery.Ack(ctx, m.MessageID)
		return nil
	case AcknowledgeMessages:
		ctl.Delivery.AckMany(ctx, m.MessageIDs)
		return nil
	case UserTyping:
		return ctl.handleTyping(ctx, cl, m)
	case UserOnline:
		return ctl.handleOnline(ctx, cl, m)
	case UserOffline:
		return ctl.handleOffline(ctx, cl, m)
	case Ping:
		ctl.handlePing(cl)
		return nil
	case Malformed:
		return m.Err
	case Unrecognized:
		ctl.reply(cl, proto.UnknownMessage(m.Type))
		return nil
	}
	return fmt.Errorf("unhandled frame %T", in)
}

func (ctl *SignalWSController) reply(cl *client, f core.Frame) {
	if err := ctl.Orch.Registry.Send(cl.conn.id, f); err != nil {
		log.Debug().Err(err).Str("module", "signal").Str("conn", string(cl.conn.id)).Msg("reply dropped")
	}
}

// teardown runs when the read pump exits. Presence and the joined peer are
// released before the connection is closed, so a fast reconnect never sees
// them.
func (ctl *SignalWSController) teardown(ctx context.Context, cl *client, readErr error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), teardownTimeout)
	defer cancel()

	ctl.Orch.Registry.Cancel(cl.conn.id)
	ctl.Delivery.ConnectionClosed(ctx, cl.conn.id)
	if cl.peer != nil {
		if readErr != nil {
			ctl.Orch.ReportIssue(ctx, cl.session, cl.peer.ID, cl.conn.id)
		}
		ctl.Orch.Leave(ctx, cl.session, cl.peer)
		cl.peer = nil
	}
	cl.conn.Close()
	ctl.Metrics.ConnClosed()
}

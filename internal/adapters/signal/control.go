package signal

import "github.com/dkeye/livecore/internal/proto"

func (ctl *SignalWSController) handlePing(cl *client) {
	ctl.reply(cl, proto.Pong())
}

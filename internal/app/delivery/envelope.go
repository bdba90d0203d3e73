package delivery

import (
	"encoding/json"

	"github.com/dkeye/livecore/internal/domain"
)

// Bus channels.
const (
	ChannelChat          = "chat"
	ChannelPresence      = "presence"
	ChannelAck           = "delivery:ack"
	ChannelSessionEvents = "session:events"
	ChannelSessionStatus = "session:status"
)

// chatEnvelope carries a ready frame for every connection of Receiver.
type chatEnvelope struct {
	Origin   string          `json:"origin"`
	Receiver domain.UserID   `json:"receiverId"`
	Frame    json.RawMessage `json:"frame"`
}

type presenceEnvelope struct {
	Origin string        `json:"origin"`
	User   domain.UserID `json:"userId"`
	Online bool          `json:"online"`
}

type ackEnvelope struct {
	Origin string             `json:"origin"`
	IDs    []domain.MessageID `json:"messageIds"`
}

type sessionEnvelope struct {
	Origin  string           `json:"origin"`
	Session domain.SessionID `json:"sessionId"`
	Frame   json.RawMessage  `json:"frame"`
}

type statusEnvelope struct {
	Origin string               `json:"origin"`
	Status domain.SessionStatus `json:"status"`
}

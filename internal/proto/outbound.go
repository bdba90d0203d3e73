// Package proto builds the server-to-client signaling frames.
package proto

import (
	"encoding/json"
	"errors"

	"github.com/dkeye/livecore/internal/core"
	"github.com/dkeye/livecore/internal/domain"
	"github.com/rs/zerolog/log"
)

// Encode marshals v into a frame. Values built in this package always marshal.
func Encode(v any) core.Frame {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "proto").Msg("marshal frame")
		return core.Frame(`{"type":"error","message":"internal error","code":"internal"}`)
	}
	return b
}

type errorFrame struct {
	Type      string           `json:"type"`
	Message   string           `json:"message"`
	Code      string           `json:"code,omitempty"`
	MessageID domain.MessageID `json:"messageId,omitempty"`
}

// Error reports err with its wire code. Internal errors never leak their text.
func Error(err error) core.Frame {
	code := domain.ErrorCode(err)
	msg := err.Error()
	if code == domain.CodeInternal {
		msg = "internal error"
	}
	var np *domain.NoProducerError
	if errors.As(err, &np) {
		msg = np.Error()
	}
	return Encode(errorFrame{Type: "error", Message: msg, Code: code})
}

func UnknownMessage(typ string) core.Frame {
	return Encode(errorFrame{Type: "error", Message: "Unknown message: " + typ})
}

func DeliveryExhausted(id domain.MessageID) core.Frame {
	return Encode(errorFrame{
		Type:      "error",
		Message:   domain.ErrDeliveryExhausted.Error(),
		Code:      domain.CodeDeliveryExhausted,
		MessageID: id,
	})
}

type dataFrame struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

type payloadFrame struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

func RtpCapabilities(caps core.RtpCapabilities) core.Frame {
	return Encode(dataFrame{Type: "rtpCapabilities", Data: caps})
}

func TransportCreated(dir domain.Direction, d core.TransportDescriptor) core.Frame {
	return Encode(struct {
		Type      string                   `json:"type"`
		Direction domain.Direction         `json:"direction"`
		Data      core.TransportDescriptor `json:"data"`
	}{"transportCreated", dir, d})
}

func TransportConnected(dir domain.Direction) core.Frame {
	return Encode(struct {
		Type      string           `json:"type"`
		Direction domain.Direction `json:"direction"`
	}{"transportConnected", dir})
}

func Produced(id string, kind domain.MediaKind) core.Frame {
	return Encode(struct {
		Type string           `json:"type"`
		ID   string           `json:"id"`
		Kind domain.MediaKind `json:"kind"`
	}{"produced", id, kind})
}

func Consumed(d core.ConsumerDescriptor) core.Frame {
	return Encode(dataFrame{Type: "consumed", Data: d})
}

// Availability lists which kinds other peers currently produce.
type Availability struct {
	Audio bool `json:"audio"`
	Video bool `json:"video"`
}

func HasProducer(a Availability) core.Frame {
	return Encode(dataFrame{Type: "hasProducer", Data: struct {
		AvailableKinds Availability `json:"availableKinds"`
	}{a}})
}

func StatsUpdate(peer domain.PeerID, stats []core.ConsumerStats) core.Frame {
	if stats == nil {
		stats = []core.ConsumerStats{}
	}
	return Encode(dataFrame{Type: "statsUpdate", Data: struct {
		Stats  []core.ConsumerStats `json:"stats"`
		PeerID domain.PeerID        `json:"peerId"`
	}{stats, peer}})
}

func StreamPaused(kind domain.MediaKind) core.Frame {
	return Encode(struct {
		Type   string           `json:"type"`
		Reason string           `json:"reason"`
		Kind   domain.MediaKind `json:"kind"`
	}{"streamPaused", "poor_connection", kind})
}

func StreamResumed(kind domain.MediaKind) core.Frame {
	return Encode(struct {
		Type string           `json:"type"`
		Kind domain.MediaKind `json:"kind"`
	}{"streamResumed", kind})
}

func ConnectionWarning(s core.TransportStats) core.Frame {
	return Encode(dataFrame{Type: "connectionWarning", Data: s})
}

func MessageSent(id domain.MessageID) core.Frame {
	return Encode(payloadFrame{Type: "messageSent", Payload: struct {
		MessageID domain.MessageID `json:"messageId"`
	}{id}})
}

func NewPrivateMessage(m *domain.PrivateMessage) core.Frame {
	return Encode(payloadFrame{Type: "newPrivateMessage", Payload: struct {
		ConversationID string                 `json:"conversationId"`
		Message        *domain.PrivateMessage `json:"message"`
	}{m.ConversationID, m}})
}

func UserStatus(user domain.UserID, online bool) core.Frame {
	return Encode(payloadFrame{Type: "userStatus", Payload: struct {
		UserID domain.UserID `json:"userId"`
		Online bool          `json:"online"`
	}{user, online}})
}

func UserTyping(user domain.UserID, isTyping bool) core.Frame {
	return Encode(payloadFrame{Type: "userTyping", Payload: struct {
		UserID   domain.UserID `json:"userId"`
		IsTyping bool          `json:"isTyping"`
	}{user, isTyping}})
}

// ChatMessage relays an opaque session chat payload unchanged.
func ChatMessage(payload json.RawMessage) core.Frame {
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	return Encode(payloadFrame{Type: "chatMessage", Payload: payload})
}

type memberPayload struct {
	UserID domain.UserID `json:"userId"`
	PeerID domain.PeerID `json:"peerId,omitempty"`
}

func UserJoined(user domain.UserID, peer domain.PeerID) core.Frame {
	return Encode(payloadFrame{Type: "userJoined", Payload: memberPayload{user, peer}})
}

func UserLeft(user domain.UserID, peer domain.PeerID) core.Frame {
	return Encode(payloadFrame{Type: "userLeft", Payload: memberPayload{user, peer}})
}

func PeerConnectionIssue(peer domain.PeerID) core.Frame {
	return Encode(struct {
		Type     string        `json:"type"`
		PeerID   domain.PeerID `json:"peerId"`
		Fallback bool          `json:"fallback"`
	}{"peerConnectionIssue", peer, true})
}

func SessionLiveStatus(s domain.SessionStatus) core.Frame {
	return Encode(dataFrame{Type: "sessionLiveStatus", Data: struct {
		SessionID domain.SessionID `json:"sessionId"`
		PeerID    domain.PeerID    `json:"peerId"`
		Kind      domain.MediaKind `json:"kind"`
		IsLive    bool             `json:"isLive"`
	}{s.SessionID, s.PeerID, s.Kind, s.Live}})
}

func Pong() core.Frame {
	return core.Frame(`{"type":"pong"}`)
}

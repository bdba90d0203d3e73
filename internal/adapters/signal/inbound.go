package signal

import (
	"encoding/json"
	"fmt"

	"github.com/dkeye/livecore/internal/core"
	"github.com/dkeye/livecore/internal/domain"
)

// Inbound is one decoded client frame. Every frame decodes to exactly one of
// the types below; frames that cannot be understood become Unrecognized or
// Malformed.
type Inbound interface {
	frameType() string
}

type envelope struct {
	Type      string           `json:"type"`
	PeerID    domain.PeerID    `json:"peerId"`
	SessionID domain.SessionID `json:"sessionId"`
	Direction string           `json:"direction"`
	Data      json.RawMessage  `json:"data"`
	Payload   json.RawMessage  `json:"payload"`
}

// body is the object carried by the frame, data first.
func (e *envelope) body() json.RawMessage {
	if len(e.Data) > 0 && string(e.Data) != "null" {
		return e.Data
	}
	return e.Payload
}

type (
	JoinSession struct {
		SessionID domain.SessionID
		PeerID    domain.PeerID
	}
	GetRtpCapabilities struct {
		SessionID domain.SessionID
	}
	CreateTransport struct {
		SessionID domain.SessionID
		PeerID    domain.PeerID
		Direction domain.Direction
	}
	ConnectTransport struct {
		SessionID domain.SessionID
		PeerID    domain.PeerID
		Direction domain.Direction
		Remote    core.RemoteParameters
	}
	Produce struct {
		SessionID     domain.SessionID
		PeerID        domain.PeerID
		Direction     domain.Direction
		Kind          domain.MediaKind
		RtpParameters core.RtpParameters
	}
	Consume struct {
		SessionID       domain.SessionID
		PeerID          domain.PeerID
		Direction       domain.Direction
		Kind            domain.MediaKind
		RtpCapabilities core.RtpCapabilities
		ProducerPeerID  domain.PeerID
	}
	Resume struct {
		SessionID  domain.SessionID
		PeerID     domain.PeerID
		ConsumerID string
	}
	HasProducer struct {
		SessionID domain.SessionID
		PeerID    domain.PeerID
	}
	GetStats struct {
		SessionID domain.SessionID
		PeerID    domain.PeerID
	}
	ConnectionQuality struct {
		SessionID domain.SessionID
		PeerID    domain.PeerID
		Quality   domain.Quality
	}
	SetBuffering struct {
		SessionID domain.SessionID
		PeerID    domain.PeerID
		Buffering bool
	}
	// LeaveSession covers both leaveSession and leaveLiveSession.
	LeaveSession struct {
		SessionID domain.SessionID
		PeerID    domain.PeerID
		UserID    domain.UserID
	}
	JoinLiveSession struct {
		SessionID domain.SessionID
		UserID    domain.UserID
	}
	ChatMessage struct {
		SessionID domain.SessionID
		Payload   json.RawMessage
	}
	PrivateMessage struct {
		SenderID   domain.UserID
		ReceiverID domain.UserID
		Text       string
	}
	MessageAck struct {
		MessageID domain.MessageID
	}
	AcknowledgeMessages struct {
		ConversationID string
		MessageIDs     []domain.MessageID
	}
	UserTyping struct {
		SessionID  domain.SessionID
		UserID     domain.UserID
		ReceiverID domain.UserID
		IsTyping   bool
	}
	UserOnline struct {
		UserID domain.UserID
	}
	UserOffline struct {
		UserID domain.UserID
	}
	Ping struct{}

	Unrecognized struct {
		Type string
	}
	Malformed struct {
		Type string
		Err  error
	}
)

func (JoinSession) frameType() string         { return "joinSession" }
func (GetRtpCapabilities) frameType() string  { return "getRtpCapabilities" }
func (CreateTransport) frameType() string     { return "createTransport" }
func (ConnectTransport) frameType() string    { return "connectTransport" }
func (Produce) frameType() string             { return "produce" }
func (Consume) frameType() string             { return "consume" }
func (Resume) frameType() string              { return "resume" }
func (HasProducer) frameType() string         { return "hasProducer" }
func (GetStats) frameType() string            { return "getStats" }
func (ConnectionQuality) frameType() string   { return "connectionQuality" }
func (SetBuffering) frameType() string        { return "setBuffering" }
func (LeaveSession) frameType() string        { return "leaveSession" }
func (JoinLiveSession) frameType() string     { return "joinLiveSession" }
func (ChatMessage) frameType() string         { return "chatMessage" }
func (PrivateMessage) frameType() string      { return "privateMessage" }
func (MessageAck) frameType() string          { return "messageAck" }
func (AcknowledgeMessages) frameType() string { return "acknowledgeMessages" }
func (UserTyping) frameType() string          { return "userTyping" }
func (UserOnline) frameType() string          { return "userOnline" }
func (UserOffline) frameType() string         { return "userOffline" }
func (Ping) frameType() string                { return "ping" }
func (u Unrecognized) frameType() string      { return u.Type }
func (m Malformed) frameType() string         { return m.Type }

// Decode parses raw into its Inbound variant.
func Decode(raw []byte) Inbound {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Malformed{Err: fmt.Errorf("%w: %v", domain.ErrBadPayload, err)}
	}
	in, err := decodeBody(&env)
	if err != nil {
		return Malformed{Type: env.Type, Err: err}
	}
	return in
}

func decodeBody(env *envelope) (Inbound, error) {
	switch env.Type {
	case "joinSession":
		return JoinSession{SessionID: env.SessionID, PeerID: env.PeerID}, nil
	case "getRtpCapabilities":
		return GetRtpCapabilities{SessionID: env.SessionID}, nil
	case "createTransport":
		dir, err := domain.ParseDirection(env.Direction)
		if err != nil {
			return nil, err
		}
		return CreateTransport{SessionID: env.SessionID, PeerID: env.PeerID, Direction: dir}, nil
	case "connectTransport":
		dir, err := domain.ParseDirection(env.Direction)
		if err != nil {
			return nil, err
		}
		var remote core.RemoteParameters
		if err := unmarshalBody(env, &remote); err != nil {
			return nil, err
		}
		if len(remote.DtlsParameters.Fingerprints) == 0 {
			return nil, fmt.Errorf("%w: dtlsParameters required", domain.ErrBadPayload)
		}
		return ConnectTransport{SessionID: env.SessionID, PeerID: env.PeerID, Direction: dir, Remote: remote}, nil
	case "produce":
		var b struct {
			Kind          string             `json:"kind"`
			RtpParameters core.RtpParameters `json:"rtpParameters"`
		}
		if err := unmarshalBody(env, &b); err != nil {
			return nil, err
		}
		kind, err := domain.ParseKind(b.Kind)
		if err != nil {
			return nil, err
		}
		dir, err := optionalDirection(env.Direction)
		if err != nil {
			return nil, err
		}
		return Produce{SessionID: env.SessionID, PeerID: env.PeerID, Direction: dir, Kind: kind, RtpParameters: b.RtpParameters}, nil
	case "consume":
		var b struct {
			Kind            string               `json:"kind"`
			RtpCapabilities core.RtpCapabilities `json:"rtpCapabilities"`
			ProducerPeerID  domain.PeerID        `json:"producerPeerId"`
		}
		if err := unmarshalBody(env, &b); err != nil {
			return nil, err
		}
		kind, err := domain.ParseKind(b.Kind)
		if err != nil {
			return nil, err
		}
		dir, err := optionalDirection(env.Direction)
		if err != nil {
			return nil, err
		}
		return Consume{
			SessionID:       env.SessionID,
			PeerID:          env.PeerID,
			Direction:       dir,
			Kind:            kind,
			RtpCapabilities: b.RtpCapabilities,
			ProducerPeerID:  b.ProducerPeerID,
		}, nil
	case "resume":
		var b struct {
			ConsumerID string `json:"consumerId"`
		}
		if err := unmarshalBody(env, &b); err != nil {
			return nil, err
		}
		return Resume{SessionID: env.SessionID, PeerID: env.PeerID, ConsumerID: b.ConsumerID}, nil
	case "hasProducer":
		return HasProducer{SessionID: env.SessionID, PeerID: env.PeerID}, nil
	case "getStats":
		return GetStats{SessionID: env.SessionID, PeerID: env.PeerID}, nil
	case "connectionQuality":
		var b struct {
			Quality string        `json:"quality"`
			PeerID  domain.PeerID `json:"peerId"`
		}
		if err := unmarshalBody(env, &b); err != nil {
			return nil, err
		}
		q, err := domain.ParseQuality(b.Quality)
		if err != nil {
			return nil, err
		}
		return ConnectionQuality{SessionID: env.SessionID, PeerID: firstPeer(b.PeerID, env.PeerID), Quality: q}, nil
	case "setBuffering":
		var b struct {
			Buffering bool          `json:"buffering"`
			PeerID    domain.PeerID `json:"peerId"`
		}
		if err := unmarshalBody(env, &b); err != nil {
			return nil, err
		}
		return SetBuffering{SessionID: env.SessionID, PeerID: firstPeer(b.PeerID, env.PeerID), Buffering: b.Buffering}, nil
	case "leaveSession", "leaveLiveSession":
		var b struct {
			SessionID domain.SessionID `json:"sessionId"`
			PeerID    domain.PeerID    `json:"peerId"`
			UserID    domain.UserID    `json:"userId"`
		}
		if err := unmarshalBody(env, &b); err != nil {
			return nil, err
		}
		sid := b.SessionID
		if sid == "" {
			sid = env.SessionID
		}
		return LeaveSession{SessionID: sid, PeerID: firstPeer(b.PeerID, env.PeerID), UserID: b.UserID}, nil
	case "joinLiveSession":
		var b struct {
			SessionID domain.SessionID `json:"sessionId"`
			UserID    domain.UserID    `json:"userId"`
		}
		if err := unmarshalBody(env, &b); err != nil {
			return nil, err
		}
		sid := b.SessionID
		if sid == "" {
			sid = env.SessionID
		}
		if sid == "" {
			return nil, fmt.Errorf("%w: sessionId required", domain.ErrBadPayload)
		}
		return JoinLiveSession{SessionID: sid, UserID: b.UserID}, nil
	case "chatMessage":
		if env.SessionID == "" {
			return nil, fmt.Errorf("%w: sessionId required", domain.ErrBadPayload)
		}
		return ChatMessage{SessionID: env.SessionID, Payload: env.Payload}, nil
	case "privateMessage":
		var b struct {
			SenderID   domain.UserID `json:"senderId"`
			ReceiverID domain.UserID `json:"receiverId"`
			Text       string        `json:"text"`
		}
		if err := unmarshalBody(env, &b); err != nil {
			return nil, err
		}
		return PrivateMessage(b), nil
	case "messageAck":
		var b struct {
			MessageID domain.MessageID `json:"messageId"`
		}
		if err := unmarshalBody(env, &b); err != nil {
			return nil, err
		}
		if b.MessageID == "" {
			return nil, fmt.Errorf("%w: messageId required", domain.ErrBadPayload)
		}
		return MessageAck(b), nil
	case "acknowledgeMessages":
		var b struct {
			ConversationID string             `json:"conversationId"`
			MessageIDs     []domain.MessageID `json:"messageIds"`
		}
		if err := unmarshalBody(env, &b); err != nil {
			return nil, err
		}
		if b.ConversationID == "" || b.MessageIDs == nil {
			return nil, fmt.Errorf("%w: conversationId and messageIds required", domain.ErrBadPayload)
		}
		return AcknowledgeMessages(b), nil
	case "userTyping":
		var b struct {
			SessionID  domain.SessionID `json:"sessionId"`
			UserID     domain.UserID    `json:"userId"`
			ReceiverID domain.UserID    `json:"receiverId"`
			IsTyping   *bool            `json:"isTyping"`
		}
		if err := unmarshalBody(env, &b); err != nil {
			return nil, err
		}
		typing := b.IsTyping == nil || *b.IsTyping
		return UserTyping{SessionID: b.SessionID, UserID: b.UserID, ReceiverID: b.ReceiverID, IsTyping: typing}, nil
	case "userOnline", "userOffline":
		var b struct {
			UserID domain.UserID `json:"userId"`
		}
		if err := unmarshalBody(env, &b); err != nil {
			return nil, err
		}
		if env.Type == "userOnline" {
			return UserOnline(b), nil
		}
		return UserOffline(b), nil
	case "ping":
		return Ping{}, nil
	}
	return Unrecognized{Type: env.Type}, nil
}

func unmarshalBody(env *envelope, v any) error {
	body := env.body()
	if len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("%w: %s: %v", domain.ErrBadPayload, env.Type, err)
	}
	return nil
}

func optionalDirection(raw string) (domain.Direction, error) {
	if raw == "" {
		return "", nil
	}
	return domain.ParseDirection(raw)
}

func firstPeer(ids ...domain.PeerID) domain.PeerID {
	for _, id := range ids {
		if id != "" {
			return id
		}
	}
	return ""
}

package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

const MaxMessageLen = 4096

var conversationNamespace = uuid.MustParse("6f1c3c1e-6a1b-4f5e-9a55-2b0e5d1c7a10")

type MessageID string

// PrivateMessage is a direct message between two users.
type PrivateMessage struct {
	ID             MessageID `json:"id"`
	ConversationID string    `json:"conversationId"`
	SenderID       UserID    `json:"senderId"`
	ReceiverID     UserID    `json:"receiverId"`
	Text           string    `json:"text"`
	CreatedAt      time.Time `json:"createdAt"`
}

func NewPrivateMessage(sender, receiver UserID, text string, now time.Time) (*PrivateMessage, error) {
	if sender == "" || receiver == "" {
		return nil, ErrUserIDEmpty
	}
	if strings.TrimSpace(text) == "" {
		return nil, ErrMessageEmpty
	}
	if len(text) > MaxMessageLen {
		return nil, ErrMessageTooLong
	}
	return &PrivateMessage{
		ID:             MessageID(uuid.NewString()),
		ConversationID: ConversationID(sender, receiver),
		SenderID:       sender,
		ReceiverID:     receiver,
		Text:           text,
		CreatedAt:      now.UTC(),
	}, nil
}

// ConversationID is stable for a pair of users regardless of who writes first.
func ConversationID(a, b UserID) string {
	if b < a {
		a, b = b, a
	}
	return uuid.NewSHA1(conversationNamespace, []byte(string(a)+"|"+string(b))).String()
}

package proto

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/dkeye/livecore/internal/core"
	"github.com/dkeye/livecore/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decode(t *testing.T, f core.Frame) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(f, &m))
	return m
}

func TestUnknownMessageIsExact(t *testing.T) {
	assert.JSONEq(t, `{"type":"error","message":"Unknown message: bogus"}`, string(UnknownMessage("bogus")))
}

func TestErrorFrames(t *testing.T) {
	tests := []struct {
		name string
		err  error
		msg  string
		code string
	}{
		{"no producer", fmt.Errorf("consume: %w", &domain.NoProducerError{Kind: domain.KindVideo}), "No video producer found", domain.CodeNotFound},
		{"transport", domain.ErrTransportNotFound, "transport not found", domain.CodeNotFound},
		{"incompatible", domain.ErrIncompatibleCapabilities, "incompatible capabilities", domain.CodeIncompatible},
		{"internal", errors.New("db password leaked"), "internal error", domain.CodeInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := decode(t, Error(tt.err))
			assert.Equal(t, "error", m["type"])
			assert.Equal(t, tt.msg, m["message"])
			assert.Equal(t, tt.code, m["code"])
		})
	}
}

func TestDeliveryExhaustedCarriesMessageID(t *testing.T) {
	m := decode(t, DeliveryExhausted("m-1"))
	assert.Equal(t, domain.CodeDeliveryExhausted, m["code"])
	assert.Equal(t, "m-1", m["messageId"])
}

func TestHasProducerShape(t *testing.T) {
	assert.JSONEq(t,
		`{"type":"hasProducer","data":{"availableKinds":{"audio":true,"video":false}}}`,
		string(HasProducer(Availability{Audio: true})))
}

func TestStreamFrames(t *testing.T) {
	assert.JSONEq(t, `{"type":"streamPaused","reason":"poor_connection","kind":"video"}`, string(StreamPaused(domain.KindVideo)))
	assert.JSONEq(t, `{"type":"streamResumed","kind":"video"}`, string(StreamResumed(domain.KindVideo)))
}

func TestNewPrivateMessageShape(t *testing.T) {
	msg, err := domain.NewPrivateMessage("alice", "bob", "hi", time.Unix(0, 0))
	require.NoError(t, err)
	m := decode(t, NewPrivateMessage(msg))
	assert.Equal(t, "newPrivateMessage", m["type"])
	payload := m["payload"].(map[string]any)
	assert.Equal(t, msg.ConversationID, payload["conversationId"])
	assert.Equal(t, string(msg.ID), payload["message"].(map[string]any)["id"])
}

func TestSessionLiveStatusShape(t *testing.T) {
	f := SessionLiveStatus(domain.SessionStatus{SessionID: "s", PeerID: "p", Kind: domain.KindAudio, Live: true})
	assert.JSONEq(t, `{"type":"sessionLiveStatus","data":{"sessionId":"s","peerId":"p","kind":"audio","isLive":true}}`, string(f))
}

func TestChatMessagePassesPayloadThrough(t *testing.T) {
	f := ChatMessage(json.RawMessage(`{"text":"hello","n":1}`))
	assert.JSONEq(t, `{"type":"chatMessage","payload":{"text":"hello","n":1}}`, string(f))
}

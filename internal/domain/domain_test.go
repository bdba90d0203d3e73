package domain

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNoProducerErrorMatchesNotFound(t *testing.T) {
	var err error = &NoProducerError{Kind: KindVideo}
	assert.Equal(t, "No video producer found", err.Error())
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.True(t, errors.Is(err, ErrProducerNotFound))
	assert.False(t, errors.Is(err, ErrTransportNotFound))
}

func TestErrorCode(t *testing.T) {
	tests := []struct {
		err  error
		code string
	}{
		{ErrRoomNotFound, CodeNotFound},
		{fmt.Errorf("create transport: %w", ErrTransportNotFound), CodeNotFound},
		{&NoProducerError{Kind: KindAudio}, CodeNotFound},
		{ErrIncompatibleCapabilities, CodeIncompatible},
		{fmt.Errorf("%w: kind %q", ErrBadPayload, "x"), CodeBadPayload},
		{ErrMessageEmpty, CodeBadPayload},
		{ErrForbidden, CodeForbidden},
		{ErrRateLimited, CodeRateLimited},
		{ErrDeliveryExhausted, CodeDeliveryExhausted},
		{errors.New("boom"), CodeInternal},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.code, ErrorCode(tt.err), tt.err.Error())
	}
}

func TestParseEnums(t *testing.T) {
	d, err := ParseDirection("send")
	require.NoError(t, err)
	assert.Equal(t, DirectionSend, d)
	_, err = ParseDirection("sideways")
	assert.ErrorIs(t, err, ErrBadPayload)

	k, err := ParseKind("video")
	require.NoError(t, err)
	assert.Equal(t, KindVideo, k)
	_, err = ParseKind("data")
	assert.ErrorIs(t, err, ErrBadPayload)

	q, err := ParseQuality("excellent")
	require.NoError(t, err)
	assert.Equal(t, QualityExcellent, q)
}

func TestConversationIDIsSymmetric(t *testing.T) {
	assert.Equal(t, ConversationID("alice", "bob"), ConversationID("bob", "alice"))
	assert.NotEqual(t, ConversationID("alice", "bob"), ConversationID("alice", "carol"))
}

func TestNewPrivateMessage(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	msg, err := NewPrivateMessage("alice", "bob", "hi", now)
	require.NoError(t, err)
	assert.NotEmpty(t, msg.ID)
	assert.Equal(t, ConversationID("alice", "bob"), msg.ConversationID)
	assert.Equal(t, now, msg.CreatedAt)

	_, err = NewPrivateMessage("alice", "bob", "   ", now)
	assert.ErrorIs(t, err, ErrMessageEmpty)
	_, err = NewPrivateMessage("alice", "", "hi", now)
	assert.ErrorIs(t, err, ErrUserIDEmpty)
}

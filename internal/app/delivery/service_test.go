package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dkeye/livecore/internal/adapters/bus"
	"github.com/dkeye/livecore/internal/adapters/store"
	"github.com/dkeye/livecore/internal/app"
	"github.com/dkeye/livecore/internal/config"
	"github.com/dkeye/livecore/internal/core"
	"github.com/dkeye/livecore/internal/core/coretest"
	"github.com/dkeye/livecore/internal/core/mocks"
	"github.com/dkeye/livecore/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func testConfig() config.DeliveryConfig {
	return config.DeliveryConfig{
		RetryInterval:     5 * time.Second,
		RetryCeiling:      4,
		PresenceTTL:       60 * time.Second,
		ReconcileInterval: 60 * time.Second,
		RateLimit:         100,
		RateWindow:        10 * time.Second,
	}
}

type harness struct {
	svc   *Service
	reg   *app.Registry
	store *store.Memory
	clock *clock.Mock
}

func newHarness(t *testing.T, instance string, b core.Bus, st *store.Memory, clk *clock.Mock) *harness {
	t.Helper()
	if clk == nil {
		clk = clock.NewMock()
	}
	if st == nil {
		st = store.NewMemory(store.WithClock(clk))
	}
	reg := app.NewRegistry(nil)
	svc := NewService(instance, testConfig(), reg, b, st, st, WithClock(clk))
	return &harness{svc: svc, reg: reg, store: st, clock: clk}
}

func (h *harness) connect(t *testing.T, id string, user domain.UserID, online bool) *coretest.Conn {
	t.Helper()
	c := coretest.NewConn(id)
	h.reg.Bind(c, user, nil)
	if online {
		require.NoError(t, h.svc.MarkOnline(context.Background(), c.ID(), user))
	}
	return c
}

func TestRetryCeilingBoundsReattempts(t *testing.T) {
	h := newHarness(t, "i1", nil, nil, nil)
	ctx := context.Background()
	alice := h.connect(t, "alice", "alice", true)
	bob := h.connect(t, "bob", "bob", true)

	msg, err := h.svc.SendPrivate(ctx, alice.ID(), "alice", "bob", "hi")
	require.NoError(t, err)
	require.Len(t, bob.OfType("newPrivateMessage"), 1)
	require.Len(t, alice.OfType("messageSent"), 1)

	for i := 1; i <= 4; i++ {
		h.svc.Sweep(ctx)
		retries, ok := h.svc.Retries(msg.ID)
		require.True(t, ok)
		assert.Equal(t, i, retries)
	}
	assert.Len(t, bob.OfType("newPrivateMessage"), 5, "one delivery plus four re-attempts")

	h.svc.Sweep(ctx)
	assert.Equal(t, 0, h.svc.Pending())
	assert.Len(t, bob.OfType("newPrivateMessage"), 5)

	errs := alice.OfType("error")
	require.Len(t, errs, 1)
	assert.Equal(t, domain.CodeDeliveryExhausted, errs[0]["code"])
	assert.Equal(t, string(msg.ID), errs[0]["messageId"])
}

func TestRunDrivesRetrySweep(t *testing.T) {
	h := newHarness(t, "i1", bus.NewMemory(), nil, nil)
	alice := h.connect(t, "alice", "alice", true)
	bob := h.connect(t, "bob", "bob", true)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.svc.Run(ctx) }()

	_, err := h.svc.SendPrivate(ctx, alice.ID(), "alice", "bob", "hi")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		h.clock.Add(testConfig().RetryInterval)
		return len(bob.OfType("newPrivateMessage")) >= 2
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestOfflineMessagesFlushInOrder(t *testing.T) {
	h := newHarness(t, "i1", nil, nil, nil)
	ctx := context.Background()
	alice := h.connect(t, "alice", "alice", true)

	for _, text := range []string{"m1", "m2", "m3"} {
		_, err := h.svc.SendPrivate(ctx, alice.ID(), "alice", "bob", text)
		require.NoError(t, err)
	}

	bob := h.connect(t, "bob", "bob", true)
	got := bob.OfType("newPrivateMessage")
	require.Len(t, got, 3)
	for i, want := range []string{"m1", "m2", "m3"} {
		msg := got[i]["payload"].(map[string]any)["message"].(map[string]any)
		assert.Equal(t, want, msg["text"])
	}

	queued, err := h.store.Drain(ctx, "bob")
	require.NoError(t, err)
	assert.Empty(t, queued)
}

func TestAckIsIdempotent(t *testing.T) {
	h := newHarness(t, "i1", nil, nil, nil)
	ctx := context.Background()
	alice := h.connect(t, "alice", "alice", true)
	bob := h.connect(t, "bob", "bob", true)

	m1, err := h.svc.SendPrivate(ctx, alice.ID(), "alice", "bob", "one")
	require.NoError(t, err)
	m2, err := h.svc.SendPrivate(ctx, alice.ID(), "alice", "bob", "two")
	require.NoError(t, err)
	require.Equal(t, 2, h.svc.Pending())

	assert.True(t, h.svc.Ack(ctx, m1.ID))
	assert.False(t, h.svc.Ack(ctx, m1.ID))
	assert.Equal(t, 1, h.svc.AckMany(ctx, []domain.MessageID{m1.ID, m2.ID, "unknown"}))
	assert.Equal(t, 0, h.svc.Pending())

	// Late acks must not bring anything back for the sweep.
	assert.False(t, h.svc.Ack(ctx, m2.ID))
	h.svc.Sweep(ctx)
	assert.Len(t, bob.OfType("newPrivateMessage"), 2)
	assert.Empty(t, alice.OfType("error"))
}

func TestSendPrivateValidation(t *testing.T) {
	h := newHarness(t, "i1", nil, nil, nil)
	ctx := context.Background()
	alice := h.connect(t, "alice", "alice", true)

	_, err := h.svc.SendPrivate(ctx, alice.ID(), "alice", "bob", "   ")
	assert.ErrorIs(t, err, domain.ErrMessageEmpty)
	_, err = h.svc.SendPrivate(ctx, alice.ID(), "alice", "", "x")
	assert.ErrorIs(t, err, domain.ErrUserIDEmpty)
	assert.Equal(t, 0, h.svc.Pending())
}

func TestSendPrivateRateLimited(t *testing.T) {
	clk := clock.NewMock()
	st := store.NewMemory(store.WithClock(clk))
	reg := app.NewRegistry(nil)
	cfg := testConfig()
	cfg.RateLimit = 2
	svc := NewService("i1", cfg, reg, nil, st, st, WithClock(clk))
	alice := coretest.NewConn("alice")
	reg.Bind(alice, "alice", nil)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := svc.SendPrivate(ctx, alice.ID(), "alice", "bob", "x")
		require.NoError(t, err)
	}
	_, err := svc.SendPrivate(ctx, alice.ID(), "alice", "bob", "x")
	assert.ErrorIs(t, err, domain.ErrRateLimited)

	clk.Add(cfg.RateWindow + time.Second)
	_, err = svc.SendPrivate(ctx, alice.ID(), "alice", "bob", "x")
	assert.NoError(t, err)
}

func TestCrossInstanceDeliveryAndAck(t *testing.T) {
	shared := bus.NewMemory()
	clk := clock.NewMock()
	st := store.NewMemory(store.WithClock(clk))
	h1 := newHarness(t, "i1", shared, st, clk)
	h2 := newHarness(t, "i2", shared, st, clk)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, h1.svc.Subscribe(ctx))
	require.NoError(t, h2.svc.Subscribe(ctx))

	alice := h1.connect(t, "alice", "alice", true)
	bob := h2.connect(t, "bob", "bob", true)

	require.Eventually(t, func() bool { return len(alice.OfType("userStatus")) == 1 }, time.Second, 5*time.Millisecond)

	msg, err := h1.svc.SendPrivate(ctx, alice.ID(), "alice", "bob", "across")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(bob.OfType("newPrivateMessage")) == 1 }, time.Second, 5*time.Millisecond)

	queued, err := st.Drain(ctx, "bob")
	require.NoError(t, err)
	assert.Empty(t, queued, "receiver holds a live claim on another instance")

	assert.False(t, h2.svc.Ack(ctx, msg.ID), "pending entry lives on the sender's instance")
	require.Eventually(t, func() bool { return h1.svc.Pending() == 0 }, time.Second, 5*time.Millisecond)
}

func TestPresenceAnnouncements(t *testing.T) {
	h := newHarness(t, "i1", nil, nil, nil)
	ctx := context.Background()
	bob := h.connect(t, "bob", "bob", true)

	a1 := h.connect(t, "a1", "alice", true)
	a2 := h.connect(t, "a2", "alice", true)
	statuses := bob.OfType("userStatus")
	require.Len(t, statuses, 1)
	assert.Equal(t, map[string]any{"userId": "alice", "online": true}, statuses[0]["payload"])
	assert.Empty(t, a1.OfType("userStatus"))

	online, err := h.store.Online(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, online)

	_, ok := h.svc.ConnectionClosed(ctx, a1.ID())
	require.True(t, ok)
	assert.Len(t, bob.OfType("userStatus"), 1)

	ub, ok := h.svc.ConnectionClosed(ctx, a2.ID())
	require.True(t, ok)
	assert.True(t, ub.LastOnline)
	statuses = bob.OfType("userStatus")
	require.Len(t, statuses, 2)
	assert.Equal(t, false, statuses[1]["payload"].(map[string]any)["online"])

	online, err = h.store.Online(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, online)
}

func TestMarkOfflineExplicit(t *testing.T) {
	h := newHarness(t, "i1", nil, nil, nil)
	ctx := context.Background()
	bob := h.connect(t, "bob", "bob", true)
	alice := h.connect(t, "alice", "alice", true)

	h.svc.MarkOffline(ctx, alice.ID(), "alice")
	statuses := bob.OfType("userStatus")
	require.Len(t, statuses, 2)
	assert.False(t, h.reg.IsOnline("alice"))

	h.svc.MarkOffline(ctx, alice.ID(), "alice")
	assert.Len(t, bob.OfType("userStatus"), 2)
}

func TestReconcileExpiresStaleClaims(t *testing.T) {
	h := newHarness(t, "i1", nil, nil, nil)
	ctx := context.Background()
	bob := h.connect(t, "bob", "bob", true)
	h.connect(t, "alice", "alice", true)

	h.clock.Add(30 * time.Second)
	h.svc.Touch(ctx, "bob")
	h.clock.Add(40 * time.Second)
	h.svc.Reconcile(ctx)

	assert.False(t, h.reg.IsOnline("alice"))
	assert.True(t, h.reg.IsOnline("bob"))
	statuses := bob.OfType("userStatus")
	require.Len(t, statuses, 2)
	assert.Equal(t, map[string]any{"userId": "alice", "online": false}, statuses[1]["payload"])
}

func TestTypingAndChatMessage(t *testing.T) {
	h := newHarness(t, "i1", nil, nil, nil)
	ctx := context.Background()
	a := h.connect(t, "a", "alice", false)
	b := h.connect(t, "b", "bob", false)
	h.reg.SetSession(a.ID(), "s1")
	h.reg.SetSession(b.ID(), "s1")

	require.NoError(t, h.svc.Typing(ctx, a.ID(), "alice", "", "s1", true))
	assert.Empty(t, a.OfType("userTyping"))
	require.Len(t, b.OfType("userTyping"), 1)

	require.NoError(t, h.svc.Typing(ctx, b.ID(), "bob", "alice", "", true))
	assert.Len(t, a.OfType("userTyping"), 1)
	assert.Equal(t, 0, h.svc.Pending())

	assert.ErrorIs(t, h.svc.Typing(ctx, a.ID(), "alice", "", "", true), domain.ErrBadPayload)

	require.NoError(t, h.svc.ChatMessage(ctx, "s1", []byte(`{"text":"yo"}`)))
	assert.Len(t, a.OfType("chatMessage"), 1)
	assert.Len(t, b.OfType("chatMessage"), 1)
}

func TestSessionStatusReachesOtherInstances(t *testing.T) {
	shared := bus.NewMemory()
	h1 := newHarness(t, "i1", shared, nil, nil)
	h2 := newHarness(t, "i2", shared, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, h2.svc.Subscribe(ctx))

	local := h1.connect(t, "l", "lena", false)
	watcher := h2.connect(t, "w", "walt", false)

	st := domain.SessionStatus{SessionID: "s1", PeerID: "p1", Kind: domain.KindVideo, Live: false}
	require.NoError(t, h1.svc.PublishStatus(ctx, st))

	assert.Len(t, local.OfType("sessionLiveStatus"), 1)
	require.Eventually(t, func() bool { return len(watcher.OfType("sessionLiveStatus")) == 1 }, time.Second, 5*time.Millisecond)
	data := watcher.OfType("sessionLiveStatus")[0]["data"].(map[string]any)
	assert.Equal(t, false, data["isLive"])
	assert.Equal(t, "video", data["kind"])
}

func TestMarkOnlineUsesStores(t *testing.T) {
	ctrl := gomock.NewController(t)
	presence := mocks.NewMockPresenceStore(ctrl)
	offline := mocks.NewMockOfflineQueue(ctrl)
	reg := app.NewRegistry(nil)
	cfg := testConfig()
	svc := NewService("i1", cfg, reg, nil, presence, offline, WithClock(clock.NewMock()))

	conn := coretest.NewConn("c")
	reg.Bind(conn, "alice", nil)

	presence.EXPECT().Refresh(gomock.Any(), domain.UserID("alice"), "i1", cfg.PresenceTTL).Return(nil)
	offline.EXPECT().Drain(gomock.Any(), domain.UserID("alice")).Return([]core.Frame{core.Frame(`{"type":"queued"}`)}, nil)

	require.NoError(t, svc.MarkOnline(context.Background(), conn.ID(), "alice"))
	assert.Len(t, conn.OfType("queued"), 1)
}

func TestDispatchQueuesWhenPresenceLookupFails(t *testing.T) {
	ctrl := gomock.NewController(t)
	presence := mocks.NewMockPresenceStore(ctrl)
	offline := mocks.NewMockOfflineQueue(ctrl)
	b := mocks.NewMockBus(ctrl)
	svc := NewService("i1", testConfig(), app.NewRegistry(nil), b, presence, offline, WithClock(clock.NewMock()))

	msg, err := domain.NewPrivateMessage("alice", "bob", "hi", time.Now())
	require.NoError(t, err)

	b.EXPECT().Publish(gomock.Any(), ChannelChat, gomock.Any()).Return(errors.New("redis down"))
	presence.EXPECT().Online(gomock.Any(), domain.UserID("bob")).Return(false, errors.New("redis down"))
	offline.EXPECT().Push(gomock.Any(), domain.UserID("bob"), gomock.Any()).Return(nil)

	require.NoError(t, svc.Dispatch(context.Background(), msg))
	assert.Equal(t, 1, svc.Pending())
}

func TestDispatchForgetsMessageWhenQueueFails(t *testing.T) {
	ctrl := gomock.NewController(t)
	presence := mocks.NewMockPresenceStore(ctrl)
	offline := mocks.NewMockOfflineQueue(ctrl)
	reg := app.NewRegistry(nil)
	svc := NewService("i1", testConfig(), reg, nil, presence, offline, WithClock(clock.NewMock()))
	alice := coretest.NewConn("alice")
	reg.Bind(alice, "alice", nil)
	ctx := context.Background()

	presence.EXPECT().Online(gomock.Any(), domain.UserID("bob")).Return(false, nil)
	offline.EXPECT().Push(gomock.Any(), domain.UserID("bob"), gomock.Any()).Return(errors.New("redis down"))

	msg, err := svc.SendPrivate(ctx, alice.ID(), "alice", "bob", "hi")
	require.Error(t, err)
	assert.Nil(t, msg)
	assert.Empty(t, alice.OfType("messageSent"))
	assert.Equal(t, 0, svc.Pending())

	for i := 0; i <= testConfig().RetryCeiling; i++ {
		svc.Sweep(ctx)
	}
	assert.Equal(t, 0, svc.Pending())
	assert.Empty(t, alice.Frames())
}

func TestOfflineRequeueStaysAheadOfNewMessages(t *testing.T) {
	h := newHarness(t, "i1", nil, nil, nil)
	ctx := context.Background()
	alice := h.connect(t, "alice", "alice", true)

	for _, text := range []string{"m1", "m2", "m3"} {
		_, err := h.svc.SendPrivate(ctx, alice.ID(), "alice", "bob", text)
		require.NoError(t, err)
	}

	stalled := coretest.NewConn("bob-stalled")
	stalled.SetFull(true)
	h.reg.Bind(stalled, "bob", nil)
	require.NoError(t, h.svc.MarkOnline(ctx, stalled.ID(), "bob"))
	assert.Empty(t, stalled.Frames())
	_, ok := h.svc.ConnectionClosed(ctx, stalled.ID())
	require.True(t, ok)

	_, err := h.svc.SendPrivate(ctx, alice.ID(), "alice", "bob", "m4")
	require.NoError(t, err)

	bob := h.connect(t, "bob", "bob", true)
	got := bob.OfType("newPrivateMessage")
	require.Len(t, got, 4)
	for i, want := range []string{"m1", "m2", "m3", "m4"} {
		msg := got[i]["payload"].(map[string]any)["message"].(map[string]any)
		assert.Equal(t, want, msg["text"])
	}
}

func TestMarkOnlineRequeuesUnsentAtHead(t *testing.T) {
	ctrl := gomock.NewController(t)
	presence := mocks.NewMockPresenceStore(ctrl)
	offline := mocks.NewMockOfflineQueue(ctrl)
	reg := app.NewRegistry(nil)
	cfg := testConfig()
	svc := NewService("i1", cfg, reg, nil, presence, offline, WithClock(clock.NewMock()))

	conn := coretest.NewConn("c")
	conn.SetFull(true)
	reg.Bind(conn, "alice", nil)
	queued := []core.Frame{core.Frame(`{"type":"q1"}`), core.Frame(`{"type":"q2"}`)}

	presence.EXPECT().Refresh(gomock.Any(), domain.UserID("alice"), "i1", cfg.PresenceTTL).Return(nil)
	offline.EXPECT().Drain(gomock.Any(), domain.UserID("alice")).Return(queued, nil)
	offline.EXPECT().Prepend(gomock.Any(), domain.UserID("alice"), queued).Return(nil)

	require.NoError(t, svc.MarkOnline(context.Background(), conn.ID(), "alice"))
}

func TestOwnChatEnvelopeReachesLateConnection(t *testing.T) {
	h := newHarness(t, "i1", bus.NewMemory(), nil, nil)
	bob := h.connect(t, "bob", "bob", false)

	payload, err := json.Marshal(chatEnvelope{Origin: "i1", Receiver: "bob", Frame: json.RawMessage(`{"type":"newPrivateMessage"}`)})
	require.NoError(t, err)
	h.svc.onChat(context.Background(), payload)
	assert.Len(t, bob.OfType("newPrivateMessage"), 1)
}

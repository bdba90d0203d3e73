package signal

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dkeye/livecore/internal/adapters/bus"
	"github.com/dkeye/livecore/internal/adapters/store"
	"github.com/dkeye/livecore/internal/app"
	"github.com/dkeye/livecore/internal/app/delivery"
	"github.com/dkeye/livecore/internal/app/orch"
	"github.com/dkeye/livecore/internal/config"
	"github.com/dkeye/livecore/internal/core"
	"github.com/dkeye/livecore/internal/core/coretest"
	"github.com/dkeye/livecore/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type obj = map[string]any

type instance struct {
	srv    *httptest.Server
	orch   *orch.Orchestrator
	svc    *delivery.Service
	engine *coretest.Engine
}

func newInstance(t *testing.T, name string, b core.Bus, st *store.Memory) *instance {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	reg := app.NewRegistry(app.SimplePolicy{})
	engine := coretest.NewEngine()
	svc := delivery.NewService(name, config.DeliveryConfig{
		RetryInterval:     5 * time.Second,
		RetryCeiling:      4,
		PresenceTTL:       time.Minute,
		ReconcileInterval: time.Minute,
		RateLimit:         100,
		RateWindow:        10 * time.Second,
	}, reg, b, st, st)
	require.NoError(t, svc.Subscribe(ctx))

	o := &orch.Orchestrator{
		Registry:     reg,
		Rooms:        app.NewRoomManager(engine),
		Events:       svc,
		Participants: st,
	}

	ctl := NewSignalWSController(o, svc, nil, config.WSConfig{})
	r := gin.New()
	r.GET("/ws", func(c *gin.Context) {
		if u := c.Query("user"); u != "" {
			c.Set(UserKey, domain.UserID(u))
		}
		ctl.HandleSignal(ctx, c)
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &instance{srv: srv, orch: o, svc: svc, engine: engine}
}

type wsClient struct {
	t      *testing.T
	conn   *websocket.Conn
	frames chan obj
}

func (in *instance) dial(t *testing.T, user string) *wsClient {
	t.Helper()
	url := "ws" + strings.TrimPrefix(in.srv.URL, "http") + "/ws?user=" + user
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	c := &wsClient{t: t, conn: conn, frames: make(chan obj, 128)}
	go func() {
		defer close(c.frames)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var m obj
			if json.Unmarshal(data, &m) == nil {
				c.frames <- m
			}
		}
	}()
	t.Cleanup(func() { _ = conn.Close() })
	return c
}

func (c *wsClient) send(v any) {
	c.t.Helper()
	require.NoError(c.t, c.conn.WriteJSON(v))
}

// expect returns the next frame of type typ, skipping any other frames.
func (c *wsClient) expect(typ string) obj {
	c.t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case m, ok := <-c.frames:
			if !ok {
				c.t.Fatalf("connection closed while waiting for %s", typ)
			}
			if m["type"] == typ {
				return m
			}
		case <-timeout:
			c.t.Fatalf("no %s frame", typ)
		}
	}
}

// sync round-trips a ping so every earlier frame of c has been handled.
func (c *wsClient) sync() {
	c.t.Helper()
	c.send(obj{"type": "ping"})
	c.expect("pong")
}

func field(m obj, path ...string) any {
	var cur any = m
	for _, p := range path {
		mm, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = mm[p]
	}
	return cur
}

func dtls() obj {
	return obj{
		"dtlsParameters": obj{
			"role":         "client",
			"fingerprints": []obj{{"algorithm": "sha-256", "value": "AA:BB"}},
		},
	}
}

func opusCaps() obj {
	return obj{"codecs": []obj{{"kind": "audio", "mimeType": "audio/opus", "clockRate": 48000, "channels": 2}}}
}

// publishAudio joins sid as peer and produces audio over a connected send transport.
func publishAudio(c *wsClient, sid, peer string) string {
	c.t.Helper()
	c.send(obj{"type": "joinSession", "sessionId": sid, "peerId": peer})
	c.send(obj{"type": "getRtpCapabilities", "sessionId": sid})
	caps := c.expect("rtpCapabilities")
	require.NotEmpty(c.t, field(caps, "data", "codecs"))

	c.send(obj{"type": "createTransport", "sessionId": sid, "peerId": peer, "direction": "send"})
	created := c.expect("transportCreated")
	assert.Equal(c.t, "send", created["direction"])
	assert.NotEmpty(c.t, field(created, "data", "id"))

	c.send(obj{"type": "connectTransport", "sessionId": sid, "peerId": peer, "direction": "send", "data": dtls()})
	assert.Equal(c.t, "send", c.expect("transportConnected")["direction"])

	c.send(obj{"type": "produce", "sessionId": sid, "peerId": peer, "data": obj{
		"kind": "audio",
		"rtpParameters": obj{"codecs": []obj{{"mimeType": "audio/opus", "payloadType": 100, "clockRate": 48000}}},
	}})
	produced := c.expect("produced")
	assert.Equal(c.t, "audio", produced["kind"])
	id, _ := produced["id"].(string)
	require.NotEmpty(c.t, id)
	return id
}

func TestHandleSignalRequiresUser(t *testing.T) {
	in := newInstance(t, "i1", nil, store.NewMemory())
	resp, err := http.Get(in.srv.URL + "/ws")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestControlFrames(t *testing.T) {
	in := newInstance(t, "i1", nil, store.NewMemory())
	c := in.dial(t, "alice")

	c.sync()

	c.send(obj{"type": "bogus"})
	assert.Equal(t, "Unknown message: bogus", c.expect("error")["message"])

	require.NoError(t, c.conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	assert.Equal(t, domain.CodeBadPayload, c.expect("error")["code"])

	c.send(obj{"type": "createTransport", "sessionId": "s1", "peerId": "p1", "direction": "send"})
	assert.Equal(t, domain.CodeNotFound, c.expect("error")["code"])

	// the connection survives every failed frame
	c.sync()
}

func TestMediaFlow(t *testing.T) {
	in := newInstance(t, "i1", nil, store.NewMemory())
	alice := in.dial(t, "alice")
	producerID := publishAudio(alice, "s1", "p1")

	bob := in.dial(t, "bob")
	bob.send(obj{"type": "joinSession", "sessionId": "s1", "peerId": "p2"})
	joined := alice.expect("userJoined")
	assert.Equal(t, "bob", field(joined, "payload", "userId"))
	assert.Equal(t, "p2", field(joined, "payload", "peerId"))

	bob.send(obj{"type": "createTransport", "sessionId": "s1", "peerId": "p2", "direction": "recv"})
	bob.expect("transportCreated")

	bob.send(obj{"type": "consume", "sessionId": "s1", "peerId": "p2", "data": obj{"kind": "video", "rtpCapabilities": opusCaps()}})
	miss := bob.expect("error")
	assert.Equal(t, "No video producer found", miss["message"])
	assert.Equal(t, domain.CodeNotFound, miss["code"])

	bob.send(obj{"type": "consume", "sessionId": "s1", "peerId": "p2", "data": obj{"kind": "audio", "rtpCapabilities": opusCaps()}})
	consumed := bob.expect("consumed")
	assert.Equal(t, producerID, field(consumed, "data", "producerId"))
	assert.Equal(t, "audio", field(consumed, "data", "kind"))

	bob.send(obj{"type": "hasProducer", "sessionId": "s1", "peerId": "p2"})
	has := bob.expect("hasProducer")
	assert.Equal(t, true, field(has, "data", "availableKinds", "audio"))
	assert.Equal(t, false, field(has, "data", "availableKinds", "video"))

	bob.send(obj{"type": "getStats"})
	stats := bob.expect("statsUpdate")
	assert.Equal(t, "p2", field(stats, "data", "peerId"))
	assert.Len(t, field(stats, "data", "stats"), 1)
}

func TestAbruptCloseTearsPeerDown(t *testing.T) {
	in := newInstance(t, "i1", nil, store.NewMemory())
	alice := in.dial(t, "alice")
	publishAudio(alice, "s1", "p1")

	bob := in.dial(t, "bob")
	bob.send(obj{"type": "joinSession", "sessionId": "s1", "peerId": "p2"})
	alice.expect("userJoined")

	require.NoError(t, alice.conn.UnderlyingConn().Close())

	issue := bob.expect("peerConnectionIssue")
	assert.Equal(t, "p1", issue["peerId"])
	assert.Equal(t, true, issue["fallback"])

	status := bob.expect("sessionLiveStatus")
	assert.Equal(t, false, field(status, "data", "isLive"))
	assert.Equal(t, "audio", field(status, "data", "kind"))
	assert.Equal(t, "p1", field(status, "data", "peerId"))

	left := bob.expect("userLeft")
	assert.Equal(t, "p1", field(left, "payload", "peerId"))

	bob.send(obj{"type": "hasProducer", "sessionId": "s1", "peerId": "p2"})
	assert.Equal(t, false, field(bob.expect("hasProducer"), "data", "availableKinds", "audio"))

	room, ok := in.orch.Rooms.GetRoom("s1")
	require.True(t, ok)
	assert.Equal(t, 1, room.Len())
}

func TestIdentityFieldsMustMatchUser(t *testing.T) {
	in := newInstance(t, "i1", nil, store.NewMemory())
	c := in.dial(t, "alice")

	c.send(obj{"type": "privateMessage", "payload": obj{"senderId": "mallory", "receiverId": "bob", "text": "hi"}})
	assert.Equal(t, domain.CodeForbidden, c.expect("error")["code"])

	c.send(obj{"type": "userOnline", "payload": obj{"userId": "mallory"}})
	assert.Equal(t, domain.CodeForbidden, c.expect("error")["code"])
	assert.Equal(t, 0, in.svc.Pending())
}

func TestPrivateMessageAcrossInstances(t *testing.T) {
	b := bus.NewMemory()
	t.Cleanup(func() { _ = b.Close() })
	st := store.NewMemory()
	i1 := newInstance(t, "i1", b, st)
	i2 := newInstance(t, "i2", b, st)

	alice := i1.dial(t, "alice")
	alice.send(obj{"type": "userOnline", "payload": obj{"userId": "alice"}})
	alice.sync()

	bob := i2.dial(t, "bob")
	bob.send(obj{"type": "userOnline"})
	status := alice.expect("userStatus")
	assert.Equal(t, "bob", field(status, "payload", "userId"))
	assert.Equal(t, true, field(status, "payload", "online"))

	alice.send(obj{"type": "privateMessage", "payload": obj{"receiverId": "bob", "text": "hi"}})
	sent := alice.expect("messageSent")
	id, _ := field(sent, "payload", "messageId").(string)
	require.NotEmpty(t, id)

	msg := bob.expect("newPrivateMessage")
	assert.Equal(t, id, field(msg, "payload", "message", "id"))
	assert.Equal(t, "hi", field(msg, "payload", "message", "text"))
	assert.Equal(t, "alice", field(msg, "payload", "message", "senderId"))
	assert.Equal(t, 1, i1.svc.Pending())

	bob.send(obj{"type": "messageAck", "payload": obj{"messageId": id}})
	require.Eventually(t, func() bool { return i1.svc.Pending() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestOfflineMessagesDrainOnOnline(t *testing.T) {
	b := bus.NewMemory()
	t.Cleanup(func() { _ = b.Close() })
	st := store.NewMemory()
	i1 := newInstance(t, "i1", b, st)
	i2 := newInstance(t, "i2", b, st)

	alice := i1.dial(t, "alice")
	alice.send(obj{"type": "privateMessage", "payload": obj{"receiverId": "carol", "text": "later"}})
	alice.expect("messageSent")

	carol := i2.dial(t, "carol")
	carol.send(obj{"type": "userOnline", "payload": obj{"userId": "carol"}})
	msg := carol.expect("newPrivateMessage")
	assert.Equal(t, "later", field(msg, "payload", "message", "text"))

	queued, err := st.Drain(context.Background(), "carol")
	require.NoError(t, err)
	assert.Empty(t, queued)
}

func TestSessionChatAcrossInstances(t *testing.T) {
	b := bus.NewMemory()
	t.Cleanup(func() { _ = b.Close() })
	st := store.NewMemory()
	i1 := newInstance(t, "i1", b, st)
	i2 := newInstance(t, "i2", b, st)

	alice := i1.dial(t, "alice")
	alice.send(obj{"type": "joinLiveSession", "payload": obj{"sessionId": "s9", "userId": "alice"}})
	alice.sync()

	bob := i2.dial(t, "bob")
	bob.send(obj{"type": "joinLiveSession", "payload": obj{"sessionId": "s9"}})
	joined := alice.expect("userJoined")
	assert.Equal(t, "bob", field(joined, "payload", "userId"))
	assert.Nil(t, field(joined, "payload", "peerId"))

	bob.send(obj{"type": "chatMessage", "sessionId": "s9", "payload": obj{"text": "yo"}})
	assert.Equal(t, "yo", field(alice.expect("chatMessage"), "payload", "text"))
	assert.Equal(t, "yo", field(bob.expect("chatMessage"), "payload", "text"))

	bob.send(obj{"type": "leaveLiveSession", "payload": obj{"sessionId": "s9", "userId": "bob"}})
	assert.Equal(t, "bob", field(alice.expect("userLeft"), "payload", "userId"))

	users, err := st.Participants(context.Background(), "s9")
	require.NoError(t, err)
	assert.Equal(t, []domain.UserID{"alice"}, users)
}

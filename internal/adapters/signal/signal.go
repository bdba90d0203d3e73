// Package signal serves the signaling WebSocket: one read pump that handles
// frames in order and one write pump per connection.
package signal

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/livecore/internal/app"
	"github.com/dkeye/livecore/internal/app/delivery"
	"github.com/dkeye/livecore/internal/app/orch"
	"github.com/dkeye/livecore/internal/config"
	"github.com/dkeye/livecore/internal/core"
	"github.com/dkeye/livecore/internal/domain"
	"github.com/dkeye/livecore/internal/metrics"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// Gin context keys set by the HTTP middleware. UserKey holds the verified
// domain.UserID; ClientTokenKey holds the browser correlation token.
const (
	UserKey        = "user_id"
	ClientTokenKey = "client_token"
)

type SignalWSController struct {
	Orch     *orch.Orchestrator
	Delivery *delivery.Service
	Metrics  *metrics.Metrics
	WS       config.WSConfig

	upgrader websocket.Upgrader
}

func NewSignalWSController(o *orch.Orchestrator, d *delivery.Service, m *metrics.Metrics, ws config.WSConfig) *SignalWSController {
	ctl := &SignalWSController{Orch: o, Delivery: d, Metrics: m, WS: withDefaults(ws)}
	ctl.upgrader = websocket.Upgrader{CheckOrigin: originChecker(ctl.WS.AllowedOrigins)}
	return ctl
}

func withDefaults(ws config.WSConfig) config.WSConfig {
	if ws.ReadLimit <= 0 {
		ws.ReadLimit = 32 << 10
	}
	if ws.PingPeriod <= 0 {
		ws.PingPeriod = 15 * time.Second
	}
	if ws.PongWait <= ws.PingPeriod {
		ws.PongWait = 2 * ws.PingPeriod
	}
	if ws.WriteWait <= 0 {
		ws.WriteWait = 5 * time.Second
	}
	if ws.SendBuffer <= 0 {
		ws.SendBuffer = 64
	}
	return ws
}

func originChecker(allowed []string) func(*http.Request) bool {
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}

// WsSignalConn is the core.SignalConnection of one WebSocket.
type WsSignalConn struct {
	id   core.ConnID
	conn *websocket.Conn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
}

func (c *WsSignalConn) ID() core.ConnID { return c.id }

func (c *WsSignalConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return core.ErrConnClosed
	}
	select {
	case c.send <- f:
	default:
		return core.ErrBackpressure
	}
	return nil
}

func (c *WsSignalConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

// client is the per-connection state owned by the read pump.
type client struct {
	conn *WsSignalConn
	user domain.UserID

	session domain.SessionID
	peer    *app.Peer
}

// HandleSignal upgrades an authenticated request and starts the pumps. The
// verified user must already be stored under UserKey.
func (ctl *SignalWSController) HandleSignal(ctx context.Context, c *gin.Context) {
	raw, _ := c.Get(UserKey)
	user, ok := raw.(domain.UserID)
	if !ok || user == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	ws, err := ctl.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}

	id := uuid.NewString()
	if ct := c.GetString(ClientTokenKey); ct != "" {
		id = ct + ":" + id
	}
	conn := &WsSignalConn{
		id:   core.ConnID(id),
		conn: ws,
		send: make(chan core.Frame, ctl.WS.SendBuffer),
	}
	ctx, cancel := context.WithCancel(ctx)
	ctl.Orch.Registry.Bind(conn, user, cancel)
	ctl.Metrics.ConnOpened()
	log.Info().Str("module", "signal").Str("conn", string(conn.id)).Str("user", string(user)).Msg("new WS connection")

	cl := &client{conn: conn, user: user}
	go ctl.writePump(ctx, conn)
	go ctl.readPump(ctx, cl)
}

package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dkeye/livecore/internal/adapters/signal"
	"github.com/dkeye/livecore/internal/adapters/store"
	"github.com/dkeye/livecore/internal/app"
	"github.com/dkeye/livecore/internal/app/delivery"
	"github.com/dkeye/livecore/internal/app/orch"
	"github.com/dkeye/livecore/internal/config"
	"github.com/dkeye/livecore/internal/core/coretest"
	"github.com/dkeye/livecore/internal/core/mocks"
	"github.com/dkeye/livecore/internal/domain"
	"github.com/dkeye/livecore/internal/metrics"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func newServer(t *testing.T) (*httptest.Server, *mocks.MockIdentityVerifier) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	cfg := &config.Config{
		Mode:       "test",
		InstanceID: "i-test",
		Secret:     "cookie-secret",
		Auth:       config.AuthConfig{QueryParam: "token"},
		WS:         config.WSConfig{AllowedOrigins: []string{"*"}},
	}
	promReg := prometheus.NewRegistry()
	m := metrics.New(promReg)

	reg := app.NewRegistry(app.SimplePolicy{})
	st := store.NewMemory()
	svc := delivery.NewService(cfg.InstanceID, config.DeliveryConfig{PresenceTTL: time.Minute}, reg, nil, st, st, delivery.WithMetrics(m))
	o := &orch.Orchestrator{
		Registry: reg,
		Rooms:    app.NewRoomManager(coretest.NewEngine(), app.WithMetrics(m)),
		Events:   svc,
		Metrics:  m,
	}
	ctl := signal.NewSignalWSController(o, svc, m, cfg.WS)

	verifier := mocks.NewMockIdentityVerifier(gomock.NewController(t))
	srv := httptest.NewServer(SetupRouter(ctx, cfg, ctl, verifier, promReg))
	t.Cleanup(srv.Close)
	return srv, verifier
}

func TestHealthz(t *testing.T) {
	srv, _ := newServer(t)

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "i-test", body["instance"])
	assert.Contains(t, resp.Header.Get("Set-Cookie"), sessionName)
}

func TestMetricsRoute(t *testing.T) {
	srv, _ := newServer(t)

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "livecore_rooms")
}

func TestSignalRejectsBadToken(t *testing.T) {
	srv, verifier := newServer(t)
	verifier.EXPECT().Verify(gomock.Any(), "forged").Return(domain.UserID(""), errors.New("invalid token"))
	verifier.EXPECT().Verify(gomock.Any(), "").Return(domain.UserID(""), errors.New("invalid token"))

	resp, err := http.Get(srv.URL + "/api/ws/signal?token=forged")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "unauthorized", body["error"])

	resp2, err := http.Get(srv.URL + "/ws")
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp2.StatusCode)
}

func TestSignalUpgradesVerifiedUser(t *testing.T) {
	tests := []struct {
		name   string
		path   string
		header http.Header
	}{
		{"query token", "/api/ws/signal?token=good", nil},
		{"bearer header", "/ws", http.Header{"Authorization": []string{"Bearer good"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, verifier := newServer(t)
			verifier.EXPECT().Verify(gomock.Any(), "good").Return(domain.UserID("alice"), nil)

			url := "ws" + strings.TrimPrefix(srv.URL, "http") + tt.path
			conn, _, err := websocket.DefaultDialer.Dial(url, tt.header)
			require.NoError(t, err)
			defer conn.Close()

			require.NoError(t, conn.WriteJSON(map[string]string{"type": "ping"}))
			require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
			var pong map[string]any
			require.NoError(t, conn.ReadJSON(&pong))
			assert.Equal(t, "pong", pong["type"])
		})
	}
}

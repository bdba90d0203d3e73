package http

import (
	"context"
	"net/http"
	"slices"
	"strings"

	"github.com/dkeye/livecore/internal/adapters/signal"
	"github.com/dkeye/livecore/internal/config"
	"github.com/dkeye/livecore/internal/core"
	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const (
	sessionName    = "LivecoreSessions"
	clientTokenKey = "ct"
)

// ClientTokenMiddleware gives every browser a stable correlation token kept
// in the session cookie. It only labels connections in logs and is never
// an identity.
func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		s := sessions.Default(c)
		token, _ := s.Get(clientTokenKey).(string)
		if token == "" {
			token = uuid.NewString()
			s.Set(clientTokenKey, token)
			if err := s.Save(); err != nil {
				log.Warn().Err(err).Str("module", "adapters.http").Msg("client token not saved")
			}
		}
		c.Set(signal.ClientTokenKey, token)
		c.Next()
	}
}

// AuthMiddleware verifies the bearer credential, taken from the query
// parameter or the Authorization header, and stores the user under
// signal.UserKey.
func AuthMiddleware(verifier core.IdentityVerifier, queryParam string) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.Query(queryParam)
		if token == "" {
			token = strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		}
		user, err := verifier.Verify(c.Request.Context(), token)
		if err != nil {
			log.Info().Err(err).Str("module", "adapters.http").Str("client", c.GetString(signal.ClientTokenKey)).Msg("rejected signaling request")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Set(signal.UserKey, user)
		c.Next()
	}
}

func corsMiddleware(origins []string) gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodOptions},
		AllowHeaders: []string{"Origin", "Authorization", "Content-Type"},
	}
	if len(origins) == 0 || slices.Contains(origins, "*") {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
		cfg.AllowCredentials = true
	}
	return cors.New(cfg)
}

func SetupRouter(ctx context.Context, cfg *config.Config, ctl *signal.SignalWSController, verifier core.IdentityVerifier, gatherer prometheus.Gatherer) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())
	r.Use(corsMiddleware(cfg.WS.AllowedOrigins))

	store := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions(sessionName, store))
	r.Use(ClientTokenMiddleware())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":   "ok",
			"instance": cfg.InstanceID,
			"rooms":    ctl.Orch.Rooms.Count(),
		})
	})
	if gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	ws := func(c *gin.Context) {
		log.Info().Str("module", "adapters.http").Str("client", c.GetString(signal.ClientTokenKey)).Msg("ws signal endpoint hit")
		ctl.HandleSignal(ctx, c)
	}
	auth := AuthMiddleware(verifier, cfg.Auth.QueryParam)
	r.GET("/api/ws/signal", auth, ws)
	r.GET("/ws", auth, ws)

	log.Info().Str("module", "adapters.http").Str("mode", cfg.Mode).Msg("router setup")
	return r
}

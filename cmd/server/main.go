package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/dkeye/livecore/internal/adapters/bus"
	router "github.com/dkeye/livecore/internal/adapters/http"
	"github.com/dkeye/livecore/internal/adapters/identity"
	"github.com/dkeye/livecore/internal/adapters/rtc"
	wssignal "github.com/dkeye/livecore/internal/adapters/signal"
	"github.com/dkeye/livecore/internal/adapters/store"
	"github.com/dkeye/livecore/internal/app"
	"github.com/dkeye/livecore/internal/app/delivery"
	"github.com/dkeye/livecore/internal/app/orch"
	"github.com/dkeye/livecore/internal/config"
	"github.com/dkeye/livecore/internal/core"
	"github.com/dkeye/livecore/internal/metrics"
)

const shutdownTimeout = 5 * time.Second

type backends struct {
	bus      core.Bus
	presence core.PresenceStore
	offline  core.OfflineQueue
	members  core.ParticipantDirectory
	close    func() error
}

func openBackends(ctx context.Context, cfg config.BusConfig) (*backends, error) {
	if cfg.Driver == config.BusRedis {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("redis %s: %w", cfg.Redis.Addr, err)
		}
		b, st := bus.NewRedis(client), store.NewRedis(client)
		return &backends{
			bus: b, presence: st, offline: st, members: st,
			close: func() error { return multierr.Append(b.Close(), client.Close()) },
		}, nil
	}
	b, st := bus.NewMemory(), store.NewMemory()
	return &backends{bus: b, presence: st, offline: st, members: st, close: b.Close}, nil
}

func setupLogging(cfg *config.Config) {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if cfg.Mode == "debug" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	} else {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Console output until the config decides the final format.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	setupLogging(cfg)

	back, err := openBackends(ctx, cfg.Bus)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open bus backends")
	}
	defer func() {
		if err := back.close(); err != nil {
			log.Warn().Err(err).Msg("closing backends")
		}
	}()

	engine, err := rtc.NewEngine(cfg.Media)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to start media engine")
	}
	defer func() { _ = engine.Close() }()

	m := metrics.New(prometheus.DefaultRegisterer)
	rooms := app.NewRoomManager(engine,
		app.WithIdleTimeout(cfg.Media.RoomIdleTimeout),
		app.WithMetrics(m),
	)
	reg := app.NewRegistry(app.SimplePolicy{})
	svc := delivery.NewService(cfg.InstanceID, cfg.Delivery, reg, back.bus, back.presence, back.offline, delivery.WithMetrics(m))
	o := &orch.Orchestrator{
		Registry:     reg,
		Rooms:        rooms,
		Events:       svc,
		Participants: back.members,
		Metrics:      m,
		Media:        cfg.Media,
	}

	ctl := wssignal.NewSignalWSController(o, svc, m, cfg.WS)
	verifier := identity.NewJWTVerifier(cfg.Auth.Secret, cfg.Auth.UserClaim)
	r := router.SetupRouter(ctx, cfg, ctl, verifier, prometheus.DefaultGatherer)

	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", addr).Str("instance", cfg.InstanceID).Msg("livecore server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error { return svc.Run(gctx) })
	g.Go(func() error { return rooms.Run(gctx) })
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case err := <-engine.Fatal():
			log.Error().Err(err).Dur("exit_delay", cfg.Media.FatalExitDelay).Msg("media engine lost, exiting")
			time.Sleep(cfg.Media.FatalExitDelay)
			os.Exit(1)
			return err
		}
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server forced to shutdown")
		}
		rooms.Close()
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("server stopped with error")
		return
	}
	log.Info().Msg("Server exited gracefully")
}

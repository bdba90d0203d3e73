package rtc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/dkeye/livecore/internal/app/sfu"
	"github.com/dkeye/livecore/internal/config"
	"github.com/dkeye/livecore/internal/core"
	"github.com/dkeye/livecore/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// Engine is a pion ORTC media engine. All routers share one relay manager
// and, when media.udp_port is set, a single UDP socket.
type Engine struct {
	cfg      config.MediaConfig
	settings webrtc.SettingEngine
	relays   *sfu.RelayManager

	conn    *watchedConn
	fatal   chan error
	closing atomic.Bool
	once    sync.Once
}

var _ core.MediaEngine = (*Engine)(nil)

// watchedConn reports the shared socket as lost when reads fail outside Close.
type watchedConn struct {
	net.PacketConn
	engine *Engine
}

func (c *watchedConn) ReadFrom(p []byte) (int, net.Addr, error) {
	n, addr, err := c.PacketConn.ReadFrom(p)
	if err != nil && !c.engine.closing.Load() {
		c.engine.raise(fmt.Errorf("%w: udp socket: %v", domain.ErrEngineFatal, err))
	}
	return n, addr, err
}

func NewEngine(cfg config.MediaConfig) (*Engine, error) {
	e := &Engine{
		cfg:    cfg,
		relays: sfu.NewRelayManager(),
		fatal:  make(chan error, 1),
	}

	se := webrtc.SettingEngine{}
	se.SetLite(true)
	se.SetNetworkTypes([]webrtc.NetworkType{webrtc.NetworkTypeUDP4})
	if cfg.AnnouncedIP != "" {
		se.SetNAT1To1IPs([]string{cfg.AnnouncedIP}, webrtc.ICECandidateTypeHost)
	}

	if cfg.UDPPort > 0 {
		pc, err := net.ListenUDP("udp4", &net.UDPAddr{Port: cfg.UDPPort})
		if err != nil {
			return nil, fmt.Errorf("listen udp %d: %w", cfg.UDPPort, err)
		}
		e.conn = &watchedConn{PacketConn: pc, engine: e}
		se.SetICEUDPMux(webrtc.NewICEUDPMux(nil, e.conn))
	} else if cfg.PortMin > 0 && cfg.PortMax >= cfg.PortMin {
		if err := se.SetEphemeralUDPPortRange(cfg.PortMin, cfg.PortMax); err != nil {
			return nil, fmt.Errorf("port range: %w", err)
		}
	}
	e.settings = se

	log.Info().
		Str("module", "rtc").
		Str("announced_ip", cfg.AnnouncedIP).
		Int("udp_port", cfg.UDPPort).
		Uint16("port_min", cfg.PortMin).
		Uint16("port_max", cfg.PortMax).
		Msg("media engine ready")
	return e, nil
}

func (e *Engine) raise(err error) {
	e.once.Do(func() {
		log.Error().Err(err).Str("module", "rtc").Msg("media engine lost")
		e.fatal <- err
	})
}

func (e *Engine) Fatal() <-chan error { return e.fatal }

func (e *Engine) CreateRouter(_ context.Context, codecs []core.RtpCodecCapability) (core.Router, error) {
	if e.closing.Load() {
		return nil, fmt.Errorf("%w: engine closed", domain.ErrEngineFatal)
	}
	me := &webrtc.MediaEngine{}
	for _, c := range codecs {
		if err := me.RegisterCodec(toCodecParameters(c), codecType(c.Kind)); err != nil {
			return nil, fmt.Errorf("register codec %s: %w", c.MimeType, err)
		}
	}
	registry, err := newInterceptors(me)
	if err != nil {
		return nil, err
	}
	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(me),
		webrtc.WithSettingEngine(e.settings),
		webrtc.WithInterceptorRegistry(registry),
	)

	r := &Router{
		id:         newID(),
		engine:     e,
		api:        api,
		codecs:     append([]core.RtpCodecCapability(nil), codecs...),
		transports: make(map[string]*Transport),
	}
	log.Info().Str("module", "rtc").Str("router", r.id).Int("codecs", len(codecs)).Msg("router created")
	return r, nil
}

func (e *Engine) iceServers() []webrtc.ICEServer {
	if len(e.cfg.ICEServers) == 0 {
		return nil
	}
	return []webrtc.ICEServer{{URLs: e.cfg.ICEServers}}
}

func (e *Engine) Close() error {
	if !e.closing.CompareAndSwap(false, true) {
		return nil
	}
	if e.conn != nil {
		if err := e.conn.PacketConn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			return err
		}
	}
	log.Info().Str("module", "rtc").Msg("media engine closed")
	return nil
}

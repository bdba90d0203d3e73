package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Mode       string `mapstructure:"mode"`
	Port       int    `mapstructure:"port"`
	LogLevel   string `mapstructure:"log_level"`
	InstanceID string `mapstructure:"instance_id"`
	Secret     string `mapstructure:"secret"`

	WS       WSConfig       `mapstructure:"ws"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Media    MediaConfig    `mapstructure:"media"`
	Delivery DeliveryConfig `mapstructure:"delivery"`
	Bus      BusConfig      `mapstructure:"bus"`
}

type WSConfig struct {
	ReadLimit      int64         `mapstructure:"read_limit"`
	PingPeriod     time.Duration `mapstructure:"ping_period"`
	PongWait       time.Duration `mapstructure:"pong_wait"`
	WriteWait      time.Duration `mapstructure:"write_wait"`
	SendBuffer     int           `mapstructure:"send_buffer"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
}

type AuthConfig struct {
	Secret     string `mapstructure:"secret"`
	QueryParam string `mapstructure:"query_param"`
	UserClaim  string `mapstructure:"user_claim"`
}

type MediaConfig struct {
	AnnouncedIP            string        `mapstructure:"announced_ip"`
	UDPPort                int           `mapstructure:"udp_port"`
	PortMin                uint16        `mapstructure:"port_min"`
	PortMax                uint16        `mapstructure:"port_max"`
	ICEServers             []string      `mapstructure:"ice_servers"`
	MaxIncomingBitrate     uint64        `mapstructure:"max_incoming_bitrate"`
	InitialOutgoingBitrate uint64        `mapstructure:"initial_outgoing_bitrate"`
	StatsInterval          time.Duration `mapstructure:"stats_interval"`
	RTTThreshold           time.Duration `mapstructure:"rtt_threshold"`
	RoomIdleTimeout        time.Duration `mapstructure:"room_idle_timeout"`
	FatalExitDelay         time.Duration `mapstructure:"fatal_exit_delay"`
	GatherTimeout          time.Duration `mapstructure:"gather_timeout"`
	ConnectTimeout         time.Duration `mapstructure:"connect_timeout"`
}

type DeliveryConfig struct {
	RetryInterval     time.Duration `mapstructure:"retry_interval"`
	RetryCeiling      int           `mapstructure:"retry_ceiling"`
	PresenceTTL       time.Duration `mapstructure:"presence_ttl"`
	ReconcileInterval time.Duration `mapstructure:"reconcile_interval"`
	RateLimit         int           `mapstructure:"rate_limit"`
	RateWindow        time.Duration `mapstructure:"rate_window"`
}

type BusConfig struct {
	Driver string      `mapstructure:"driver"`
	Redis  RedisConfig `mapstructure:"redis"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

const (
	BusMemory = "memory"
	BusRedis  = "redis"
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("log_level", "info")
	v.SetDefault("instance_id", "")
	v.SetDefault("secret", "livecore-cookie-secret")

	v.SetDefault("ws.read_limit", 32768)
	v.SetDefault("ws.ping_period", "15s")
	v.SetDefault("ws.pong_wait", "30s")
	v.SetDefault("ws.write_wait", "5s")
	v.SetDefault("ws.send_buffer", 64)
	v.SetDefault("ws.allowed_origins", []string{"*"})

	v.SetDefault("auth.secret", "")
	v.SetDefault("auth.query_param", "token")
	v.SetDefault("auth.user_claim", "userId")

	v.SetDefault("media.announced_ip", "127.0.0.1")
	v.SetDefault("media.udp_port", 0)
	v.SetDefault("media.port_min", 40000)
	v.SetDefault("media.port_max", 49999)
	v.SetDefault("media.ice_servers", []string{})
	v.SetDefault("media.max_incoming_bitrate", 1500000)
	v.SetDefault("media.initial_outgoing_bitrate", 1000000)
	v.SetDefault("media.stats_interval", "2s")
	v.SetDefault("media.rtt_threshold", "300ms")
	v.SetDefault("media.room_idle_timeout", "10m")
	v.SetDefault("media.fatal_exit_delay", "2s")
	v.SetDefault("media.gather_timeout", "10s")
	v.SetDefault("media.connect_timeout", "15s")

	v.SetDefault("delivery.retry_interval", "5s")
	v.SetDefault("delivery.retry_ceiling", 4)
	v.SetDefault("delivery.presence_ttl", "60s")
	v.SetDefault("delivery.reconcile_interval", "60s")
	v.SetDefault("delivery.rate_limit", 20)
	v.SetDefault("delivery.rate_window", "10s")

	v.SetDefault("bus.driver", BusMemory)
	v.SetDefault("bus.redis.addr", "localhost:6379")
	v.SetDefault("bus.redis.password", "")
	v.SetDefault("bus.redis.db", 0)
}

// Load reads config/config.<CONFIG_ENV>.yaml (dev by default) and applies
// LIVECORE_* environment overrides on top of the defaults.
func Load() (*Config, error) {
	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	return LoadFile(fmt.Sprintf("config/config.%s.yaml", env))
}

func LoadFile(fileName string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(fileName)
	v.SetEnvPrefix("livecore")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log.Info().
		Str("module", "config").
		Str("mode", cfg.Mode).
		Int("port", cfg.Port).
		Str("instance", cfg.InstanceID).
		Str("bus", cfg.Bus.Driver).
		Msg("config ready")
	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	positive := map[string]time.Duration{
		"ws.ping_period":              c.WS.PingPeriod,
		"ws.pong_wait":                c.WS.PongWait,
		"ws.write_wait":               c.WS.WriteWait,
		"media.stats_interval":        c.Media.StatsInterval,
		"delivery.retry_interval":     c.Delivery.RetryInterval,
		"delivery.presence_ttl":       c.Delivery.PresenceTTL,
		"delivery.reconcile_interval": c.Delivery.ReconcileInterval,
	}
	for key, d := range positive {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", key))
		}
	}
	if c.Delivery.RetryCeiling < 0 {
		errs = append(errs, errors.New("delivery.retry_ceiling must not be negative"))
	}
	if c.WS.PongWait <= c.WS.PingPeriod {
		errs = append(errs, errors.New("ws.pong_wait must exceed ws.ping_period"))
	}
	switch c.Bus.Driver {
	case BusMemory, BusRedis:
	default:
		errs = append(errs, fmt.Errorf("unknown bus driver %q", c.Bus.Driver))
	}
	return errors.Join(errs...)
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFileDefaults(t *testing.T) {
	cfg, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 15*time.Second, cfg.WS.PingPeriod)
	assert.Equal(t, 5*time.Second, cfg.Delivery.RetryInterval)
	assert.Equal(t, 4, cfg.Delivery.RetryCeiling)
	assert.Equal(t, 60*time.Second, cfg.Delivery.PresenceTTL)
	assert.Equal(t, 300*time.Millisecond, cfg.Media.RTTThreshold)
	assert.Equal(t, uint64(1500000), cfg.Media.MaxIncomingBitrate)
	assert.Equal(t, BusMemory, cfg.Bus.Driver)
	assert.NotEmpty(t, cfg.InstanceID)
}

func TestLoadFileOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.test.yaml")
	yaml := []byte("port: 9000\ndelivery:\n  retry_ceiling: 2\n  retry_interval: 1s\nbus:\n  driver: redis\n")
	require.NoError(t, os.WriteFile(path, yaml, 0o600))

	t.Setenv("LIVECORE_INSTANCE_ID", "node-a")

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Port)
	assert.Equal(t, 2, cfg.Delivery.RetryCeiling)
	assert.Equal(t, time.Second, cfg.Delivery.RetryInterval)
	assert.Equal(t, BusRedis, cfg.Bus.Driver)
	assert.Equal(t, "node-a", cfg.InstanceID)
}

func TestValidate(t *testing.T) {
	cfg, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"negative ceiling", func(c *Config) { c.Delivery.RetryCeiling = -1 }},
		{"zero retry interval", func(c *Config) { c.Delivery.RetryInterval = 0 }},
		{"pong shorter than ping", func(c *Config) { c.WS.PongWait = c.WS.PingPeriod }},
		{"unknown bus", func(c *Config) { c.Bus.Driver = "kafka" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := *cfg
			tt.mutate(&c)
			assert.Error(t, c.Validate())
		})
	}
	assert.NoError(t, cfg.Validate())
}

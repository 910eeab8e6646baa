package config

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokmz/chanlayer/pkg/logger"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	s, err := New(WithConfigName("missing"), WithConfigPaths(t.TempDir())).Load()
	require.NoError(t, err)

	d := DefaultSettings()
	assert.Equal(t, d.Server, s.Server)
	assert.Equal(t, d.Channel, s.Channel)
	assert.Equal(t, d.Backend.Type, s.Backend.Type)
	assert.Equal(t, d.Events.Kafka, s.Events.Kafka)
	assert.Equal(t, d.Log, s.Log)
}

func TestLoad_ExplicitFileMissing(t *testing.T) {
	_, err := New(WithConfigFile(filepath.Join(t.TempDir(), "nope.yaml"))).Load()
	assert.ErrorIs(t, err, ErrConfigNotFound)
}

func TestLoad_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chanlayer.yaml")
	writeFile(t, path, `
server:
  addr: ":9000"
backend:
  type: redis
  redis:
    addr: "redis:6379"
    key_prefix: "app:"
channel:
  heartbeat_interval: 10s
  heartbeat_timeout: 25s
  rate_limit:
    enabled: true
    messages: 10
ws:
  allowed_origins: ["https://app.example.com"]
events:
  sink: none
`)
	t.Setenv("CHANLAYER_CHANNEL_MAX_TOTAL_CONNECTIONS", "42")
	t.Setenv("CHANLAYER_LOG_LEVEL", "debug")

	l := New(WithConfigFile(path))
	s, err := l.Load()
	require.NoError(t, err)
	assert.Equal(t, path, l.ConfigFileUsed())
	assert.Same(t, s, l.Current())

	assert.Equal(t, ":9000", s.Server.Addr)
	assert.Equal(t, "/ws", s.Server.Path)
	assert.Equal(t, BackendRedis, s.Backend.Type)
	assert.Equal(t, 10*time.Second, s.Channel.HeartbeatInterval)
	assert.Equal(t, 42, s.Channel.MaxTotalConnections)
	assert.Equal(t, []string{"https://app.example.com"}, s.WS.AllowedOrigins)

	cc := s.ChannelConfig()
	assert.True(t, cc.RateLimit.Enabled)
	assert.Equal(t, 10, cc.RateLimit.Messages)
	assert.Equal(t, 100, cc.RateLimit.Burst)

	rc := s.RedisConfig()
	assert.Equal(t, "redis:6379", rc.Addr)
	assert.Equal(t, "app:", rc.KeyPrefix)

	lc, err := s.LoggerConfig()
	require.NoError(t, err)
	assert.Equal(t, logger.DebugLevel, lc.Level)
	assert.Nil(t, lc.Rotate)
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"unknown backend", "backend:\n  type: etcd\n"},
		{"heartbeat timeout below interval", "channel:\n  heartbeat_interval: 30s\n  heartbeat_timeout: 10s\n"},
		{"unknown sink", "events:\n  sink: carrier-pigeon\n"},
		{"bad log level", "log:\n  level: loud\n"},
		{"redis cluster too small", "backend:\n  type: redis\n  redis:\n    mode: cluster\n    addrs: [\"a:1\"]\n"},
		{"bad duration", "channel:\n  heartbeat_interval: soon\n"},
		{"unknown sampler", "tracing:\n  sampler: sometimes\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "c.yaml")
			writeFile(t, path, tt.content)
			_, err := New(WithConfigFile(path)).Load()
			assert.Error(t, err)
		})
	}
}

func TestSettings_Converters(t *testing.T) {
	s := DefaultSettings()
	s.WS.AllowAllOrigins = true
	s.Log.File = filepath.Join(t.TempDir(), "app.log")
	s.Auth.JWTSecret = "secret"

	assert.True(t, s.AuthEnabled())
	assert.Equal(t, "secret", s.AuthConfig().Secret)

	wc := s.WSConfig()
	require.NoError(t, wc.Validate())
	require.NotNil(t, wc.CheckOrigin)

	lc, err := s.LoggerConfig()
	require.NoError(t, err)
	require.NotNil(t, lc.Rotate)
	assert.Equal(t, s.Log.File, lc.Rotate.Filename)
	assert.Nil(t, lc.Sampling)

	assert.Equal(t, "chanlayer.events", s.KafkaConfig().Topic)
	assert.Equal(t, "chanlayer.events", s.AMQPConfig().Exchange)
	assert.False(t, s.TracingConfig().Enabled)
	assert.Equal(t, "parent_based", s.TracingConfig().SamplingType)

	s.Log.Sampling = true
	lc, err = s.LoggerConfig()
	require.NoError(t, err)
	assert.NotNil(t, lc.Sampling)
	assert.Len(t, s.MemoryOptions(logger.NewNop()), 3)
	assert.Equal(t, 10*time.Second, s.ShutdownTimeout())
}

func TestWatch_ReloadsValidChanges(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chanlayer.yaml")
	writeFile(t, path, "channel:\n  max_total_connections: 1\n")

	var (
		changes atomic.Int32
		errs    atomic.Int32
		latest  atomic.Pointer[Settings]
	)
	l := New(
		WithConfigFile(path),
		WithDebounce(20*time.Millisecond),
		WithOnChange(func(s *Settings) {
			latest.Store(s)
			changes.Add(1)
		}),
		WithOnError(func(error) { errs.Add(1) }),
	)
	_, err := l.Load()
	require.NoError(t, err)
	require.NoError(t, l.Watch())
	require.NoError(t, l.Watch())
	t.Cleanup(l.StopWatch)

	writeFile(t, path, "channel:\n  max_total_connections: 2\n")
	require.Eventually(t, func() bool {
		s := latest.Load()
		return s != nil && s.Channel.MaxTotalConnections == 2
	}, 3*time.Second, 20*time.Millisecond)
	assert.Equal(t, 2, l.Current().Channel.MaxTotalConnections)

	// 非法配置不替换当前配置
	writeFile(t, path, "backend:\n  type: etcd\n")
	require.Eventually(t, func() bool { return errs.Load() > 0 }, 3*time.Second, 20*time.Millisecond)
	assert.Equal(t, 2, l.Current().Channel.MaxTotalConnections)
}

func TestWatch_RequiresFile(t *testing.T) {
	l := New()
	_, err := l.Load()
	require.NoError(t, err)
	assert.ErrorIs(t, l.Watch(), ErrConfigNotFound)
}

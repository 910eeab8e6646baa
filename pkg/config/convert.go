package config

import (
	"time"

	"github.com/tokmz/chanlayer/pkg/auth"
	"github.com/tokmz/chanlayer/pkg/channel"
	"github.com/tokmz/chanlayer/pkg/logger"
	"github.com/tokmz/chanlayer/pkg/redisbackend"
	"github.com/tokmz/chanlayer/pkg/sink"
	"github.com/tokmz/chanlayer/pkg/tracing"
	"github.com/tokmz/chanlayer/pkg/ws"
)

// ChannelConfig 通道层配置
func (s *Settings) ChannelConfig() *channel.Config {
	c := s.Channel
	cfg := channel.DefaultConfig()
	cfg.HeartbeatInterval = c.HeartbeatInterval
	cfg.HeartbeatTimeout = c.HeartbeatTimeout
	cfg.MaxMessageSize = c.MaxMessageSize
	cfg.MaxConnectionsPerClient = c.MaxConnectionsPerClient
	cfg.MaxTotalConnections = c.MaxTotalConnections
	cfg.ChannelPrefix = c.ChannelPrefix
	cfg.RateLimit.Enabled = c.RateLimit.Enabled
	cfg.RateLimit.Messages = c.RateLimit.Messages
	cfg.RateLimit.Window = c.RateLimit.Window
	cfg.RateLimit.Burst = c.RateLimit.Burst
	cfg.RateLimit.IdleTTL = c.RateLimit.IdleTTL
	return cfg
}

// RedisConfig Redis 后端配置
func (s *Settings) RedisConfig() *redisbackend.Config {
	r := s.Backend.Redis
	cfg := redisbackend.DefaultConfig()
	cfg.Mode = redisbackend.Mode(r.Mode)
	cfg.Addr = r.Addr
	cfg.Addrs = r.Addrs
	cfg.Username = r.Username
	cfg.Password = r.Password
	cfg.DB = r.DB
	cfg.MasterName = r.MasterName
	cfg.KeyPrefix = r.KeyPrefix
	if r.PoolSize > 0 {
		cfg.PoolSize = r.PoolSize
	}
	cfg.QueueSize = s.Backend.QueueSize
	cfg.FanoutLimit = s.Backend.FanoutLimit
	return cfg
}

// MemoryOptions 内存后端选项
func (s *Settings) MemoryOptions(l logger.Logger) []channel.MemoryOption {
	return []channel.MemoryOption{
		channel.WithMemoryQueueSize(s.Backend.QueueSize),
		channel.WithMemoryFanoutLimit(s.Backend.FanoutLimit),
		channel.WithMemoryLogger(l),
	}
}

// WSConfig WebSocket 传输配置
func (s *Settings) WSConfig() *ws.Config {
	w := s.WS
	cfg := ws.DefaultConfig()
	opts := []ws.Option{
		ws.WithMaxMessageSize(w.MaxFrameSize),
		ws.WithPing(w.PingInterval, w.PongWait),
		ws.WithWriteWait(w.WriteWait),
		ws.WithQueueSize(w.SendQueueSize, w.HighPriorityQueueSize),
		ws.WithCompression(w.Compression),
	}
	switch {
	case w.AllowAllOrigins:
		opts = append(opts, ws.WithAllowAllOrigins())
	case len(w.AllowedOrigins) > 0:
		opts = append(opts, ws.WithAllowedOrigins(w.AllowedOrigins))
	}
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}

// AuthEnabled 是否配置了 JWT 密钥
func (s *Settings) AuthEnabled() bool {
	return s.Auth.JWTSecret != ""
}

// AuthConfig JWT 鉴权配置
func (s *Settings) AuthConfig() auth.Config {
	cfg := auth.DefaultConfig()
	cfg.Secret = s.Auth.JWTSecret
	cfg.Issuer = s.Auth.Issuer
	cfg.QueryParam = s.Auth.QueryParam
	cfg.AllowAnonymous = s.Auth.AllowAnonymous
	return cfg
}

// LoggerConfig 日志配置
func (s *Settings) LoggerConfig() (*logger.Config, error) {
	level, err := logger.ParseLevel(s.Log.Level)
	if err != nil {
		return nil, err
	}
	cfg := &logger.Config{
		Level:        level,
		Format:       logger.ParseFormat(s.Log.Format),
		Name:         "chanlayer",
		Console:      s.Log.Console,
		EnableCaller: true,
	}
	if s.Log.Sampling {
		cfg.Sampling = &logger.SamplingConfig{}
	}
	// 日志文件总是经由 lumberjack 轮转
	if s.Log.File != "" {
		cfg.Rotate = &logger.RotateConfig{
			Filename:   s.Log.File,
			MaxSize:    100,
			MaxBackups: 7,
			MaxAge:     30,
			Compress:   true,
		}
	}
	return cfg, nil
}

// TracingConfig 链路追踪配置
func (s *Settings) TracingConfig() *tracing.Config {
	t := s.Tracing
	cfg := tracing.DefaultConfig()
	cfg.Enabled = t.Enabled
	cfg.ExporterType = t.Exporter
	cfg.ExporterEndpoint = t.Endpoint
	cfg.Insecure = t.Insecure
	cfg.SamplingType = t.Sampler
	cfg.SamplingRate = t.SamplingRate
	cfg.Environment = t.Environment
	return cfg
}

// KafkaConfig Kafka 事件出口配置
func (s *Settings) KafkaConfig() sink.KafkaConfig {
	cfg := sink.DefaultKafkaConfig()
	cfg.Brokers = s.Events.Kafka.Brokers
	cfg.Topic = s.Events.Kafka.Topic
	return cfg
}

// AMQPConfig AMQP 事件出口配置
func (s *Settings) AMQPConfig() sink.AMQPConfig {
	cfg := sink.DefaultAMQPConfig()
	cfg.URL = s.Events.AMQP.URL
	cfg.Exchange = s.Events.AMQP.Exchange
	return cfg
}

// EventBusOptions 事件总线选项
func (s *Settings) EventBusOptions(l logger.Logger) []channel.EventBusOption {
	return []channel.EventBusOption{
		channel.WithEventWorkers(s.Events.Workers),
		channel.WithEventQueueSize(s.Events.QueueSize),
		channel.WithEventLogger(l),
	}
}

// ShutdownTimeout 优雅退出超时
func (s *Settings) ShutdownTimeout() time.Duration {
	if s.Server.ShutdownTimeout <= 0 {
		return 10 * time.Second
	}
	return s.Server.ShutdownTimeout
}

package channel

import (
	"fmt"
	"time"

	"github.com/tokmz/chanlayer/pkg/logger"
)

// Config 通道层运行参数（由外部配置注入，核心只读）
type Config struct {
	// 心跳
	HeartbeatInterval time.Duration // 探活间隔，同时作为投递循环的 Receive 超时
	HeartbeatTimeout  time.Duration // 超过该时长没有 pong 即强制断开

	// 消息
	MaxMessageSize int // 编码后的最大字节数

	// 连接数限制（0 表示不限制）
	MaxConnectionsPerClient int
	MaxTotalConnections     int

	// ChannelPrefix 连接通道名前缀
	ChannelPrefix string

	RateLimit RateLimitConfig
}

// RateLimitConfig 令牌桶参数
type RateLimitConfig struct {
	Enabled         bool
	Messages        int           // 每个窗口的令牌数
	Window          time.Duration // 窗口长度
	Burst           int           // 桶容量（0 表示等于 Messages）
	IdleTTL         time.Duration // 空闲键淘汰时间（0 表示永不淘汰）
	CleanupInterval time.Duration // 淘汰扫描间隔
}

// DefaultConfig 默认配置
func DefaultConfig() *Config {
	return &Config{
		HeartbeatInterval:       30 * time.Second,
		HeartbeatTimeout:        60 * time.Second,
		MaxMessageSize:          1024 * 1024,
		MaxConnectionsPerClient: 5,
		MaxTotalConnections:     10000,
		ChannelPrefix:           "ws",
		RateLimit: RateLimitConfig{
			Enabled:         false,
			Messages:        100,
			Window:          60 * time.Second,
			Burst:           100,
			IdleTTL:         10 * time.Minute,
			CleanupInterval: time.Minute,
		},
	}
}

// Validate 验证配置
func (c *Config) Validate() error {
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("%w: HeartbeatInterval must be positive, got %v", ErrInvalidConfig, c.HeartbeatInterval)
	}
	if c.HeartbeatTimeout <= c.HeartbeatInterval {
		return fmt.Errorf("%w: HeartbeatTimeout (%v) must be greater than HeartbeatInterval (%v)",
			ErrInvalidConfig, c.HeartbeatTimeout, c.HeartbeatInterval)
	}
	if c.MaxMessageSize <= 0 {
		return fmt.Errorf("%w: MaxMessageSize must be positive, got %d", ErrInvalidConfig, c.MaxMessageSize)
	}
	if c.MaxConnectionsPerClient < 0 || c.MaxTotalConnections < 0 {
		return fmt.Errorf("%w: connection limits must not be negative", ErrInvalidConfig)
	}
	if c.RateLimit.Enabled {
		if c.RateLimit.Messages <= 0 {
			return fmt.Errorf("%w: RateLimit.Messages must be positive, got %d", ErrInvalidConfig, c.RateLimit.Messages)
		}
		if c.RateLimit.Window <= 0 {
			return fmt.Errorf("%w: RateLimit.Window must be positive, got %v", ErrInvalidConfig, c.RateLimit.Window)
		}
		if c.RateLimit.Burst < 0 {
			return fmt.Errorf("%w: RateLimit.Burst must not be negative, got %d", ErrInvalidConfig, c.RateLimit.Burst)
		}
		if ttl, full := c.RateLimit.IdleTTL, c.RateLimit.refillTime(); ttl > 0 && ttl < full {
			return fmt.Errorf("%w: RateLimit.IdleTTL (%v) must cover a full refill (%v)", ErrInvalidConfig, ttl, full)
		}
	}
	return nil
}

// refillTime 空桶回满所需时间；淘汰早于它会让客户端提前拿回令牌
func (r RateLimitConfig) refillTime() time.Duration {
	burst := r.Burst
	if burst <= 0 {
		burst = r.Messages
	}
	return r.Window * time.Duration(burst) / time.Duration(r.Messages)
}

// options 管理器选项
type options struct {
	config  *Config
	logger  logger.Logger
	events  EventSink
	metrics Metrics
	now     func() time.Time
}

// Option 管理器选项函数
type Option func(*options)

// WithConfig 设置运行参数
func WithConfig(cfg *Config) Option {
	return func(o *options) {
		o.config = cfg
	}
}

// WithLogger 设置日志
func WithLogger(l logger.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithEvents 设置观测事件出口
func WithEvents(sink EventSink) Option {
	return func(o *options) {
		o.events = sink
	}
}

// WithMetrics 设置指标实现
func WithMetrics(m Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithClock 设置时钟（测试使用）
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

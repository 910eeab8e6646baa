package redisbackend

import (
	"fmt"
	"time"

	"github.com/tokmz/chanlayer/pkg/channel"
)

// Mode Redis 部署模式
type Mode string

const (
	ModeStandalone Mode = "standalone"
	ModeCluster    Mode = "cluster"
	ModeSentinel   Mode = "sentinel"
)

// Config Redis 后端配置
//
// standalone 使用 Addr；cluster 与 sentinel 使用 Addrs，sentinel 还需要 MasterName。
type Config struct {
	Mode       Mode
	Addr       string
	Addrs      []string
	MasterName string

	Username string
	Password string
	DB       int // cluster 模式下忽略

	PoolSize     int
	MinIdleConns int
	MaxRetries   int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// KeyPrefix 所有键和发布订阅频道的前缀
	KeyPrefix string
	// QueueSize 本节点每个通道的本地队列容量
	QueueSize int
	// FanoutLimit 组广播并发上限
	FanoutLimit int
}

// DefaultConfig 本地单机 Redis
func DefaultConfig() *Config {
	return &Config{
		Addr:         "localhost:6379",
		Mode:         ModeStandalone,
		PoolSize:     100,
		MinIdleConns: 10,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		KeyPrefix:    "chanlayer:",
		QueueSize:    channel.DefaultQueueSize,
		FanoutLimit:  channel.DefaultFanoutLimit,
	}
}

// Validate 校验部署模式与地址
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeStandalone, "":
		if c.Addr == "" {
			return fmt.Errorf("%w: redis addr is required for standalone mode", ErrInvalidConfig)
		}
	case ModeCluster:
		if len(c.Addrs) < 3 {
			return fmt.Errorf("%w: redis cluster requires at least 3 nodes", ErrInvalidConfig)
		}
	case ModeSentinel:
		if len(c.Addrs) == 0 {
			return fmt.Errorf("%w: redis sentinel requires at least 1 sentinel node", ErrInvalidConfig)
		}
		if c.MasterName == "" {
			return fmt.Errorf("%w: redis sentinel requires master name", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: invalid redis mode %q", ErrInvalidConfig, c.Mode)
	}
	if c.QueueSize <= 0 {
		return fmt.Errorf("%w: queue size must be positive", ErrInvalidConfig)
	}
	return nil
}

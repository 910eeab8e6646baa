package ws

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// Config WebSocket 传输配置
type Config struct {
	HandshakeTimeout time.Duration
	// MaxMessageSize 单帧读取上限，需不小于通道层的消息上限，超出时以 1009 关闭
	MaxMessageSize int64

	// 协议层保活：每 PingInterval 发送 ping，PongWait 内未读到任何帧则断开
	WriteWait    time.Duration
	PingInterval time.Duration
	PongWait     time.Duration

	SendQueueSize         int
	HighPriorityQueueSize int

	ReadBufferSize    int
	WriteBufferSize   int
	EnableCompression bool

	// Origin 校验：CheckOrigin 优先；否则 AllowedOrigins 非空时按白名单；否则要求同源
	CheckOrigin    func(*http.Request) bool
	AllowedOrigins []string
}

// DefaultConfig 默认配置
func DefaultConfig() *Config {
	return &Config{
		HandshakeTimeout:      10 * time.Second,
		MaxMessageSize:        4 << 20,
		WriteWait:             10 * time.Second,
		PingInterval:          54 * time.Second,
		PongWait:              60 * time.Second,
		SendQueueSize:         256,
		HighPriorityQueueSize: 64,
		ReadBufferSize:        1024,
		WriteBufferSize:       1024,
	}
}

// Validate 校验配置
func (c *Config) Validate() error {
	positive := []struct {
		name  string
		value int64
	}{
		{"handshake timeout", int64(c.HandshakeTimeout)},
		{"max message size", c.MaxMessageSize},
		{"write wait", int64(c.WriteWait)},
		{"ping interval", int64(c.PingInterval)},
		{"send queue size", int64(c.SendQueueSize)},
		{"high priority queue size", int64(c.HighPriorityQueueSize)},
		{"read buffer size", int64(c.ReadBufferSize)},
		{"write buffer size", int64(c.WriteBufferSize)},
	}
	for _, p := range positive {
		if p.value <= 0 {
			return fmt.Errorf("%w: %s must be positive", ErrInvalidConfig, p.name)
		}
	}
	if c.PongWait <= c.PingInterval {
		return fmt.Errorf("%w: pong wait %v must exceed ping interval %v", ErrInvalidConfig, c.PongWait, c.PingInterval)
	}
	return nil
}

// Option 配置选项
type Option func(*Config)

// WithMaxMessageSize 单帧读取上限
func WithMaxMessageSize(size int64) Option {
	return func(c *Config) { c.MaxMessageSize = size }
}

// WithPing 协议 ping 间隔与读超时
func WithPing(interval, pongWait time.Duration) Option {
	return func(c *Config) {
		c.PingInterval = interval
		c.PongWait = pongWait
	}
}

// WithWriteWait 单次写超时
func WithWriteWait(d time.Duration) Option {
	return func(c *Config) { c.WriteWait = d }
}

// WithQueueSize 普通与高优先级发送队列容量
func WithQueueSize(normal, high int) Option {
	return func(c *Config) {
		c.SendQueueSize = normal
		c.HighPriorityQueueSize = high
	}
}

// WithBufferSize 读写缓冲区
func WithBufferSize(read, write int) Option {
	return func(c *Config) {
		c.ReadBufferSize = read
		c.WriteBufferSize = write
	}
}

func WithCompression(enable bool) Option {
	return func(c *Config) { c.EnableCompression = enable }
}

// WithAllowedOrigins Origin 白名单，如 https://app.example.com
func WithAllowedOrigins(origins []string) Option {
	return func(c *Config) { c.AllowedOrigins = origins }
}

// WithAllowAllOrigins 不校验 Origin，用于非浏览器客户端或本地开发
func WithAllowAllOrigins() Option {
	return func(c *Config) {
		c.CheckOrigin = func(*http.Request) bool { return true }
	}
}

// sameOrigin 浏览器 Origin 的 host 需与请求 Host 一致；无 Origin 头视为非浏览器客户端
func sameOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}

// originWhitelist 白名单模式下拒绝缺少 Origin 的请求
func originWhitelist(origins []string) func(*http.Request) bool {
	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		allowed[strings.ToLower(strings.TrimRight(o, "/"))] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return false
		}
		_, ok := allowed[strings.ToLower(origin)]
		return ok
	}
}

func (c *Config) originChecker() func(*http.Request) bool {
	switch {
	case c.CheckOrigin != nil:
		return c.CheckOrigin
	case len(c.AllowedOrigins) > 0:
		return originWhitelist(c.AllowedOrigins)
	default:
		return sameOrigin
	}
}

func newUpgrader(c *Config) *websocket.Upgrader {
	return &websocket.Upgrader{
		HandshakeTimeout:  c.HandshakeTimeout,
		ReadBufferSize:    c.ReadBufferSize,
		WriteBufferSize:   c.WriteBufferSize,
		EnableCompression: c.EnableCompression,
		CheckOrigin:       c.originChecker(),
	}
}

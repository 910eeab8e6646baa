package channel

import (
	"math"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// Limiter 按键限流
type Limiter interface {
	Allow(key string) bool
}

// TokenBucket 按键令牌桶
//
// 每个窗口补充 rate 个令牌，容量为 burst；补充量向下取整，并且每次检查都会刷新检查时间。
type TokenBucket struct {
	rate   int
	window time.Duration
	burst  int
	now    func() time.Time

	idleTTL time.Duration

	mu    sync.Mutex
	store *gocache.Cache
}

type bucket struct {
	tokens    int
	lastCheck time.Time
}

// LimiterOption 令牌桶选项
type LimiterOption func(*limiterOptions)

type limiterOptions struct {
	now             func() time.Time
	idleTTL         time.Duration
	cleanupInterval time.Duration
}

// WithLimiterClock 设置时钟
func WithLimiterClock(now func() time.Time) LimiterOption {
	return func(o *limiterOptions) { o.now = now }
}

// WithIdleTTL 空闲超过 ttl 的键被淘汰，cleanup 为后台扫描间隔
func WithIdleTTL(ttl, cleanup time.Duration) LimiterOption {
	return func(o *limiterOptions) {
		o.idleTTL = ttl
		o.cleanupInterval = cleanup
	}
}

// NewTokenBucket 创建令牌桶；burst <= 0 时取 rate
func NewTokenBucket(rate int, window time.Duration, burst int, opts ...LimiterOption) *TokenBucket {
	o := &limiterOptions{now: time.Now}
	for _, opt := range opts {
		opt(o)
	}
	if burst <= 0 {
		burst = rate
	}
	return &TokenBucket{
		rate:    rate,
		window:  window,
		burst:   burst,
		now:     o.now,
		idleTTL: o.idleTTL,
		store:   gocache.New(gocache.NoExpiration, o.cleanupInterval),
	}
}

// NewTokenBucketFromConfig 按配置创建令牌桶
func NewTokenBucketFromConfig(cfg RateLimitConfig, opts ...LimiterOption) *TokenBucket {
	base := []LimiterOption{WithIdleTTL(cfg.IdleTTL, cfg.CleanupInterval)}
	return NewTokenBucket(cfg.Messages, cfg.Window, cfg.Burst, append(base, opts...)...)
}

// Allow 消耗一个令牌，桶空时返回 false
func (b *TokenBucket) Allow(key string) bool {
	now := b.now()

	b.mu.Lock()
	defer b.mu.Unlock()

	v, ok := b.store.Get(key)
	if !ok {
		b.store.Set(key, &bucket{tokens: b.burst - 1, lastCheck: now}, b.expiration())
		return true
	}

	bk := v.(*bucket)
	elapsed := now.Sub(bk.lastCheck).Seconds()
	if elapsed < 0 {
		elapsed = 0
	}
	refill := int(math.Floor(elapsed * float64(b.rate) / b.window.Seconds()))
	tokens := min(b.burst, bk.tokens+refill)

	bk.lastCheck = now
	allowed := tokens > 0
	if allowed {
		bk.tokens = tokens - 1
	} else {
		bk.tokens = 0
	}
	// 重新 Set 刷新空闲过期时间
	b.store.Set(key, bk, b.expiration())
	return allowed
}

// Tokens 当前剩余令牌（不触发补充），未知键返回 burst
func (b *TokenBucket) Tokens(key string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if v, ok := b.store.Get(key); ok {
		return v.(*bucket).tokens
	}
	return b.burst
}

// Reset 删除键
func (b *TokenBucket) Reset(key string) {
	b.store.Delete(key)
}

// Len 跟踪中的键数量
func (b *TokenBucket) Len() int {
	return b.store.ItemCount()
}

func (b *TokenBucket) expiration() time.Duration {
	if b.idleTTL <= 0 {
		return gocache.NoExpiration
	}
	return b.idleTTL
}

package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	chanerr "github.com/tokmz/chanlayer/pkg/errors"
	"github.com/tokmz/chanlayer/pkg/logger"
)

// Middleware 入站消息处理阶段
//
// 返回 (nil, nil) 表示静默丢弃；返回类型化错误会以错误响应回给发起连接。
type Middleware interface {
	Process(ctx context.Context, msg *Message, conn *Connection, consumer *Consumer) (*Message, error)
}

// MiddlewareFunc 函数适配器
type MiddlewareFunc func(ctx context.Context, msg *Message, conn *Connection, consumer *Consumer) (*Message, error)

// Process 实现 Middleware
func (f MiddlewareFunc) Process(ctx context.Context, msg *Message, conn *Connection, consumer *Consumer) (*Message, error) {
	return f(ctx, msg, conn, consumer)
}

// Pipeline 按顺序执行的中间件链
type Pipeline struct {
	stages []Middleware
}

// NewPipeline 创建中间件链
func NewPipeline(stages ...Middleware) *Pipeline {
	return &Pipeline{stages: stages}
}

// Use 追加阶段
func (p *Pipeline) Use(stages ...Middleware) *Pipeline {
	p.stages = append(p.stages, stages...)
	return p
}

// Len 阶段数
func (p *Pipeline) Len() int {
	return len(p.stages)
}

// Process 依次执行各阶段；任一阶段出错或丢弃即短路
func (p *Pipeline) Process(ctx context.Context, msg *Message, conn *Connection, consumer *Consumer) (*Message, error) {
	cur := msg
	for _, stage := range p.stages {
		next, err := stage.Process(ctx, cur, conn, consumer)
		if err != nil {
			return nil, err
		}
		if next == nil {
			return nil, nil
		}
		cur = next
	}
	return cur, nil
}

// NewDefaultPipeline 默认链：认证 → 限流 → 校验 → 日志
func NewDefaultPipeline(cfg *Config, l logger.Logger, limiter Limiter) *Pipeline {
	if l == nil {
		l = logger.NewNop()
	}
	return NewPipeline(
		NewAuthenticationMiddleware(l),
		NewRateLimitMiddleware(limiter, cfg.RateLimit.Enabled, l),
		NewValidationMiddleware(cfg.MaxMessageSize),
		NewLoggingMiddleware(l),
	)
}

// AuthenticationMiddleware 未认证连接只能发送握手与心跳消息
type AuthenticationMiddleware struct {
	logger logger.Logger
	exempt map[string]struct{}
}

// NewAuthenticationMiddleware 创建认证阶段
func NewAuthenticationMiddleware(l logger.Logger) *AuthenticationMiddleware {
	return &AuthenticationMiddleware{
		logger: l,
		exempt: map[string]struct{}{TypePing: {}, TypePong: {}, TypeConnect: {}},
	}
}

// Process 实现 Middleware
func (m *AuthenticationMiddleware) Process(ctx context.Context, msg *Message, conn *Connection, _ *Consumer) (*Message, error) {
	if _, ok := m.exempt[msg.Type]; ok {
		return msg, nil
	}
	if conn.IsAuthenticated() {
		return msg, nil
	}
	m.logger.WarnContext(ctx, "unauthenticated message rejected",
		zap.String("connection_id", conn.ChannelName()),
		zap.String("type", msg.Type),
	)
	return nil, chanerr.NewAuthenticationError("Authentication required", &chanerr.Context{
		ConnectionID: conn.ChannelName(),
		MessageType:  msg.Type,
		Component:    "authentication_middleware",
	})
}

// ValidationMiddleware 校验消息大小并丢弃过期消息
type ValidationMiddleware struct {
	maxSize int
	now     func() time.Time
}

// NewValidationMiddleware 创建校验阶段
func NewValidationMiddleware(maxSize int) *ValidationMiddleware {
	return &ValidationMiddleware{maxSize: maxSize, now: time.Now}
}

// WithClock 设置时钟
func (m *ValidationMiddleware) WithClock(now func() time.Time) *ValidationMiddleware {
	m.now = now
	return m
}

// Process 实现 Middleware
func (m *ValidationMiddleware) Process(_ context.Context, msg *Message, conn *Connection, _ *Consumer) (*Message, error) {
	ectx := &chanerr.Context{
		UserID:       conn.UserID(),
		ConnectionID: conn.ChannelName(),
		MessageType:  msg.Type,
		Component:    "validation_middleware",
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return nil, chanerr.NewValidationError(fmt.Sprintf("Validation failed: %v", err), ectx).
			WithDetail("original_error", err.Error()).
			WithError(err)
	}
	if m.maxSize > 0 && len(data) > m.maxSize {
		ectx.Extra = map[string]any{"message_size": len(data), "max_size": m.maxSize}
		return nil, chanerr.ErrMessageTooLarge.
			WithMessagef("Message too large: %d bytes (max: %d)", len(data), m.maxSize).
			WithContext(ectx)
	}
	if msg.ExpiredAt(m.now()) {
		return nil, nil
	}
	return msg, nil
}

// RateLimitMiddleware 按连接通道名限流
type RateLimitMiddleware struct {
	limiter Limiter
	enabled bool
	logger  logger.Logger
	exempt  map[string]struct{}
}

// NewRateLimitMiddleware 创建限流阶段；未启用或 limiter 为空时全部放行
func NewRateLimitMiddleware(limiter Limiter, enabled bool, l logger.Logger) *RateLimitMiddleware {
	return &RateLimitMiddleware{
		limiter: limiter,
		enabled: enabled && limiter != nil,
		logger:  l,
		exempt:  map[string]struct{}{TypePing: {}, TypePong: {}},
	}
}

// Process 实现 Middleware
func (m *RateLimitMiddleware) Process(ctx context.Context, msg *Message, conn *Connection, _ *Consumer) (*Message, error) {
	if !m.enabled {
		return msg, nil
	}
	if _, ok := m.exempt[msg.Type]; ok {
		return msg, nil
	}
	key := conn.ChannelName()
	if m.limiter.Allow(key) {
		return msg, nil
	}
	m.logger.WarnContext(ctx, "rate limit exceeded",
		zap.String("connection_id", key),
		zap.String("type", msg.Type),
	)
	return nil, chanerr.NewRateLimitError("Rate limit exceeded", &chanerr.Context{
		UserID:       conn.UserID(),
		ConnectionID: key,
		MessageType:  msg.Type,
		Component:    "rate_limit_middleware",
		Extra:        map[string]any{"rate_limit_key": key},
	})
}

// LoggingMiddleware 只记录，不修改消息
//
// 未设置事件出口时经由管理器的出口发出 message.received。
type LoggingMiddleware struct {
	logger logger.Logger
	events EventSink
}

// NewLoggingMiddleware 创建日志阶段
func NewLoggingMiddleware(l logger.Logger) *LoggingMiddleware {
	return &LoggingMiddleware{logger: l}
}

// WithEvents 设置事件出口
func (m *LoggingMiddleware) WithEvents(sink EventSink) *LoggingMiddleware {
	m.events = sink
	return m
}

// Process 实现 Middleware
func (m *LoggingMiddleware) Process(ctx context.Context, msg *Message, conn *Connection, consumer *Consumer) (*Message, error) {
	m.logger.DebugContext(ctx, "message received",
		zap.String("connection_id", conn.ChannelName()),
		zap.String("user_id", conn.UserID()),
		zap.String("type", msg.Type),
		zap.String("group", msg.Group),
		zap.Int("data_size", len(msg.Data)),
	)

	ev := Event{
		Type:         EventMessageReceived,
		ConnectionID: conn.ChannelName(),
		UserID:       conn.UserID(),
		Group:        msg.Group,
		MessageType:  msg.Type,
	}
	switch {
	case m.events != nil:
		ev.Time = time.Now()
		if err := m.events.Emit(ctx, ev); err != nil {
			m.logger.Debug("emit event failed", zap.String("event", string(ev.Type)), zap.Error(err))
		}
	case consumer != nil && consumer.Manager() != nil:
		consumer.Manager().emit(ctx, ev)
	}
	return msg, nil
}

package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	chanerr "github.com/tokmz/chanlayer/pkg/errors"
	"github.com/tokmz/chanlayer/pkg/logger"
)

// Hooks 应用层回调
type Hooks interface {
	OnConnect(ctx context.Context, c *Consumer) error
	OnDisconnect(ctx context.Context, c *Consumer, code int) error
	OnReceive(ctx context.Context, c *Consumer, msg *Message) error
}

// BaseHooks 空实现，嵌入后只覆盖需要的方法
type BaseHooks struct{}

func (BaseHooks) OnConnect(context.Context, *Consumer) error { return nil }
func (BaseHooks) OnDisconnect(context.Context, *Consumer, int) error { return nil }
func (BaseHooks) OnReceive(context.Context, *Consumer, *Message) error { return nil }

// Consumer 把单个连接的入站帧分发到中间件链和应用回调
type Consumer struct {
	conn     *Connection
	manager  *ConnectionManager
	hooks    Hooks
	pipeline *Pipeline
	logger   logger.Logger
	tracer   trace.Tracer
	now      func() time.Time

	disconnectOnce sync.Once
}

// ConsumerOption 选项
type ConsumerOption func(*Consumer)

// WithPipeline 设置中间件链
func WithPipeline(p *Pipeline) ConsumerOption {
	return func(c *Consumer) { c.pipeline = p }
}

// WithConsumerLogger 设置日志
func WithConsumerLogger(l logger.Logger) ConsumerOption {
	return func(c *Consumer) { c.logger = l }
}

// WithTracerProvider 设置 TracerProvider
func WithTracerProvider(tp trace.TracerProvider) ConsumerOption {
	return func(c *Consumer) { c.tracer = tp.Tracer(tracerName) }
}

// NewConsumer 创建分发器；未设置中间件链时使用空链
func NewConsumer(conn *Connection, manager *ConnectionManager, hooks Hooks, opts ...ConsumerOption) *Consumer {
	if hooks == nil {
		hooks = BaseHooks{}
	}
	c := &Consumer{
		conn:     conn,
		manager:  manager,
		hooks:    hooks,
		pipeline: NewPipeline(),
		logger:   manager.logger,
		tracer:   defaultTracer(),
		now:      manager.now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connection 所属连接
func (c *Consumer) Connection() *Connection { return c.conn }

// ChannelName 所属连接的通道名
func (c *Consumer) ChannelName() string { return c.conn.ChannelName() }

// Manager 连接管理器
func (c *Consumer) Manager() *ConnectionManager { return c.manager }

// Logger 日志
func (c *Consumer) Logger() logger.Logger { return c.logger }

// Identify 为连接绑定用户
func (c *Consumer) Identify(ctx context.Context, userID string) error {
	return c.manager.Identify(ctx, c.conn.ChannelName(), userID)
}

// Connect 调用连接回调；回调返回类型化错误时先回错误响应
func (c *Consumer) Connect(ctx context.Context) error {
	ctx = c.withIDs(ctx)
	err := c.hooks.OnConnect(ctx, c)
	if err == nil {
		return nil
	}
	if te, ok := chanerr.AsTyped(err); ok {
		if sendErr := c.SendError(ctx, te); sendErr != nil {
			c.logger.DebugContext(ctx, "send error response failed", zap.Error(sendErr))
		}
	}
	return err
}

// HandleMessage 处理一帧入站文本
//
// 类型化错误会以错误响应回给本连接并返回 nil；其他错误原样返回，调用方应断开连接。
func (c *Consumer) HandleMessage(ctx context.Context, raw []byte) error {
	ctx = c.withIDs(ctx)
	ctx, span := c.tracer.Start(ctx, "channel.dispatch",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("channel.connection_id", c.conn.ChannelName()),
			attribute.Int("channel.message_size", len(raw)),
		),
	)
	defer span.End()

	start := c.now()
	parsed, err := DecodeEnvelope(raw)
	if err != nil {
		verr := chanerr.ErrInvalidJSON.
			WithContext(c.errorContext("", "consumer")).
			WithDetail("parse_error", err.Error()).
			WithError(err)
		return c.reject(ctx, span, verr)
	}
	span.SetAttributes(attribute.String("channel.message_type", parsed.Type))

	if parsed.Type == TypePong {
		c.conn.UpdateHeartbeat()
		return nil
	}

	msg := &Message{
		Type:      parsed.Type,
		Data:      parsed.Data,
		SenderID:  c.conn.ChannelName(),
		Group:     parsed.Group,
		Metadata:  parsed.Metadata,
		Priority:  parsed.Priority,
		TTL:       parsed.TTL,
		CreatedAt: start,
	}
	c.conn.RecordReceived(len(raw))
	c.conn.UpdateActivity()
	c.manager.metrics.MessageReceived(msg.Type)

	out, err := c.pipeline.Process(ctx, msg, c.conn, c)
	if err != nil {
		return c.handleError(ctx, span, err)
	}
	if out == nil {
		c.manager.metrics.MessageDropped("pipeline")
		c.manager.emit(ctx, Event{Type: EventMessageDropped, ConnectionID: c.conn.ChannelName(), MessageType: msg.Type})
		return nil
	}

	if err := c.hooks.OnReceive(ctx, c, out); err != nil {
		return c.handleError(ctx, span, err)
	}
	c.manager.metrics.DispatchLatency(out.Type, c.now().Sub(start))
	return nil
}

func (c *Consumer) handleError(ctx context.Context, span trace.Span, err error) error {
	if te, ok := chanerr.AsTyped(err); ok {
		return c.reject(ctx, span, te)
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	c.logger.ErrorContext(ctx, "message handling failed", zap.Error(err))
	return err
}

// reject 把类型化错误回给发起连接
func (c *Consumer) reject(ctx context.Context, span trace.Span, e *chanerr.Error) error {
	span.AddEvent("rejected", trace.WithAttributes(
		attribute.String("error.code", e.Code),
		attribute.String("error.kind", string(e.Kind)),
	))
	c.manager.metrics.MessageRejected(e.Code)
	c.manager.emit(ctx, Event{
		Type:         EventMessageRejected,
		ConnectionID: c.conn.ChannelName(),
		UserID:       c.conn.UserID(),
		Fields:       map[string]any{"code": e.Code},
	})
	if err := c.SendError(ctx, e); err != nil {
		return fmt.Errorf("send error response: %w", err)
	}
	return nil
}

func (c *Consumer) errorContext(msgType, component string) *chanerr.Context {
	return &chanerr.Context{
		UserID:       c.conn.UserID(),
		ConnectionID: c.conn.ChannelName(),
		MessageType:  msgType,
		Component:    component,
	}
}

func (c *Consumer) withIDs(ctx context.Context) context.Context {
	ctx = logger.WithConnectionID(ctx, c.conn.ChannelName())
	if uid := c.conn.UserID(); uid != "" {
		ctx = logger.WithUserID(ctx, uid)
	}
	return ctx
}

// Send 直接发送给本连接
func (c *Consumer) Send(ctx context.Context, msg *Message) error {
	return c.conn.Send(ctx, msg)
}

// SendJSON 发送任意对象；对象为 map 且带 type 字段时作为消息类型
func (c *Consumer) SendJSON(ctx context.Context, data any) error {
	typ := TypeMessage
	if m, ok := data.(map[string]any); ok {
		if t, ok := m["type"].(string); ok && t != "" {
			typ = t
		}
	}
	msg, err := NewMessage(typ, data, WithSender(c.conn.ChannelName()))
	if err != nil {
		return err
	}
	return c.conn.Send(ctx, msg)
}

// SendError 发送错误响应
func (c *Consumer) SendError(ctx context.Context, e *chanerr.Error) error {
	data, err := e.Response().Bytes()
	if err != nil {
		return err
	}
	return c.conn.SendRaw(ctx, data, PriorityHigh)
}

// JoinGroup 加入组
func (c *Consumer) JoinGroup(ctx context.Context, group string) error {
	return c.manager.JoinGroup(ctx, c.conn.ChannelName(), group)
}

// LeaveGroup 离开组
func (c *Consumer) LeaveGroup(ctx context.Context, group string) error {
	return c.manager.LeaveGroup(ctx, c.conn.ChannelName(), group)
}

// SendToGroup 向组广播，发送者设为本连接
func (c *Consumer) SendToGroup(ctx context.Context, group string, msg *Message) (GroupSendResult, error) {
	out := msg.Clone(WithSender(c.conn.ChannelName()), WithGroup(group))
	return c.manager.SendGroup(ctx, group, out)
}

// Disconnect 调用断开回调后交给管理器清理；只执行一次
func (c *Consumer) Disconnect(ctx context.Context, code int) error {
	var err error
	c.disconnectOnce.Do(func() {
		ctx = c.withIDs(ctx)
		hookErr := c.hooks.OnDisconnect(ctx, c, code)
		if hookErr != nil {
			c.logger.WarnContext(ctx, "disconnect hook failed", zap.Error(hookErr))
		}
		err = errors.Join(hookErr, c.manager.Disconnect(ctx, c.conn.ChannelName(), code))
	})
	return err
}

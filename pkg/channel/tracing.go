package channel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "chanlayer.channel"

func defaultTracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// tracedBackend 链路追踪后端装饰器（Receive 为长轮询，不追踪）
type tracedBackend struct {
	Backend
	tracer trace.Tracer
}

// NewTracedBackend 创建带链路追踪的后端
func NewTracedBackend(b Backend, tp trace.TracerProvider) Backend {
	tracer := defaultTracer()
	if tp != nil {
		tracer = tp.Tracer(tracerName)
	}
	return &tracedBackend{Backend: b, tracer: tracer}
}

// wrapOperation 包装操作，自动处理 Span
func (t *tracedBackend) wrapOperation(
	ctx context.Context,
	operation string,
	attrs []attribute.KeyValue,
	fn func(ctx context.Context) error,
) error {
	ctx, span := t.tracer.Start(ctx, operation, trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	span.SetAttributes(attrs...)
	span.SetAttributes(attribute.String("channel.operation", operation))

	start := time.Now()
	err := fn(ctx)
	span.SetAttributes(attribute.Int64("channel.duration_ms", time.Since(start).Milliseconds()))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	span.SetStatus(codes.Ok, "")
	return nil
}

func channelAttr(channel string) []attribute.KeyValue {
	return []attribute.KeyValue{attribute.String("channel.name", channel)}
}

func groupAttrs(group, channel string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("channel.group", group),
		attribute.String("channel.name", channel),
	}
}

// Publish 投递（带链路追踪）
func (t *tracedBackend) Publish(ctx context.Context, channel string, msg *Message) error {
	attrs := append(channelAttr(channel), attribute.String("channel.message_type", msg.Type))
	return t.wrapOperation(ctx, "backend.Publish", attrs, func(ctx context.Context) error {
		return t.Backend.Publish(ctx, channel, msg)
	})
}

// Subscribe 订阅（带链路追踪）
func (t *tracedBackend) Subscribe(ctx context.Context, channel string) error {
	return t.wrapOperation(ctx, "backend.Subscribe", channelAttr(channel), func(ctx context.Context) error {
		return t.Backend.Subscribe(ctx, channel)
	})
}

// Unsubscribe 取消订阅（带链路追踪）
func (t *tracedBackend) Unsubscribe(ctx context.Context, channel string) error {
	return t.wrapOperation(ctx, "backend.Unsubscribe", channelAttr(channel), func(ctx context.Context) error {
		return t.Backend.Unsubscribe(ctx, channel)
	})
}

// GroupAdd 加组（带链路追踪）
func (t *tracedBackend) GroupAdd(ctx context.Context, group, channel string) error {
	return t.wrapOperation(ctx, "backend.GroupAdd", groupAttrs(group, channel), func(ctx context.Context) error {
		return t.Backend.GroupAdd(ctx, group, channel)
	})
}

// GroupDiscard 退组（带链路追踪）
func (t *tracedBackend) GroupDiscard(ctx context.Context, group, channel string) error {
	return t.wrapOperation(ctx, "backend.GroupDiscard", groupAttrs(group, channel), func(ctx context.Context) error {
		return t.Backend.GroupDiscard(ctx, group, channel)
	})
}

// GroupSend 组广播（带链路追踪）
func (t *tracedBackend) GroupSend(ctx context.Context, group string, msg *Message) (GroupSendResult, error) {
	var result GroupSendResult
	attrs := []attribute.KeyValue{
		attribute.String("channel.group", group),
		attribute.String("channel.message_type", msg.Type),
	}
	err := t.wrapOperation(ctx, "backend.GroupSend", attrs, func(ctx context.Context) error {
		var err error
		result, err = t.Backend.GroupSend(ctx, group, msg)
		trace.SpanFromContext(ctx).SetAttributes(
			attribute.Int("channel.group_total", result.Total),
			attribute.Int("channel.group_failed", result.Failed),
		)
		return err
	})
	return result, err
}

// NewChannel 分配通道名（带链路追踪）
func (t *tracedBackend) NewChannel(ctx context.Context, prefix string) (string, error) {
	var name string
	err := t.wrapOperation(ctx, "backend.NewChannel", nil, func(ctx context.Context) error {
		var err error
		name, err = t.Backend.NewChannel(ctx, prefix)
		trace.SpanFromContext(ctx).SetAttributes(attribute.String("channel.name", name))
		return err
	})
	return name, err
}

// AddConnection 注册连接（带链路追踪）
func (t *tracedBackend) AddConnection(ctx context.Context, entry RegistryEntry) error {
	return t.wrapOperation(ctx, "backend.AddConnection", channelAttr(entry.ConnectionID), func(ctx context.Context) error {
		return t.Backend.AddConnection(ctx, entry)
	})
}

// RemoveConnection 注销连接（带链路追踪）
func (t *tracedBackend) RemoveConnection(ctx context.Context, connectionID, userID string) error {
	return t.wrapOperation(ctx, "backend.RemoveConnection", channelAttr(connectionID), func(ctx context.Context) error {
		return t.Backend.RemoveConnection(ctx, connectionID, userID)
	})
}

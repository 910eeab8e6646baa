package channel

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/tokmz/chanlayer/pkg/logger"
)

// EventType 观测事件类型
type EventType string

const (
	EventConnectionOpened     EventType = "connection.opened"
	EventConnectionClosed     EventType = "connection.closed"
	EventConnectionIdentified EventType = "connection.identified"
	EventGroupJoined          EventType = "group.joined"
	EventGroupLeft            EventType = "group.left"
	EventGroupSend            EventType = "group.send"
	EventMessageReceived      EventType = "message.received"
	EventMessageDropped       EventType = "message.dropped"
	EventMessageRejected      EventType = "message.rejected"
	EventHeartbeatTimeout     EventType = "heartbeat.timeout"
)

// Event 观测事件
type Event struct {
	Type         EventType      `json:"type"`
	ConnectionID string         `json:"connection_id,omitempty"`
	UserID       string         `json:"user_id,omitempty"`
	Group        string         `json:"group,omitempty"`
	MessageType  string         `json:"message_type,omitempty"`
	Fields       map[string]any `json:"fields,omitempty"`
	Time         time.Time      `json:"time"`
}

// EventSink 观测事件出口
type EventSink interface {
	Emit(ctx context.Context, ev Event) error
}

// EventSinkFunc 函数适配器
type EventSinkFunc func(ctx context.Context, ev Event) error

// Emit 实现 EventSink
func (f EventSinkFunc) Emit(ctx context.Context, ev Event) error {
	return f(ctx, ev)
}

// nopSink 丢弃所有事件
type nopSink struct{}

func (nopSink) Emit(context.Context, Event) error { return nil }

// LogSink 以 debug 级别写日志的事件出口
type LogSink struct {
	logger logger.Logger
}

// NewLogSink 创建日志事件出口
func NewLogSink(l logger.Logger) *LogSink {
	return &LogSink{logger: l}
}

// Emit 实现 EventSink
func (s *LogSink) Emit(ctx context.Context, ev Event) error {
	fields := []zap.Field{
		zap.String("event", string(ev.Type)),
		zap.Time("time", ev.Time),
	}
	if ev.ConnectionID != "" {
		fields = append(fields, zap.String("connection_id", ev.ConnectionID))
	}
	if ev.UserID != "" {
		fields = append(fields, zap.String("user_id", ev.UserID))
	}
	if ev.Group != "" {
		fields = append(fields, zap.String("group", ev.Group))
	}
	if ev.MessageType != "" {
		fields = append(fields, zap.String("message_type", ev.MessageType))
	}
	for k, v := range ev.Fields {
		fields = append(fields, zap.Any(k, v))
	}
	s.logger.DebugContext(ctx, "channel event", fields...)
	return nil
}

// EventBus 异步事件总线：固定数量的 worker 把事件分发给所有出口
type EventBus struct {
	mu      sync.RWMutex
	sinks   []EventSink
	queue   chan Event
	stopCh  chan struct{}
	wg      sync.WaitGroup
	closed  atomic.Bool
	dropped atomic.Int64
	logger  logger.Logger
}

// EventBusOption 事件总线选项
type EventBusOption func(*eventBusConfig)

type eventBusConfig struct {
	workers   int
	queueSize int
	logger    logger.Logger
}

// WithEventWorkers 设置 worker 数量
func WithEventWorkers(n int) EventBusOption {
	return func(c *eventBusConfig) { c.workers = n }
}

// WithEventQueueSize 设置缓冲队列大小
func WithEventQueueSize(n int) EventBusOption {
	return func(c *eventBusConfig) { c.queueSize = n }
}

// WithEventLogger 设置日志
func WithEventLogger(l logger.Logger) EventBusOption {
	return func(c *eventBusConfig) { c.logger = l }
}

// NewEventBus 创建事件总线
func NewEventBus(opts ...EventBusOption) *EventBus {
	cfg := &eventBusConfig{workers: 4, queueSize: 1024, logger: logger.NewNop()}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.workers <= 0 {
		cfg.workers = 1
	}
	if cfg.queueSize <= 0 {
		cfg.queueSize = 1
	}

	b := &EventBus{
		queue:  make(chan Event, cfg.queueSize),
		stopCh: make(chan struct{}),
		logger: cfg.logger,
	}
	for i := 0; i < cfg.workers; i++ {
		b.wg.Add(1)
		go b.worker()
	}
	return b
}

// AddSink 注册出口
func (b *EventBus) AddSink(sinks ...EventSink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sinks = append(b.sinks, sinks...)
}

func (b *EventBus) worker() {
	defer b.wg.Done()
	for {
		select {
		case ev := <-b.queue:
			b.dispatch(ev)
		case <-b.stopCh:
			// 关闭前把已排队的事件发完
			for {
				select {
				case ev := <-b.queue:
					b.dispatch(ev)
				default:
					return
				}
			}
		}
	}
}

func (b *EventBus) dispatch(ev Event) {
	b.mu.RLock()
	sinks := b.sinks
	b.mu.RUnlock()
	for _, s := range sinks {
		if err := s.Emit(context.Background(), ev); err != nil {
			b.logger.Warn("event sink failed", zap.String("event", string(ev.Type)), zap.Error(err))
		}
	}
}

// Emit 入队事件（异步）；连接打开/关闭事件最多等待 100ms，其余事件队列满时直接丢弃
func (b *EventBus) Emit(_ context.Context, ev Event) error {
	if b.closed.Load() {
		return nil
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	if ev.Type == EventConnectionOpened || ev.Type == EventConnectionClosed {
		t := time.NewTimer(100 * time.Millisecond)
		defer t.Stop()
		select {
		case b.queue <- ev:
		case <-t.C:
			b.dropped.Add(1)
		}
		return nil
	}

	select {
	case b.queue <- ev:
	default:
		b.dropped.Add(1)
	}
	return nil
}

// Close 停止 worker，已排队的事件会被发完
func (b *EventBus) Close() {
	if b.closed.Swap(true) {
		return
	}
	close(b.stopCh)
	b.wg.Wait()
}

// Dropped 丢弃的事件数
func (b *EventBus) Dropped() int64 {
	return b.dropped.Load()
}

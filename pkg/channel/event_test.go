package channel

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/tokmz/chanlayer/pkg/logger"
)

func TestEventBus_DeliversToAllSinks(t *testing.T) {
	bus := NewEventBus(WithEventWorkers(2))

	var (
		mu   sync.Mutex
		a, b []EventType
	)
	bus.AddSink(
		EventSinkFunc(func(_ context.Context, ev Event) error {
			mu.Lock()
			a = append(a, ev.Type)
			mu.Unlock()
			return nil
		}),
		EventSinkFunc(func(_ context.Context, ev Event) error {
			mu.Lock()
			b = append(b, ev.Type)
			mu.Unlock()
			return errors.New("sink offline")
		}),
	)

	require.NoError(t, bus.Emit(context.Background(), Event{Type: EventGroupJoined}))
	require.NoError(t, bus.Emit(context.Background(), Event{Type: EventConnectionOpened}))
	bus.Close()

	mu.Lock()
	defer mu.Unlock()
	assert.ElementsMatch(t, []EventType{EventGroupJoined, EventConnectionOpened}, a)
	assert.ElementsMatch(t, []EventType{EventGroupJoined, EventConnectionOpened}, b)
}

func TestEventBus_DropsWhenFull(t *testing.T) {
	block := make(chan struct{})
	bus := NewEventBus(WithEventWorkers(1), WithEventQueueSize(1))
	bus.AddSink(EventSinkFunc(func(context.Context, Event) error {
		<-block
		return nil
	}))

	for i := 0; i < 10; i++ {
		_ = bus.Emit(context.Background(), Event{Type: EventMessageDropped})
	}
	assert.Positive(t, bus.Dropped())

	close(block)
	bus.Close()

	// 关闭后的事件被忽略
	require.NoError(t, bus.Emit(context.Background(), Event{Type: EventMessageDropped}))
}

func TestLogSink(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	sink := NewLogSink(logger.NewFromZap(zap.New(core)))

	require.NoError(t, sink.Emit(context.Background(), Event{
		Type:         EventGroupJoined,
		ConnectionID: "ws.1.1",
		Group:        "room",
		Time:         time.Now(),
	}))

	entries := logs.FilterMessage("channel event").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "group.joined", fields["event"])
	assert.Equal(t, "room", fields["group"])
}

package sink

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokmz/chanlayer/pkg/channel"
)

func testEvent() channel.Event {
	return channel.Event{
		Type:         channel.EventGroupJoined,
		ConnectionID: "ws.1.1",
		UserID:       "u1",
		Group:        "room",
		Time:         time.Unix(1700000000, 0).UTC(),
	}
}

func TestKafkaSink_Emit(t *testing.T) {
	producer := mocks.NewSyncProducer(t, sarama.NewConfig())
	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var ev channel.Event
		if err := json.Unmarshal(val, &ev); err != nil {
			return err
		}
		if ev.Type != channel.EventGroupJoined || ev.Group != "room" {
			return errors.New("unexpected event payload")
		}
		return nil
	})
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	s := NewKafkaSinkWithProducer(producer, "events")
	require.NoError(t, s.Emit(context.Background(), testEvent()))

	err := s.Emit(context.Background(), testEvent())
	assert.ErrorIs(t, err, ErrPublish)
	assert.ErrorIs(t, err, sarama.ErrOutOfBrokers)

	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.Emit(context.Background(), testEvent()), ErrClosed)
	assert.NoError(t, s.Close())
}

func TestKafkaConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultKafkaConfig().Validate())

	cfg := DefaultKafkaConfig()
	cfg.Brokers = nil
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)

	cfg = DefaultKafkaConfig()
	cfg.Topic = ""
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)

	sc := DefaultKafkaConfig().saramaConfig()
	assert.True(t, sc.Producer.Return.Successes)
}

type published struct {
	exchange string
	key      string
	msg      amqp.Publishing
	deadline bool
}

type fakePublisher struct {
	mu   sync.Mutex
	sent []published
	err  error
}

func (p *fakePublisher) PublishWithContext(ctx context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	_, ok := ctx.Deadline()
	p.sent = append(p.sent, published{exchange: exchange, key: key, msg: msg, deadline: ok})
	return nil
}

func TestAMQPSink_Emit(t *testing.T) {
	pub := &fakePublisher{}
	s := NewAMQPSinkWithPublisher(pub, DefaultAMQPConfig())

	require.NoError(t, s.Emit(context.Background(), testEvent()))
	require.Len(t, pub.sent, 1)

	got := pub.sent[0]
	assert.Equal(t, "chanlayer.events", got.exchange)
	assert.Equal(t, "chanlayer.group.joined", got.key)
	assert.Equal(t, "application/json", got.msg.ContentType)
	assert.Equal(t, amqp.Persistent, got.msg.DeliveryMode)
	assert.Equal(t, "ws.1.1", got.msg.Headers["connection_id"])
	assert.True(t, got.deadline)

	var ev channel.Event
	require.NoError(t, json.Unmarshal(got.msg.Body, &ev))
	assert.Equal(t, "u1", ev.UserID)

	pub.err = amqp.ErrClosed
	err := s.Emit(context.Background(), testEvent())
	assert.ErrorIs(t, err, ErrPublish)
	assert.ErrorIs(t, err, amqp.ErrClosed)

	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.Emit(context.Background(), testEvent()), ErrClosed)
}

func TestAMQPSink_WithEventBus(t *testing.T) {
	pub := &fakePublisher{}
	bus := channel.NewEventBus(channel.WithEventWorkers(1))
	bus.AddSink(NewAMQPSinkWithPublisher(pub, DefaultAMQPConfig()))

	require.NoError(t, bus.Emit(context.Background(), testEvent()))
	bus.Close()

	pub.mu.Lock()
	defer pub.mu.Unlock()
	assert.Len(t, pub.sent, 1)
}

func TestAMQPConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultAMQPConfig().Validate())
	cfg := DefaultAMQPConfig()
	cfg.Exchange = ""
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
}

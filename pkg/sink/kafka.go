package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/tokmz/chanlayer/pkg/channel"
	"github.com/tokmz/chanlayer/pkg/logger"
)

var _ channel.EventSink = (*KafkaSink)(nil)

// KafkaConfig Kafka 出口配置
type KafkaConfig struct {
	Brokers  []string      // broker 地址
	Topic    string        // 事件主题
	ClientID string        // 客户端标识
	Timeout  time.Duration // 单条消息确认超时
	Retries  int           // 发送重试次数
}

// DefaultKafkaConfig 默认配置
func DefaultKafkaConfig() KafkaConfig {
	return KafkaConfig{
		Brokers:  []string{"localhost:9092"},
		Topic:    "chanlayer.events",
		ClientID: "chanlayer",
		Timeout:  5 * time.Second,
		Retries:  3,
	}
}

// Validate 验证配置
func (c KafkaConfig) Validate() error {
	if len(c.Brokers) == 0 {
		return fmt.Errorf("%w: kafka brokers are required", ErrInvalidConfig)
	}
	if c.Topic == "" {
		return fmt.Errorf("%w: kafka topic is required", ErrInvalidConfig)
	}
	return nil
}

// saramaConfig 同步生产者要求 Return.Successes 为 true
func (c KafkaConfig) saramaConfig() *sarama.Config {
	sc := sarama.NewConfig()
	sc.ClientID = c.ClientID
	sc.Producer.RequiredAcks = sarama.WaitForLocal
	sc.Producer.Return.Successes = true
	sc.Producer.Return.Errors = true
	sc.Producer.Retry.Max = c.Retries
	if c.Timeout > 0 {
		sc.Producer.Timeout = c.Timeout
	}
	return sc
}

// KafkaSink 把事件以 JSON 写入 Kafka 主题，按连接 ID 分区以保持单连接内有序
type KafkaSink struct {
	producer sarama.SyncProducer
	topic    string
	logger   logger.Logger
	closed   atomic.Bool
}

// NewKafkaSink 连接 broker 并创建同步生产者
func NewKafkaSink(cfg KafkaConfig, opts ...Option) (*KafkaSink, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	producer, err := sarama.NewSyncProducer(cfg.Brokers, cfg.saramaConfig())
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	return NewKafkaSinkWithProducer(producer, cfg.Topic, opts...), nil
}

// NewKafkaSinkWithProducer 使用已有生产者
func NewKafkaSinkWithProducer(producer sarama.SyncProducer, topic string, opts ...Option) *KafkaSink {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	return &KafkaSink{
		producer: producer,
		topic:    topic,
		logger:   o.logger.Named("sink.kafka"),
	}
}

// Emit 实现 channel.EventSink
func (s *KafkaSink) Emit(ctx context.Context, ev channel.Event) error {
	if s.closed.Load() {
		return ErrClosed
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic:     s.topic,
		Value:     sarama.ByteEncoder(payload),
		Timestamp: ev.Time,
		Headers: []sarama.RecordHeader{
			{Key: []byte("event_type"), Value: []byte(ev.Type)},
		},
	}
	if ev.ConnectionID != "" {
		msg.Key = sarama.StringEncoder(ev.ConnectionID)
	}

	partition, offset, err := s.producer.SendMessage(msg)
	if err != nil {
		return fmt.Errorf("%w: kafka: %w", ErrPublish, err)
	}
	s.logger.DebugContext(ctx, "event published",
		zap.String("event", string(ev.Type)),
		zap.Int32("partition", partition),
		zap.Int64("offset", offset),
	)
	return nil
}

// Close 关闭生产者
func (s *KafkaSink) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.producer.Close()
}

// Package sink 把通道层观测事件投递到外部消息系统
//
// KafkaSink 与 AMQPSink 都实现 channel.EventSink，挂到 channel.EventBus 上使用：
//
//	bus := channel.NewEventBus(channel.WithEventLogger(log))
//	kafka, err := sink.NewKafkaSink(sink.DefaultKafkaConfig(), sink.WithLogger(log))
//	if err != nil {
//	    return err
//	}
//	bus.AddSink(kafka)
package sink

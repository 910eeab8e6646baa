package channel

import "time"

// Metrics 监控接口
type Metrics interface {
	// 连接
	ConnectionOpened()
	ConnectionClosed(code int)
	ConnectionRejected(reason string)
	HeartbeatTimeout()

	// 组
	GroupJoined()
	GroupLeft()
	GroupSend(total, failed int, d time.Duration)

	// 消息
	MessageReceived(msgType string)
	MessageDropped(reason string)
	MessageRejected(code string)
	DispatchLatency(msgType string, d time.Duration)
}

// NoopMetrics 空实现（默认）
type NoopMetrics struct{}

func (NoopMetrics) ConnectionOpened() {}
func (NoopMetrics) ConnectionClosed(int) {}
func (NoopMetrics) ConnectionRejected(string) {}
func (NoopMetrics) HeartbeatTimeout() {}
func (NoopMetrics) GroupJoined() {}
func (NoopMetrics) GroupLeft() {}
func (NoopMetrics) GroupSend(int, int, time.Duration) {}
func (NoopMetrics) MessageReceived(string) {}
func (NoopMetrics) MessageDropped(string) {}
func (NoopMetrics) MessageRejected(string) {}
func (NoopMetrics) DispatchLatency(string, time.Duration) {}

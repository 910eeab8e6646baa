package ws

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tokmz/chanlayer/pkg/channel"
)

var _ channel.PriorityTransport = (*Conn)(nil)

// maxCloseReason 关闭帧负载上限 125 字节减去 2 字节关闭码
const maxCloseReason = 123

// Conn 基于 gorilla/websocket 的通道层传输
//
// 写操作全部由 writePump 串行完成；高优先级队列总是先于普通队列写出。
type Conn struct {
	conn   *websocket.Conn
	config *Config

	// 发送队列
	send     chan []byte
	sendHigh chan []byte

	// 生命周期
	closed      atomic.Bool
	closeOnce   sync.Once
	startOnce   sync.Once
	closeCode   atomic.Int32
	closeReason string
	done        chan struct{} // Close 后关闭
	writeDone   chan struct{} // writePump 退出后关闭
}

// NewConn 包装已升级的连接，调用 Start 后开始写出
func NewConn(conn *websocket.Conn, config *Config) *Conn {
	if config == nil {
		config = DefaultConfig()
	}
	return &Conn{
		conn:      conn,
		config:    config,
		send:      make(chan []byte, config.SendQueueSize),
		sendHigh:  make(chan []byte, config.HighPriorityQueueSize),
		done:      make(chan struct{}),
		writeDone: make(chan struct{}),
	}
}

// Start 启动写协程，重复调用无效
func (c *Conn) Start() {
	c.startOnce.Do(func() {
		go c.writePump()
	})
}

// Send 以普通优先级入队（非阻塞）
func (c *Conn) Send(ctx context.Context, data []byte) error {
	return c.enqueue(ctx, c.send, data)
}

// SendPriority 按优先级入队，high 进入高优先级队列
func (c *Conn) SendPriority(ctx context.Context, data []byte, priority channel.Priority) error {
	if priority == channel.PriorityHigh {
		return c.enqueue(ctx, c.sendHigh, data)
	}
	return c.enqueue(ctx, c.send, data)
}

func (c *Conn) enqueue(ctx context.Context, queue chan []byte, data []byte) error {
	if c.closed.Load() {
		return ErrConnectionClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case queue <- data:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close 记录关闭码并通知写协程：先写完已入队的帧，再发送关闭帧
func (c *Conn) Close(code int, reason string) error {
	c.closeOnce.Do(func() {
		c.closeCode.Store(int32(code))
		c.closeReason = reason
		c.closed.Store(true)
		close(c.done)
	})
	return nil
}

// IsClosed 检查是否已关闭
func (c *Conn) IsClosed() bool {
	return c.closed.Load()
}

// Done 写协程退出后关闭
func (c *Conn) Done() <-chan struct{} {
	return c.writeDone
}

// RemoteAddr 对端地址
func (c *Conn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

// ReadLoop 持续读取帧并交给 handle，直到读失败或 handle 返回错误
func (c *Conn) ReadLoop(handle func(data []byte) error) error {
	c.conn.SetReadLimit(c.config.MaxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(c.config.PongWait)); err != nil {
		return err
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.config.PongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return err
		}
		if err := c.conn.SetReadDeadline(time.Now().Add(c.config.PongWait)); err != nil {
			return err
		}
		if err := handle(data); err != nil {
			return err
		}
	}
}

// CloseCode 推断连接结束的关闭码：本端关闭优先，其次对端关闭帧
func (c *Conn) CloseCode(readErr error) int {
	if c.closed.Load() {
		if code := c.closeCode.Load(); code != 0 {
			return int(code)
		}
	}
	var ce *websocket.CloseError
	if errors.As(readErr, &ce) {
		return ce.Code
	}
	if errors.Is(readErr, websocket.ErrReadLimit) {
		return websocket.CloseMessageTooBig
	}
	return websocket.CloseAbnormalClosure
}

// writePump 写入消息
func (c *Conn) writePump() {
	ticker := time.NewTicker(c.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.closed.Store(true)
		_ = c.conn.Close()
		close(c.writeDone)
	}()

	for {
		// 高优先级队列先行
		select {
		case message := <-c.sendHigh:
			if err := c.writeMessage(message); err != nil {
				return
			}
			continue
		default:
		}

		select {
		case <-c.done:
			c.flush()
			c.writeClose()
			return

		case message := <-c.sendHigh:
			if err := c.writeMessage(message); err != nil {
				return
			}

		case message := <-c.send:
			if err := c.writeMessage(message); err != nil {
				return
			}

		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.config.WriteWait)); err != nil {
				return
			}
		}
	}
}

// flush 写出关闭前已入队的帧，高优先级在前
func (c *Conn) flush() {
	if !c.drain(c.sendHigh) {
		return
	}
	c.drain(c.send)
}

func (c *Conn) drain(queue chan []byte) bool {
	for {
		select {
		case message := <-queue:
			if err := c.writeMessage(message); err != nil {
				return false
			}
		default:
			return true
		}
	}
}

func (c *Conn) writeClose() {
	code := int(c.closeCode.Load())
	if code == 0 {
		code = websocket.CloseNormalClosure
	}
	reason := c.closeReason
	if len(reason) > maxCloseReason {
		reason = reason[:maxCloseReason]
	}
	payload := websocket.FormatCloseMessage(code, reason)
	_ = c.conn.WriteControl(websocket.CloseMessage, payload, time.Now().Add(c.config.WriteWait))
}

// writeMessage 写入消息
func (c *Conn) writeMessage(message []byte) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteWait)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, message)
}

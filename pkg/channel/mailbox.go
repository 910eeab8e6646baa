package channel

import (
	"context"
	"sync"
	"time"
)

// DefaultQueueSize 每个通道本地队列的默认容量
const DefaultQueueSize = 1024

// Mailboxes 按通道名管理的有界本地投递队列，内存与 Redis 后端共用
type Mailboxes struct {
	mu    sync.RWMutex
	size  int
	boxes map[string]*mailbox
}

type mailbox struct {
	ch   chan *Message
	done chan struct{}
}

// NewMailboxes 创建队列集合
func NewMailboxes(size int) *Mailboxes {
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &Mailboxes{
		size:  size,
		boxes: make(map[string]*mailbox),
	}
}

// Open 打开通道队列，已存在时返回 false
func (b *Mailboxes) Open(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.boxes[name]; ok {
		return false
	}
	b.boxes[name] = &mailbox{
		ch:   make(chan *Message, b.size),
		done: make(chan struct{}),
	}
	return true
}

// Close 释放通道队列并唤醒等待者，不存在时返回 false
func (b *Mailboxes) Close(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	box, ok := b.boxes[name]
	if !ok {
		return false
	}
	close(box.done)
	delete(b.boxes, name)
	return true
}

// CloseAll 释放全部队列
func (b *Mailboxes) CloseAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for name, box := range b.boxes {
		close(box.done)
		delete(b.boxes, name)
	}
}

// Has 通道是否有本地队列
func (b *Mailboxes) Has(name string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.boxes[name]
	return ok
}

// Len 队列数量
func (b *Mailboxes) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.boxes)
}

// Offer 非阻塞入队；通道无队列时丢弃并返回 false，队列满时返回 ErrQueueFull
func (b *Mailboxes) Offer(name string, msg *Message) (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	box, ok := b.boxes[name]
	if !ok {
		return false, nil
	}
	select {
	case box.ch <- msg:
		return true, nil
	default:
		return false, ErrQueueFull
	}
}

// Receive 等待通道的下一条消息
func (b *Mailboxes) Receive(ctx context.Context, name string, timeout time.Duration) (*Message, error) {
	b.mu.RLock()
	box, ok := b.boxes[name]
	b.mu.RUnlock()
	if !ok {
		return nil, ErrChannelNotFound
	}

	// 已有消息时直接返回，避免与 done/超时竞争
	select {
	case msg := <-box.ch:
		return msg, nil
	default:
	}

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	select {
	case msg := <-box.ch:
		return msg, nil
	case <-box.done:
		return nil, ErrChannelNotFound
	case <-timer:
		return nil, ErrTimedOut
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

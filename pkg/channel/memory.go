package channel

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tokmz/chanlayer/pkg/logger"
)

// MemoryRegistryPrefix 内存后端的注册表前缀
const MemoryRegistryPrefix = "memory:registry:"

// MemoryBackend 单进程内存后端
//
// 组索引与注册表由同一把互斥锁保护；需要更高吞吐时可按组分片加锁，契约不变。
type MemoryBackend struct {
	mu          sync.Mutex
	groups      map[string]map[string]struct{}
	connections map[string]*RegistryEntry
	users       map[string]map[string]struct{}
	counter     uint64
	epoch       time.Time

	mailboxes *Mailboxes
	fanout    int
	logger    logger.Logger
	closed    atomic.Bool
}

// MemoryOption 内存后端选项
type MemoryOption func(*MemoryBackend)

// WithMemoryQueueSize 设置每个通道队列容量
func WithMemoryQueueSize(size int) MemoryOption {
	return func(b *MemoryBackend) {
		b.mailboxes = NewMailboxes(size)
	}
}

// WithMemoryFanoutLimit 设置组扇出并发上限（<= 0 不限制）
func WithMemoryFanoutLimit(limit int) MemoryOption {
	return func(b *MemoryBackend) {
		b.fanout = limit
	}
}

// WithMemoryLogger 设置日志
func WithMemoryLogger(l logger.Logger) MemoryOption {
	return func(b *MemoryBackend) {
		b.logger = l
	}
}

// NewMemoryBackend 创建内存后端
func NewMemoryBackend(opts ...MemoryOption) *MemoryBackend {
	b := &MemoryBackend{
		groups:      make(map[string]map[string]struct{}),
		connections: make(map[string]*RegistryEntry),
		users:       make(map[string]map[string]struct{}),
		epoch:       time.Now(),
		mailboxes:   NewMailboxes(DefaultQueueSize),
		fanout:      DefaultFanoutLimit,
		logger:      logger.NewNop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

var _ Backend = (*MemoryBackend)(nil)

// Publish 投递消息，无订阅者时静默丢弃
func (b *MemoryBackend) Publish(_ context.Context, channel string, msg *Message) error {
	if b.closed.Load() {
		return ErrBackendClosed
	}
	_, err := b.mailboxes.Offer(channel, msg)
	return err
}

// Subscribe 打开通道队列
func (b *MemoryBackend) Subscribe(_ context.Context, channel string) error {
	if channel == "" {
		return ErrInvalidChannel
	}
	if b.closed.Load() {
		return ErrBackendClosed
	}
	b.mailboxes.Open(channel)
	return nil
}

// Unsubscribe 释放通道队列
func (b *MemoryBackend) Unsubscribe(_ context.Context, channel string) error {
	b.mailboxes.Close(channel)
	return nil
}

// GroupAdd 加入组
func (b *MemoryBackend) GroupAdd(_ context.Context, group, channel string) error {
	if group == "" {
		return ErrInvalidGroupName
	}
	if channel == "" {
		return ErrInvalidChannel
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	members, ok := b.groups[group]
	if !ok {
		members = make(map[string]struct{})
		b.groups[group] = members
	}
	members[channel] = struct{}{}
	return nil
}

// GroupDiscard 移出组，最后一个成员离开时删除组
func (b *MemoryBackend) GroupDiscard(_ context.Context, group, channel string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	members, ok := b.groups[group]
	if !ok {
		return nil
	}
	delete(members, channel)
	if len(members) == 0 {
		delete(b.groups, group)
	}
	return nil
}

// GroupChannels 组成员快照
func (b *MemoryBackend) GroupChannels(_ context.Context, group string) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return sortedKeys(b.groups[group]), nil
}

// GroupSend 并发扇出到组内所有通道
func (b *MemoryBackend) GroupSend(ctx context.Context, group string, msg *Message) (GroupSendResult, error) {
	channels, _ := b.GroupChannels(ctx, group)
	result := FanOut(ctx, group, channels, b.fanout, func(ctx context.Context, ch string) error {
		return b.Publish(ctx, ch, msg)
	})
	LogFanOutFailures(b.logger, "memory_backend.group_send", result)
	return result, nil
}

// Receive 等待下一条消息
func (b *MemoryBackend) Receive(ctx context.Context, channel string, timeout time.Duration) (*Message, error) {
	return b.mailboxes.Receive(ctx, channel, timeout)
}

// Flush 清空全部状态
func (b *MemoryBackend) Flush(_ context.Context) error {
	b.mailboxes.CloseAll()
	b.mu.Lock()
	defer b.mu.Unlock()
	clear(b.groups)
	clear(b.connections)
	clear(b.users)
	return nil
}

// NewChannel 生成唯一通道名，计数器与其他状态共用同一把锁
func (b *MemoryBackend) NewChannel(_ context.Context, prefix string) (string, error) {
	if prefix == "" {
		prefix = DefaultChannelPrefix
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.counter++
	return fmt.Sprintf("%s.%d.%d", prefix, time.Since(b.epoch).Milliseconds(), b.counter), nil
}

// RegistryPrefix 注册表前缀
func (b *MemoryBackend) RegistryPrefix() string {
	return MemoryRegistryPrefix
}

// Close 关闭后端
func (b *MemoryBackend) Close() error {
	if b.closed.Swap(true) {
		return nil
	}
	return b.Flush(context.Background())
}

// AddConnection 注册连接；重复注册会覆盖记录并修正用户索引
func (b *MemoryBackend) AddConnection(_ context.Context, entry RegistryEntry) error {
	if entry.ConnectionID == "" {
		return ErrInvalidChannel
	}
	stored := entry
	stored.Groups = slices.Clone(entry.Groups)
	stored.Metadata = maps.Clone(entry.Metadata)

	b.mu.Lock()
	defer b.mu.Unlock()
	if prev, ok := b.connections[entry.ConnectionID]; ok && prev.UserID != entry.UserID {
		b.unindexUser(prev.UserID, entry.ConnectionID)
	}
	b.connections[entry.ConnectionID] = &stored
	if entry.UserID != "" {
		ids, ok := b.users[entry.UserID]
		if !ok {
			ids = make(map[string]struct{})
			b.users[entry.UserID] = ids
		}
		ids[entry.ConnectionID] = struct{}{}
	}
	return nil
}

// RemoveConnection 删除连接，未知连接为空操作
func (b *MemoryBackend) RemoveConnection(_ context.Context, connectionID, userID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if prev, ok := b.connections[connectionID]; ok && prev.UserID != "" && prev.UserID != userID {
		b.unindexUser(prev.UserID, connectionID)
	}
	delete(b.connections, connectionID)
	b.unindexUser(userID, connectionID)
	return nil
}

// unindexUser 调用方持有 mu
func (b *MemoryBackend) unindexUser(userID, connectionID string) {
	if userID == "" {
		return
	}
	ids, ok := b.users[userID]
	if !ok {
		return
	}
	delete(ids, connectionID)
	if len(ids) == 0 {
		delete(b.users, userID)
	}
}

// UpdateGroups 更新连接的组快照
func (b *MemoryBackend) UpdateGroups(_ context.Context, connectionID string, groups []string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if entry, ok := b.connections[connectionID]; ok {
		entry.Groups = slices.Clone(groups)
	}
	return nil
}

// ConnectionGroups 连接的组快照
func (b *MemoryBackend) ConnectionGroups(_ context.Context, connectionID string) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry, ok := b.connections[connectionID]
	if !ok {
		return []string{}, nil
	}
	return slices.Clone(entry.Groups), nil
}

// CountConnections 在线连接数
func (b *MemoryBackend) CountConnections(_ context.Context) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.connections), nil
}

// UserConnections 用户的全部连接
func (b *MemoryBackend) UserConnections(_ context.Context, userID string) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return sortedKeys(b.users[userID]), nil
}

func sortedKeys(set map[string]struct{}) []string {
	if len(set) == 0 {
		return []string{}
	}
	return slices.Sorted(maps.Keys(set))
}

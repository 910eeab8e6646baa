package channel

import (
	"context"
	"time"
)

// DefaultChannelPrefix NewChannel 的默认前缀
const DefaultChannelPrefix = "channel"

// Backend 发布订阅引擎：通道队列、组索引与连接注册表
//
// 所有方法都可被多个连接并发调用。内存实现只适用于单进程部署，
// 分布式实现需要在外部存储上满足同一契约。
type Backend interface {
	Registry

	// Publish 投递到通道当前的订阅队列；无订阅者时静默丢弃
	Publish(ctx context.Context, channel string, msg *Message) error
	// Subscribe 为通道打开本地投递队列
	Subscribe(ctx context.Context, channel string) error
	// Unsubscribe 释放通道的本地队列，阻塞中的 Receive 返回 ErrChannelNotFound
	Unsubscribe(ctx context.Context, channel string) error

	// GroupAdd 幂等地把通道加入组
	GroupAdd(ctx context.Context, group, channel string) error
	// GroupDiscard 幂等地把通道移出组，组为空时删除组
	GroupDiscard(ctx context.Context, group, channel string) error
	// GroupChannels 返回组成员快照，不存在的组返回空切片
	GroupChannels(ctx context.Context, group string) ([]string, error)
	// GroupSend 并发扇出到所有成员，单个成员失败不影响其他成员
	GroupSend(ctx context.Context, group string, msg *Message) (GroupSendResult, error)

	// Receive 等待通道的下一条消息；超时返回 ErrTimedOut，timeout <= 0 时只受 ctx 约束
	Receive(ctx context.Context, channel string, timeout time.Duration) (*Message, error)

	// Flush 清空组、订阅与注册表
	Flush(ctx context.Context) error
	// NewChannel 生成本实例内唯一的通道名：prefix.<毫秒>.<计数>
	NewChannel(ctx context.Context, prefix string) (string, error)
	// RegistryPrefix 标识后端类型的键前缀
	RegistryPrefix() string
	// Close 释放资源
	Close() error
}

// Registry 连接注册表（在线目录）
type Registry interface {
	AddConnection(ctx context.Context, entry RegistryEntry) error
	// RemoveConnection 删除连接；未知连接为空操作
	RemoveConnection(ctx context.Context, connectionID, userID string) error
	UpdateGroups(ctx context.Context, connectionID string, groups []string) error
	ConnectionGroups(ctx context.Context, connectionID string) ([]string, error)
	CountConnections(ctx context.Context) (int, error)
	UserConnections(ctx context.Context, userID string) ([]string, error)
}

// RegistryEntry 注册表中的一条连接记录
type RegistryEntry struct {
	ConnectionID     string         `json:"connection_id"`
	UserID           string         `json:"user_id,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
	Groups           []string       `json:"groups"`
	HeartbeatTimeout time.Duration  `json:"heartbeat_timeout"`
}

// GroupSendResult 组扇出结果
type GroupSendResult struct {
	Group          string
	Total          int
	Failed         int
	FailedChannels []string
}

// Delivered 成功投递的成员数
func (r GroupSendResult) Delivered() int {
	return r.Total - r.Failed
}

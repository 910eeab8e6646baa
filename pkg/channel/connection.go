package channel

import (
	"context"
	"encoding/json"
	"maps"
	"sync"
	"sync/atomic"
	"time"
)

// State 连接生命周期状态，只能向前迁移
type State int32

const (
	StateConnecting State = iota
	StateConnected
	StateDisconnecting
	StateDisconnected
)

// String 返回状态名称
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// WebSocket 关闭码
const (
	CloseNormal           = 1000
	CloseGoingAway        = 1001
	ClosePolicyViolation  = 1008
	CloseInternalError    = 1011
	CloseHeartbeatTimeout = 4000
)

// Transport 底层传输（由宿主 WebSocket 服务提供）
type Transport interface {
	// Send 发送一帧文本
	Send(ctx context.Context, data []byte) error
	// Close 以关闭码关闭传输
	Close(code int, reason string) error
}

// PriorityTransport 支持高优先级出站通道的传输
type PriorityTransport interface {
	Transport
	SendPriority(ctx context.Context, data []byte, priority Priority) error
}

// Connection 单个客户端的连接状态
type Connection struct {
	channelName      string
	transport        Transport
	heartbeatTimeout time.Duration
	connectedAt      time.Time
	now              func() time.Time

	mu       sync.RWMutex
	userID   string
	metadata map[string]any
	groups   map[string]struct{}

	state         atomic.Int32
	lastHeartbeat atomic.Int64
	lastActivity  atomic.Int64

	bytesReceived    atomic.Uint64
	bytesSent        atomic.Uint64
	messagesReceived atomic.Uint64
	messagesSent     atomic.Uint64
}

// ConnectionStats 连接流量统计
type ConnectionStats struct {
	ChannelName      string    `json:"channel_name"`
	UserID           string    `json:"user_id,omitempty"`
	State            string    `json:"state"`
	Groups           []string  `json:"groups"`
	ConnectedAt      time.Time `json:"connected_at"`
	LastHeartbeat    time.Time `json:"last_heartbeat"`
	LastActivity     time.Time `json:"last_activity"`
	BytesReceived    uint64    `json:"bytes_received"`
	BytesSent        uint64    `json:"bytes_sent"`
	MessagesReceived uint64    `json:"messages_received"`
	MessagesSent     uint64    `json:"messages_sent"`
}

// NewConnection 创建处于 CONNECTING 状态的连接
func NewConnection(channelName string, transport Transport, heartbeatTimeout time.Duration, now func() time.Time) *Connection {
	if now == nil {
		now = time.Now
	}
	ts := now()
	c := &Connection{
		channelName:      channelName,
		transport:        transport,
		heartbeatTimeout: heartbeatTimeout,
		connectedAt:      ts,
		now:              now,
		groups:           make(map[string]struct{}),
	}
	c.lastHeartbeat.Store(ts.UnixNano())
	c.lastActivity.Store(ts.UnixNano())
	return c
}

// ChannelName 进程内唯一的通道标识
func (c *Connection) ChannelName() string { return c.channelName }

// HeartbeatTimeout 心跳超时时间
func (c *Connection) HeartbeatTimeout() time.Duration { return c.heartbeatTimeout }

// UserID 已认证的用户标识，未认证时为空
func (c *Connection) UserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

// IsAuthenticated 是否已建立用户身份
func (c *Connection) IsAuthenticated() bool {
	return c.UserID() != ""
}

func (c *Connection) setUserID(uid string) {
	c.mu.Lock()
	c.userID = uid
	c.mu.Unlock()
}

// Metadata 元数据快照
func (c *Connection) Metadata() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return maps.Clone(c.metadata)
}

func (c *Connection) setMetadata(md map[string]any) {
	c.mu.Lock()
	c.metadata = maps.Clone(md)
	c.mu.Unlock()
}

// Groups 组镜像快照（非权威，后端为准）
func (c *Connection) Groups() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return sortedKeys(c.groups)
}

// InGroup 镜像中是否包含该组
func (c *Connection) InGroup(group string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.groups[group]
	return ok
}

func (c *Connection) addGroup(group string) {
	c.mu.Lock()
	c.groups[group] = struct{}{}
	c.mu.Unlock()
}

func (c *Connection) removeGroup(group string) {
	c.mu.Lock()
	delete(c.groups, group)
	c.mu.Unlock()
}

// State 当前状态
func (c *Connection) State() State {
	return State(c.state.Load())
}

// advance 仅允许从 from 迁移到更靠后的 to
func (c *Connection) advance(from, to State) bool {
	if to <= from {
		return false
	}
	return c.state.CompareAndSwap(int32(from), int32(to))
}

// beginDisconnect 从任意未断开状态进入 DISCONNECTING，已在断开流程中返回 false
func (c *Connection) beginDisconnect() bool {
	for {
		cur := c.State()
		if cur >= StateDisconnecting {
			return false
		}
		if c.advance(cur, StateDisconnecting) {
			return true
		}
	}
}

// UpdateHeartbeat 将最近心跳时间设为当前时刻
func (c *Connection) UpdateHeartbeat() {
	c.lastHeartbeat.Store(c.now().UnixNano())
}

// LastHeartbeat 最近一次心跳
func (c *Connection) LastHeartbeat() time.Time {
	return time.Unix(0, c.lastHeartbeat.Load())
}

// HeartbeatExpired 最近心跳早于 now - timeout 时返回 true
func (c *Connection) HeartbeatExpired(now time.Time) bool {
	if c.heartbeatTimeout <= 0 {
		return false
	}
	return now.Sub(c.LastHeartbeat()) > c.heartbeatTimeout
}

// UpdateActivity 记录最近活动
func (c *Connection) UpdateActivity() {
	c.lastActivity.Store(c.now().UnixNano())
}

// LastActivity 最近活动时间
func (c *Connection) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

// RecordReceived 累计入站字节
func (c *Connection) RecordReceived(n int) {
	c.bytesReceived.Add(uint64(n))
	c.messagesReceived.Add(1)
}

// Send 编码并经由传输发送消息
func (c *Connection) Send(ctx context.Context, msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return c.SendRaw(ctx, data, msg.priority())
}

// SendRaw 发送已编码的帧
func (c *Connection) SendRaw(ctx context.Context, data []byte, priority Priority) error {
	if c.State() >= StateDisconnecting {
		return ErrConnectionClosed
	}
	var err error
	if pt, ok := c.transport.(PriorityTransport); ok {
		err = pt.SendPriority(ctx, data, priority)
	} else {
		err = c.transport.Send(ctx, data)
	}
	if err != nil {
		return err
	}
	c.bytesSent.Add(uint64(len(data)))
	c.messagesSent.Add(1)
	return nil
}

// Stats 统计快照
func (c *Connection) Stats() ConnectionStats {
	return ConnectionStats{
		ChannelName:      c.channelName,
		UserID:           c.UserID(),
		State:            c.State().String(),
		Groups:           c.Groups(),
		ConnectedAt:      c.connectedAt,
		LastHeartbeat:    c.LastHeartbeat(),
		LastActivity:     c.LastActivity(),
		BytesReceived:    c.bytesReceived.Load(),
		BytesSent:        c.bytesSent.Load(),
		MessagesReceived: c.messagesReceived.Load(),
		MessagesSent:     c.messagesSent.Load(),
	}
}

func (c *Connection) registryEntry() RegistryEntry {
	return RegistryEntry{
		ConnectionID:     c.channelName,
		UserID:           c.UserID(),
		Metadata:         c.Metadata(),
		Groups:           c.Groups(),
		HeartbeatTimeout: c.heartbeatTimeout,
	}
}

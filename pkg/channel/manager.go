package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tokmz/chanlayer/pkg/logger"
)

// ConnectionManager 连接生命周期与组成员的统一入口
type ConnectionManager struct {
	backend Backend
	config  *Config
	logger  logger.Logger
	events  EventSink
	metrics Metrics
	now     func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.RWMutex
	conns map[string]*managedConn

	// admit 串行化连接数检查与注册，避免并发接入越过上限
	admit sync.Mutex
}

// managedConn 管理器持有的连接及其投递协程
type managedConn struct {
	conn *Connection
	stop context.CancelFunc
	// 串行化同一连接的加组、退组和断开
	ops sync.Mutex
}

// NewConnectionManager 创建连接管理器
func NewConnectionManager(backend Backend, opts ...Option) (*ConnectionManager, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if o.config == nil {
		o.config = DefaultConfig()
	}
	if err := o.config.Validate(); err != nil {
		return nil, err
	}
	if o.logger == nil {
		o.logger = logger.NewNop()
	}
	if o.events == nil {
		o.events = nopSink{}
	}
	if o.metrics == nil {
		o.metrics = NoopMetrics{}
	}
	if o.now == nil {
		o.now = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &ConnectionManager{
		backend: backend,
		config:  o.config,
		logger:  o.logger.Named("manager"),
		events:  o.events,
		metrics: o.metrics,
		now:     o.now,
		ctx:     ctx,
		cancel:  cancel,
		conns:   make(map[string]*managedConn),
	}, nil
}

// Backend 底层后端
func (m *ConnectionManager) Backend() Backend { return m.backend }

// Config 运行参数
func (m *ConnectionManager) Config() *Config { return m.config }

// Logger 日志
func (m *ConnectionManager) Logger() logger.Logger { return m.logger }

// ConnectOption 建立连接时的选项
type ConnectOption func(*connectOptions)

type connectOptions struct {
	userID           string
	metadata         map[string]any
	heartbeatTimeout time.Duration
}

// WithUserID 以已知用户身份建立连接
func WithUserID(userID string) ConnectOption {
	return func(o *connectOptions) { o.userID = userID }
}

// WithConnectionMetadata 附加连接元数据
func WithConnectionMetadata(md map[string]any) ConnectOption {
	return func(o *connectOptions) { o.metadata = md }
}

// WithHeartbeatTimeout 覆盖该连接的心跳超时
func WithHeartbeatTimeout(d time.Duration) ConnectOption {
	return func(o *connectOptions) { o.heartbeatTimeout = d }
}

// Connect 接受新连接：分配通道名、订阅、注册，然后启动投递协程
func (m *ConnectionManager) Connect(ctx context.Context, transport Transport, opts ...ConnectOption) (*Connection, error) {
	o := &connectOptions{heartbeatTimeout: m.config.HeartbeatTimeout}
	for _, opt := range opts {
		opt(o)
	}

	conn, err := m.admitConnection(ctx, transport, o)
	if err != nil {
		return nil, err
	}
	name := conn.ChannelName()
	conn.advance(StateConnecting, StateConnected)

	dctx, stop := context.WithCancel(m.ctx)
	m.mu.Lock()
	m.conns[name] = &managedConn{conn: conn, stop: stop}
	m.mu.Unlock()

	m.wg.Add(1)
	go m.deliver(dctx, conn)

	m.metrics.ConnectionOpened()
	m.emit(ctx, Event{Type: EventConnectionOpened, ConnectionID: name, UserID: o.userID})
	m.logger.InfoContext(ctx, "connection opened",
		zap.String("connection_id", name),
		zap.String("user_id", o.userID),
	)
	return conn, nil
}

// admitConnection 在 admit 锁内完成上限检查、订阅与注册
//
// 多节点共享 Redis 时各节点各自串行，上限按节点间的竞争窗口可能被短暂超出。
func (m *ConnectionManager) admitConnection(ctx context.Context, transport Transport, o *connectOptions) (*Connection, error) {
	m.admit.Lock()
	defer m.admit.Unlock()

	if err := m.checkLimits(ctx, o.userID); err != nil {
		return nil, err
	}

	name, err := m.backend.NewChannel(ctx, m.config.ChannelPrefix)
	if err != nil {
		return nil, fmt.Errorf("allocate channel: %w", err)
	}

	conn := NewConnection(name, transport, o.heartbeatTimeout, m.now)
	conn.setUserID(o.userID)
	conn.setMetadata(o.metadata)

	if err := m.backend.Subscribe(ctx, name); err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", name, err)
	}
	if err := m.backend.AddConnection(ctx, conn.registryEntry()); err != nil {
		_ = m.backend.Unsubscribe(ctx, name)
		return nil, fmt.Errorf("register %s: %w", name, err)
	}
	return conn, nil
}

// checkLimits 检查总连接数与单用户连接数，调用方持有 admit
func (m *ConnectionManager) checkLimits(ctx context.Context, userID string) error {
	if limit := m.config.MaxTotalConnections; limit > 0 {
		n, err := m.backend.CountConnections(ctx)
		if err != nil {
			return fmt.Errorf("count connections: %w", err)
		}
		if n >= limit {
			m.metrics.ConnectionRejected("total_limit")
			return ErrTooManyConnections
		}
	}
	if limit := m.config.MaxConnectionsPerClient; limit > 0 && userID != "" {
		ids, err := m.backend.UserConnections(ctx, userID)
		if err != nil {
			return fmt.Errorf("count user connections: %w", err)
		}
		if len(ids) >= limit {
			m.metrics.ConnectionRejected("user_limit")
			return ErrTooManyForUser
		}
	}
	return nil
}

// deliver 把后端收到的消息写到传输，直到通道释放或管理器关闭
func (m *ConnectionManager) deliver(ctx context.Context, conn *Connection) {
	defer m.wg.Done()
	name := conn.ChannelName()
	for {
		msg, err := m.backend.Receive(ctx, name, m.config.HeartbeatInterval)
		switch {
		case err == nil:
		case errors.Is(err, ErrTimedOut):
			continue
		default:
			if !errors.Is(err, ErrChannelNotFound) && ctx.Err() == nil {
				m.logger.Warn("delivery loop stopped", zap.String("connection_id", name), zap.Error(err))
			}
			return
		}

		if msg.ExpiredAt(m.now()) {
			m.metrics.MessageDropped("expired")
			continue
		}
		if err := conn.Send(ctx, msg); err != nil {
			if errors.Is(err, ErrConnectionClosed) {
				return
			}
			m.metrics.MessageDropped("transport")
			m.logger.Debug("deliver failed",
				zap.String("connection_id", name),
				zap.String("type", msg.Type),
				zap.Error(err),
			)
		}
	}
}

// Get 按通道名查找连接
func (m *ConnectionManager) Get(channel string) (*Connection, bool) {
	mc, ok := m.lookup(channel)
	if !ok {
		return nil, false
	}
	return mc.conn, true
}

func (m *ConnectionManager) lookup(channel string) (*managedConn, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mc, ok := m.conns[channel]
	return mc, ok
}

// Connections 本进程持有的连接快照
func (m *ConnectionManager) Connections() []*Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Connection, 0, len(m.conns))
	for _, mc := range m.conns {
		out = append(out, mc.conn)
	}
	return out
}

// Count 本进程持有的连接数
func (m *ConnectionManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}

// Identify 为未认证的连接绑定用户
func (m *ConnectionManager) Identify(ctx context.Context, channel, userID string) error {
	mc, ok := m.lookup(channel)
	if !ok {
		return ErrConnectionNotFound
	}
	mc.ops.Lock()
	defer mc.ops.Unlock()

	conn := mc.conn
	if conn.State() >= StateDisconnecting {
		return ErrConnectionClosed
	}
	switch conn.UserID() {
	case userID:
		return nil
	case "":
	default:
		return ErrAlreadyIdentified
	}

	m.admit.Lock()
	defer m.admit.Unlock()
	if limit := m.config.MaxConnectionsPerClient; limit > 0 {
		ids, err := m.backend.UserConnections(ctx, userID)
		if err != nil {
			return fmt.Errorf("count user connections: %w", err)
		}
		if len(ids) >= limit {
			m.metrics.ConnectionRejected("user_limit")
			return ErrTooManyForUser
		}
	}

	conn.setUserID(userID)
	if err := m.backend.AddConnection(ctx, conn.registryEntry()); err != nil {
		conn.setUserID("")
		return fmt.Errorf("register %s: %w", channel, err)
	}
	m.emit(ctx, Event{Type: EventConnectionIdentified, ConnectionID: channel, UserID: userID})
	return nil
}

// JoinGroup 加入组：先写后端，再更新镜像和注册表；已在组内时不重复计数
func (m *ConnectionManager) JoinGroup(ctx context.Context, channel, group string) error {
	mc, ok := m.lookup(channel)
	if !ok {
		return ErrConnectionNotFound
	}
	mc.ops.Lock()
	defer mc.ops.Unlock()

	conn := mc.conn
	if conn.State() >= StateDisconnecting {
		return ErrConnectionClosed
	}
	member := conn.InGroup(group)
	if err := m.backend.GroupAdd(ctx, group, channel); err != nil {
		return fmt.Errorf("join group %s: %w", group, err)
	}
	if member {
		return nil
	}
	conn.addGroup(group)
	if err := m.backend.UpdateGroups(ctx, channel, conn.Groups()); err != nil {
		m.logger.WarnContext(ctx, "update registry groups failed",
			zap.String("connection_id", channel),
			zap.String("group", group),
			zap.Error(err),
		)
	}

	m.metrics.GroupJoined()
	m.emit(ctx, Event{Type: EventGroupJoined, ConnectionID: channel, UserID: conn.UserID(), Group: group})
	return nil
}

// LeaveGroup 离开组，不在组内时为空操作
func (m *ConnectionManager) LeaveGroup(ctx context.Context, channel, group string) error {
	mc, ok := m.lookup(channel)
	if !ok {
		return ErrConnectionNotFound
	}
	mc.ops.Lock()
	defer mc.ops.Unlock()

	conn := mc.conn
	if err := m.backend.GroupDiscard(ctx, group, channel); err != nil {
		return fmt.Errorf("leave group %s: %w", group, err)
	}
	if !conn.InGroup(group) {
		return nil
	}
	conn.removeGroup(group)
	if err := m.backend.UpdateGroups(ctx, channel, conn.Groups()); err != nil {
		m.logger.WarnContext(ctx, "update registry groups failed",
			zap.String("connection_id", channel),
			zap.String("group", group),
			zap.Error(err),
		)
	}

	m.metrics.GroupLeft()
	m.emit(ctx, Event{Type: EventGroupLeft, ConnectionID: channel, UserID: conn.UserID(), Group: group})
	return nil
}

// SendGroup 向组广播
func (m *ConnectionManager) SendGroup(ctx context.Context, group string, msg *Message) (GroupSendResult, error) {
	start := time.Now()
	result, err := m.backend.GroupSend(ctx, group, msg)
	if err != nil {
		return result, fmt.Errorf("group send %s: %w", group, err)
	}
	m.metrics.GroupSend(result.Total, result.Failed, time.Since(start))
	m.emit(ctx, Event{
		Type:        EventGroupSend,
		Group:       group,
		MessageType: msg.Type,
		Fields:      map[string]any{"total": result.Total, "failed": result.Failed},
	})
	return result, nil
}

// SendTo 向单个通道投递
func (m *ConnectionManager) SendTo(ctx context.Context, channel string, msg *Message) error {
	return m.backend.Publish(ctx, channel, msg)
}

// SendUser 向用户的全部连接投递，返回成功投递数
func (m *ConnectionManager) SendUser(ctx context.Context, userID string, msg *Message) (int, error) {
	ids, err := m.backend.UserConnections(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("user connections: %w", err)
	}
	sent := 0
	for _, id := range ids {
		if err := m.backend.Publish(ctx, id, msg); err != nil {
			m.logger.WarnContext(ctx, "send to user connection failed",
				zap.String("user_id", userID),
				zap.String("connection_id", id),
				zap.Error(err),
			)
			continue
		}
		sent++
	}
	return sent, nil
}

// Disconnect 断开连接并清理组、注册表和订阅；重复调用为空操作
func (m *ConnectionManager) Disconnect(ctx context.Context, channel string, code int) error {
	mc, ok := m.lookup(channel)
	if !ok {
		return nil
	}
	mc.ops.Lock()
	defer mc.ops.Unlock()

	conn := mc.conn
	if !conn.beginDisconnect() {
		return nil
	}

	for _, group := range conn.Groups() {
		if err := m.backend.GroupDiscard(ctx, group, channel); err != nil {
			m.logger.WarnContext(ctx, "discard group failed",
				zap.String("connection_id", channel),
				zap.String("group", group),
				zap.Error(err),
			)
		}
		conn.removeGroup(group)
	}
	if err := m.backend.RemoveConnection(ctx, channel, conn.UserID()); err != nil {
		m.logger.WarnContext(ctx, "unregister connection failed", zap.String("connection_id", channel), zap.Error(err))
	}

	mc.stop()
	if err := m.backend.Unsubscribe(ctx, channel); err != nil {
		m.logger.WarnContext(ctx, "unsubscribe failed", zap.String("connection_id", channel), zap.Error(err))
	}

	m.mu.Lock()
	delete(m.conns, channel)
	m.mu.Unlock()

	conn.advance(StateDisconnecting, StateDisconnected)
	if err := conn.transport.Close(code, closeReason(code)); err != nil {
		m.logger.Debug("close transport failed", zap.String("connection_id", channel), zap.Error(err))
	}

	m.metrics.ConnectionClosed(code)
	m.emit(ctx, Event{
		Type:         EventConnectionClosed,
		ConnectionID: channel,
		UserID:       conn.UserID(),
		Fields:       map[string]any{"code": code},
	})
	m.logger.InfoContext(ctx, "connection closed",
		zap.String("connection_id", channel),
		zap.String("user_id", conn.UserID()),
		zap.Int("code", code),
	)
	return nil
}

// Shutdown 以 1001 断开全部连接并等待投递协程退出
func (m *ConnectionManager) Shutdown(ctx context.Context) error {
	for _, conn := range m.Connections() {
		_ = m.Disconnect(ctx, conn.ChannelName(), CloseGoingAway)
	}
	m.cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *ConnectionManager) emit(ctx context.Context, ev Event) {
	if ev.Time.IsZero() {
		ev.Time = m.now()
	}
	if err := m.events.Emit(ctx, ev); err != nil {
		m.logger.Debug("emit event failed", zap.String("event", string(ev.Type)), zap.Error(err))
	}
}

func closeReason(code int) string {
	switch code {
	case CloseNormal:
		return "normal closure"
	case CloseGoingAway:
		return "going away"
	case ClosePolicyViolation:
		return "policy violation"
	case CloseInternalError:
		return "internal error"
	case CloseHeartbeatTimeout:
		return "heartbeat timeout"
	default:
		return ""
	}
}

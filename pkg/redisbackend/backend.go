package redisbackend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/tokmz/chanlayer/pkg/channel"
	"github.com/tokmz/chanlayer/pkg/logger"
)

// Backend 基于 Redis 的分布式后端
//
// 组成员与连接注册表存放在 Redis，消息经发布订阅投递到持有该通道的节点，
// 再进入节点本地队列。发往本节点通道的消息直接入队，不经过 Redis。
type Backend struct {
	client    redis.UniversalClient
	ownClient bool
	keys      keys
	nodeID    string
	fanout    int
	logger    logger.Logger

	mailboxes *channel.Mailboxes
	pubsub    *redis.PubSub
	done      chan struct{}

	closed atomic.Bool
}

var _ channel.Backend = (*Backend)(nil)

// Option 后端选项
type Option func(*options)

type options struct {
	client redis.UniversalClient
	logger logger.Logger
}

// WithClient 使用外部 Redis 客户端（Close 时不关闭它）
func WithClient(c redis.UniversalClient) Option {
	return func(o *options) { o.client = c }
}

// WithLogger 设置日志
func WithLogger(l logger.Logger) Option {
	return func(o *options) { o.logger = l }
}

// NewClient 按配置创建 Redis 客户端
func NewClient(cfg *Config) (redis.UniversalClient, error) {
	switch cfg.Mode {
	case ModeStandalone, "":
		return redis.NewClient(&redis.Options{
			Addr:         cfg.Addr,
			Username:     cfg.Username,
			Password:     cfg.Password,
			DB:           cfg.DB,
			PoolSize:     cfg.PoolSize,
			MinIdleConns: cfg.MinIdleConns,
			MaxRetries:   cfg.MaxRetries,
			DialTimeout:  cfg.DialTimeout,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		}), nil

	case ModeCluster:
		return redis.NewClusterClient(&redis.ClusterOptions{
			Addrs:        cfg.Addrs,
			Username:     cfg.Username,
			Password:     cfg.Password,
			PoolSize:     cfg.PoolSize,
			MinIdleConns: cfg.MinIdleConns,
			MaxRetries:   cfg.MaxRetries,
			DialTimeout:  cfg.DialTimeout,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		}), nil

	case ModeSentinel:
		return redis.NewFailoverClient(&redis.FailoverOptions{
			MasterName:    cfg.MasterName,
			SentinelAddrs: cfg.Addrs,
			Username:      cfg.Username,
			Password:      cfg.Password,
			DB:            cfg.DB,
			PoolSize:      cfg.PoolSize,
			MinIdleConns:  cfg.MinIdleConns,
			MaxRetries:    cfg.MaxRetries,
			DialTimeout:   cfg.DialTimeout,
			ReadTimeout:   cfg.ReadTimeout,
			WriteTimeout:  cfg.WriteTimeout,
		}), nil

	default:
		return nil, fmt.Errorf("%w: unsupported redis mode: %s", ErrInvalidConfig, cfg.Mode)
	}
}

// New 创建 Redis 后端并订阅本节点控制频道
func New(ctx context.Context, cfg *Config, opts ...Option) (*Backend, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = logger.NewNop()
	}

	client, own := o.client, false
	if client == nil {
		var err error
		if client, err = NewClient(cfg); err != nil {
			return nil, err
		}
		own = true
	}

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		if own {
			_ = client.Close()
		}
		return nil, fmt.Errorf("%w: %w", ErrConnection, err)
	}

	b := &Backend{
		client:    client,
		ownClient: own,
		keys:      keys{prefix: cfg.KeyPrefix},
		nodeID:    uuid.NewString(),
		fanout:    cfg.FanoutLimit,
		logger:    o.logger.Named("redis_backend"),
		mailboxes: channel.NewMailboxes(cfg.QueueSize),
		done:      make(chan struct{}),
	}

	// 订阅节点控制频道并等待确认
	b.pubsub = client.Subscribe(ctx, b.keys.node(b.nodeID))
	if _, err := b.pubsub.Receive(pctx); err != nil {
		_ = b.pubsub.Close()
		if own {
			_ = client.Close()
		}
		return nil, fmt.Errorf("%w: %w", ErrConnection, err)
	}
	go b.dispatch(b.pubsub.Channel())

	b.logger.Info("redis backend started", zap.String("node_id", b.nodeID), zap.String("key_prefix", cfg.KeyPrefix))
	return b, nil
}

// NodeID 本节点标识
func (b *Backend) NodeID() string { return b.nodeID }

// Client 底层客户端
func (b *Backend) Client() redis.UniversalClient { return b.client }

// dispatch 把发布订阅消息转入本地队列
func (b *Backend) dispatch(ch <-chan *redis.Message) {
	defer close(b.done)
	prefix := b.keys.channelPrefix()
	for m := range ch {
		name, ok := strings.CutPrefix(m.Channel, prefix)
		if !ok {
			b.logger.Debug("control message", zap.String("channel", m.Channel))
			continue
		}
		msg, err := channel.DecodeEnvelope([]byte(m.Payload))
		if err != nil {
			b.logger.Warn("drop undecodable message", zap.String("channel", name), zap.Error(err))
			continue
		}
		if _, err := b.mailboxes.Offer(name, msg); err != nil {
			b.logger.Warn("drop message", zap.String("channel", name), zap.Error(err))
		}
	}
}

// Publish 投递消息；本节点持有的通道直接入队
func (b *Backend) Publish(ctx context.Context, name string, msg *channel.Message) error {
	if b.closed.Load() {
		return channel.ErrBackendClosed
	}
	if b.mailboxes.Has(name) {
		_, err := b.mailboxes.Offer(name, msg)
		return err
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSerialization, err)
	}
	if err := b.client.Publish(ctx, b.keys.channel(name), payload).Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrOperation, err)
	}
	return nil
}

// Subscribe 创建本地队列并订阅频道
func (b *Backend) Subscribe(ctx context.Context, name string) error {
	if name == "" {
		return channel.ErrInvalidChannel
	}
	if b.closed.Load() {
		return channel.ErrBackendClosed
	}
	if !b.mailboxes.Open(name) {
		return nil
	}
	if err := b.pubsub.Subscribe(ctx, b.keys.channel(name)); err != nil {
		b.mailboxes.Close(name)
		return fmt.Errorf("%w: %w", ErrOperation, err)
	}
	return nil
}

// Unsubscribe 取消订阅并释放本地队列
func (b *Backend) Unsubscribe(ctx context.Context, name string) error {
	if !b.mailboxes.Close(name) {
		return nil
	}
	if b.closed.Load() {
		return nil
	}
	if err := b.pubsub.Unsubscribe(ctx, b.keys.channel(name)); err != nil {
		return fmt.Errorf("%w: %w", ErrOperation, err)
	}
	return nil
}

// Receive 等待本地队列的下一条消息
func (b *Backend) Receive(ctx context.Context, name string, timeout time.Duration) (*channel.Message, error) {
	return b.mailboxes.Receive(ctx, name, timeout)
}

// GroupAdd 加入组
func (b *Backend) GroupAdd(ctx context.Context, group, name string) error {
	if group == "" {
		return channel.ErrInvalidGroupName
	}
	if name == "" {
		return channel.ErrInvalidChannel
	}
	if err := b.client.SAdd(ctx, b.keys.group(group), name).Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrOperation, err)
	}
	return nil
}

// GroupDiscard 移出组；Redis 会自动删除空集合
func (b *Backend) GroupDiscard(ctx context.Context, group, name string) error {
	if err := b.client.SRem(ctx, b.keys.group(group), name).Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrOperation, err)
	}
	return nil
}

// GroupChannels 组成员快照
func (b *Backend) GroupChannels(ctx context.Context, group string) ([]string, error) {
	members, err := b.client.SMembers(ctx, b.keys.group(group)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrOperation, err)
	}
	slices.Sort(members)
	return members, nil
}

// GroupSend 并发扇出到组内所有通道
func (b *Backend) GroupSend(ctx context.Context, group string, msg *channel.Message) (channel.GroupSendResult, error) {
	members, err := b.GroupChannels(ctx, group)
	if err != nil {
		return channel.GroupSendResult{Group: group}, err
	}
	result := channel.FanOut(ctx, group, members, b.fanout, func(ctx context.Context, name string) error {
		return b.Publish(ctx, name, msg)
	})
	channel.LogFanOutFailures(b.logger, "redis_backend.group_send", result)
	return result, nil
}

// NewChannel 生成集群内唯一的通道名
func (b *Backend) NewChannel(ctx context.Context, prefix string) (string, error) {
	if prefix == "" {
		prefix = channel.DefaultChannelPrefix
	}
	n, err := b.client.Incr(ctx, b.keys.counter()).Result()
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrOperation, err)
	}
	return fmt.Sprintf("%s.%d.%d", prefix, time.Now().UnixMilli(), n), nil
}

// RegistryPrefix 注册表前缀
func (b *Backend) RegistryPrefix() string {
	return b.keys.registry()
}

// Flush 删除前缀下全部键并释放本地队列
func (b *Backend) Flush(ctx context.Context) error {
	b.mailboxes.CloseAll()

	pattern := b.keys.all()
	var err error
	if cc, ok := b.client.(*redis.ClusterClient); ok {
		err = cc.ForEachMaster(ctx, func(ctx context.Context, c *redis.Client) error {
			return scanDelete(ctx, c, pattern)
		})
	} else {
		err = scanDelete(ctx, b.client, pattern)
	}
	if err != nil {
		return fmt.Errorf("%w: %w", ErrOperation, err)
	}
	return nil
}

func scanDelete(ctx context.Context, c redis.Cmdable, pattern string) error {
	iter := c.Scan(ctx, 0, pattern, 500).Iterator()
	batch := make([]string, 0, 500)
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == cap(batch) {
			if err := c.Del(ctx, batch...).Err(); err != nil {
				return err
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(batch) > 0 {
		return c.Del(ctx, batch...).Err()
	}
	return nil
}

// Close 关闭订阅与本地队列；自建的客户端一并关闭
func (b *Backend) Close() error {
	if b.closed.Swap(true) {
		return nil
	}
	b.mailboxes.CloseAll()

	var errs []error
	if err := b.pubsub.Close(); err != nil {
		errs = append(errs, err)
	}
	<-b.done
	if b.ownClient {
		if err := b.client.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// 连接记录字段
const (
	fieldUserID           = "user_id"
	fieldMetadata         = "metadata"
	fieldGroups           = "groups"
	fieldHeartbeatTimeout = "heartbeat_timeout_ms"
	fieldNode             = "node"
	fieldConnectedAt      = "connected_at"
)

// AddConnection 注册连接；用户变化时修正用户索引
func (b *Backend) AddConnection(ctx context.Context, entry channel.RegistryEntry) error {
	if entry.ConnectionID == "" {
		return channel.ErrInvalidChannel
	}
	metadata, err := json.Marshal(entry.Metadata)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSerialization, err)
	}
	groups := entry.Groups
	if groups == nil {
		groups = []string{}
	}
	groupsJSON, err := json.Marshal(groups)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSerialization, err)
	}

	connKey := b.keys.connection(entry.ConnectionID)
	return b.watchConnection(ctx, connKey, func(tx *redis.Tx, prevUser string) error {
		_, err := tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.HSet(ctx, connKey,
				fieldUserID, entry.UserID,
				fieldMetadata, string(metadata),
				fieldGroups, string(groupsJSON),
				fieldHeartbeatTimeout, strconv.FormatInt(entry.HeartbeatTimeout.Milliseconds(), 10),
				fieldNode, b.nodeID,
				fieldConnectedAt, strconv.FormatInt(time.Now().Unix(), 10),
			)
			p.SAdd(ctx, b.keys.connections(), entry.ConnectionID)
			if prevUser != "" && prevUser != entry.UserID {
				p.SRem(ctx, b.keys.user(prevUser), entry.ConnectionID)
			}
			if entry.UserID != "" {
				p.SAdd(ctx, b.keys.user(entry.UserID), entry.ConnectionID)
			}
			return nil
		})
		return err
	})
}

// RemoveConnection 删除连接，未知连接为空操作
func (b *Backend) RemoveConnection(ctx context.Context, connectionID, userID string) error {
	connKey := b.keys.connection(connectionID)
	return b.watchConnection(ctx, connKey, func(tx *redis.Tx, prevUser string) error {
		_, err := tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Del(ctx, connKey)
			p.SRem(ctx, b.keys.connections(), connectionID)
			if userID != "" {
				p.SRem(ctx, b.keys.user(userID), connectionID)
			}
			if prevUser != "" && prevUser != userID {
				p.SRem(ctx, b.keys.user(prevUser), connectionID)
			}
			return nil
		})
		return err
	})
}

// maxTxRetries WATCH 冲突时的最大重试次数
const maxTxRetries = 5

// watchConnection 在 WATCH connKey 下读取旧用户并执行事务，键被并发修改时重试
func (b *Backend) watchConnection(ctx context.Context, connKey string, fn func(tx *redis.Tx, prevUser string) error) error {
	txf := func(tx *redis.Tx) error {
		prevUser, err := tx.HGet(ctx, connKey, fieldUserID).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		return fn(tx, prevUser)
	}

	var err error
	for range maxTxRetries {
		err = b.client.Watch(ctx, txf, connKey)
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
	}
	if err != nil {
		return fmt.Errorf("%w: %w", ErrOperation, err)
	}
	return nil
}

// UpdateGroups 更新连接的组快照，未知连接为空操作
func (b *Backend) UpdateGroups(ctx context.Context, connectionID string, groups []string) error {
	connKey := b.keys.connection(connectionID)
	n, err := b.client.Exists(ctx, connKey).Result()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrOperation, err)
	}
	if n == 0 {
		return nil
	}
	if groups == nil {
		groups = []string{}
	}
	data, err := json.Marshal(groups)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSerialization, err)
	}
	if err := b.client.HSet(ctx, connKey, fieldGroups, string(data)).Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrOperation, err)
	}
	return nil
}

// ConnectionGroups 连接的组快照
func (b *Backend) ConnectionGroups(ctx context.Context, connectionID string) ([]string, error) {
	raw, err := b.client.HGet(ctx, b.keys.connection(connectionID), fieldGroups).Result()
	if errors.Is(err, redis.Nil) {
		return []string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrOperation, err)
	}
	var groups []string
	if err := json.Unmarshal([]byte(raw), &groups); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSerialization, err)
	}
	if groups == nil {
		groups = []string{}
	}
	return groups, nil
}

// CountConnections 集群内在线连接数
func (b *Backend) CountConnections(ctx context.Context) (int, error) {
	n, err := b.client.SCard(ctx, b.keys.connections()).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrOperation, err)
	}
	return int(n), nil
}

// UserConnections 用户的全部连接
func (b *Backend) UserConnections(ctx context.Context, userID string) ([]string, error) {
	ids, err := b.client.SMembers(ctx, b.keys.user(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrOperation, err)
	}
	slices.Sort(ids)
	return ids, nil
}

package redisbackend

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokmz/chanlayer/pkg/channel"
)

func TestKeys(t *testing.T) {
	k := keys{prefix: "app:"}
	assert.Equal(t, "app:ch:ws.1.1", k.channel("ws.1.1"))
	assert.Equal(t, "app:group:room", k.group("room"))
	assert.Equal(t, "app:{registry}:", k.registry())
	assert.Equal(t, "app:{registry}:conn:c1", k.connection("c1"))
	assert.Equal(t, "app:{registry}:connections", k.connections())
	assert.Equal(t, "app:{registry}:user:u1", k.user("u1"))
	assert.True(t, strings.HasPrefix(k.connection("c1"), k.registry()))
	assert.Equal(t, "app:*", k.all())
}

// hashTag 按 Redis Cluster 规则取参与槽位计算的部分
func hashTag(key string) string {
	start := strings.IndexByte(key, '{')
	if start < 0 {
		return key
	}
	end := strings.IndexByte(key[start+1:], '}')
	if end <= 0 {
		return key
	}
	return key[start+1 : start+1+end]
}

func TestKeys_RegistrySharesSlot(t *testing.T) {
	for _, prefix := range []string{"", "app:", "chanlayer:"} {
		k := keys{prefix: prefix}
		tx := []string{
			k.connection("ws.1.1"),
			k.connection("ws.9.42"),
			k.connections(),
			k.user("u1"),
			k.user("another-user"),
		}
		for _, key := range tx {
			assert.Equal(t, "registry", hashTag(key), key)
		}
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"default", func(*Config) {}, false},
		{"standalone without addr", func(c *Config) { c.Addr = "" }, true},
		{"cluster with two nodes", func(c *Config) {
			c.Mode = ModeCluster
			c.Addrs = []string{"a:1", "b:1"}
		}, true},
		{"cluster", func(c *Config) {
			c.Mode = ModeCluster
			c.Addrs = []string{"a:1", "b:1", "c:1"}
		}, false},
		{"sentinel without master", func(c *Config) {
			c.Mode = ModeSentinel
			c.Addrs = []string{"s:26379"}
		}, true},
		{"unknown mode", func(c *Config) { c.Mode = "ring" }, true},
		{"zero queue", func(c *Config) { c.QueueSize = 0 }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidConfig)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

// newTestBackend 需要设置 CHANLAYER_TEST_REDIS（如 localhost:6379）
func newTestBackend(t *testing.T) *Backend {
	t.Helper()
	addr := os.Getenv("CHANLAYER_TEST_REDIS")
	if addr == "" {
		t.Skip("CHANLAYER_TEST_REDIS not set")
	}
	cfg := DefaultConfig()
	cfg.Addr = addr
	cfg.KeyPrefix = fmt.Sprintf("chanlayer-test:%s:", uuid.NewString())
	cfg.QueueSize = 2

	b, err := New(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = b.Flush(context.Background())
		_ = b.Close()
	})
	return b
}

func mustMessage(t *testing.T, typ string, data any) *channel.Message {
	t.Helper()
	msg, err := channel.NewMessage(typ, data)
	require.NoError(t, err)
	return msg
}

func TestBackend_LocalPublishReceive(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	require.NoError(t, b.Subscribe(ctx, "c1"))
	require.NoError(t, b.Publish(ctx, "c1", mustMessage(t, "chat", "hi")))

	got, err := b.Receive(ctx, "c1", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "chat", got.Type)

	_, err = b.Receive(ctx, "c1", 20*time.Millisecond)
	assert.ErrorIs(t, err, channel.ErrTimedOut)
	_, err = b.Receive(ctx, "unknown", 20*time.Millisecond)
	assert.ErrorIs(t, err, channel.ErrChannelNotFound)
}

func TestBackend_CrossNodeDelivery(t *testing.T) {
	a := newTestBackend(t)
	ctx := context.Background()

	cfg := DefaultConfig()
	cfg.Addr = os.Getenv("CHANLAYER_TEST_REDIS")
	cfg.KeyPrefix = a.keys.prefix
	other, err := New(ctx, cfg)
	require.NoError(t, err)
	defer other.Close()

	require.NoError(t, other.Subscribe(ctx, "remote"))
	// 订阅在服务端生效前发布的消息会丢失
	require.Eventually(t, func() bool {
		n, err := a.client.PubSubNumSub(ctx, a.keys.channel("remote")).Result()
		return err == nil && n[a.keys.channel("remote")] == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, a.Publish(ctx, "remote", mustMessage(t, "chat", "across")))
	got, err := other.Receive(ctx, "remote", 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "chat", got.Type)
	assert.JSONEq(t, `"across"`, string(got.Data))

	// 无订阅者时静默丢弃
	assert.NoError(t, a.Publish(ctx, "nobody", mustMessage(t, "chat", nil)))
}

func TestBackend_GroupSend(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	for _, ch := range []string{"a", "b", "c"} {
		require.NoError(t, b.Subscribe(ctx, ch))
		require.NoError(t, b.GroupAdd(ctx, "room", ch))
	}
	require.NoError(t, b.GroupAdd(ctx, "room", "a"))

	// 队列容量为 2，填满 b
	require.NoError(t, b.Publish(ctx, "b", mustMessage(t, "filler", nil)))
	require.NoError(t, b.Publish(ctx, "b", mustMessage(t, "filler", nil)))

	result, err := b.GroupSend(ctx, "room", mustMessage(t, "chat", nil))
	require.NoError(t, err)
	assert.Equal(t, 3, result.Total)
	assert.Equal(t, []string{"b"}, result.FailedChannels)

	for _, ch := range []string{"a", "b", "c"} {
		require.NoError(t, b.GroupDiscard(ctx, "room", ch))
	}
	n, err := b.client.Exists(ctx, b.keys.group("room")).Result()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestBackend_Registry(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	require.NoError(t, b.AddConnection(ctx, channel.RegistryEntry{ConnectionID: "c1"}))
	require.NoError(t, b.AddConnection(ctx, channel.RegistryEntry{
		ConnectionID:     "c1",
		UserID:           "u1",
		Metadata:         map[string]any{"ip": "10.0.0.1"},
		HeartbeatTimeout: time.Minute,
	}))
	require.NoError(t, b.AddConnection(ctx, channel.RegistryEntry{ConnectionID: "c2", UserID: "u1"}))

	n, err := b.CountConnections(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	ids, err := b.UserConnections(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, []string{"c1", "c2"}, ids)

	require.NoError(t, b.UpdateGroups(ctx, "c1", []string{"room"}))
	require.NoError(t, b.UpdateGroups(ctx, "ghost", []string{"room"}))
	groups, err := b.ConnectionGroups(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, []string{"room"}, groups)
	groups, err = b.ConnectionGroups(ctx, "ghost")
	require.NoError(t, err)
	assert.Empty(t, groups)

	require.NoError(t, b.RemoveConnection(ctx, "c1", "u1"))
	require.NoError(t, b.RemoveConnection(ctx, "c2", "u1"))

	exists, err := b.client.Exists(ctx, b.keys.user("u1")).Result()
	require.NoError(t, err)
	assert.Zero(t, exists)
}

func TestBackend_RegistryConcurrentRebind(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	users := []string{"u1", "u2", "u3", "u4"}
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(user string) {
			defer wg.Done()
			// 重试耗尽时放弃本次写入，不能留下不一致的索引
			if err := b.AddConnection(ctx, channel.RegistryEntry{ConnectionID: "c1", UserID: user}); err != nil {
				assert.ErrorIs(t, err, redis.TxFailedErr)
			}
		}(users[i%len(users)])
	}
	wg.Wait()

	owner, err := b.client.HGet(ctx, b.keys.connection("c1"), fieldUserID).Result()
	require.NoError(t, err)
	holders := 0
	for _, u := range users {
		ids, err := b.UserConnections(ctx, u)
		require.NoError(t, err)
		if len(ids) > 0 {
			holders++
			assert.Equal(t, owner, u)
			assert.Equal(t, []string{"c1"}, ids)
		}
	}
	assert.Equal(t, 1, holders)

	require.NoError(t, b.RemoveConnection(ctx, "c1", ""))
	for _, u := range users {
		ids, err := b.UserConnections(ctx, u)
		require.NoError(t, err)
		assert.Empty(t, ids, u)
	}
}

func TestBackend_NewChannelUnique(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	seen := make(map[string]struct{})
	for i := 0; i < 100; i++ {
		name, err := b.NewChannel(ctx, "ws")
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(name, "ws."))
		seen[name] = struct{}{}
	}
	assert.Len(t, seen, 100)
	assert.Equal(t, b.keys.prefix+"{registry}:", b.RegistryPrefix())
}

func TestBackend_WorksWithManager(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	cfg := channel.DefaultConfig()
	cfg.HeartbeatInterval = 50 * time.Millisecond
	cfg.HeartbeatTimeout = time.Second
	m, err := channel.NewConnectionManager(b, channel.WithConfig(cfg))
	require.NoError(t, err)
	defer m.Shutdown(ctx)

	conn, err := m.Connect(ctx, nopTransport{}, channel.WithUserID("u1"))
	require.NoError(t, err)
	require.NoError(t, m.JoinGroup(ctx, conn.ChannelName(), "room"))

	groups, err := b.ConnectionGroups(ctx, conn.ChannelName())
	require.NoError(t, err)
	assert.Equal(t, []string{"room"}, groups)

	require.NoError(t, m.Disconnect(ctx, conn.ChannelName(), channel.CloseNormal))
	members, err := b.GroupChannels(ctx, "room")
	require.NoError(t, err)
	assert.Empty(t, members)
}

type nopTransport struct{}

func (nopTransport) Send(context.Context, []byte) error { return nil }
func (nopTransport) Close(int, string) error { return nil }

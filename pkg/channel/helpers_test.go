package channel

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeTransport 记录所有出站帧
type fakeTransport struct {
	mu        sync.Mutex
	frames    [][]byte
	priority  []Priority
	closed    bool
	code      int
	reason    string
	failSends bool
}

func (t *fakeTransport) Send(ctx context.Context, data []byte) error {
	return t.SendPriority(ctx, data, PriorityNormal)
}

func (t *fakeTransport) SendPriority(_ context.Context, data []byte, p Priority) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failSends {
		return errors.New("transport broken")
	}
	t.frames = append(t.frames, append([]byte(nil), data...))
	t.priority = append(t.priority, p)
	return nil
}

func (t *fakeTransport) Close(code int, reason string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	t.code = code
	t.reason = reason
	return nil
}

func (t *fakeTransport) Frames() [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([][]byte, len(t.frames))
	copy(out, t.frames)
	return out
}

func (t *fakeTransport) Closed() (bool, int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed, t.code
}

// decodeFrames 把出站帧解码为通用 map
func decodeFrames(t *testing.T, frames [][]byte) []map[string]any {
	t.Helper()
	out := make([]map[string]any, 0, len(frames))
	for _, f := range frames {
		var m map[string]any
		require.NoError(t, json.Unmarshal(f, &m))
		out = append(out, m)
	}
	return out
}

// waitFrames 等待传输收到至少 n 帧
func waitFrames(t *testing.T, tr *fakeTransport, n int) [][]byte {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(tr.Frames()) >= n
	}, 2*time.Second, 5*time.Millisecond)
	return tr.Frames()
}

// fakeClock 可手动推进的时钟
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// testConfig 心跳间隔较短的配置
func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.HeartbeatInterval = 50 * time.Millisecond
	cfg.HeartbeatTimeout = 200 * time.Millisecond
	return cfg
}

func newTestManager(t *testing.T, opts ...Option) (*ConnectionManager, *MemoryBackend) {
	t.Helper()
	backend := NewMemoryBackend()
	opts = append([]Option{WithConfig(testConfig())}, opts...)
	m, err := NewConnectionManager(backend, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
		_ = backend.Close()
	})
	return m, backend
}

func mustMessage(t *testing.T, typ string, data any, opts ...MessageOption) *Message {
	t.Helper()
	msg, err := NewMessage(typ, data, opts...)
	require.NoError(t, err)
	return msg
}

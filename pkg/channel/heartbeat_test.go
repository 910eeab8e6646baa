package channel

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSweep_PingsLiveConnections(t *testing.T) {
	clock := newFakeClock()
	m, _ := newTestManager(t, WithClock(clock.Now))
	tr := &fakeTransport{}

	conn, err := m.Connect(context.Background(), tr)
	require.NoError(t, err)

	result := m.Sweep(context.Background())
	assert.Equal(t, 1, result.Pinged)
	assert.Empty(t, result.Expired)

	frames := decodeFrames(t, waitFrames(t, tr, 1))
	assert.Equal(t, TypePing, frames[0]["type"])
	assert.Equal(t, "high", frames[0]["priority"])
	tr.mu.Lock()
	assert.Equal(t, PriorityHigh, tr.priority[0])
	tr.mu.Unlock()
	assert.Equal(t, StateConnected, conn.State())
}

func TestSweep_DisconnectsExpired(t *testing.T) {
	clock := newFakeClock()
	m, backend := newTestManager(t, WithClock(clock.Now))
	stale, fresh := &fakeTransport{}, &fakeTransport{}

	c1, err := m.Connect(context.Background(), stale)
	require.NoError(t, err)
	clock.Advance(150 * time.Millisecond)
	c2, err := m.Connect(context.Background(), fresh)
	require.NoError(t, err)
	clock.Advance(100 * time.Millisecond)

	result := m.Sweep(context.Background())
	assert.Equal(t, []string{c1.ChannelName()}, result.Expired)
	assert.Equal(t, 1, result.Pinged)

	closed, code := stale.Closed()
	assert.True(t, closed)
	assert.Equal(t, CloseHeartbeatTimeout, code)
	assert.Equal(t, StateDisconnected, c1.State())
	assert.Equal(t, StateConnected, c2.State())

	n, _ := backend.CountConnections(context.Background())
	assert.Equal(t, 1, n)
}

func TestSweep_PongKeepsConnectionAlive(t *testing.T) {
	clock := newFakeClock()
	m, _ := newTestManager(t, WithClock(clock.Now))

	conn, err := m.Connect(context.Background(), &fakeTransport{})
	require.NoError(t, err)

	clock.Advance(150 * time.Millisecond)
	conn.UpdateHeartbeat()
	clock.Advance(150 * time.Millisecond)

	result := m.Sweep(context.Background())
	assert.Empty(t, result.Expired)
	assert.Equal(t, StateConnected, conn.State())
}

func TestHeartbeatMonitor_StartStop(t *testing.T) {
	m, _ := newTestManager(t)
	tr := &fakeTransport{}
	_, err := m.Connect(context.Background(), tr, WithHeartbeatTimeout(time.Minute))
	require.NoError(t, err)

	hm := NewHeartbeatMonitor(m, time.Second)
	require.NoError(t, hm.Start())
	require.NoError(t, hm.Start())

	require.Eventually(t, func() bool {
		return len(tr.Frames()) > 0
	}, 3*time.Second, 20*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, hm.Stop(ctx))
	require.NoError(t, hm.Stop(ctx))
}

package channel

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	chanerr "github.com/tokmz/chanlayer/pkg/errors"
	"github.com/tokmz/chanlayer/pkg/logger"
)

// recordingHooks 记录回调调用
type recordingHooks struct {
	mu          sync.Mutex
	received    []*Message
	disconnects []int
	receiveErr  error
	connectErr  error
}

func (h *recordingHooks) OnConnect(context.Context, *Consumer) error {
	return h.connectErr
}

func (h *recordingHooks) OnDisconnect(_ context.Context, _ *Consumer, code int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.disconnects = append(h.disconnects, code)
	return nil
}

func (h *recordingHooks) OnReceive(_ context.Context, _ *Consumer, msg *Message) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.received = append(h.received, msg)
	return h.receiveErr
}

func (h *recordingHooks) Received() []*Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*Message(nil), h.received...)
}

type consumerFixture struct {
	manager   *ConnectionManager
	transport *fakeTransport
	hooks     *recordingHooks
	consumer  *Consumer
}

func newConsumerFixture(t *testing.T, userID string, opts ...ConsumerOption) *consumerFixture {
	t.Helper()
	m, _ := newTestManager(t)
	tr := &fakeTransport{}

	var copts []ConnectOption
	if userID != "" {
		copts = append(copts, WithUserID(userID))
	}
	conn, err := m.Connect(context.Background(), tr, copts...)
	require.NoError(t, err)

	hooks := &recordingHooks{}
	base := []ConsumerOption{WithPipeline(NewDefaultPipeline(m.Config(), logger.NewNop(), nil))}
	return &consumerFixture{
		manager:   m,
		transport: tr,
		hooks:     hooks,
		consumer:  NewConsumer(conn, m, hooks, append(base, opts...)...),
	}
}

func TestConsumer_InvalidJSONSendsErrorResponse(t *testing.T) {
	f := newConsumerFixture(t, "u1")

	err := f.consumer.HandleMessage(context.Background(), []byte(`{broken`))
	require.NoError(t, err)
	assert.Empty(t, f.hooks.Received())

	frames := decodeFrames(t, waitFrames(t, f.transport, 1))
	resp := frames[0]
	assert.Equal(t, "error", resp["type"])
	assert.Equal(t, chanerr.CodeInvalidJSON, resp["code"])
	assert.Equal(t, string(chanerr.KindValidation), resp["kind"])
	details, ok := resp["details"].(map[string]any)
	require.True(t, ok)
	assert.NotEmpty(t, details["parse_error"])
	assert.Equal(t, StateConnected, f.consumer.Connection().State())
}

func TestConsumer_ReceivedMessageReachesManagerEvents(t *testing.T) {
	ctx := context.Background()
	var (
		mu       sync.Mutex
		received []Event
	)
	sink := EventSinkFunc(func(_ context.Context, ev Event) error {
		if ev.Type == EventMessageReceived {
			mu.Lock()
			received = append(received, ev)
			mu.Unlock()
		}
		return nil
	})
	m, _ := newTestManager(t, WithEvents(sink))
	conn, err := m.Connect(ctx, &fakeTransport{}, WithUserID("u1"))
	require.NoError(t, err)

	hooks := &recordingHooks{}
	c := NewConsumer(conn, m, hooks, WithPipeline(NewDefaultPipeline(m.Config(), logger.NewNop(), nil)))
	require.NoError(t, c.HandleMessage(ctx, []byte(`{"type":"chat","data":"hi"}`)))
	require.Len(t, hooks.Received(), 1)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 1)
	assert.Equal(t, conn.ChannelName(), received[0].ConnectionID)
	assert.Equal(t, "u1", received[0].UserID)
	assert.Equal(t, "chat", received[0].MessageType)
}

func TestConsumer_PongUpdatesHeartbeatOnly(t *testing.T) {
	f := newConsumerFixture(t, "")
	conn := f.consumer.Connection()
	before := conn.LastHeartbeat()

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, f.consumer.HandleMessage(context.Background(), []byte(`{"type":"pong"}`)))

	assert.True(t, conn.LastHeartbeat().After(before))
	assert.Empty(t, f.hooks.Received())
	assert.Empty(t, f.transport.Frames())
	assert.Zero(t, conn.Stats().MessagesReceived)
}

func TestConsumer_ForcesSenderAndCountsBytes(t *testing.T) {
	f := newConsumerFixture(t, "u1")
	raw := []byte(`{"type":"chat","data":{"text":"hi"},"sender_id":"spoofed","priority":"bogus"}`)

	require.NoError(t, f.consumer.HandleMessage(context.Background(), raw))

	got := f.hooks.Received()
	require.Len(t, got, 1)
	assert.Equal(t, f.consumer.ChannelName(), got[0].SenderID)
	assert.Equal(t, PriorityNormal, got[0].Priority)
	assert.JSONEq(t, `{"text":"hi"}`, string(got[0].Data))

	stats := f.consumer.Connection().Stats()
	assert.Equal(t, uint64(len(raw)), stats.BytesReceived)
	assert.Equal(t, uint64(1), stats.MessagesReceived)
}

func TestConsumer_UnauthenticatedRejected(t *testing.T) {
	f := newConsumerFixture(t, "")

	require.NoError(t, f.consumer.HandleMessage(context.Background(), []byte(`{"type":"chat"}`)))
	assert.Empty(t, f.hooks.Received())

	frames := decodeFrames(t, waitFrames(t, f.transport, 1))
	assert.Equal(t, chanerr.CodeAuthenticationRequired, frames[0]["code"])

	// 握手与心跳消息不需要认证
	require.NoError(t, f.consumer.HandleMessage(context.Background(), []byte(`{"type":"connect"}`)))
	require.NoError(t, f.consumer.HandleMessage(context.Background(), []byte(`{"type":"ping"}`)))
	assert.Len(t, f.hooks.Received(), 2)
}

func TestConsumer_TypedHookErrorIsAnswered(t *testing.T) {
	f := newConsumerFixture(t, "u1")
	f.hooks.receiveErr = chanerr.NewMessageError("unknown command", nil)

	require.NoError(t, f.consumer.HandleMessage(context.Background(), []byte(`{"type":"chat"}`)))

	frames := decodeFrames(t, waitFrames(t, f.transport, 1))
	assert.Equal(t, "error", frames[0]["type"])
	assert.Equal(t, chanerr.CodeMessage, frames[0]["code"])
	assert.Equal(t, "unknown command", frames[0]["message"])
	assert.NotNil(t, frames[0]["context"])
}

func TestConsumer_UntypedHookErrorPropagates(t *testing.T) {
	f := newConsumerFixture(t, "u1")
	boom := errors.New("database down")
	f.hooks.receiveErr = boom

	err := f.consumer.HandleMessage(context.Background(), []byte(`{"type":"chat"}`))
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, f.transport.Frames())
}

func TestConsumer_OversizedMessage(t *testing.T) {
	cfg := testConfig()
	cfg.MaxMessageSize = 32

	f := newConsumerFixture(t, "u1")
	f.consumer.pipeline = NewDefaultPipeline(cfg, logger.NewNop(), nil)

	require.NoError(t, f.consumer.HandleMessage(context.Background(),
		[]byte(`{"type":"chat","data":"this payload is certainly longer than thirty two bytes"}`)))

	frames := decodeFrames(t, waitFrames(t, f.transport, 1))
	assert.Equal(t, chanerr.CodeMessageTooLarge, frames[0]["code"])
	assert.Empty(t, f.hooks.Received())
}

func TestConsumer_DisconnectRunsHookOnce(t *testing.T) {
	f := newConsumerFixture(t, "u1")
	ctx := context.Background()

	require.NoError(t, f.consumer.Disconnect(ctx, CloseNormal))
	require.NoError(t, f.consumer.Disconnect(ctx, CloseNormal))

	f.hooks.mu.Lock()
	assert.Equal(t, []int{CloseNormal}, f.hooks.disconnects)
	f.hooks.mu.Unlock()
	assert.Equal(t, StateDisconnected, f.consumer.Connection().State())
}

func TestConsumer_ConnectHookTypedError(t *testing.T) {
	f := newConsumerFixture(t, "")
	f.hooks.connectErr = chanerr.NewAuthenticationError("token expired", nil)

	err := f.consumer.Connect(context.Background())
	require.Error(t, err)

	frames := decodeFrames(t, waitFrames(t, f.transport, 1))
	assert.Equal(t, chanerr.CodeAuthenticationRequired, frames[0]["code"])
}

func TestConsumer_GroupHelpers(t *testing.T) {
	f := newConsumerFixture(t, "u1")
	ctx := context.Background()

	require.NoError(t, f.consumer.JoinGroup(ctx, "room"))
	result, err := f.consumer.SendToGroup(ctx, "room", mustMessage(t, "chat", "hello"))
	require.NoError(t, err)
	assert.Equal(t, 1, result.Total)

	frames := decodeFrames(t, waitFrames(t, f.transport, 1))
	assert.Equal(t, f.consumer.ChannelName(), frames[0]["sender_id"])
	assert.Equal(t, "room", frames[0]["group"])

	require.NoError(t, f.consumer.LeaveGroup(ctx, "room"))
	assert.False(t, f.consumer.Connection().InGroup("room"))
}

func TestConsumer_SendJSONUsesTypeField(t *testing.T) {
	f := newConsumerFixture(t, "u1")

	require.NoError(t, f.consumer.SendJSON(context.Background(), map[string]any{"type": "welcome", "n": 1}))
	frames := decodeFrames(t, waitFrames(t, f.transport, 1))
	assert.Equal(t, "welcome", frames[0]["type"])
}

func TestConsumer_DispatchSpan(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	f := newConsumerFixture(t, "u1", WithTracerProvider(tp))

	require.NoError(t, f.consumer.HandleMessage(context.Background(), []byte(`{"type":"chat"}`)))

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "channel.dispatch", spans[0].Name())
}

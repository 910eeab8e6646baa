package channel

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	chanerr "github.com/tokmz/chanlayer/pkg/errors"
	"github.com/tokmz/chanlayer/pkg/logger"
)

func newTestConnection(userID string) *Connection {
	c := NewConnection("ws.1.1", &fakeTransport{}, time.Minute, nil)
	c.setUserID(userID)
	c.advance(StateConnecting, StateConnected)
	return c
}

func TestAuthenticationMiddleware(t *testing.T) {
	ctx := context.Background()
	mw := NewAuthenticationMiddleware(logger.NewNop())
	anon := newTestConnection("")

	for _, typ := range []string{TypePing, TypePong, TypeConnect} {
		out, err := mw.Process(ctx, mustMessage(t, typ, nil), anon, nil)
		require.NoError(t, err, typ)
		assert.NotNil(t, out, typ)
	}

	_, err := mw.Process(ctx, mustMessage(t, "chat", nil), anon, nil)
	require.Error(t, err)
	te, ok := chanerr.AsTyped(err)
	require.True(t, ok)
	assert.Equal(t, chanerr.CodeAuthenticationRequired, te.Code)
	assert.Equal(t, chanerr.KindAuthentication, te.Kind)
	assert.Equal(t, "ws.1.1", te.Context.ConnectionID)
	assert.Equal(t, "chat", te.Context.MessageType)

	out, err := mw.Process(ctx, mustMessage(t, "chat", nil), newTestConnection("u1"), nil)
	require.NoError(t, err)
	assert.NotNil(t, out)
}

func TestValidationMiddleware_TooLarge(t *testing.T) {
	mw := NewValidationMiddleware(64)
	big := mustMessage(t, "chat", strings.Repeat("x", 200))

	_, err := mw.Process(context.Background(), big, newTestConnection("u1"), nil)
	te, ok := chanerr.AsTyped(err)
	require.True(t, ok)
	assert.Equal(t, chanerr.CodeMessageTooLarge, te.Code)
	assert.Equal(t, chanerr.KindValidation, te.Kind)
	assert.Contains(t, te.Message, "(max: 64)")
	assert.Equal(t, 64, te.Context.Extra["max_size"])
}

func TestValidationMiddleware_DropsExpired(t *testing.T) {
	clock := newFakeClock()
	mw := NewValidationMiddleware(1024).WithClock(clock.Now)
	msg := mustMessage(t, "chat", nil, WithTTL(time.Second), WithCreatedAt(clock.Now()))

	out, err := mw.Process(context.Background(), msg, newTestConnection("u1"), nil)
	require.NoError(t, err)
	assert.NotNil(t, out)

	clock.Advance(2 * time.Second)
	out, err = mw.Process(context.Background(), msg, newTestConnection("u1"), nil)
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestRateLimitMiddleware(t *testing.T) {
	ctx := context.Background()
	tb := NewTokenBucket(1, time.Minute, 1, WithLimiterClock(newFakeClock().Now))
	mw := NewRateLimitMiddleware(tb, true, logger.NewNop())
	conn := newTestConnection("u1")

	_, err := mw.Process(ctx, mustMessage(t, "chat", nil), conn, nil)
	require.NoError(t, err)

	_, err = mw.Process(ctx, mustMessage(t, "chat", nil), conn, nil)
	te, ok := chanerr.AsTyped(err)
	require.True(t, ok)
	assert.Equal(t, chanerr.CodeRateLimitExceeded, te.Code)
	assert.Equal(t, "ws.1.1", te.Context.Extra["rate_limit_key"])

	// 心跳消息不受限流
	for i := 0; i < 5; i++ {
		_, err = mw.Process(ctx, mustMessage(t, TypePing, nil), conn, nil)
		require.NoError(t, err)
	}
}

func TestRateLimitMiddleware_Disabled(t *testing.T) {
	tb := NewTokenBucket(1, time.Minute, 1)
	mw := NewRateLimitMiddleware(tb, false, logger.NewNop())
	conn := newTestConnection("u1")

	for i := 0; i < 10; i++ {
		out, err := mw.Process(context.Background(), mustMessage(t, "chat", nil), conn, nil)
		require.NoError(t, err)
		require.NotNil(t, out)
	}
	assert.Zero(t, tb.Len())
}

func TestPipeline_ShortCircuits(t *testing.T) {
	var calls []string
	stage := func(name string, drop bool, err error) Middleware {
		return MiddlewareFunc(func(_ context.Context, msg *Message, _ *Connection, _ *Consumer) (*Message, error) {
			calls = append(calls, name)
			if err != nil {
				return nil, err
			}
			if drop {
				return nil, nil
			}
			return msg, nil
		})
	}

	p := NewPipeline(stage("a", false, nil), stage("b", true, nil), stage("c", false, nil))
	out, err := p.Process(context.Background(), mustMessage(t, "chat", nil), newTestConnection("u1"), nil)
	require.NoError(t, err)
	assert.Nil(t, out)
	assert.Equal(t, []string{"a", "b"}, calls)

	calls = nil
	boom := chanerr.NewMessageError("boom", nil)
	p = NewPipeline(stage("a", false, boom), stage("b", false, nil))
	_, err = p.Process(context.Background(), mustMessage(t, "chat", nil), newTestConnection("u1"), nil)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"a"}, calls)
}

func TestPipeline_StageCanReplaceMessage(t *testing.T) {
	tag := MiddlewareFunc(func(_ context.Context, msg *Message, _ *Connection, _ *Consumer) (*Message, error) {
		return msg.Clone(WithMetadata(map[string]any{"tagged": true})), nil
	})
	p := NewPipeline().Use(tag, NewLoggingMiddleware(logger.NewNop()))
	assert.Equal(t, 2, p.Len())

	out, err := p.Process(context.Background(), mustMessage(t, "chat", nil), newTestConnection("u1"), nil)
	require.NoError(t, err)
	assert.Equal(t, true, out.Metadata["tagged"])
}

func TestLoggingMiddleware_EmitsMessageReceived(t *testing.T) {
	var got []Event
	sink := EventSinkFunc(func(_ context.Context, ev Event) error {
		got = append(got, ev)
		return nil
	})
	mw := NewLoggingMiddleware(logger.NewNop()).WithEvents(sink)

	msg := mustMessage(t, "chat", "hi", WithGroup("room"))
	out, err := mw.Process(context.Background(), msg, newTestConnection("u1"), nil)
	require.NoError(t, err)
	assert.Same(t, msg, out)

	require.Len(t, got, 1)
	assert.Equal(t, EventMessageReceived, got[0].Type)
	assert.Equal(t, "ws.1.1", got[0].ConnectionID)
	assert.Equal(t, "u1", got[0].UserID)
	assert.Equal(t, "room", got[0].Group)
	assert.Equal(t, "chat", got[0].MessageType)
	assert.False(t, got[0].Time.IsZero())

	// 出口失败不影响消息流转
	failing := NewLoggingMiddleware(logger.NewNop()).WithEvents(EventSinkFunc(func(context.Context, Event) error {
		return assert.AnError
	}))
	out, err = failing.Process(context.Background(), msg, newTestConnection("u1"), nil)
	require.NoError(t, err)
	assert.Same(t, msg, out)
}

func TestDefaultPipeline_Order(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RateLimit.Enabled = true
	tb := NewTokenBucket(1, time.Minute, 1, WithLimiterClock(newFakeClock().Now))
	p := NewDefaultPipeline(cfg, logger.NewNop(), tb)
	require.Equal(t, 4, p.Len())

	// 未认证的消息在限流之前被拒绝，不消耗令牌
	_, err := p.Process(context.Background(), mustMessage(t, "chat", nil), newTestConnection(""), nil)
	te, ok := chanerr.AsTyped(err)
	require.True(t, ok)
	assert.Equal(t, chanerr.CodeAuthenticationRequired, te.Code)
	assert.Zero(t, tb.Len())
}

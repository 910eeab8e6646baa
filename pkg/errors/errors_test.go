package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithMessageDoesNotMutateShared(t *testing.T) {
	e := ErrRateLimitExceeded.WithMessage("slow down")
	assert.Equal(t, "slow down", e.Message)
	assert.Equal(t, "Rate limit exceeded", ErrRateLimitExceeded.Message)
}

func TestWithDetailCopiesMap(t *testing.T) {
	a := ErrValidation.WithDetail("size", 10)
	b := a.WithDetail("max", 5)
	assert.Len(t, a.Details, 1)
	assert.Len(t, b.Details, 2)
	assert.Nil(t, ErrValidation.Details)
}

func TestIsComparesCode(t *testing.T) {
	e := ErrInvalidJSON.WithMessage("bad").WithError(fmt.Errorf("eof"))
	assert.True(t, stderrors.Is(e, ErrInvalidJSON))
	assert.False(t, stderrors.Is(e, ErrValidation))
}

func TestAsTypedThroughWrap(t *testing.T) {
	err := fmt.Errorf("dispatch: %w", NewRateLimitError("limited", nil))
	e, ok := AsTyped(err)
	require.True(t, ok)
	assert.Equal(t, KindRateLimit, e.Kind)
	assert.True(t, IsKind(err, KindRateLimit))

	_, ok = AsTyped(fmt.Errorf("plain"))
	assert.False(t, ok)
}

func TestResponseEnvelope(t *testing.T) {
	e := NewAuthenticationError("Authentication required", &Context{
		ConnectionID: "ws.1.1",
		MessageType:  "chat",
		Component:    "authentication_middleware",
	})

	data, err := e.Response().Bytes()
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "error", got["type"])
	assert.Equal(t, CodeAuthenticationRequired, got["code"])
	assert.Equal(t, "authentication", got["kind"])
	ctx := got["context"].(map[string]any)
	assert.Equal(t, "ws.1.1", ctx["connection_id"])
	assert.Equal(t, "authentication_middleware", ctx["component"])
}

func TestResponseWithoutContext(t *testing.T) {
	r := ErrMessage.Response()
	require.NotNil(t, r.Context)
	assert.Equal(t, CodeMessage, r.Code)
}

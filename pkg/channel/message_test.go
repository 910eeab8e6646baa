package channel

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePriority(t *testing.T) {
	tests := []struct {
		in   any
		want Priority
	}{
		{"high", PriorityHigh},
		{"low", PriorityLow},
		{"normal", PriorityNormal},
		{"urgent", PriorityNormal},
		{"", PriorityNormal},
		{42, PriorityNormal},
		{nil, PriorityNormal},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParsePriority(tt.in), "input %v", tt.in)
	}
}

func TestDecodeEnvelope_Defaults(t *testing.T) {
	before := time.Now()
	msg, err := DecodeEnvelope([]byte(`{"data":{"text":"hi"}}`))
	require.NoError(t, err)

	assert.Equal(t, TypeMessage, msg.Type)
	assert.JSONEq(t, `{"text":"hi"}`, string(msg.Data))
	assert.Equal(t, PriorityNormal, msg.Priority)
	assert.Nil(t, msg.TTL)
	assert.False(t, msg.CreatedAt.Before(before))
	assert.False(t, msg.IsExpired())
}

func TestDecodeEnvelope_AllFields(t *testing.T) {
	raw := `{"type":"chat","data":"x","sender_id":"s1","group":"room","metadata":{"k":"v"},
		"priority":"high","ttl_seconds":1.5,"created_at":1700000000.25}`
	msg, err := DecodeEnvelope([]byte(raw))
	require.NoError(t, err)

	assert.Equal(t, "chat", msg.Type)
	assert.Equal(t, "s1", msg.SenderID)
	assert.Equal(t, "room", msg.Group)
	assert.Equal(t, "v", msg.Metadata["k"])
	assert.Equal(t, PriorityHigh, msg.Priority)
	require.NotNil(t, msg.TTL)
	assert.Equal(t, 1500*time.Millisecond, *msg.TTL)
	assert.Equal(t, int64(1700000000), msg.CreatedAt.Unix())
	assert.Equal(t, 250*time.Millisecond, time.Duration(msg.CreatedAt.Nanosecond()))
}

func TestDecodeEnvelope_UnknownPriorityFallsBack(t *testing.T) {
	msg, err := DecodeEnvelope([]byte(`{"type":"chat","priority":"critical"}`))
	require.NoError(t, err)
	assert.Equal(t, PriorityNormal, msg.Priority)
}

func TestDecodeEnvelope_Invalid(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		err  error
	}{
		{"not json", `{not json`, nil},
		{"array", `[1,2]`, ErrEnvelopeNotObject},
		{"null", `null`, ErrEnvelopeNotObject},
		{"empty", ``, ErrEnvelopeNotObject},
		{"trailing", `{"type":"a"} {"type":"b"}`, ErrEnvelopeTrailingData},
		{"type not string", `{"type":1}`, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeEnvelope([]byte(tt.raw))
			require.Error(t, err)
			if tt.err != nil {
				assert.ErrorIs(t, err, tt.err)
			}
		})
	}
}

func TestMessage_MarshalEnvelope(t *testing.T) {
	created := time.Unix(1700000000, 0)
	msg := mustMessage(t, "chat", map[string]any{"text": "hi"},
		WithSender("ws.1.1"),
		WithTTL(30*time.Second),
		WithCreatedAt(created),
	)

	raw, err := json.Marshal(msg)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"type":"chat",
		"data":{"text":"hi"},
		"sender_id":"ws.1.1",
		"group":null,
		"metadata":null,
		"priority":"normal",
		"ttl_seconds":30,
		"created_at":1700000000
	}`, string(raw))

	var back Message
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.Equal(t, msg.Type, back.Type)
	assert.Equal(t, msg.SenderID, back.SenderID)
	assert.Equal(t, *msg.TTL, *back.TTL)
	assert.True(t, msg.CreatedAt.Equal(back.CreatedAt))
}

func TestMessage_NilDataEncodesNull(t *testing.T) {
	raw, err := json.Marshal(mustMessage(t, TypePing, nil))
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(raw, &m))
	assert.Contains(t, m, "data")
	assert.Nil(t, m["data"])
}

func TestMessage_Expiry(t *testing.T) {
	created := time.Unix(1000, 0)
	msg := mustMessage(t, "chat", nil, WithTTL(10*time.Second), WithCreatedAt(created))

	assert.False(t, msg.ExpiredAt(created.Add(10*time.Second)))
	assert.True(t, msg.ExpiredAt(created.Add(10*time.Second+time.Nanosecond)))

	noTTL := mustMessage(t, "chat", nil, WithCreatedAt(created))
	assert.False(t, noTTL.ExpiredAt(created.Add(24*time.Hour)))
}

func TestMessage_CloneIsIndependent(t *testing.T) {
	orig := mustMessage(t, "chat", map[string]any{"a": 1}, WithMetadata(map[string]any{"k": "v"}), WithTTL(time.Second))
	c := orig.Clone(WithGroup("room"))

	c.Metadata["k"] = "changed"
	*c.TTL = time.Hour

	assert.Equal(t, "v", orig.Metadata["k"])
	assert.Equal(t, time.Second, *orig.TTL)
	assert.Empty(t, orig.Group)
	assert.Equal(t, "room", c.Group)
}

func TestMessage_DecodeData(t *testing.T) {
	msg := mustMessage(t, "chat", map[string]any{"text": "hello"})
	var payload struct {
		Text string `json:"text"`
	}
	require.NoError(t, msg.DecodeData(&payload))
	assert.Equal(t, "hello", payload.Text)
}

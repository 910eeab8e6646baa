package channel

import (
	"bytes"
	"encoding/json"
	"io"
	"math"
	"time"
)

// Priority 消息优先级
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// ParsePriority 解析优先级，任何无法识别的值都回退为 normal
func ParsePriority(v any) Priority {
	s, ok := v.(string)
	if !ok {
		return PriorityNormal
	}
	switch p := Priority(s); p {
	case PriorityHigh, PriorityNormal, PriorityLow:
		return p
	default:
		return PriorityNormal
	}
}

// 保留的消息类型
const (
	TypeMessage = "message"
	TypePing    = "ping"
	TypePong    = "pong"
	TypeConnect = "connect"
	TypeError   = "error"
)

// Message 一条通道层消息，构造后不可修改，需要变更时使用 Clone
type Message struct {
	Type      string
	Data      json.RawMessage
	SenderID  string
	Group     string
	Metadata  map[string]any
	Priority  Priority
	TTL       *time.Duration
	CreatedAt time.Time
}

// MessageOption 消息构造选项
type MessageOption func(*Message)

// WithGroup 设置目标组
func WithGroup(group string) MessageOption {
	return func(m *Message) { m.Group = group }
}

// WithSender 设置发送方通道
func WithSender(channel string) MessageOption {
	return func(m *Message) { m.SenderID = channel }
}

// WithMetadata 设置元数据
func WithMetadata(md map[string]any) MessageOption {
	return func(m *Message) { m.Metadata = md }
}

// WithPriority 设置优先级
func WithPriority(p Priority) MessageOption {
	return func(m *Message) { m.Priority = p }
}

// WithTTL 设置存活时间
func WithTTL(ttl time.Duration) MessageOption {
	return func(m *Message) { m.TTL = &ttl }
}

// WithCreatedAt 设置创建时间
func WithCreatedAt(t time.Time) MessageOption {
	return func(m *Message) { m.CreatedAt = t }
}

// NewMessage 创建消息，data 会被编码为 JSON
func NewMessage(typ string, data any, opts ...MessageOption) (*Message, error) {
	raw, err := encodeData(data)
	if err != nil {
		return nil, err
	}
	m := &Message{
		Type:      typ,
		Data:      raw,
		Priority:  PriorityNormal,
		CreatedAt: time.Now(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

func encodeData(data any) (json.RawMessage, error) {
	switch v := data.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return v, nil
	default:
		return json.Marshal(v)
	}
}

// Clone 复制消息并应用选项
func (m *Message) Clone(opts ...MessageOption) *Message {
	c := *m
	if m.Data != nil {
		c.Data = append(json.RawMessage(nil), m.Data...)
	}
	if m.Metadata != nil {
		c.Metadata = make(map[string]any, len(m.Metadata))
		for k, v := range m.Metadata {
			c.Metadata[k] = v
		}
	}
	if m.TTL != nil {
		ttl := *m.TTL
		c.TTL = &ttl
	}
	for _, opt := range opts {
		opt(&c)
	}
	return &c
}

// IsExpired 判断消息是否已过期，未设置 TTL 时永不过期
func (m *Message) IsExpired() bool {
	return m.ExpiredAt(time.Now())
}

// ExpiredAt 以给定时刻判断是否过期：now - CreatedAt > TTL
func (m *Message) ExpiredAt(now time.Time) bool {
	if m.TTL == nil {
		return false
	}
	return now.Sub(m.CreatedAt) > *m.TTL
}

// DecodeData 将负载解码到 v
func (m *Message) DecodeData(v any) error {
	if len(m.Data) == 0 {
		return json.Unmarshal([]byte("null"), v)
	}
	return json.Unmarshal(m.Data, v)
}

// envelope 线上 JSON 信封
type envelope struct {
	Type       string          `json:"type"`
	Data       json.RawMessage `json:"data"`
	SenderID   *string         `json:"sender_id"`
	Group      *string         `json:"group"`
	Metadata   map[string]any  `json:"metadata"`
	Priority   any             `json:"priority"`
	TTLSeconds *float64        `json:"ttl_seconds"`
	CreatedAt  *float64        `json:"created_at"`
}

// MarshalJSON 编码为线上信封
func (m *Message) MarshalJSON() ([]byte, error) {
	env := envelope{
		Type:     m.Type,
		Data:     m.Data,
		Metadata: m.Metadata,
		Priority: string(m.priority()),
	}
	if len(env.Data) == 0 {
		env.Data = json.RawMessage("null")
	}
	if m.SenderID != "" {
		env.SenderID = &m.SenderID
	}
	if m.Group != "" {
		env.Group = &m.Group
	}
	if m.TTL != nil {
		s := m.TTL.Seconds()
		env.TTLSeconds = &s
	}
	created := toEpoch(m.CreatedAt)
	env.CreatedAt = &created
	return json.Marshal(env)
}

// UnmarshalJSON 从线上信封解码
func (m *Message) UnmarshalJSON(raw []byte) error {
	decoded, err := DecodeEnvelope(raw)
	if err != nil {
		return err
	}
	*m = *decoded
	return nil
}

// DecodeEnvelope 解析线上信封；type 缺省为 message，created_at 缺省为当前时间
func DecodeEnvelope(raw []byte) (*Message, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, ErrEnvelopeNotObject
	}

	var env envelope
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	if err := dec.Decode(&env); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, ErrEnvelopeTrailingData
	}

	m := &Message{
		Type:     env.Type,
		Data:     env.Data,
		Metadata: env.Metadata,
		Priority: ParsePriority(env.Priority),
	}
	if m.Type == "" {
		m.Type = TypeMessage
	}
	if bytes.Equal(m.Data, []byte("null")) {
		m.Data = nil
	}
	if env.SenderID != nil {
		m.SenderID = *env.SenderID
	}
	if env.Group != nil {
		m.Group = *env.Group
	}
	if env.TTLSeconds != nil {
		ttl := time.Duration(*env.TTLSeconds * float64(time.Second))
		m.TTL = &ttl
	}
	if env.CreatedAt != nil {
		m.CreatedAt = fromEpoch(*env.CreatedAt)
	} else {
		m.CreatedAt = time.Now()
	}
	return m, nil
}

func (m *Message) priority() Priority {
	if m.Priority == "" {
		return PriorityNormal
	}
	return m.Priority
}

func toEpoch(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

func fromEpoch(sec float64) time.Time {
	whole, frac := math.Modf(sec)
	return time.Unix(int64(whole), int64(frac*float64(time.Second)))
}

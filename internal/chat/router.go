package chat

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"sync"

	"github.com/tokmz/chanlayer/pkg/channel"
	chanerr "github.com/tokmz/chanlayer/pkg/errors"
)

// 错误定义
var (
	ErrHandlerExists = errors.New("chat: handler already registered")
	ErrRouterFrozen  = errors.New("chat: router is frozen")
)

// Handler 按消息类型处理入站消息
type Handler func(ctx context.Context, c *channel.Consumer, msg *channel.Message) error

// Router 消息类型路由
type Router struct {
	handlers map[string]Handler
	mu       sync.RWMutex
	frozen   bool
}

// NewRouter 创建路由
func NewRouter() *Router {
	return &Router{handlers: make(map[string]Handler)}
}

// Register 注册处理器
func (r *Router) Register(msgType string, h Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return ErrRouterFrozen
	}
	if _, exists := r.handlers[msgType]; exists {
		return ErrHandlerExists
	}
	r.handlers[msgType] = h
	return nil
}

// Freeze 冻结路由（启动后不可修改）
func (r *Router) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

// Types 已注册的消息类型
func (r *Router) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	slices.Sort(out)
	return out
}

// Route 分发消息；未注册的类型返回校验错误
func (r *Router) Route(ctx context.Context, c *channel.Consumer, msg *channel.Message) error {
	r.mu.RLock()
	h, ok := r.handlers[msg.Type]
	r.mu.RUnlock()
	if !ok {
		return chanerr.ErrValidation.
			WithMessagef("Unknown message type: %s", msg.Type).
			WithContext(errorContext(c, msg.Type))
	}
	return h(ctx, c, msg)
}

// Handle 注册带请求体的处理器，data 解码失败时回校验错误
func Handle[Req any](r *Router, msgType string, fn func(ctx context.Context, c *channel.Consumer, msg *channel.Message, req *Req) error) error {
	return r.Register(msgType, func(ctx context.Context, c *channel.Consumer, msg *channel.Message) error {
		var req Req
		if len(msg.Data) > 0 && string(msg.Data) != "null" {
			if err := json.Unmarshal(msg.Data, &req); err != nil {
				return chanerr.ErrValidation.
					WithMessage("Invalid message data").
					WithContext(errorContext(c, msgType)).
					WithDetail("parse_error", err.Error()).
					WithError(err)
			}
		}
		return fn(ctx, c, msg, &req)
	})
}

func errorContext(c *channel.Consumer, msgType string) *chanerr.Context {
	conn := c.Connection()
	return &chanerr.Context{
		UserID:       conn.UserID(),
		ConnectionID: conn.ChannelName(),
		MessageType:  msgType,
		Component:    "chat",
	}
}

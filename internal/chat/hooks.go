package chat

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/tokmz/chanlayer/pkg/channel"
	chanerr "github.com/tokmz/chanlayer/pkg/errors"
	"github.com/tokmz/chanlayer/pkg/logger"
)

// 出站消息类型
const (
	TypeWelcome   = "welcome"
	TypeConnected = "connected"
	TypeJoined    = "joined"
	TypeLeft      = "left"
	TypeChat      = "chat"
	TypeWhoami    = "whoami"
	TypeJoin      = "join"
	TypeLeave     = "leave"
)

// maxGroupName 组名长度上限
const maxGroupName = 128

// TokenParser 解析 connect 消息中的令牌
type TokenParser interface {
	ParseToken(token string) (userID string, err error)
}

// Hooks 示例聊天应用
type Hooks struct {
	router *Router
	tokens TokenParser
	logger logger.Logger
}

var _ channel.Hooks = (*Hooks)(nil)

// Option 选项
type Option func(*Hooks)

// WithTokenParser 启用 connect 消息认证
func WithTokenParser(p TokenParser) Option {
	return func(h *Hooks) { h.tokens = p }
}

// WithLogger 设置日志
func WithLogger(l logger.Logger) Option {
	return func(h *Hooks) { h.logger = l }
}

type connectRequest struct {
	Token string `json:"token"`
}

type groupRequest struct {
	Group string `json:"group"`
}

type chatRequest struct {
	Group string `json:"group"`
	Text  string `json:"text"`
}

// New 创建聊天回调并注册全部处理器
func New(opts ...Option) *Hooks {
	h := &Hooks{
		router: NewRouter(),
		logger: logger.NewNop(),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.Named("chat")

	// 处理器固定，注册不会失败
	_ = Handle(h.router, channel.TypeConnect, h.handleConnect)
	_ = Handle(h.router, TypeJoin, h.handleJoin)
	_ = Handle(h.router, TypeLeave, h.handleLeave)
	_ = Handle(h.router, TypeChat, h.handleChat)
	_ = h.router.Register(TypeWhoami, h.handleWhoami)
	_ = h.router.Register(channel.TypePing, h.handlePing)
	h.router.Freeze()
	return h
}

// Router 消息路由
func (h *Hooks) Router() *Router { return h.router }

// OnConnect 发送欢迎消息
func (h *Hooks) OnConnect(ctx context.Context, c *channel.Consumer) error {
	conn := c.Connection()
	return c.SendJSON(ctx, map[string]any{
		"type":          TypeWelcome,
		"connection_id": conn.ChannelName(),
		"user_id":       conn.UserID(),
		"authenticated": conn.IsAuthenticated(),
	})
}

// OnDisconnect 记录断开
func (h *Hooks) OnDisconnect(ctx context.Context, c *channel.Consumer, code int) error {
	h.logger.InfoContext(ctx, "client left",
		zap.Int("code", code),
		zap.Strings("groups", c.Connection().Groups()),
	)
	return nil
}

// OnReceive 按类型分发
func (h *Hooks) OnReceive(ctx context.Context, c *channel.Consumer, msg *channel.Message) error {
	return h.router.Route(ctx, c, msg)
}

func (h *Hooks) handleConnect(ctx context.Context, c *channel.Consumer, msg *channel.Message, req *connectRequest) error {
	if h.tokens == nil {
		return chanerr.NewValidationError("Token authentication is not enabled", errorContext(c, msg.Type))
	}
	if req.Token == "" {
		return chanerr.NewAuthenticationError("Token is required", errorContext(c, msg.Type))
	}
	userID, err := h.tokens.ParseToken(req.Token)
	if err != nil {
		h.logger.DebugContext(ctx, "token rejected", zap.Error(err))
		return chanerr.NewAuthenticationError("Invalid token", errorContext(c, msg.Type)).WithError(err)
	}
	if err := c.Identify(ctx, userID); err != nil {
		return err
	}
	return c.SendJSON(ctx, map[string]any{
		"type":    TypeConnected,
		"user_id": userID,
	})
}

func (h *Hooks) handleJoin(ctx context.Context, c *channel.Consumer, msg *channel.Message, req *groupRequest) error {
	group, err := groupName(c, msg, req.Group)
	if err != nil {
		return err
	}
	if err := c.JoinGroup(ctx, group); err != nil {
		return err
	}
	return c.SendJSON(ctx, map[string]any{"type": TypeJoined, "group": group})
}

func (h *Hooks) handleLeave(ctx context.Context, c *channel.Consumer, msg *channel.Message, req *groupRequest) error {
	group, err := groupName(c, msg, req.Group)
	if err != nil {
		return err
	}
	if err := c.LeaveGroup(ctx, group); err != nil {
		return err
	}
	return c.SendJSON(ctx, map[string]any{"type": TypeLeft, "group": group})
}

func (h *Hooks) handleChat(ctx context.Context, c *channel.Consumer, msg *channel.Message, req *chatRequest) error {
	group, err := groupName(c, msg, req.Group)
	if err != nil {
		return err
	}
	conn := c.Connection()
	if !conn.InGroup(group) {
		return chanerr.NewMessageError("Not a member of group "+group, errorContext(c, msg.Type))
	}
	if strings.TrimSpace(req.Text) == "" {
		return chanerr.NewValidationError("Text is required", errorContext(c, msg.Type))
	}

	out, err := channel.NewMessage(TypeChat, map[string]any{
		"user_id": conn.UserID(),
		"text":    req.Text,
	}, channel.WithPriority(msg.Priority), channel.WithMetadata(msg.Metadata))
	if err != nil {
		return err
	}
	if msg.TTL != nil {
		out = out.Clone(channel.WithTTL(*msg.TTL))
	}

	result, err := c.SendToGroup(ctx, group, out)
	if err != nil {
		return err
	}
	channel.LogFanOutFailures(h.logger, "chat", result)
	return nil
}

func (h *Hooks) handleWhoami(ctx context.Context, c *channel.Consumer, _ *channel.Message) error {
	conn := c.Connection()
	return c.SendJSON(ctx, map[string]any{
		"type":          TypeWhoami,
		"connection_id": conn.ChannelName(),
		"user_id":       conn.UserID(),
		"groups":        conn.Groups(),
	})
}

// handlePing 客户端主动探活
func (h *Hooks) handlePing(ctx context.Context, c *channel.Consumer, _ *channel.Message) error {
	c.Connection().UpdateHeartbeat()
	pong, err := channel.NewMessage(channel.TypePong, nil, channel.WithPriority(channel.PriorityHigh))
	if err != nil {
		return err
	}
	return c.Send(ctx, pong)
}

// groupName data.group 优先，其次信封的 group 字段
func groupName(c *channel.Consumer, msg *channel.Message, group string) (string, error) {
	if group == "" {
		group = msg.Group
	}
	group = strings.TrimSpace(group)
	switch {
	case group == "":
		return "", chanerr.NewValidationError("Group is required", errorContext(c, msg.Type))
	case len(group) > maxGroupName:
		return "", chanerr.NewValidationError("Group name too long", errorContext(c, msg.Type))
	}
	return group, nil
}

package ws

import (
	"errors"
	"fmt"

	"github.com/tokmz/chanlayer/pkg/channel"
)

// 错误定义
var (
	// 连接相关错误，可用 errors.Is 与通道层错误匹配
	ErrConnectionClosed = fmt.Errorf("ws: %w", channel.ErrConnectionClosed)
	ErrQueueFull        = fmt.Errorf("ws: send %w", channel.ErrQueueFull)

	// 握手相关错误
	ErrUnauthorized = errors.New("ws: unauthorized")

	// 配置相关错误
	ErrInvalidConfig = errors.New("ws: invalid config")
)

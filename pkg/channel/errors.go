package channel

import "errors"

var (
	// Backend
	ErrTimedOut         = errors.New("channel: receive timed out")
	ErrChannelNotFound  = errors.New("channel: channel not found")
	ErrQueueFull        = errors.New("channel: channel queue full")
	ErrBackendClosed    = errors.New("channel: backend closed")
	ErrInvalidChannel   = errors.New("channel: channel name is empty")
	ErrInvalidGroupName = errors.New("channel: group name is empty")

	// 连接
	ErrConnectionNotFound = errors.New("channel: connection not found")
	ErrConnectionClosed   = errors.New("channel: connection closed")
	ErrTooManyConnections = errors.New("channel: too many connections")
	ErrTooManyForUser     = errors.New("channel: too many connections for user")
	ErrAlreadyIdentified  = errors.New("channel: connection already identified")

	// 信封
	ErrEnvelopeNotObject    = errors.New("channel: envelope must be a JSON object")
	ErrEnvelopeTrailingData = errors.New("channel: trailing data after envelope")

	// 配置
	ErrInvalidConfig = errors.New("channel: invalid config")
)

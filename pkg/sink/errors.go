package sink

import "errors"

// 预定义错误
var (
	ErrInvalidConfig = errors.New("sink: invalid config")
	ErrPublish       = errors.New("sink: publish failed")
	ErrClosed        = errors.New("sink: closed")
)

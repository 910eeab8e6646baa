package redisbackend

import "errors"

// 预定义错误
var (
	ErrInvalidConfig = errors.New("redisbackend: invalid config")
	ErrConnection    = errors.New("redisbackend: connection failed")
	ErrOperation     = errors.New("redisbackend: operation failed")
	ErrSerialization = errors.New("redisbackend: serialization failed")
)

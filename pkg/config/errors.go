package config

import "errors"

// 配置包专用错误定义
var (
	// ErrConfigNotFound 指定的配置文件不存在
	ErrConfigNotFound = errors.New("config: file not found")
	// ErrConfigReadFailed 配置读取或解码失败
	ErrConfigReadFailed = errors.New("config: read failed")
	// ErrInvalidConfig 配置值非法
	ErrInvalidConfig = errors.New("config: invalid")
)

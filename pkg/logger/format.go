package logger

import "strings"

// Format 日志格式
type Format string

const (
	JSONFormat    Format = "json"
	ConsoleFormat Format = "console"
)

// ParseFormat 解析格式名称，未知值回退为 JSON
func ParseFormat(s string) Format {
	if strings.EqualFold(strings.TrimSpace(s), string(ConsoleFormat)) {
		return ConsoleFormat
	}
	return JSONFormat
}

package logger

import (
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Config 日志配置
//
// 零值可用：JSON 格式、Info 级别、输出到 stdout。
type Config struct {
	Level   Level
	Format  Format
	Name    string // 非空时作为 service 字段写入每条日志
	Console bool

	// Rotate 非空时写入轮转文件
	Rotate *RotateConfig
	// Sampling 非空时对同一消息按窗口限流，入站消息日志量大时开启
	Sampling *SamplingConfig

	EnableCaller     bool
	EnableStacktrace bool // Error 及以上附带堆栈
}

// RotateConfig 文件轮转，大小单位 MB，保留期单位天
type RotateConfig struct {
	Filename   string
	MaxSize    int
	MaxAge     int
	MaxBackups int
	LocalTime  bool
	Compress   bool
}

// SamplingConfig 每个 Tick 内同一消息先记录 Initial 条，之后每 Thereafter 条记录一条
type SamplingConfig struct {
	Tick       time.Duration
	Initial    int
	Thereafter int
}

func (c *Config) normalize() {
	if c.Format == "" {
		c.Format = JSONFormat
	}
	if c.Rotate == nil {
		c.Console = true
	}
}

func (r *RotateConfig) writer() *lumberjack.Logger {
	return &lumberjack.Logger{
		Filename:   r.Filename,
		MaxSize:    orDefault(r.MaxSize, 100),
		MaxAge:     orDefault(r.MaxAge, 7),
		MaxBackups: orDefault(r.MaxBackups, 5),
		LocalTime:  r.LocalTime,
		Compress:   r.Compress,
	}
}

func (s *SamplingConfig) values() (time.Duration, int, int) {
	tick := s.Tick
	if tick <= 0 {
		tick = time.Second
	}
	return tick, orDefault(s.Initial, 100), orDefault(s.Thereafter, 100)
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

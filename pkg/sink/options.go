package sink

import "github.com/tokmz/chanlayer/pkg/logger"

// Option 出口选项
type Option func(*options)

type options struct {
	logger logger.Logger
}

func defaultOptions() *options {
	return &options{logger: logger.NewNop()}
}

// WithLogger 设置日志
func WithLogger(l logger.Logger) Option {
	return func(o *options) { o.logger = l }
}

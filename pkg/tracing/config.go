package tracing

import (
	"errors"
	"fmt"
	"time"
)

// 导出器类型
const (
	ExporterOTLP     = "otlp"      // OTLP over HTTP
	ExporterOTLPGRPC = "otlp-grpc" // OTLP over gRPC
	ExporterStdout   = "stdout"
	ExporterNoop     = "noop"
)

// ErrInvalidConfig 配置错误
var ErrInvalidConfig = errors.New("tracing: invalid config")

// Config 链路追踪配置
//
// Enabled 为 false 或导出器为 noop 时不创建导出器与批处理器。
type Config struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string
	Environment    string

	ExporterType     string
	ExporterEndpoint string            // host:port，为空时读取 OTEL_EXPORTER_OTLP_ENDPOINT
	ExporterHeaders  map[string]string // 例如鉴权头
	Insecure         bool

	SamplingType string  // always / never / ratio / parent_based
	SamplingRate float64 // ratio 与 parent_based 使用

	ResourceAttributes map[string]string

	BatchTimeout       time.Duration
	MaxExportBatchSize int
	MaxQueueSize       int
}

// DefaultConfig 默认关闭，启用后全量采样
func DefaultConfig() *Config {
	return &Config{
		ServiceName:        "chanlayer",
		ServiceVersion:     "1.0.0",
		Environment:        "development",
		ExporterType:       ExporterNoop,
		SamplingType:       SamplerParentBased,
		SamplingRate:       1.0,
		ResourceAttributes: map[string]string{},
		BatchTimeout:       5 * time.Second,
		MaxExportBatchSize: 512,
		MaxQueueSize:       2048,
	}
}

// Validate 校验配置
func (c *Config) Validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("%w: service name is required", ErrInvalidConfig)
	}
	switch c.ExporterType {
	case ExporterOTLP, ExporterOTLPGRPC, ExporterStdout, ExporterNoop:
	default:
		return fmt.Errorf("%w: unknown exporter %q", ErrInvalidConfig, c.ExporterType)
	}
	if c.SamplingRate < 0 || c.SamplingRate > 1 {
		return fmt.Errorf("%w: sampling rate %v out of [0, 1]", ErrInvalidConfig, c.SamplingRate)
	}
	if _, err := NewSampler(c.SamplingType, c.SamplingRate); err != nil {
		return err
	}
	if c.Enabled && c.ExporterType != ExporterNoop && c.MaxExportBatchSize > c.MaxQueueSize {
		return fmt.Errorf("%w: batch size %d exceeds queue size %d", ErrInvalidConfig, c.MaxExportBatchSize, c.MaxQueueSize)
	}
	return nil
}

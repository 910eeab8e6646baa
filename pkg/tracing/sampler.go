package tracing

import (
	"fmt"
	"os"
	"strconv"

	"go.opentelemetry.io/otel/sdk/trace"
)

// 采样策略
const (
	SamplerAlways      = "always"
	SamplerNever       = "never"
	SamplerRatio       = "ratio"
	SamplerParentBased = "parent_based"
)

// envSamplers OTEL_TRACES_SAMPLER 取值到采样策略的映射
var envSamplers = map[string]struct {
	kind   string
	parent bool
}{
	"always_on":                {SamplerAlways, false},
	"always_off":               {SamplerNever, false},
	"traceidratio":             {SamplerRatio, false},
	"parentbased_always_on":    {SamplerAlways, true},
	"parentbased_always_off":   {SamplerNever, true},
	"parentbased_traceidratio": {SamplerRatio, true},
}

// NewSampler 按策略名创建采样器；上游已采样的连接请求在 parent_based 下保持一致
func NewSampler(kind string, rate float64) (trace.Sampler, error) {
	switch kind {
	case SamplerAlways:
		return trace.AlwaysSample(), nil
	case SamplerNever:
		return trace.NeverSample(), nil
	case SamplerRatio:
		return trace.TraceIDRatioBased(rate), nil
	case SamplerParentBased, "":
		return trace.ParentBased(trace.TraceIDRatioBased(rate)), nil
	default:
		return nil, fmt.Errorf("%w: unknown sampler %q", ErrInvalidConfig, kind)
	}
}

// newSampler 环境变量 OTEL_TRACES_SAMPLER 优先于配置
func newSampler(cfg *Config) (trace.Sampler, error) {
	name := os.Getenv("OTEL_TRACES_SAMPLER")
	if name == "" {
		return NewSampler(cfg.SamplingType, cfg.SamplingRate)
	}
	s, ok := envSamplers[name]
	if !ok {
		return trace.ParentBased(trace.AlwaysSample()), nil
	}
	base, err := NewSampler(s.kind, envSamplingRate(cfg.SamplingRate))
	if err != nil {
		return nil, err
	}
	if s.parent {
		return trace.ParentBased(base), nil
	}
	return base, nil
}

// envSamplingRate OTEL_TRACES_SAMPLER_ARG 非法时回退到配置值
func envSamplingRate(fallback float64) float64 {
	v := os.Getenv("OTEL_TRACES_SAMPLER_ARG")
	if v == "" {
		return fallback
	}
	rate, err := strconv.ParseFloat(v, 64)
	if err != nil || rate < 0 || rate > 1 {
		return fallback
	}
	return rate
}

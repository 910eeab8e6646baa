package channel

import (
	"context"
	"slices"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tokmz/chanlayer/pkg/logger"
)

// DefaultFanoutLimit 组扇出的默认并发上限
const DefaultFanoutLimit = 64

// FanOut 以有界并发对每个通道执行 publish，失败互不影响，返回失败统计
func FanOut(ctx context.Context, group string, channels []string, limit int, publish func(ctx context.Context, channel string) error) GroupSendResult {
	result := GroupSendResult{Group: group, Total: len(channels)}
	if len(channels) == 0 {
		return result
	}

	var (
		g  errgroup.Group
		mu sync.Mutex
	)
	if limit > 0 {
		g.SetLimit(limit)
	}

	for _, ch := range channels {
		g.Go(func() error {
			if err := publish(ctx, ch); err != nil {
				mu.Lock()
				result.FailedChannels = append(result.FailedChannels, ch)
				mu.Unlock()
			}
			// 单个成员失败不能中断其余成员
			return nil
		})
	}
	_ = g.Wait()

	result.Failed = len(result.FailedChannels)
	slices.Sort(result.FailedChannels)
	return result
}

// LogFanOutFailures 记录部分失败的扇出
func LogFanOutFailures(l logger.Logger, component string, result GroupSendResult) {
	if result.Failed == 0 {
		return
	}
	l.Warn("group send partially failed",
		zap.String("group", result.Group),
		zap.Int("failed", result.Failed),
		zap.Int("total_channels", result.Total),
		zap.Strings("failed_channels", result.FailedChannels),
		zap.String("component", component),
	)
}


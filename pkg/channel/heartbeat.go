package channel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/tokmz/chanlayer/pkg/logger"
)

// SweepResult 一次心跳扫描的结果
type SweepResult struct {
	Pinged  int
	Expired []string
}

// Sweep 对每个已连接的连接：心跳过期则以 4000 断开，否则发送 ping
func (m *ConnectionManager) Sweep(ctx context.Context) SweepResult {
	var result SweepResult
	now := m.now()
	for _, conn := range m.Connections() {
		if conn.State() != StateConnected {
			continue
		}
		name := conn.ChannelName()
		if conn.HeartbeatExpired(now) {
			m.metrics.HeartbeatTimeout()
			m.emit(ctx, Event{Type: EventHeartbeatTimeout, ConnectionID: name, UserID: conn.UserID()})
			m.logger.InfoContext(ctx, "heartbeat timeout",
				zap.String("connection_id", name),
				zap.Time("last_heartbeat", conn.LastHeartbeat()),
			)
			_ = m.Disconnect(ctx, name, CloseHeartbeatTimeout)
			result.Expired = append(result.Expired, name)
			continue
		}

		ping, err := NewMessage(TypePing, nil, WithPriority(PriorityHigh), WithCreatedAt(now))
		if err != nil {
			continue
		}
		if err := conn.Send(ctx, ping); err != nil {
			m.logger.Debug("send ping failed", zap.String("connection_id", name), zap.Error(err))
			continue
		}
		result.Pinged++
	}
	return result
}

// HeartbeatMonitor 按固定间隔执行 Sweep
type HeartbeatMonitor struct {
	manager  *ConnectionManager
	interval time.Duration
	logger   logger.Logger
	cron     *cron.Cron

	mu      sync.Mutex
	started bool
}

// NewHeartbeatMonitor 创建心跳监视器；interval 为 0 时使用管理器配置
func NewHeartbeatMonitor(m *ConnectionManager, interval time.Duration) *HeartbeatMonitor {
	if interval <= 0 {
		interval = m.config.HeartbeatInterval
	}
	l := m.logger.Named("heartbeat")
	cl := cronLogger{l: l}
	return &HeartbeatMonitor{
		manager:  m,
		interval: interval,
		logger:   l,
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
	}
}

// Start 注册扫描任务并启动调度
func (h *HeartbeatMonitor) Start() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.started {
		return nil
	}
	schedule := fmt.Sprintf("@every %s", h.interval)
	if _, err := h.cron.AddFunc(schedule, h.tick); err != nil {
		return fmt.Errorf("schedule heartbeat: %w", err)
	}
	h.cron.Start()
	h.started = true
	return nil
}

func (h *HeartbeatMonitor) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), h.interval)
	defer cancel()
	r := h.manager.Sweep(ctx)
	if len(r.Expired) > 0 {
		h.logger.Info("heartbeat sweep",
			zap.Int("pinged", r.Pinged),
			zap.Int("expired", len(r.Expired)),
		)
	}
}

// Stop 停止调度并等待正在执行的扫描结束
func (h *HeartbeatMonitor) Stop(ctx context.Context) error {
	h.mu.Lock()
	if !h.started {
		h.mu.Unlock()
		return nil
	}
	h.started = false
	h.mu.Unlock()

	select {
	case <-h.cron.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// cronLogger 把 cron 日志接到 zap
type cronLogger struct {
	l logger.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Zap().Sugar().Debugw(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Zap().Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}

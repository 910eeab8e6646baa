package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/tokmz/chanlayer/internal/chat"
	"github.com/tokmz/chanlayer/pkg/auth"
	"github.com/tokmz/chanlayer/pkg/channel"
	"github.com/tokmz/chanlayer/pkg/config"
	"github.com/tokmz/chanlayer/pkg/logger"
	"github.com/tokmz/chanlayer/pkg/metrics"
	"github.com/tokmz/chanlayer/pkg/redisbackend"
	"github.com/tokmz/chanlayer/pkg/sink"
	"github.com/tokmz/chanlayer/pkg/tracing"
	"github.com/tokmz/chanlayer/pkg/ws"
)

// App 组装好的通道层服务
type App struct {
	settings *config.Settings
	logger   logger.Logger

	tp       *sdktrace.TracerProvider
	raw      channel.Backend
	backend  channel.Backend
	bus      *channel.EventBus
	closers  []io.Closer
	registry *prometheus.Registry
	limiter  *channel.TokenBucket
	manager  *channel.ConnectionManager
	monitor  *channel.HeartbeatMonitor
	tokens   *auth.JWTAuthenticator
	ws       *ws.Server
	server   *Server

	shutdownOnce sync.Once
	shutdownErr  error
}

// Option 组装选项
type Option func(*options)

type options struct {
	hooks channel.Hooks
}

// WithHooks 替换默认的聊天回调
func WithHooks(h channel.Hooks) Option {
	return func(o *options) { o.hooks = h }
}

// New 按配置组装全部组件；失败时释放已创建的资源
func New(ctx context.Context, s *config.Settings, l logger.Logger, opts ...Option) (*App, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if l == nil {
		l = logger.NewNop()
	}

	a := &App{settings: s, logger: l}
	built := false
	defer func() {
		if !built {
			_ = a.release(context.Background())
		}
	}()

	var err error
	if a.tp, err = tracing.NewTracerProvider(ctx, s.TracingConfig()); err != nil {
		return nil, fmt.Errorf("tracing: %w", err)
	}
	if err = a.buildBackend(ctx); err != nil {
		return nil, err
	}
	if err = a.buildEvents(); err != nil {
		return nil, err
	}

	var m channel.Metrics
	if s.Metrics.Enabled {
		a.registry = prometheus.NewRegistry()
		a.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		pm, merr := metrics.New(a.registry, metrics.WithMessageTypes(s.Metrics.MessageTypes...))
		if merr != nil {
			return nil, fmt.Errorf("metrics: %w", merr)
		}
		m = pm
	}

	cc := s.ChannelConfig()
	mopts := []channel.Option{
		channel.WithConfig(cc),
		channel.WithLogger(l.Named("channel")),
	}
	if a.bus != nil {
		mopts = append(mopts, channel.WithEvents(a.bus))
	}
	if m != nil {
		mopts = append(mopts, channel.WithMetrics(m))
	}
	if a.manager, err = channel.NewConnectionManager(a.backend, mopts...); err != nil {
		return nil, err
	}
	a.monitor = channel.NewHeartbeatMonitor(a.manager, 0)

	if cc.RateLimit.Enabled {
		a.limiter = channel.NewTokenBucketFromConfig(cc.RateLimit)
	}
	pipeline := channel.NewDefaultPipeline(cc, l.Named("pipeline"), limiterOrNil(a.limiter))

	hooks := o.hooks
	serverOpts := []ws.ServerOption{
		ws.WithServerLogger(l.Named("ws")),
		ws.WithConsumerOptions(
			channel.WithPipeline(pipeline),
			channel.WithTracerProvider(a.tp),
			channel.WithConsumerLogger(l.Named("consumer")),
		),
	}
	chatOpts := []chat.Option{chat.WithLogger(l)}
	if s.AuthEnabled() {
		if a.tokens, err = auth.NewJWTAuthenticator(s.AuthConfig()); err != nil {
			return nil, fmt.Errorf("auth: %w", err)
		}
		serverOpts = append(serverOpts, ws.WithAuthenticator(a.tokens))
		chatOpts = append(chatOpts, chat.WithTokenParser(a.tokens))
	}
	if hooks == nil {
		hooks = chat.New(chatOpts...)
	}
	if a.ws, err = ws.NewServer(a.manager, hooks, s.WSConfig(), serverOpts...); err != nil {
		return nil, err
	}

	a.server = NewServer(s.Server.Addr, a.routes())
	built = true
	return a, nil
}

// limiterOrNil 避免把 nil 指针包装成非 nil 接口
func limiterOrNil(b *channel.TokenBucket) channel.Limiter {
	if b == nil {
		return nil
	}
	return b
}

func (a *App) buildBackend(ctx context.Context) error {
	s := a.settings
	switch s.Backend.Type {
	case config.BackendRedis:
		rb, err := redisbackend.New(ctx, s.RedisConfig(), redisbackend.WithLogger(a.logger.Named("redis")))
		if err != nil {
			return fmt.Errorf("redis backend: %w", err)
		}
		a.raw = rb
	default:
		a.raw = channel.NewMemoryBackend(s.MemoryOptions(a.logger.Named("memory"))...)
	}
	a.backend = channel.NewTracedBackend(a.raw, a.tp)
	return nil
}

func (a *App) buildEvents() error {
	s := a.settings
	l := a.logger.Named("events")

	var out channel.EventSink
	switch s.Events.Sink {
	case config.SinkNone:
		return nil
	case config.SinkLog:
		out = channel.NewLogSink(l)
	case config.SinkKafka:
		k, err := sink.NewKafkaSink(s.KafkaConfig(), sink.WithLogger(l))
		if err != nil {
			return fmt.Errorf("kafka sink: %w", err)
		}
		a.closers = append(a.closers, k)
		out = k
	case config.SinkAMQP:
		q, err := sink.NewAMQPSink(s.AMQPConfig(), sink.WithLogger(l))
		if err != nil {
			return fmt.Errorf("amqp sink: %w", err)
		}
		a.closers = append(a.closers, q)
		out = q
	}
	a.bus = channel.NewEventBus(s.EventBusOptions(l)...)
	a.bus.AddSink(out)
	return nil
}

// Manager 连接管理器
func (a *App) Manager() *channel.ConnectionManager { return a.manager }

// Tokens JWT 签发与校验，未启用鉴权时为 nil
func (a *App) Tokens() *auth.JWTAuthenticator { return a.tokens }

// Handler HTTP 入口
func (a *App) Handler() http.Handler { return a.server.Handler() }

// Routes 已注册的路由
func (a *App) Routes() gin.RoutesInfo { return a.server.Routes() }

// Start 启动心跳监视器
func (a *App) Start() error {
	return a.monitor.Start()
}

// Run 启动心跳与 HTTP 服务，ctx 结束后优雅退出
func (a *App) Run(ctx context.Context) error {
	if err := a.Start(); err != nil {
		return err
	}
	runErr := a.server.Serve(ctx)

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.settings.ShutdownTimeout())
	defer cancel()
	return errors.Join(runErr, a.Shutdown(sctx))
}

// Shutdown 停止接收新连接，以 1001 断开现有连接，然后释放后端与出口；只执行一次
func (a *App) Shutdown(ctx context.Context) error {
	a.shutdownOnce.Do(func() {
		a.shutdownErr = a.shutdown(ctx)
	})
	return a.shutdownErr
}

func (a *App) shutdown(ctx context.Context) error {
	var errs []error
	if err := a.server.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http: %w", err))
	}
	if err := a.monitor.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("heartbeat: %w", err))
	}
	if err := a.manager.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("manager: %w", err))
	}
	if err := a.ws.Wait(ctx); err != nil {
		errs = append(errs, fmt.Errorf("ws: %w", err))
	}
	errs = append(errs, a.release(ctx))

	err := errors.Join(errs...)
	if err != nil {
		a.logger.Warn("shutdown finished with errors", zap.Error(err))
	} else {
		a.logger.Info("shutdown complete")
	}
	return err
}

// release 关闭事件出口、后端和追踪
func (a *App) release(ctx context.Context) error {
	var errs []error
	if a.bus != nil {
		a.bus.Close()
	}
	for _, c := range a.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.raw != nil {
		if err := a.raw.Close(); err != nil {
			errs = append(errs, fmt.Errorf("backend: %w", err))
		}
	}
	if a.tp != nil {
		if err := a.tp.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tracing: %w", err))
		}
	}
	return errors.Join(errs...)
}

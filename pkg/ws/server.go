package ws

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/tokmz/chanlayer/pkg/channel"
	"github.com/tokmz/chanlayer/pkg/logger"
)

// Authenticator 在升级前识别请求身份
//
// 返回空用户 ID 表示匿名连接；返回错误时拒绝升级。
type Authenticator interface {
	Authenticate(r *http.Request) (userID string, err error)
}

// AuthenticatorFunc 函数适配器
type AuthenticatorFunc func(r *http.Request) (string, error)

// Authenticate 实现 Authenticator
func (f AuthenticatorFunc) Authenticate(r *http.Request) (string, error) {
	return f(r)
}

// Server 把 HTTP 升级请求接入通道层
type Server struct {
	manager      *channel.ConnectionManager
	hooks        channel.Hooks
	config       *Config
	upgrader     *websocket.Upgrader
	auth         Authenticator
	consumerOpts []channel.ConsumerOption
	logger       logger.Logger

	wg sync.WaitGroup
}

// ServerOption 服务选项
type ServerOption func(*Server)

// WithAuthenticator 设置握手鉴权
func WithAuthenticator(a Authenticator) ServerOption {
	return func(s *Server) { s.auth = a }
}

// WithConsumerOptions 设置每个连接的分发器选项（中间件链、追踪等）
func WithConsumerOptions(opts ...channel.ConsumerOption) ServerOption {
	return func(s *Server) { s.consumerOpts = append(s.consumerOpts, opts...) }
}

// WithServerLogger 设置日志
func WithServerLogger(l logger.Logger) ServerOption {
	return func(s *Server) { s.logger = l }
}

// NewServer 创建服务；config 为 nil 时使用默认配置
func NewServer(manager *channel.ConnectionManager, hooks channel.Hooks, config *Config, opts ...ServerOption) (*Server, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	s := &Server{
		manager:  manager,
		hooks:    hooks,
		config:   config,
		upgrader: newUpgrader(config),
		logger:   manager.Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// ServeHTTP 升级连接并在当前协程中运行读循环，直到连接结束
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var userID string
	if s.auth != nil {
		uid, err := s.auth.Authenticate(r)
		if err != nil {
			s.logger.DebugContext(ctx, "websocket handshake rejected", zap.Error(err))
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		userID = uid
	}

	wsConn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade 已经写回错误响应
		s.logger.DebugContext(ctx, "websocket upgrade failed", zap.Error(err))
		return
	}

	s.wg.Add(1)
	defer s.wg.Done()

	// 升级后的连接不再受请求生命周期约束
	ctx = context.WithoutCancel(ctx)

	conn := NewConn(wsConn, s.config)
	conn.Start()

	opts := []channel.ConnectOption{
		channel.WithConnectionMetadata(map[string]any{
			"remote_addr": r.RemoteAddr,
			"user_agent":  r.UserAgent(),
		}),
	}
	if userID != "" {
		opts = append(opts, channel.WithUserID(userID))
	}

	c, err := s.manager.Connect(ctx, conn, opts...)
	if err != nil {
		code, reason := rejectCode(err)
		s.logger.WarnContext(ctx, "connection rejected",
			zap.String("remote_addr", r.RemoteAddr),
			zap.Error(err),
		)
		_ = conn.Close(code, reason)
		<-conn.Done()
		return
	}

	consumer := channel.NewConsumer(c, s.manager, s.hooks, s.consumerOpts...)
	if err := consumer.Connect(ctx); err != nil {
		s.logger.InfoContext(ctx, "connect hook rejected connection",
			zap.String("connection_id", c.ChannelName()),
			zap.Error(err),
		)
		s.disconnect(ctx, consumer, channel.ClosePolicyViolation)
		<-conn.Done()
		return
	}

	var handlerErr error
	readErr := conn.ReadLoop(func(data []byte) error {
		if err := consumer.HandleMessage(ctx, data); err != nil {
			handlerErr = err
			return err
		}
		return nil
	})

	code := conn.CloseCode(readErr)
	if handlerErr != nil {
		s.logger.ErrorContext(ctx, "message handler failed",
			zap.String("connection_id", c.ChannelName()),
			zap.Error(handlerErr),
		)
		code = channel.CloseInternalError
	} else if websocket.IsUnexpectedCloseError(readErr, websocket.CloseNormalClosure, websocket.CloseGoingAway) && !conn.IsClosed() {
		s.logger.DebugContext(ctx, "connection read failed",
			zap.String("connection_id", c.ChannelName()),
			zap.Error(readErr),
		)
	}
	s.disconnect(ctx, consumer, code)
	<-conn.Done()
}

func (s *Server) disconnect(ctx context.Context, consumer *channel.Consumer, code int) {
	dctx, cancel := context.WithTimeout(ctx, s.config.WriteWait)
	defer cancel()
	if err := consumer.Disconnect(dctx, code); err != nil {
		s.logger.WarnContext(ctx, "disconnect failed",
			zap.String("connection_id", consumer.ChannelName()),
			zap.Error(err),
		)
	}
}

// rejectCode 连接被拒绝时的关闭码与原因
func rejectCode(err error) (int, string) {
	switch {
	case errors.Is(err, channel.ErrTooManyConnections):
		return websocket.CloseTryAgainLater, "too many connections"
	case errors.Is(err, channel.ErrTooManyForUser):
		return channel.ClosePolicyViolation, "too many connections for user"
	default:
		return channel.CloseInternalError, "internal error"
	}
}

// GinHandler 适配 gin 路由
func (s *Server) GinHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		s.ServeHTTP(c.Writer, c.Request)
	}
}

// Wait 等待所有连接处理结束，通常在 ConnectionManager.Shutdown 之后调用
func (s *Server) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

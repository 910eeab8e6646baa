package app

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// Server HTTP 服务，WebSocket 连接在升级后由通道层管理
type Server struct {
	engine *gin.Engine
	server *http.Server

	mu       sync.Mutex
	listener net.Listener
}

// NewServer 创建服务
func NewServer(addr string, engine *gin.Engine) *Server {
	return &Server{
		engine: engine,
		server: &http.Server{
			Addr:              addr,
			Handler:           engine,
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       60 * time.Second,
			MaxHeaderBytes:    1 << 20, // 1MB
		},
	}
}

// newEngine 创建 gin 引擎（含 Recovery），gin 自身输出被静默
func newEngine(mode string) *gin.Engine {
	// gin.SetMode 是全局操作
	if gin.Mode() != mode {
		gin.SetMode(mode)
	}
	silenceGin()

	e := gin.New()
	e.Use(gin.Recovery())
	return e
}

// silenceGin 静默 Gin 的默认输出
func silenceGin() {
	gin.DefaultWriter = io.Discard
	gin.DefaultErrorWriter = io.Discard
}

// Handler HTTP 处理器
func (s *Server) Handler() http.Handler { return s.engine }

// Routes 路由表
func (s *Server) Routes() gin.RoutesInfo { return s.engine.Routes() }

// Addr 实际监听地址，未启动时为配置值
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.server.Addr
}

// Serve 监听并服务，直到 ctx 结束或监听失败
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	// 用于传递服务错误的 channel
	errChan := make(chan error, 1)
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
		close(errChan)
	}()

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
		return nil
	}
}

// Shutdown 关闭监听并等待普通请求结束；已劫持的 WebSocket 连接不受影响
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

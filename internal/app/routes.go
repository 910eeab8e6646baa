package app

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tokmz/chanlayer/pkg/channel"
	"github.com/tokmz/chanlayer/pkg/logger"
	"github.com/tokmz/chanlayer/pkg/metrics"
	"github.com/tokmz/chanlayer/pkg/tracing"
)

// routes 注册 WebSocket 入口与运维接口
func (a *App) routes() *gin.Engine {
	s := a.settings
	mode := gin.ReleaseMode
	if s.Log.Level == "debug" {
		mode = gin.DebugMode
	}
	e := newEngine(mode)

	e.Use(
		tracing.GinMiddleware(tracing.WithSkipPaths("/healthz", s.Metrics.Path)),
		logger.GinMiddleware(a.logger.Named("http")),
	)

	e.GET(s.Server.Path, a.ws.GinHandler())
	e.GET("/healthz", a.healthz)
	e.GET("/stats", a.stats)
	if a.registry != nil {
		e.GET(s.Metrics.Path, gin.WrapH(metrics.Handler(a.registry)))
	}
	return e
}

// healthz 后端可用时返回 200
func (a *App) healthz(c *gin.Context) {
	if _, err := a.backend.CountConnections(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// stats 本节点连接统计；registered 为后端注册表中的全局连接数
func (a *App) stats(c *gin.Context) {
	conns := a.manager.Connections()
	list := make([]channel.ConnectionStats, 0, len(conns))
	for _, conn := range conns {
		list = append(list, conn.Stats())
	}

	out := gin.H{
		"local":       len(conns),
		"connections": list,
	}
	if n, err := a.backend.CountConnections(c.Request.Context()); err == nil {
		out["registered"] = n
	}
	if a.bus != nil {
		out["events_dropped"] = a.bus.Dropped()
	}
	if a.limiter != nil {
		out["rate_limit_keys"] = a.limiter.Len()
	}
	c.JSON(http.StatusOK, out)
}

package logger

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// GinMiddleware 请求结束后记录一条访问日志
//
// WebSocket 升级请求在连接结束时才返回，记录为会话日志，duration 即连接时长。
func GinMiddleware(l Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		upgrade := isUpgrade(c.Request)

		c.Next()

		status := c.Writer.Status()
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", status),
			zap.String("client_ip", c.ClientIP()),
			zap.Duration("duration", time.Since(start)),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}

		msg := "http request"
		if upgrade {
			msg = "websocket session"
		}
		logAt(c, l, accessLevel(status, upgrade), msg, fields)
	}
}

// accessLevel 升级成功后 status 为 101
func accessLevel(status int, upgrade bool) zapcore.Level {
	switch {
	case status >= http.StatusInternalServerError:
		return zapcore.ErrorLevel
	case status >= http.StatusBadRequest:
		return zapcore.WarnLevel
	case upgrade:
		return zapcore.InfoLevel
	default:
		return zapcore.DebugLevel
	}
}

func logAt(c *gin.Context, l Logger, level zapcore.Level, msg string, fields []zap.Field) {
	ctx := c.Request.Context()
	switch level {
	case zapcore.ErrorLevel:
		l.ErrorContext(ctx, msg, fields...)
	case zapcore.WarnLevel:
		l.WarnContext(ctx, msg, fields...)
	case zapcore.InfoLevel:
		l.InfoContext(ctx, msg, fields...)
	default:
		l.DebugContext(ctx, msg, fields...)
	}
}

func isUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

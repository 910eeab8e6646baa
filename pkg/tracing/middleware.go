package tracing

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

// HTTPScope 入口 span 的 instrumentation scope
const HTTPScope = "chanlayer.http"

// AttrWebSocket 标记升级请求的 span
var AttrWebSocket = attribute.Key("chanlayer.websocket")

// MiddlewareOption 中间件选项
type MiddlewareOption func(*httpTracer)

// WithSkipPaths 不追踪的路由模板，如 /healthz
func WithSkipPaths(routes ...string) MiddlewareOption {
	return func(h *httpTracer) {
		for _, r := range routes {
			h.skip[r] = struct{}{}
		}
	}
}

type httpTracer struct {
	skip map[string]struct{}
}

// GinMiddleware 提取上游 TraceContext 并为每个请求创建 Server Span
//
// WebSocket 升级请求的 span 覆盖整个连接，之后的分发 span 都以它为父。
func GinMiddleware(opts ...MiddlewareOption) gin.HandlerFunc {
	h := &httpTracer{skip: map[string]struct{}{}}
	for _, opt := range opts {
		opt(h)
	}
	return h.handle
}

func (h *httpTracer) handle(c *gin.Context) {
	route := c.FullPath()
	if _, ok := h.skip[route]; ok {
		c.Next()
		return
	}
	if route == "" {
		route = c.Request.URL.Path
	}

	r := c.Request
	// provider 可能在中间件创建之后才设置，每次从全局读取
	ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
	ctx, span := otel.Tracer(HTTPScope).Start(ctx, r.Method+" "+route,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			semconv.HTTPRequestMethodKey.String(r.Method),
			semconv.HTTPRouteKey.String(route),
			semconv.URLPath(r.URL.Path),
			semconv.ServerAddress(r.Host),
			semconv.ClientAddress(c.ClientIP()),
			semconv.UserAgentOriginalKey.String(r.UserAgent()),
			AttrWebSocket.Bool(strings.EqualFold(r.Header.Get("Upgrade"), "websocket")),
		),
	)
	defer span.End()

	c.Request = r.WithContext(ctx)
	c.Next()

	status := c.Writer.Status()
	span.SetAttributes(semconv.HTTPResponseStatusCodeKey.Int(status))
	if err := c.Errors.Last(); err != nil {
		span.RecordError(err.Err)
	}
	if status >= http.StatusInternalServerError {
		span.SetStatus(codes.Error, "HTTP "+strconv.Itoa(status))
	}
}

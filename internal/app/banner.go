package app

import (
	"fmt"
	"io"
	"runtime"
	"strings"

	"github.com/gin-gonic/gin"
)

const banner = `
  ___ _              _
 / __| |_  __ _ _ _ | |   __ _ _  _ ___ _ _
| (__| ' \/ _' | ' \| |__/ _' | || / -_) '_|
 \___|_||_\__,_|_||_|____\__,_|\_, \___|_|
                               |__/   %s
`

// PrintBanner 打印启动 banner、路由表与后端信息
func (a *App) PrintBanner(out io.Writer, version string) {
	fPrint(out, banner, version)
	fPrint(out, "\n")

	if routes := a.Routes(); len(routes) > 0 {
		printRoutes(out, routes)
		fPrint(out, "\n")
	}

	s := a.settings
	fPrint(out, "[chanlayer] backend: %s | events: %s | auth: %t | metrics: %t\n",
		s.Backend.Type, s.Events.Sink, s.AuthEnabled(), s.Metrics.Enabled)
	fPrint(out, "[chanlayer] Go version: %s | OS: %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
	fPrint(out, "[chanlayer] Listening on %s\n", openURL(s.Server.Addr, s.Server.Path))
}

// openURL 拼接 WebSocket 访问地址
func openURL(addr, path string) string {
	switch {
	case strings.HasPrefix(addr, ":"):
		return "ws://127.0.0.1" + addr + path
	case strings.Contains(addr, ":"):
		return "ws://" + addr + path
	default:
		return "ws://127.0.0.1:" + addr + path
	}
}

// methodColor 根据 HTTP 方法返回 ANSI 颜色码
func methodColor(method string) string {
	switch method {
	case "GET":
		return "\033[34m" // 蓝色
	case "POST":
		return "\033[32m" // 绿色
	default:
		return "\033[0m"
	}
}

const resetColor = "\033[0m"

// printRoutes 格式化打印路由表
func printRoutes(out io.Writer, routes gin.RoutesInfo) {
	maxPathLen := 0
	for _, r := range routes {
		if len(r.Path) > maxPathLen {
			maxPathLen = len(r.Path)
		}
	}

	for _, r := range routes {
		fPrint(out, "[chanlayer] %s %-7s %s %-*s --> %s\n",
			methodColor(r.Method), r.Method, resetColor,
			maxPathLen, r.Path,
			r.Handler)
	}
}

// fPrint 打印到 writer，忽略错误（banner 输出场景）
func fPrint(out io.Writer, format string, a ...any) {
	_, _ = fmt.Fprintf(out, format, a...)
}

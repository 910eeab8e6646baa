package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"
	"go.uber.org/zap"

	"github.com/tokmz/chanlayer/internal/app"
	"github.com/tokmz/chanlayer/pkg/config"
	"github.com/tokmz/chanlayer/pkg/logger"
)

// ServeCmd 启动服务
type ServeCmd struct {
	flags  *Flags
	addr   string
	watch  bool
	banner bool
}

// NewServeCmd creates a new serve command
func NewServeCmd(flags *Flags) *ServeCmd {
	return &ServeCmd{flags: flags}
}

// Register adds the serve command to the application
func (cmd *ServeCmd) Register(app *cli.Command) *cli.Command {
	app.Commands = append(app.Commands, &cli.Command{
		Name:        "serve",
		Usage:       "Run the WebSocket channel layer",
		UsageText:   "chanlayer serve [--addr :8080] [--watch]",
		Description: "Starts the HTTP server with the WebSocket endpoint, /healthz, /stats and /metrics.",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "addr",
				Usage:       "override server.addr",
				Destination: &cmd.addr,
			},
			&cli.BoolFlag{
				Name:        "watch",
				Usage:       "reload log level when the config file changes",
				Destination: &cmd.watch,
			},
			&cli.BoolFlag{
				Name:        "banner",
				Usage:       "print the startup banner",
				Value:       true,
				Destination: &cmd.banner,
			},
		},
		Action: cmd.run,
	})
	return app
}

func (cmd *ServeCmd) run(ctx context.Context, c *cli.Command) error {
	s := cmd.flags.Settings
	if cmd.addr != "" {
		s.Server.Addr = cmd.addr
	}

	lc, err := s.LoggerConfig()
	if err != nil {
		return err
	}
	l, err := logger.New(lc)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer func() { _ = l.Sync() }()

	if cmd.watch {
		cmd.watchConfig(l)
	}

	a, err := app.New(ctx, s, l)
	if err != nil {
		return err
	}
	if cmd.banner {
		a.PrintBanner(os.Stdout, build())
	}

	l.Info("chanlayer starting",
		zap.String("addr", s.Server.Addr),
		zap.String("backend", s.Backend.Type),
		zap.String("version", version),
	)
	return a.Run(ctx)
}

// watchConfig 配置文件变更时调整日志级别；其余配置需重启生效
func (cmd *ServeCmd) watchConfig(l logger.Logger) {
	cmd.flags.onReload = func(s *config.Settings) {
		level, err := logger.ParseLevel(s.Log.Level)
		if err != nil {
			return
		}
		l.SetLevel(level)
		l.Info("log level reloaded", zap.String("level", s.Log.Level))
	}
	cmd.flags.onError = func(err error) {
		l.Warn("config reload rejected", zap.Error(err))
	}
	if err := cmd.flags.Loader.Watch(); err != nil {
		l.Warn("config watch disabled", zap.Error(err))
		return
	}
	l.Info("watching config file", zap.String("file", cmd.flags.Loader.ConfigFileUsed()))
}

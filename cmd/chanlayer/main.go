package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"

	"github.com/tokmz/chanlayer/pkg/config"
	"github.com/tokmz/chanlayer/pkg/logger"
)

var (
	// Build information. Populated at build-time via -ldflags flag.
	version = "dev"
	commit  = "HEAD"
	date    = "now"
)

func build() string {
	short := commit
	if len(commit) > 7 {
		short = commit[:7]
	}
	return fmt.Sprintf("%s (%s) %s", version, short, date)
}

// Flags 全局参数与加载后的配置
type Flags struct {
	ConfigFile string
	LogLevel   string

	Loader   *config.Loader
	Settings *config.Settings

	// onReload 配置文件热更新回调
	onReload func(*config.Settings)
	onError  func(error)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newApp(&Flags{}).Run(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "chanlayer:", err)
		os.Exit(1)
	}
}

func newApp(flags *Flags) *cli.Command {
	app := &cli.Command{
		Name:    "chanlayer",
		Usage:   "Pub/sub channel layer for WebSocket connections",
		Version: build(),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "path to config file (searches ./chanlayer.yaml when unset)",
				Sources:     cli.EnvVars("CHANLAYER_CONFIG"),
				Destination: &flags.ConfigFile,
			},
			&cli.StringFlag{
				Name:        "log-level",
				Usage:       "override log.level (debug, info, warn, error)",
				Destination: &flags.LogLevel,
			},
		},
		Before: func(ctx context.Context, c *cli.Command) (context.Context, error) {
			return ctx, flags.load()
		},
	}

	app = NewServeCmd(flags).Register(app)
	app = NewTokenCmd(flags).Register(app)
	return app
}

// load 读取配置；--config 指定的文件必须存在
func (f *Flags) load() error {
	opts := []config.Option{
		config.WithOnChange(func(s *config.Settings) {
			if f.onReload != nil {
				f.onReload(s)
			}
		}),
		config.WithOnError(func(err error) {
			if f.onError != nil {
				f.onError(err)
			}
		}),
	}
	if f.ConfigFile != "" {
		opts = append(opts, config.WithConfigFile(f.ConfigFile))
	} else {
		opts = append(opts, config.WithConfigName("chanlayer"), config.WithConfigPaths(".", "/etc/chanlayer"))
	}
	f.Loader = config.New(opts...)

	s, err := f.Loader.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if f.LogLevel != "" {
		if _, err := logger.ParseLevel(f.LogLevel); err != nil {
			return err
		}
		s.Log.Level = f.LogLevel
	}
	f.Settings = s
	return nil
}

package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/tokmz/chanlayer/pkg/auth"
)

// TokenCmd 签发 JWT，便于本地调试
type TokenCmd struct {
	flags *Flags
	user  string
	ttl   time.Duration
}

// NewTokenCmd creates a new token command
func NewTokenCmd(flags *Flags) *TokenCmd {
	return &TokenCmd{flags: flags}
}

// Register adds the token command to the application
func (cmd *TokenCmd) Register(app *cli.Command) *cli.Command {
	app.Commands = append(app.Commands, &cli.Command{
		Name:        "token",
		Usage:       "Issue a JWT for a user",
		UsageText:   "chanlayer token --user alice [--ttl 1h]",
		Description: "Signs a token with auth.jwt_secret. Pass it as ?token= or an Authorization: Bearer header.",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "user",
				Aliases:     []string{"u"},
				Usage:       "user id placed in the sub claim",
				Required:    true,
				Destination: &cmd.user,
			},
			&cli.DurationFlag{
				Name:        "ttl",
				Usage:       "token lifetime",
				Value:       time.Hour,
				Destination: &cmd.ttl,
			},
		},
		Action: cmd.run,
	})
	return app
}

func (cmd *TokenCmd) run(_ context.Context, c *cli.Command) error {
	s := cmd.flags.Settings
	if !s.AuthEnabled() {
		return errors.New("auth.jwt_secret is not configured")
	}
	a, err := auth.NewJWTAuthenticator(s.AuthConfig())
	if err != nil {
		return err
	}
	token, err := a.IssueToken(cmd.user, cmd.ttl)
	if err != nil {
		return fmt.Errorf("issue token: %w", err)
	}
	_, err = fmt.Fprintln(c.Root().Writer, token)
	return err
}

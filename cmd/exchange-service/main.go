package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/dmehra2102/surplus-exchange/internal/actor"
	"github.com/dmehra2102/surplus-exchange/internal/config"
	transport "github.com/dmehra2102/surplus-exchange/internal/transport/http"
	"github.com/dmehra2102/surplus-exchange/migrations"
	"github.com/dmehra2102/surplus-exchange/pkg/logging"
)

func main() {
	app := &cli.App{
		Name:  "exchange-service",
		Usage: "surplus medication exchange: listings, requests and reservations",
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "run the HTTP and gRPC servers and the outbox relay",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "env-file", Value: ".env", Usage: "optional dotenv file"},
				},
				Action: serve,
			},
			{
				Name:  "migrate",
				Usage: "apply or roll back the database schema",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "pg-url", EnvVars: []string{config.Prefix + "_PG_URL"}, Required: true},
					&cli.StringFlag{Name: "log-level", EnvVars: []string{config.Prefix + "_LOG_LEVEL"}, Value: "info"},
				},
				Subcommands: []*cli.Command{
					{
						Name: "up",
						Action: func(c *cli.Context) error {
							return migrations.Up(logging.New(c.String("log-level")), c.String("pg-url"))
						},
					},
					{
						Name: "down",
						Action: func(c *cli.Context) error {
							return migrations.Down(logging.New(c.String("log-level")), c.String("pg-url"))
						},
					},
				},
			},
			{
				Name:  "token",
				Usage: "print a signed bearer token for local testing",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "jwt-secret", EnvVars: []string{config.Prefix + "_JWT_SECRET"}, Required: true},
					&cli.StringFlag{Name: "sub", Required: true, Usage: "user id"},
					&cli.StringFlag{Name: "role", Value: string(actor.RoleBuyer), Usage: "SELLER or BUYER"},
					&cli.DurationFlag{Name: "ttl", Value: time.Hour},
				},
				Action: func(c *cli.Context) error {
					who := actor.Actor{ID: c.String("sub"), Role: actor.Role(c.String("role"))}
					if !who.Role.Valid() {
						return fmt.Errorf("unknown role %q", who.Role)
					}
					token, err := transport.NewAuthenticator(logging.Discard(), c.String("jwt-secret")).Issue(who, c.Duration("ttl"))
					if err != nil {
						return err
					}
					_, err = fmt.Fprintln(c.App.Writer, token)
					return err
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		slog.Error("exchange-service failed", "err", err)
		os.Exit(1)
	}
}

package main

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/urfave/cli/v3"

	"github.com/emberml/ember/internal/api"
	"github.com/emberml/ember/internal/session"
)

func serveCmd() *cli.Command {
	var (
		addr        string
		readTimeout time.Duration
		eagerLoad   bool
	)

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the REST API",
		Flags: append(append(modelFlags(), loggingFlags()...),
			&cli.StringFlag{
				Name:        "addr",
				Usage:       "listen address",
				Value:       "127.0.0.1:8080",
				Destination: &addr,
			},
			&cli.DurationFlag{
				Name:        "read-timeout",
				Usage:       "read header timeout",
				Value:       30 * time.Second,
				Destination: &readTimeout,
			},
			&cli.BoolFlag{
				Name:        "eager-load",
				Usage:       "load the model at startup instead of on first request",
				Destination: &eagerLoad,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			applyServeConfig(cmd, loadConfig(), &addr)
			log := buildLogger()

			sess := session.New(modelDir, session.Options{Logger: log})
			defer sess.Unload()

			if eagerLoad {
				// Load in the background so the health endpoint can report
				// progress while weights stream in.
				go func() {
					if err := sess.Load(ctx); err != nil {
						log.Error("startup load failed", "error", err)
					}
				}()
			}

			server := api.NewServer(sess, modelDir, log)
			e := echo.New()
			e.Use(middleware.RequestLogger())
			e.Use(middleware.Recover())
			server.Register(e)

			log.Info("starting server", "address", addr)
			sc := echo.StartConfig{
				Address: addr,
				BeforeServeFunc: func(srv *http.Server) error {
					srv.ReadHeaderTimeout = readTimeout
					return nil
				},
			}
			return sc.Start(ctx, e)
		},
	}
}

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/mohammad-safakhou/sitrep/config"
	srv "github.com/mohammad-safakhou/sitrep/internal/server"
	"github.com/spf13/cobra"
)

func serveCMD() *cobra.Command {
	var serveAddr string
	var cfgPath string
	var serve = &cobra.Command{
		Use:   "serve",
		Short: "Run HTTP API server and background ingestion",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			a, err := build(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.close()

			deps := srv.Deps{
				Store:               a.store,
				Orchestrator:        a.orchestrator,
				Live:                a.live,
				Telemetry:           a.telemetry,
				SearchConfigured:    a.searchConfigured,
				ReasoningConfigured: a.reasoningConfigured,
			}
			if cfg.Ingest.Enabled {
				sched, err := a.scheduler()
				if err != nil {
					return err
				}
				sched.Start(ctx)
				defer sched.Stop()
				deps.Scheduler = sched
			}

			addr := serveAddr
			if addr == "" {
				addr = cfg.Server.Address()
			}
			return srv.Run(ctx, srv.New(cfg.Server, deps), addr)
		},
	}
	serve.Flags().StringVar(&serveAddr, "addr", "", "listen address (default from server.port)")
	serve.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is .)")

	return serve
}

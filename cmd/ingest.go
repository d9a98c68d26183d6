package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"syscall"

	"github.com/mohammad-safakhou/sitrep/config"
	"github.com/spf13/cobra"
)

// ingestCMD runs a single hotspot cycle and prints its pulse, for cron jobs
// and smoke checks outside the server.
func ingestCMD() *cobra.Command {
	var cfgPath string
	var ingest = &cobra.Command{
		Use:   "ingest",
		Short: "Run one background ingestion cycle and exit",
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

			sched, err := a.scheduler()
			if err != nil {
				return err
			}
			pulse, err := sched.RunOnce(ctx, "cli")
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(pulse)
		},
	}
	ingest.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is .)")

	return ingest
}

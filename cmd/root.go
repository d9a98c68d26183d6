package main

import (
	"os"

	"github.com/spf13/cobra"
)

func main() {
	var root = &cobra.Command{
		Use:          "sitrep",
		Short:        "Conflict intelligence ingestion and reconciliation service",
		SilenceUsage: true,
	}

	root.AddCommand(serveCMD(), ingestCMD(), versionCMD())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

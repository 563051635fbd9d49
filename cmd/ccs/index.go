package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Zuo-Peng/ccsearch/internal/index"
	"github.com/Zuo-Peng/ccsearch/internal/render"
)

func indexCmd() *cobra.Command {
	var force, withRemote, noPrune, asJSON bool
	var workers int

	cmd := &cobra.Command{
		Use:   "index",
		Short: "Scan session logs and update the index",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			if workers <= 0 {
				workers = a.cfg.Workers
			}
			fmt.Fprintf(os.Stderr, "Scanning %s\n", a.cfg.ProjectsRoot)

			ix := index.NewIndexer(a.db, index.Options{
				Workers: workers,
				Force:   force,
				Prune:   !noPrune,
				Rebuild: force,
			})
			report, err := ix.Run(cmd.Context(), a.sources(withRemote)...)
			if err != nil {
				return fmt.Errorf("index: %w", err)
			}

			if asJSON {
				return render.Export(os.Stdout, report, render.FormatJSON)
			}
			fmt.Fprintf(os.Stderr, "Done. %s\n", report)
			if len(report.Failures) > 0 {
				fmt.Fprintf(os.Stderr, "Failures:\n%s", report.FailureSummary())
			}
			if report.Canceled {
				return cmd.Context().Err()
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Re-index unchanged sessions and rebuild full-text indexes")
	cmd.Flags().BoolVar(&withRemote, "remote", false, "Also index the remote source when enabled in config")
	cmd.Flags().BoolVar(&noPrune, "no-prune", false, "Keep sessions whose log files disappeared")
	cmd.Flags().IntVar(&workers, "workers", 0, "Concurrent session parsers (default from config)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the run report as JSON")

	return cmd
}

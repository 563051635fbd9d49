package main

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/Zuo-Peng/ccsearch/internal/index"
	"github.com/Zuo-Peng/ccsearch/internal/watch"
)

func watchCmd() *cobra.Command {
	var debounce time.Duration

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Keep the index current by re-indexing when session logs change",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			ix := index.NewIndexer(a.db, index.Options{Workers: a.cfg.Workers, Prune: true})
			run := func(ctx context.Context, _ []string) {
				if _, err := ix.Run(ctx, a.sources(false)...); err != nil {
					log.Error().Err(err).Msg("index run")
				}
			}

			w, err := watch.New(a.cfg.ProjectsRoot, debounce, run)
			if err != nil {
				return fmt.Errorf("watch %s: %w", a.cfg.ProjectsRoot, err)
			}
			defer w.Close()

			run(cmd.Context(), nil)
			log.Info().Str("root", a.cfg.ProjectsRoot).Dur("debounce", debounce).Msg("watching for changes")
			return w.Run(cmd.Context())
		},
	}
	cmd.Flags().DurationVar(&debounce, "debounce", 2*time.Second, "Quiet period before re-indexing")
	return cmd
}

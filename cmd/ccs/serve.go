package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/Zuo-Peng/ccsearch/internal/index"
	"github.com/Zuo-Peng/ccsearch/internal/server"
)

func serveCmd() *cobra.Command {
	var listen string
	var withRemote bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the search API over HTTP",
		Long: `Serve the query surface as JSON under /api: search, search/interactions,
search/tools, search/commits, sessions, messages, interactions, commits and
stats. POST /api/index runs an incremental indexing pass.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()
			if listen == "" {
				listen = a.cfg.Listen
			}

			reindex := func(ctx context.Context) (*index.Report, error) {
				ix := index.NewIndexer(a.db, index.Options{Workers: a.cfg.Workers, Prune: true})
				return ix.Run(ctx, a.sources(withRemote)...)
			}
			return server.New(a.engine, reindex).ListenAndServe(cmd.Context(), listen)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "Listen address (default from config)")
	cmd.Flags().BoolVar(&withRemote, "remote", false, "Include the remote source in POST /api/index")
	return cmd
}

package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/Zuo-Peng/ccsearch/internal/render"
)

func listCmd() *cobra.Command {
	var limit, offset int
	var asJSON, noRefresh bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List indexed sessions, most recently active first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()
			if !noRefresh {
				a.refresh(cmd.Context())
			}

			rows, err := a.engine.Sessions(cmd.Context(), limit, offset)
			if err != nil {
				return err
			}
			if asJSON {
				return render.Export(os.Stdout, rows, render.FormatJSON)
			}
			render.Sessions(os.Stdout, rows)
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "Max sessions (default from config)")
	cmd.Flags().IntVar(&offset, "offset", 0, "Skip this many sessions")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print sessions as JSON")
	cmd.Flags().BoolVar(&noRefresh, "no-refresh", false, "Do not update the index first")
	return cmd
}

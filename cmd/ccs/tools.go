package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Zuo-Peng/ccsearch/internal/render"
)

func toolsCmd() *cobra.Command {
	var f filterFlags

	cmd := &cobra.Command{
		Use:   "tools <query>",
		Short: "Search tool calls by name, input, command, file path and result",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := f.options(strings.Join(args, " "))
			if err != nil {
				return err
			}
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()
			if !f.noRefresh {
				a.refresh(cmd.Context())
			}

			hits, err := a.engine.SearchTools(cmd.Context(), opts)
			if err != nil {
				return err
			}
			if f.asJSON {
				return render.Export(os.Stdout, hits, render.FormatJSON)
			}
			if len(hits) == 0 {
				fmt.Fprintln(os.Stderr, "No results found.")
				return nil
			}
			render.Tools(os.Stdout, hits, colorOut())
			return nil
		},
	}
	f.register(cmd, false)
	return cmd
}

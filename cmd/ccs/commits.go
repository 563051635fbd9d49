package main

import (
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Zuo-Peng/ccsearch/internal/commit"
	"github.com/Zuo-Peng/ccsearch/internal/render"
)

func commitsCmd() *cobra.Command {
	var f filterFlags
	var byHash bool

	cmd := &cobra.Command{
		Use:   "commits <query|hash>",
		Short: "Find commits made during sessions by hash prefix or message",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()
			if !f.noRefresh {
				a.refresh(cmd.Context())
			}

			var commits []commit.Commit
			if byHash {
				commits, err = a.engine.Commits(cmd.Context(), args[0])
				if err != nil {
					return err
				}
			} else {
				opts, err := f.options(strings.Join(args, " "))
				if err != nil {
					return err
				}
				hits, err := a.engine.SearchCommits(cmd.Context(), opts)
				if err != nil {
					return err
				}
				if f.asJSON {
					return render.Export(os.Stdout, hits, render.FormatJSON)
				}
				for _, h := range hits {
					commits = append(commits, h.Commit)
				}
			}

			if f.asJSON {
				return render.Export(os.Stdout, commits, render.FormatJSON)
			}
			render.Commits(os.Stdout, commits)
			return nil
		},
	}
	f.register(cmd, false)
	cmd.Flags().BoolVar(&byHash, "hash", false, "Look up commits by hash prefix only")
	return cmd
}

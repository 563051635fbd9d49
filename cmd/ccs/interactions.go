package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Zuo-Peng/ccsearch/internal/render"
)

func interactionsCmd() *cobra.Command {
	var f filterFlags
	var sessionList string

	cmd := &cobra.Command{
		Use:   "interactions [query]",
		Short: "Search interactions (a prompt with everything done to answer it)",
		Long: `With a query, rank interactions by their best matching message. Interactions that
match only across several messages are listed with score 0.

With --list <session> and no query, list the interactions of a session.`,
		Args: cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			if sessionList != "" {
				ins, err := a.engine.Interactions(cmd.Context(), sessionList)
				if err != nil {
					return err
				}
				if f.asJSON {
					return render.Export(os.Stdout, ins, render.FormatJSON)
				}
				render.Interactions(os.Stdout, ins)
				return nil
			}
			if len(args) == 0 {
				return fmt.Errorf("a query or --list <session> is required")
			}

			opts, err := f.options(strings.Join(args, " "))
			if err != nil {
				return err
			}
			if !f.noRefresh {
				a.refresh(cmd.Context())
			}
			hits, err := a.engine.SearchInteractions(cmd.Context(), opts)
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

			color := colorOut()
			for _, h := range hits {
				in := h.Interaction
				fmt.Printf("%s  score=%.3f  %d messages  %d tools  %d commits\n",
					in.ID, h.Score, len(in.MessageIDs), len(in.ToolCalls), len(in.Commits))
				fmt.Printf("    prompt: %s\n", render.Truncate(in.UserPrompt, 100))
				if h.Snippet != "" {
					fmt.Printf("    match:  %s (%s)\n", render.Snippet(h.Snippet, color), h.MessageID)
				}
				for _, c := range in.Commits {
					fmt.Printf("    commit: %s %s\n", c.Hash, oneLine(c.Message))
				}
			}
			return nil
		},
	}
	f.register(cmd, false)
	cmd.Flags().StringVar(&sessionList, "list", "", "List the interactions of this session")
	return cmd
}

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Zuo-Peng/ccsearch/internal/render"
)

func contextCmd() *cobra.Command {
	var before, after int
	var query string
	var asJSON, thinking bool

	cmd := &cobra.Command{
		Use:   "context <message-id>",
		Short: "Show the messages around a search hit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			msgs, err := a.engine.Context(cmd.Context(), args[0], before, after)
			if err != nil {
				return err
			}
			if asJSON {
				return render.Export(os.Stdout, msgs, render.FormatJSON)
			}

			opts := render.Options{
				HitID:        args[0],
				Query:        query,
				Width:        termWidth(),
				Color:        colorOut(),
				ShowThinking: thinking,
				ShowTools:    true,
			}
			if len(msgs) > 0 {
				first, last := msgs[0], msgs[len(msgs)-1]
				view, err := a.engine.Session(cmd.Context(), first.SessionID)
				if err != nil {
					return err
				}
				opts.Header = fmt.Sprintf("%s [%s] %s", view.Session.ID, view.Session.Source, view.Session.ProjectDir)
				opts.SkipBefore = first.Seq
				opts.SkipAfter = view.Session.MessageCount - 1 - last.Seq
			}
			_, err = render.Messages(os.Stdout, msgs, opts)
			return err
		},
	}
	cmd.Flags().IntVarP(&before, "before", "B", 2, "Messages before the hit")
	cmd.Flags().IntVarP(&after, "after", "A", 2, "Messages after the hit")
	cmd.Flags().StringVarP(&query, "query", "q", "", "Highlight these search terms")
	cmd.Flags().BoolVar(&thinking, "thinking", false, "Show thinking content")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the window as JSON")
	return cmd
}

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Zuo-Peng/ccsearch/internal/render"
)

func showCmd() *cobra.Command {
	var format, query string
	var thinking, tools bool

	cmd := &cobra.Command{
		Use:   "show <session-id>",
		Short: "Print a whole session, or export it as JSON or YAML",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			view, err := a.engine.Session(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if format != render.FormatText {
				return render.Export(os.Stdout, view, format)
			}

			s := view.Session
			_, err = render.Messages(os.Stdout, view.Messages, render.Options{
				Query:        query,
				Width:        termWidth(),
				Color:        colorOut(),
				ShowThinking: thinking,
				ShowTools:    tools,
				Header: fmt.Sprintf("%s [%s] %s  %d messages, %d interactions, $%.4f",
					s.ID, s.Source, s.ProjectDir, s.MessageCount, len(view.Interactions), s.TotalCost),
			})
			return err
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", render.FormatText, "Output format: text, json or yaml")
	cmd.Flags().StringVarP(&query, "query", "q", "", "Highlight these search terms")
	cmd.Flags().BoolVar(&thinking, "thinking", false, "Show thinking content")
	cmd.Flags().BoolVar(&tools, "tools", true, "Show tool calls")
	return cmd
}

package main

import (
	"github.com/spf13/cobra"

	"github.com/Zuo-Peng/ccsearch/internal/open"
)

func openCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "open <message-id>",
		Short: "Open the session log in $EDITOR at the message's line",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			return open.Message(cmd.Context(), a.db, args[0])
		},
	}
}

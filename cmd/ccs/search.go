package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Zuo-Peng/ccsearch/internal/render"
	"github.com/Zuo-Peng/ccsearch/internal/search"
)

// filterFlags are the structured filters shared by the search commands.
type filterFlags struct {
	role, tool, session, source, contentType string
	since, until                             string
	limit, offset                            int
	asJSON, noRefresh                        bool
}

func (f *filterFlags) register(cmd *cobra.Command, messageFilters bool) {
	if messageFilters {
		cmd.Flags().StringVar(&f.role, "role", "", "Filter by role (user/assistant/system)")
		cmd.Flags().StringVar(&f.contentType, "type", "", "Filter by content type (text/thinking/tool_use/tool_result/system/tool)")
		cmd.Flags().StringVar(&f.since, "since", "", "Only messages at or after this date (YYYY-MM-DD)")
		cmd.Flags().StringVar(&f.until, "until", "", "Only messages before this date (YYYY-MM-DD)")
		cmd.Flags().StringVar(&f.source, "source", "", "Filter by source (local/remote)")
	}
	cmd.Flags().StringVar(&f.tool, "tool", "", "Filter by tool name")
	cmd.Flags().StringVar(&f.session, "session", "", "Filter by session ID")
	cmd.Flags().IntVar(&f.limit, "limit", 0, "Max results (default from config)")
	cmd.Flags().IntVar(&f.offset, "offset", 0, "Skip this many results")
	cmd.Flags().BoolVar(&f.asJSON, "json", false, "Print results as JSON")
	cmd.Flags().BoolVar(&f.noRefresh, "no-refresh", false, "Do not update the index before searching")
}

func (f *filterFlags) options(query string) (search.Options, error) {
	since, err := parseDate(f.since)
	if err != nil {
		return search.Options{}, err
	}
	until, err := parseDate(f.until)
	if err != nil {
		return search.Options{}, err
	}
	return search.Options{
		Query:       query,
		Role:        f.role,
		Tool:        f.tool,
		Session:     f.session,
		Source:      f.source,
		ContentType: f.contentType,
		Since:       since,
		Until:       until,
		Limit:       f.limit,
		Offset:      f.offset,
	}, nil
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func searchCmd() *cobra.Command {
	var f filterFlags

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Full-text search across indexed messages",
		Long: `Search messages with FTS5 syntax: words, "quoted phrases", prefix*,
AND / OR / NOT and parentheses. Adjacent words must all match.

When stdout is not a terminal the output is TSV for fzf integration:
  message_id, session_id, timestamp, role, score, snippet`,
		Args: cobra.MinimumNArgs(1),
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

			hits, err := a.engine.Search(cmd.Context(), opts)
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
				m := h.Message
				if !color {
					// first two fields stay plain for fzf {1} {2}
					fmt.Printf("%s\t%s\t%s\t%s\t%.3f\t%s\n",
						m.ID, m.SessionID, m.Timestamp.Format("2006-01-02T15:04:05Z07:00"),
						m.Role, h.Score, render.Snippet(h.Snippet, false))
					continue
				}
				project := h.ProjectDir
				if project == "" {
					project = "-"
				}
				fmt.Printf("\033[2m%s\033[0m  \033[1m%s\033[0m  %s  %s  score=%.3f\n",
					m.Timestamp.Local().Format("2006-01-02 15:04"), m.Role, m.ID, project, h.Score)
				fmt.Printf("    %s\n", render.Snippet(h.Snippet, true))
			}
			return nil
		},
	}
	f.register(cmd, true)
	return cmd
}

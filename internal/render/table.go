package render

import (
	"fmt"
	"io"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/Zuo-Peng/ccsearch/internal/commit"
	"github.com/Zuo-Peng/ccsearch/internal/index"
	"github.com/Zuo-Peng/ccsearch/internal/interaction"
	"github.com/Zuo-Peng/ccsearch/internal/search"
)

const timeLayout = "2006-01-02 15:04"

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(timeLayout)
}

func newTable(w io.Writer) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.SetStyle(table.StyleRounded)
	tw.Style().Options.SeparateHeader = true
	tw.Style().Options.DrawBorder = true
	return tw
}

// Sessions writes the session listing.
func Sessions(w io.Writer, rows []*index.SessionRow) {
	tw := newTable(w)
	tw.AppendHeader(table.Row{"Last Message", "Session ID", "Source", "Project", "Messages", "Cost"})
	tw.SetColumnConfigs([]table.ColumnConfig{
		{Number: 4, WidthMax: 50},
		{Number: 5, Align: text.AlignRight},
		{Number: 6, Align: text.AlignRight},
	})
	for _, r := range rows {
		tw.AppendRow(table.Row{
			formatTime(r.LastMessageAt),
			r.ID,
			r.Source,
			Truncate(r.ProjectDir, 50),
			r.MessageCount,
			fmt.Sprintf("$%.4f", r.TotalCost),
		})
	}
	if len(rows) == 0 {
		tw.AppendRow(table.Row{"-", "(no sessions)", "-", "-", 0, "-"})
	}
	tw.Render()
}

// Interactions writes one row per interaction.
func Interactions(w io.Writer, ins []*interaction.Interaction) {
	tw := newTable(w)
	tw.AppendHeader(table.Row{"#", "Started", "Prompt", "Messages", "Tools", "Commits"})
	tw.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, Align: text.AlignRight},
		{Number: 3, WidthMax: 60},
		{Number: 4, Align: text.AlignRight},
		{Number: 5, Align: text.AlignRight},
		{Number: 6, Align: text.AlignRight},
	})
	for _, in := range ins {
		tw.AppendRow(table.Row{in.Seq, formatTime(in.StartedAt), Truncate(in.UserPrompt, 60), len(in.MessageIDs), len(in.ToolCalls), len(in.Commits)})
	}
	tw.Render()
}

// Commits writes commit search results or lookups.
func Commits(w io.Writer, commits []commit.Commit) {
	tw := newTable(w)
	tw.AppendHeader(table.Row{"Hash", "Branch", "When", "Message", "Session"})
	tw.SetColumnConfigs([]table.ColumnConfig{{Number: 4, WidthMax: 60}})
	for _, c := range commits {
		tw.AppendRow(table.Row{c.Hash, c.Branch, formatTime(c.Timestamp), Truncate(c.Message, 60), c.SessionID})
	}
	if len(commits) == 0 {
		tw.AppendRow(table.Row{"-", "-", "-", "(no commits)", "-"})
	}
	tw.Render()
}

// Tools writes tool search results.
func Tools(w io.Writer, hits []search.ToolHit, color bool) {
	tw := newTable(w)
	tw.AppendHeader(table.Row{"When", "Tool", "Score", "Match", "Message"})
	tw.SetColumnConfigs([]table.ColumnConfig{
		{Number: 3, Align: text.AlignRight},
		{Number: 4, WidthMax: 70},
	})
	for _, h := range hits {
		tw.AppendRow(table.Row{formatTime(h.Timestamp), h.ToolUsage.Name, fmt.Sprintf("%.3f", h.Score), Snippet(h.Snippet, color), h.ToolUsage.MessageID})
	}
	tw.Render()
}

// Stats writes the index summary.
func Stats(w io.Writer, st *index.Stats) {
	tw := newTable(w)
	tw.AppendHeader(table.Row{"Metric", "Value"})
	tw.SetColumnConfigs([]table.ColumnConfig{{Number: 2, Align: text.AlignRight}})
	tw.AppendRows([]table.Row{
		{"Sessions", st.Sessions},
		{"Messages", st.Messages},
		{"Tool usages", st.ToolUsages},
		{"Interactions", st.Interactions},
		{"Commits", st.Commits},
		{"Total cost", fmt.Sprintf("$%.4f", st.CostSum)},
		{"First message", formatTime(st.FirstMessage)},
		{"Last message", formatTime(st.LastMessage)},
	})
	if r := st.LastRun; r != nil {
		tw.AppendSeparator()
		tw.AppendRows([]table.Row{
			{"Last run", formatTime(r.StartedAt)},
			{"Indexed / skipped", fmt.Sprintf("%d / %d", r.Indexed, r.Skipped)},
			{"Failed / pruned", fmt.Sprintf("%d / %d", r.Failed, r.Pruned)},
		})
	}
	tw.Render()

	if len(st.TopTools) == 0 {
		return
	}
	tt := newTable(w)
	tt.AppendHeader(table.Row{"Tool", "Calls"})
	tt.SetColumnConfigs([]table.ColumnConfig{{Number: 2, Align: text.AlignRight}})
	for _, t := range st.TopTools {
		tt.AppendRow(table.Row{t.Name, t.Count})
	}
	tt.Render()
}

package index

import (
	"io"

	"github.com/Zuo-Peng/ccsearch/internal/commit"
	"github.com/Zuo-Peng/ccsearch/internal/interaction"
	"github.com/Zuo-Peng/ccsearch/internal/parse"
)

// Bundle is everything derived from one session's event stream, ready to be
// written as a unit.
type Bundle struct {
	Session      parse.Session
	Messages     []*parse.Message
	Interactions []interaction.Interaction
	Commits      []commit.Commit
	Warnings     parse.Warnings
}

// ToolUsages returns the bundle's tool usages in message order.
func (b *Bundle) ToolUsages() []*parse.ToolUsage {
	var out []*parse.ToolUsage
	for _, m := range b.Messages {
		out = append(out, m.ToolUsages...)
	}
	return out
}

// BuildSession runs the parse, correlate, commit and interaction stages over
// one event stream. It shares no state with other sessions and may run
// concurrently with other calls.
func BuildSession(r io.Reader, s parse.Session) (*Bundle, error) {
	res, err := parse.ReadSession(r, s)
	if err != nil {
		return nil, err
	}
	commits := commit.Extract(res)
	interactions := interaction.Build(res.Session.ID, res.Messages, commits)

	// the builder stamps each commit with its interaction
	attached := make([]commit.Commit, 0, len(commits))
	for _, in := range interactions {
		attached = append(attached, in.Commits...)
	}

	return &Bundle{
		Session:      res.Session,
		Messages:     res.Messages,
		Interactions: interactions,
		Commits:      attached,
		Warnings:     res.Warnings,
	}, nil
}

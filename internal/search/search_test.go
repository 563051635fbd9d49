package search

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/Zuo-Peng/ccsearch/internal/index"
	"github.com/Zuo-Peng/ccsearch/internal/parse"
)

func line(id, role, ts, content string) string {
	return fmt.Sprintf(`{"uuid":%q,"type":%q,"timestamp":%q,"message":{"role":%q,"content":%s}}`, id, role, ts, role, content)
}

func text(s string) string {
	return fmt.Sprintf("%q", s)
}

type EngineSuite struct {
	suite.Suite
	db     *index.DB
	engine *Engine
	ctx    context.Context
}

func TestEngineSuite(t *testing.T) {
	suite.Run(t, new(EngineSuite))
}

func (s *EngineSuite) SetupTest() {
	db, err := index.OpenDB(filepath.Join(s.T().TempDir(), "search.db"))
	s.Require().NoError(err)
	s.db = db
	s.engine = NewEngine(db, DefaultLimits())
	s.ctx = context.Background()
}

func (s *EngineSuite) TearDownTest() {
	s.db.Close()
}

func (s *EngineSuite) ingest(id, source string, lines ...string) {
	b, err := index.BuildSession(strings.NewReader(strings.Join(lines, "\n")),
		parse.Session{ID: id, Source: source, Path: id + ".jsonl"})
	s.Require().NoError(err)
	s.Require().NoError(s.db.WriteSession(s.ctx, b))
}

// filler keeps term statistics away from the degenerate case where every
// document contains the query terms.
func (s *EngineSuite) filler(n int) {
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("filler%d", i)
		s.ingest(id, parse.SourceLocal,
			line(id+"-u", "user", "2025-01-01T00:00:00Z", text("unrelated chatter about lunch")))
	}
}

func (s *EngineSuite) ids(hits []MessageHit) []string {
	out := make([]string, len(hits))
	for i, h := range hits {
		out[i] = h.Message.ID
	}
	return out
}

func (s *EngineSuite) TestConjunctionNeverOutranksSingleTerm() {
	s.filler(4)
	s.ingest("A", parse.SourceLocal, line("A-1", "user", "2025-02-01T10:00:00Z", text("pytest fails on an async fixture")))
	s.ingest("B", parse.SourceLocal, line("B-1", "user", "2025-02-02T10:00:00Z", text("the async runner needs pytest")))

	both, err := s.engine.Search(s.ctx, Options{Query: "pytest AND async"})
	s.Require().NoError(err)
	single, err := s.engine.Search(s.ctx, Options{Query: "pytest"})
	s.Require().NoError(err)

	s.ElementsMatch([]string{"A-1", "B-1"}, s.ids(both))
	s.ElementsMatch([]string{"A-1", "B-1"}, s.ids(single))

	scores := func(hits []MessageHit) map[string]float64 {
		m := map[string]float64{}
		for _, h := range hits {
			m[h.Message.ID] = h.Score
		}
		return m
	}
	bs, ss := scores(both), scores(single)
	for id := range bs {
		s.GreaterOrEqual(ss[id]+1e-9, bs[id], id)
		s.Greater(ss[id], 0.0)
	}
}

func (s *EngineSuite) TestExtraOccurrenceNeverLowersScore() {
	s.filler(4)
	s.ingest("one", parse.SourceLocal, line("one-1", "user", "2025-02-01T10:00:00Z", text("deploy the service now")))
	s.ingest("two", parse.SourceLocal, line("two-1", "user", "2025-02-01T10:00:00Z", text("deploy deploy the service now")))

	hits, err := s.engine.Search(s.ctx, Options{Query: "deploy"})
	s.Require().NoError(err)
	s.Require().Len(hits, 2)
	s.Equal("two-1", hits[0].Message.ID)
	s.Greater(hits[0].Score, hits[1].Score)
	s.Contains(hits[0].Snippet, ">>>deploy<<<")
}

func (s *EngineSuite) TestTiesBreakByRecencyThenID() {
	s.ingest("x", parse.SourceLocal,
		line("x-b", "user", "2025-02-01T10:00:00Z", text("retry budget")),
		line("x-a", "user", "2025-02-01T10:00:00Z", text("retry budget")),
	)
	s.ingest("y", parse.SourceLocal, line("y-1", "user", "2025-02-03T10:00:00Z", text("retry budget")))

	hits, err := s.engine.Search(s.ctx, Options{Query: "retry budget"})
	s.Require().NoError(err)
	s.Equal([]string{"y-1", "x-a", "x-b"}, s.ids(hits))
}

func (s *EngineSuite) seedFilters() {
	s.ingest("f1", parse.SourceLocal,
		line("f1-u", "user", "2025-02-01T10:00:00Z", text("please migrate the schema")),
		line("f1-a", "assistant", "2025-02-01T10:00:05Z",
			`[{"type":"text","text":"running the schema migration"},{"type":"tool_use","id":"f1-t","name":"Bash","input":{"command":"make migrate"}}]`),
		line("f1-r", "user", "2025-02-01T10:00:09Z",
			`[{"type":"tool_result","tool_use_id":"f1-t","content":"migrated"}]`),
	)
	s.ingest("f2", parse.SourceRemote,
		line("f2-a", "assistant", "2025-03-01T10:00:00Z",
			`[{"type":"text","text":"schema looks fine"},{"type":"tool_use","id":"f2-t","name":"Read","input":{"file_path":"/db/schema.sql"}}]`),
	)
}

func (s *EngineSuite) TestFilters() {
	s.seedFilters()
	day := func(d int) time.Time { return time.Date(2025, time.Month(d/100), d%100, 0, 0, 0, 0, time.UTC) }

	tests := []struct {
		name string
		opts Options
		want []string
	}{
		{"all", Options{Query: "schema"}, []string{"f2-a", "f1-a", "f1-u"}},
		{"role", Options{Query: "schema", Role: "user"}, []string{"f1-u"}},
		{"tool", Options{Query: "schema", Tool: "bash"}, []string{"f1-a"}},
		{"session", Options{Query: "schema", Session: "f2"}, []string{"f2-a"}},
		{"source", Options{Query: "schema", Source: parse.SourceLocal}, []string{"f1-a", "f1-u"}},
		{"since", Options{Query: "schema", Since: day(215)}, []string{"f2-a"}},
		{"until", Options{Query: "schema", Until: day(215)}, []string{"f1-a", "f1-u"}},
		{"content type", Options{Query: "schema", ContentType: parse.ContentText}, []string{"f2-a", "f1-a", "f1-u"}},
		{"no results", Options{Query: "kubernetes"}, []string{}},
	}
	for _, tt := range tests {
		s.Run(tt.name, func() {
			hits, err := s.engine.Search(s.ctx, tt.opts)
			s.Require().NoError(err)
			s.ElementsMatch(tt.want, s.ids(hits))
		})
	}
}

func (s *EngineSuite) TestHitsCarryToolUsages() {
	s.seedFilters()
	hits, err := s.engine.Search(s.ctx, Options{Query: "migration"})
	s.Require().NoError(err)
	s.Require().Len(hits, 1)
	s.Require().Len(hits[0].Message.ToolUsages, 1)
	s.Equal("make migrate", hits[0].Message.ToolUsages[0].Command)
	s.Equal("migrated", *hits[0].Message.ToolUsages[0].Result)
}

func (s *EngineSuite) TestInvalidQueries() {
	for _, opts := range []Options{
		{Query: ""},
		{Query: "   "},
		{Query: "!!!"},
		{Query: "x", Limit: -1},
		{Query: "x", Offset: -5},
		{Query: "x", Role: "robot"},
		{Query: "x", ContentType: "video"},
		{Query: "x", Since: time.Now(), Until: time.Now().Add(-time.Hour)},
	} {
		_, err := s.engine.Search(s.ctx, opts)
		s.ErrorIs(err, ErrInvalidQuery, "%+v", opts)
	}
	_, err := s.engine.SearchInteractions(s.ctx, Options{})
	s.ErrorIs(err, ErrInvalidQuery)
	_, err = s.engine.SearchCommits(s.ctx, Options{Query: " "})
	s.ErrorIs(err, ErrInvalidQuery)
	_, err = s.engine.Commits(s.ctx, "not-hex")
	s.ErrorIs(err, ErrInvalidQuery)
}

func (s *EngineSuite) TestPagingIsClamped() {
	var lines []string
	for i := 0; i < 8; i++ {
		lines = append(lines, line(fmt.Sprintf("p-%d", i), "user", fmt.Sprintf("2025-02-01T10:00:0%dZ", i), text("paging fixture")))
	}
	s.ingest("p", parse.SourceLocal, lines...)

	engine := NewEngine(s.db, Limits{DefaultLimit: 2, MaxLimit: 3, MaxContext: 1})

	hits, err := engine.Search(s.ctx, Options{Query: "paging"})
	s.Require().NoError(err)
	s.Equal([]string{"p-7", "p-6"}, s.ids(hits))

	hits, err = engine.Search(s.ctx, Options{Query: "paging", Limit: 500})
	s.Require().NoError(err)
	s.Len(hits, 3)

	hits, err = engine.Search(s.ctx, Options{Query: "paging", Limit: 3, Offset: 6})
	s.Require().NoError(err)
	s.Equal([]string{"p-1", "p-0"}, s.ids(hits))

	window, err := engine.Context(s.ctx, "p-4", 10, 10)
	s.Require().NoError(err)
	s.Len(window, 3, "context counts are clamped to the maximum")

	sessions, err := engine.Sessions(s.ctx, 0, 0)
	s.Require().NoError(err)
	s.Len(sessions, 1)
}

const authSession = `{"uuid":"u1","type":"user","timestamp":"2025-03-01T10:00:00Z","message":{"role":"user","content":"fix bug in auth"}}
{"uuid":"a1","type":"assistant","timestamp":"2025-03-01T10:00:04Z","message":{"role":"assistant","content":[{"type":"text","text":"found it"},{"type":"tool_use","id":"t1","name":"Bash","input":{"command":"git commit -m 'fix auth'"}}]}}
{"uuid":"u2","type":"user","timestamp":"2025-03-01T10:00:06Z","message":{"role":"user","content":[{"type":"tool_result","tool_use_id":"t1","content":"[main a1b2c3d] fix auth"}]}}
{"uuid":"a2","type":"assistant","timestamp":"2025-03-01T10:00:08Z","message":{"role":"assistant","content":"committed, auth is fixed"}}
{"uuid":"u3","type":"user","timestamp":"2025-03-01T10:01:00Z","message":{"role":"user","content":"now add a regression test"}}
`

func (s *EngineSuite) TestSearchInteractions() {
	s.filler(3)
	s.ingest("s1", parse.SourceLocal, strings.Split(strings.TrimSpace(authSession), "\n")...)

	hits, err := s.engine.SearchInteractions(s.ctx, Options{Query: "auth"})
	s.Require().NoError(err)
	s.Require().Len(hits, 1)
	h := hits[0]
	s.Equal("s1-interaction-0", h.Interaction.ID)
	s.Equal("fix bug in auth", h.Interaction.UserPrompt)
	s.Equal([]string{"u1", "a1", "u2", "a2"}, h.Interaction.MessageIDs)
	s.Require().Len(h.Interaction.Commits, 1)

	msgs, err := s.engine.Search(s.ctx, Options{Query: "auth"})
	s.Require().NoError(err)
	best := 0.0
	for _, m := range msgs {
		best = max(best, m.Score)
	}
	s.InDelta(best, h.Score, 1e-9, "interaction score is its best message score")
	s.NotEmpty(h.MessageID)
	s.Contains(h.Snippet, ">>>auth<<<")

	// no single message has both words; the interaction text does
	hits, err = s.engine.SearchInteractions(s.ctx, Options{Query: "found AND committed"})
	s.Require().NoError(err)
	s.Require().Len(hits, 1)
	s.Equal("s1-interaction-0", hits[0].Interaction.ID)
	s.Zero(hits[0].Score)

	hits, err = s.engine.SearchInteractions(s.ctx, Options{Query: "regression", Session: "other"})
	s.Require().NoError(err)
	s.Empty(hits)
}

func (s *EngineSuite) TestSearchCommitsAndTools() {
	s.ingest("s1", parse.SourceLocal, strings.Split(strings.TrimSpace(authSession), "\n")...)

	hits, err := s.engine.SearchCommits(s.ctx, Options{Query: "a1b2"})
	s.Require().NoError(err)
	s.Require().Len(hits, 1)
	s.Equal("a1b2c3d", hits[0].Commit.Hash)
	s.Equal("main", hits[0].Commit.Branch)
	s.Equal("s1-interaction-0", hits[0].Commit.InteractionID)

	hits, err = s.engine.SearchCommits(s.ctx, Options{Query: "auth"})
	s.Require().NoError(err)
	s.Require().Len(hits, 1)
	s.Equal("fix auth", hits[0].Commit.Message)

	hits, err = s.engine.SearchCommits(s.ctx, Options{Query: "auth", Session: "nope"})
	s.Require().NoError(err)
	s.Empty(hits)

	commits, err := s.engine.Commits(s.ctx, "A1B2C3D")
	s.Require().NoError(err)
	s.Len(commits, 1)

	tools, err := s.engine.SearchTools(s.ctx, Options{Query: "a1b2c3d", Tool: "BASH"})
	s.Require().NoError(err)
	s.Require().Len(tools, 1)
	s.Equal("t1", tools[0].ToolUsage.ID)
	s.False(tools[0].Timestamp.IsZero())

	tools, err = s.engine.SearchTools(s.ctx, Options{Query: "a1b2c3d", Tool: "Read"})
	s.Require().NoError(err)
	s.Empty(tools)
}

func (s *EngineSuite) TestOrphanResultCreatesNoToolUsage() {
	s.ingest("orphan", parse.SourceLocal,
		line("o-1", "user", "2025-02-01T10:00:00Z", text("where did that output come from")),
		line("o-2", "user", "2025-02-01T10:00:01Z", `[{"type":"tool_result","tool_use_id":"ghost","content":"stray output"}]`),
	)
	st, err := s.engine.Stats(s.ctx)
	s.Require().NoError(err)
	s.Equal(2, st.Messages)
	s.Equal(0, st.ToolUsages)

	tools, err := s.engine.SearchTools(s.ctx, Options{Query: "stray"})
	s.Require().NoError(err)
	s.Empty(tools)
}

func (s *EngineSuite) TestCJKFallsBackToSubstring() {
	s.ingest("zh", parse.SourceLocal, line("zh-1", "user", "2025-02-01T10:00:00Z", text("请修复认证错误")))

	hits, err := s.engine.Search(s.ctx, Options{Query: "认证"})
	s.Require().NoError(err)
	s.Require().Len(hits, 1)
	s.Contains(hits[0].Snippet, ">>>认证<<<")
}

func (s *EngineSuite) TestSessionView() {
	s.ingest("s1", parse.SourceLocal, strings.Split(strings.TrimSpace(authSession), "\n")...)

	v, err := s.engine.Session(s.ctx, "s1")
	s.Require().NoError(err)
	s.Equal(5, v.Session.MessageCount)
	s.Len(v.Messages, 5)
	s.Len(v.Interactions, 2)

	_, err = s.engine.Session(s.ctx, "missing")
	s.ErrorIs(err, index.ErrNotFound)

	st, err := s.engine.Stats(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, st.Sessions)
	s.Equal(1, st.Commits)
	s.Equal("Bash", st.TopTools[0].Name)
	s.Equal(time.Date(2025, 3, 1, 10, 1, 0, 0, time.UTC), st.LastMessage)
}

package index

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/Zuo-Peng/ccsearch/internal/parse"
)

// authSession is the fix-auth scenario: one prompt, one commit.
const authSession = `{"uuid":"u1","type":"user","cwd":"/work/api","timestamp":"2025-03-01T10:00:00Z","message":{"role":"user","content":"fix bug in auth"}}
{"uuid":"a1","type":"assistant","timestamp":"2025-03-01T10:00:04Z","costUSD":0.2,"message":{"role":"assistant","content":[{"type":"text","text":"found it"},{"type":"tool_use","id":"t1","name":"Bash","input":{"command":"git commit -m 'fix auth'"}}]}}
{"uuid":"u2","type":"user","timestamp":"2025-03-01T10:00:06Z","message":{"role":"user","content":[{"type":"tool_result","tool_use_id":"t1","content":"[main a1b2c3d] fix auth"}]}}
{"uuid":"a2","type":"assistant","timestamp":"2025-03-01T10:00:08Z","message":{"role":"assistant","content":"committed"}}
{"uuid":"u3","type":"user","timestamp":"2025-03-01T10:01:00Z","message":{"role":"user","content":"now add a test"}}
`

func chatSession(id string, n int) string {
	var b strings.Builder
	for i := 0; i < n; i++ {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		fmt.Fprintf(&b, `{"uuid":"%s-m%d","type":"%s","timestamp":"2025-04-01T09:00:%02dZ","message":{"role":"%s","content":"message %d of %s"}}`+"\n",
			id, i, role, i, role, i, id)
	}
	return b.String()
}

func bundle(t require.TestingT, id, jsonl string) *Bundle {
	b, err := BuildSession(strings.NewReader(jsonl), parse.Session{ID: id, Source: parse.SourceLocal, Path: "/p/" + id + ".jsonl", Fingerprint: "v1"})
	require.NoError(t, err)
	return b
}

type DBSuite struct {
	suite.Suite
	db  *DB
	ctx context.Context
}

func (s *DBSuite) SetupTest() {
	db, err := OpenDB(filepath.Join(s.T().TempDir(), "index.db"))
	s.Require().NoError(err)
	s.db = db
	s.ctx = context.Background()
}

func (s *DBSuite) TearDownTest() {
	s.db.Close()
}

func TestDBSuite(t *testing.T) {
	suite.Run(t, new(DBSuite))
}

func (s *DBSuite) ftsCount(table, match string) int {
	var n int
	err := s.db.Raw().QueryRow(fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s MATCH ?", table, table), match).Scan(&n)
	s.Require().NoError(err)
	return n
}

func (s *DBSuite) TestWriteAndReadSession() {
	s.Require().NoError(s.db.WriteSession(s.ctx, bundle(s.T(), "s1", authSession)))

	sess, msgs, err := s.db.GetSession(s.ctx, "s1")
	s.Require().NoError(err)
	s.Equal("/work/api", sess.ProjectDir)
	s.Equal(5, sess.MessageCount)
	s.InDelta(0.2, sess.TotalCost, 1e-9)
	s.Equal(time.Date(2025, 3, 1, 10, 1, 0, 0, time.UTC), sess.LastMessageAt)
	s.False(sess.IndexedAt.IsZero())

	s.Require().Len(msgs, 5)
	s.Equal("a1", msgs[1].ID)
	s.Require().Len(msgs[1].ToolUsages, 1)
	tool := msgs[1].ToolUsages[0]
	s.Equal("git commit -m 'fix auth'", tool.Command)
	s.Require().NotNil(tool.Result)
	s.Equal("[main a1b2c3d] fix auth", *tool.Result)
	s.Require().NotNil(msgs[1].Cost)
	s.Nil(msgs[0].Cost)

	ins, err := s.db.GetInteractions(s.ctx, "s1")
	s.Require().NoError(err)
	s.Require().Len(ins, 2)
	s.Equal([]string{"u1", "a1", "u2", "a2"}, ins[0].MessageIDs)
	s.Equal([]string{"Bash"}, ins[0].ToolCalls)
	s.Require().Len(ins[0].Commits, 1)
	s.Equal("a1b2c3d", ins[0].Commits[0].Hash)
	s.Equal(ins[0].ID, ins[0].Commits[0].InteractionID)
	s.Equal([]string{"u3"}, ins[1].MessageIDs)
	s.Empty(ins[1].Commits)

	in, inMsgs, err := s.db.GetInteraction(s.ctx, "s1-interaction-1")
	s.Require().NoError(err)
	s.Equal("now add a test", in.UserPrompt)
	s.Len(inMsgs, 1)

	commits, err := s.db.GetCommits(s.ctx, "A1B2")
	s.Require().NoError(err)
	s.Require().Len(commits, 1)
	s.Equal("fix auth", commits[0].Message)

	s.Equal(1, s.ftsCount("messages_fts", "auth"))
	s.Equal(1, s.ftsCount("tool_usages_fts", "a1b2c3d"))
	s.Equal(1, s.ftsCount("interactions_fts", "committed"))
	s.Equal(1, s.ftsCount("commits_fts", "auth"))
}

func (s *DBSuite) TestRewriteIsIdempotent() {
	for i := 0; i < 2; i++ {
		s.Require().NoError(s.db.WriteSession(s.ctx, bundle(s.T(), "s1", authSession)))
	}

	st, err := s.db.Stats(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, st.Sessions)
	s.Equal(5, st.Messages)
	s.Equal(1, st.ToolUsages)
	s.Equal(2, st.Interactions)
	s.Equal(1, st.Commits)
	s.Equal(1, s.ftsCount("messages_fts", "auth"), "old revision is gone from the text index")
	s.Equal(1, s.ftsCount("commits_fts", "auth"))
	s.Require().NoError(s.db.IntegrityCheck(s.ctx))
}

func (s *DBSuite) TestReadTxSeesOneSnapshot() {
	s.Require().NoError(s.db.WriteSession(s.ctx, bundle(s.T(), "s1", authSession)))

	err := s.db.readTx(s.ctx, func(q querier) error {
		var before Stats
		s.Require().NoError(readStats(s.ctx, q, &before))

		s.Require().NoError(s.db.WriteSession(s.ctx, bundle(s.T(), "s2", chatSession("s2", 3))))

		var after Stats
		s.Require().NoError(readStats(s.ctx, q, &after))
		s.Equal(before, after, "a commit during the read is not visible to it")
		msgs, err := queryMessages(s.ctx, q, "SELECT "+MessageColumns+" FROM messages m WHERE m.session_id = ?", "s2")
		s.Require().NoError(err)
		s.Empty(msgs)
		return nil
	})
	s.Require().NoError(err)

	st, err := s.db.Stats(s.ctx)
	s.Require().NoError(err)
	s.Equal(2, st.Sessions)
	s.Equal(8, st.Messages)
}

func (s *DBSuite) TestUnknownIdentifiers() {
	_, _, err := s.db.GetSession(s.ctx, "missing")
	s.ErrorIs(err, ErrNotFound)
	_, err = s.db.GetMessage(s.ctx, "missing")
	s.ErrorIs(err, ErrNotFound)
	_, _, err = s.db.GetInteraction(s.ctx, "missing")
	s.ErrorIs(err, ErrNotFound)
	_, err = s.db.GetCommits(s.ctx, "ffff")
	s.ErrorIs(err, ErrNotFound)
	_, err = s.db.MessageContext(s.ctx, "missing", 1, 1)
	s.ErrorIs(err, ErrNotFound)
}

func (s *DBSuite) TestMessageContextClips() {
	s.Require().NoError(s.db.WriteSession(s.ctx, bundle(s.T(), "c", chatSession("c", 5))))

	seqs := func(msgs []*parse.Message) []int {
		out := make([]int, len(msgs))
		for i, m := range msgs {
			out[i] = m.Seq
		}
		return out
	}

	tests := []struct {
		id            string
		before, after int
		want          []int
	}{
		{"c-m2", 1, 1, []int{1, 2, 3}},
		{"c-m1", 3, 10, []int{0, 1, 2, 3, 4}},
		{"c-m0", 2, 0, []int{0}},
		{"c-m4", 0, 5, []int{4}},
		{"c-m3", -4, -1, []int{3}},
	}
	for _, tt := range tests {
		got, err := s.db.MessageContext(s.ctx, tt.id, tt.before, tt.after)
		s.Require().NoError(err)
		s.Equal(tt.want, seqs(got), "%s -%d +%d", tt.id, tt.before, tt.after)
		s.LessOrEqual(len(got), max(tt.before, 0)+max(tt.after, 0)+1)
	}
}

func (s *DBSuite) TestWriteConflict() {
	s.db.writeMu.Lock()
	err := s.db.WriteSession(s.ctx, bundle(s.T(), "s1", authSession))
	s.ErrorIs(err, ErrWriteConflict)
	s.ErrorIs(s.db.RebuildIndex(s.ctx), ErrWriteConflict)
	s.db.writeMu.Unlock()

	s.NoError(s.db.WriteSession(s.ctx, bundle(s.T(), "s1", authSession)))
}

func (s *DBSuite) TestRebuildIndex() {
	s.Require().NoError(s.db.WriteSession(s.ctx, bundle(s.T(), "s1", authSession)))
	s.Require().NoError(s.db.RebuildIndex(s.ctx))
	s.Equal(1, s.ftsCount("messages_fts", "auth"))
	s.Equal(1, s.ftsCount("interactions_fts", "test"))
}

func (s *DBSuite) TestDeleteSession() {
	s.Require().NoError(s.db.WriteSession(s.ctx, bundle(s.T(), "s1", authSession)))
	s.Require().NoError(s.db.WriteSession(s.ctx, bundle(s.T(), "c", chatSession("c", 2))))
	s.Require().NoError(s.db.DeleteSession(s.ctx, "s1"))

	ids, err := s.db.SessionIDs(s.ctx, parse.SourceLocal)
	s.Require().NoError(err)
	s.Equal(map[string]struct{}{"c": {}}, ids)
	s.Equal(0, s.ftsCount("messages_fts", "auth"))
	s.Equal(0, s.ftsCount("commits_fts", "auth"))
}

func (s *DBSuite) TestSchemaVersionResetsFingerprints() {
	s.Require().NoError(s.db.WriteSession(s.ctx, bundle(s.T(), "s1", authSession)))
	fp, ok, err := s.db.Fingerprint(s.ctx, "s1")
	s.Require().NoError(err)
	s.True(ok)
	s.Equal("v1", fp)

	_, err = s.db.Raw().Exec("UPDATE meta SET value = '0' WHERE key = 'schema_version'")
	s.Require().NoError(err)
	s.Require().NoError(s.db.migrateSchemaVersion())

	fp, ok, err = s.db.Fingerprint(s.ctx, "s1")
	s.Require().NoError(err)
	s.True(ok)
	s.Empty(fp)
}

// memSource serves sessions from memory.
type memSource struct {
	mu       sync.Mutex
	sessions map[string]string
	fail     map[string]bool
	version  string
}

func (m *memSource) Origin() string { return parse.SourceLocal }

func (m *memSource) List(context.Context) ([]parse.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []parse.Session
	for id := range m.sessions {
		out = append(out, parse.Session{ID: id, Source: parse.SourceLocal, Path: id + ".jsonl", Fingerprint: m.version})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memSource) Open(_ context.Context, s parse.Session) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail[s.ID] {
		return nil, errors.New("permission denied")
	}
	return io.NopCloser(strings.NewReader(m.sessions[s.ID])), nil
}

func (s *DBSuite) TestIndexerRun() {
	src := &memSource{
		sessions: map[string]string{
			"auth":   authSession,
			"chat":   chatSession("chat", 4),
			"broken": authSession,
		},
		fail:    map[string]bool{"broken": true},
		version: "v1",
	}
	ix := NewIndexer(s.db, Options{Workers: 3, Prune: true, Rebuild: true})

	report, err := ix.Run(s.ctx, src)
	s.Require().NoError(err)
	s.Equal(3, report.Discovered)
	s.Equal(2, report.Indexed)
	s.Equal(1, report.Failed)
	s.Require().Len(report.Failures, 1)
	s.Equal("broken", report.Failures[0].SessionID)
	s.False(report.Canceled)

	report, err = ix.Run(s.ctx, src)
	s.Require().NoError(err)
	s.Equal(2, report.Skipped, "unchanged fingerprints are skipped")
	s.Equal(0, report.Indexed)

	delete(src.sessions, "chat")
	report, err = ix.Run(s.ctx, src)
	s.Require().NoError(err)
	s.Equal(1, report.Pruned)

	st, err := s.db.Stats(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, st.Sessions)
	s.Require().NotNil(st.LastRun)
	s.Equal(report.RunID, st.LastRun.RunID)
	s.Equal(1, st.LastRun.Pruned)

	report, err = NewIndexer(s.db, Options{Force: true}).Run(s.ctx, src)
	s.Require().NoError(err)
	s.Equal(1, report.Indexed, "force ignores fingerprints")
}

// fakeRepo records writes and lets tests hook into them.
type fakeRepo struct {
	mu        sync.Mutex
	written   []string
	conflicts int
	onWrite   func(ctx context.Context)
	runs      []*Report
}

func (f *fakeRepo) WriteSession(ctx context.Context, b *Bundle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conflicts > 0 {
		f.conflicts--
		return ErrWriteConflict
	}
	if f.onWrite != nil {
		f.onWrite(ctx)
	}
	f.written = append(f.written, b.Session.ID)
	return nil
}

func (f *fakeRepo) DeleteSession(context.Context, string) error { return nil }

func (f *fakeRepo) Fingerprint(context.Context, string) (string, bool, error) { return "", false, nil }

func (f *fakeRepo) SessionIDs(context.Context, string) (map[string]struct{}, error) {
	return map[string]struct{}{}, nil
}

func (f *fakeRepo) RebuildIndex(context.Context) error { return nil }

func (f *fakeRepo) RecordRun(_ context.Context, r *Report) error {
	f.runs = append(f.runs, r)
	return nil
}

func manySessions(n int) *memSource {
	src := &memSource{sessions: map[string]string{}, version: "v1"}
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("s%02d", i)
		src.sessions[id] = chatSession(id, 3)
	}
	return src
}

func TestIndexerCancelCompletesInFlightWrite(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var writeErr error
	repo := &fakeRepo{onWrite: func(wctx context.Context) {
		cancel()
		writeErr = wctx.Err()
	}}
	report, err := NewIndexer(repo, Options{Workers: 4}).Run(ctx, manySessions(20))
	require.NoError(t, err)

	assert.NoError(t, writeErr, "the in-flight write is not canceled")
	assert.Len(t, repo.written, 1)
	assert.Equal(t, 1, report.Indexed)
	assert.True(t, report.Canceled)
	require.Len(t, repo.runs, 1, "a canceled run is still recorded")
}

func TestIndexerRetriesWriteConflicts(t *testing.T) {
	repo := &fakeRepo{conflicts: 2}
	ix := NewIndexer(repo, Options{})
	ix.retryDelay = time.Millisecond

	report, err := ix.Run(context.Background(), manySessions(1))
	require.NoError(t, err)
	assert.Equal(t, 1, report.Indexed)
	assert.Equal(t, 0, report.Failed)
}

func TestIndexerGivesUpOnPersistentConflict(t *testing.T) {
	repo := &fakeRepo{conflicts: 100}
	ix := NewIndexer(repo, Options{})
	ix.retryDelay = time.Millisecond

	report, err := ix.Run(context.Background(), manySessions(1))
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)
	assert.Contains(t, report.Failures[0].Err, "another write")
}

type failingSource struct{}

func (failingSource) Origin() string { return parse.SourceLocal }

func (failingSource) List(context.Context) ([]parse.Session, error) {
	return nil, errors.New("projects root missing")
}

func (failingSource) Open(context.Context, parse.Session) (io.ReadCloser, error) {
	return nil, errors.New("unreachable")
}

func TestIndexerIsolatesSourceFailure(t *testing.T) {
	repo := &fakeRepo{}
	report, err := NewIndexer(repo, Options{Workers: 2, Prune: true}).Run(context.Background(), failingSource{}, manySessions(3))
	require.NoError(t, err)
	assert.Equal(t, 3, report.Indexed)
	assert.Equal(t, 1, report.Failed)
	assert.Contains(t, report.String(), "indexed=3")
}

func TestBuildSession(t *testing.T) {
	b := bundle(t, "s1", authSession)
	require.Len(t, b.Interactions, 2)
	require.Len(t, b.Commits, 1)
	assert.Equal(t, "s1-interaction-0", b.Commits[0].InteractionID)
	assert.Len(t, b.ToolUsages(), 1)

	total := 0
	for _, in := range b.Interactions {
		total += len(in.MessageIDs)
	}
	assert.Equal(t, len(b.Messages), total)
	for _, m := range b.Messages {
		assert.NotEmpty(t, m.InteractionID)
	}
}

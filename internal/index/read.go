package index

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/Zuo-Peng/ccsearch/internal/commit"
	"github.com/Zuo-Peng/ccsearch/internal/interaction"
	"github.com/Zuo-Peng/ccsearch/internal/parse"
)

// Scanner is satisfied by *sql.Row and *sql.Rows.
type Scanner interface {
	Scan(dest ...any) error
}

// SessionRow is a stored session.
type SessionRow struct {
	parse.Session `yaml:",inline"`
	IndexedAt     time.Time `json:"indexed_at" yaml:"indexed_at"`
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// readTx runs fn in a read-only transaction so that its queries see one
// snapshot of the index.
func (d *DB) readTx(ctx context.Context, fn func(q querier) error) error {
	tx, err := d.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return err
	}
	defer tx.Rollback()
	return fn(tx)
}

const sessionColumns = `session_id, source, path, project_dir, created_at, last_message_at,
	message_count, total_cost, fingerprint, indexed_at`

func scanSession(sc Scanner) (*SessionRow, error) {
	var s SessionRow
	var created, last, indexed string
	err := sc.Scan(&s.ID, &s.Source, &s.Path, &s.ProjectDir, &created, &last,
		&s.MessageCount, &s.TotalCost, &s.Fingerprint, &indexed)
	if err != nil {
		return nil, err
	}
	s.CreatedAt, s.LastMessageAt, s.IndexedAt = ParseTime(created), ParseTime(last), ParseTime(indexed)
	return &s, nil
}

// MessageColumns selects a message row from the table aliased m, in the order
// ScanMessage expects.
const MessageColumns = `m.message_id, m.session_id, m.interaction_id, m.sequence_num, m.role, m.timestamp,
	m.text_content, m.thinking_content, m.cost, m.duration_ms, m.searchable_text,
	m.content_type, m.tool_summary, m.line_number`

// ScanMessage reads MessageColumns, followed by any extra destinations.
func ScanMessage(sc Scanner, extra ...any) (*parse.Message, error) {
	var m parse.Message
	var ts string
	var cost sql.NullFloat64
	var dur sql.NullInt64
	dest := []any{&m.ID, &m.SessionID, &m.InteractionID, &m.Seq, &m.Role, &ts,
		&m.Text, &m.Thinking, &cost, &dur, &m.SearchableText,
		&m.ContentType, &m.ToolSummary, &m.Line}
	if err := sc.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	m.Timestamp = ParseTime(ts)
	if cost.Valid {
		m.Cost = &cost.Float64
	}
	if dur.Valid {
		m.DurationMs = &dur.Int64
	}
	return &m, nil
}

// ToolUsageColumns selects a tool usage row from the table aliased t.
const ToolUsageColumns = `t.tool_usage_id, t.message_id, t.session_id, t.tool_name, t.input, t.result,
	t.is_error, t.file_path, t.command`

// ScanToolUsage reads ToolUsageColumns, followed by any extra destinations.
func ScanToolUsage(sc Scanner, extra ...any) (*parse.ToolUsage, error) {
	var t parse.ToolUsage
	var result sql.NullString
	dest := []any{&t.ID, &t.MessageID, &t.SessionID, &t.Name, &t.Input, &result,
		&t.IsError, &t.FilePath, &t.Command}
	if err := sc.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	if result.Valid {
		t.Result = &result.String
	}
	return &t, nil
}

// InteractionColumns selects an interaction row from the table aliased i.
const InteractionColumns = `i.interaction_id, i.session_id, i.sequence_num, i.first_seq, i.last_seq,
	i.message_count, i.user_prompt, i.search_text, i.total_cost, i.has_thinking, i.tool_calls,
	i.started_at, i.ended_at`

// ScanInteraction reads InteractionColumns, followed by any extra destinations.
// MessageIDs and Commits are left empty.
func ScanInteraction(sc Scanner, extra ...any) (*interaction.Interaction, error) {
	var in interaction.Interaction
	var count int
	var calls, started, ended string
	dest := []any{&in.ID, &in.SessionID, &in.Seq, &in.FirstSeq, &in.LastSeq,
		&count, &in.UserPrompt, &in.SearchText, &in.TotalCost, &in.HasThinking, &calls,
		&started, &ended}
	if err := sc.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(calls), &in.ToolCalls); err != nil {
		return nil, fmt.Errorf("interaction %s tool calls: %w", in.ID, err)
	}
	in.StartedAt, in.EndedAt = ParseTime(started), ParseTime(ended)
	in.MessageIDs = make([]string, 0, count)
	in.Commits = []commit.Commit{}
	return &in, nil
}

// CommitColumns selects a commit row from the table aliased c.
const CommitColumns = `c.hash, c.message, c.branch, c.summary, c.session_id, c.interaction_id,
	c.message_id, c.tool_usage_id, c.timestamp`

// ScanCommit reads CommitColumns, followed by any extra destinations.
func ScanCommit(sc Scanner, extra ...any) (*commit.Commit, error) {
	var c commit.Commit
	var ts string
	dest := []any{&c.Hash, &c.Message, &c.Branch, &c.Summary, &c.SessionID, &c.InteractionID,
		&c.MessageID, &c.ToolUsageID, &ts}
	if err := sc.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	c.Timestamp = ParseTime(ts)
	return &c, nil
}

// GetSession returns a session with its messages in sequence order.
func (d *DB) GetSession(ctx context.Context, sessionID string) (*SessionRow, []*parse.Message, error) {
	var s *SessionRow
	var msgs []*parse.Message
	err := d.readTx(ctx, func(q querier) error {
		var err error
		s, err = scanSession(q.QueryRowContext(ctx,
			"SELECT "+sessionColumns+" FROM sessions WHERE session_id = ?", sessionID))
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		msgs, err = queryMessages(ctx, q,
			"SELECT "+MessageColumns+" FROM messages m WHERE m.session_id = ? ORDER BY m.sequence_num", sessionID)
		if err != nil {
			return err
		}
		return attachToolUsages(ctx, q, msgs)
	})
	if err != nil {
		return nil, nil, err
	}
	return s, msgs, nil
}

// ListSessions returns sessions by most recent activity.
func (d *DB) ListSessions(ctx context.Context, limit, offset int) ([]*SessionRow, error) {
	rows, err := d.db.QueryContext(ctx,
		"SELECT "+sessionColumns+" FROM sessions ORDER BY last_message_at DESC, session_id LIMIT ? OFFSET ?",
		limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*SessionRow
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// GetMessage returns one message with its tool usages.
func (d *DB) GetMessage(ctx context.Context, messageID string) (*parse.Message, error) {
	var m *parse.Message
	err := d.readTx(ctx, func(q querier) error {
		var err error
		m, err = ScanMessage(q.QueryRowContext(ctx,
			"SELECT "+MessageColumns+" FROM messages m WHERE m.message_id = ?", messageID))
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return attachToolUsages(ctx, q, []*parse.Message{m})
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// MessageContext returns up to before messages preceding messageID, the message
// itself, and up to after messages following it, in sequence order. The window
// is clipped at the session's first and last message.
func (d *DB) MessageContext(ctx context.Context, messageID string, before, after int) ([]*parse.Message, error) {
	if before < 0 {
		before = 0
	}
	if after < 0 {
		after = 0
	}

	var out []*parse.Message
	err := d.readTx(ctx, func(q querier) error {
		var sessionID string
		var seq int
		err := q.QueryRowContext(ctx,
			"SELECT session_id, sequence_num FROM messages WHERE message_id = ?", messageID,
		).Scan(&sessionID, &seq)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		head, err := queryMessages(ctx, q,
			"SELECT "+MessageColumns+` FROM messages m
			 WHERE m.session_id = ? AND m.sequence_num < ?
			 ORDER BY m.sequence_num DESC LIMIT ?`,
			sessionID, seq, before)
		if err != nil {
			return err
		}
		tail, err := queryMessages(ctx, q,
			"SELECT "+MessageColumns+` FROM messages m
			 WHERE m.session_id = ? AND m.sequence_num >= ?
			 ORDER BY m.sequence_num LIMIT ?`,
			sessionID, seq, after+1)
		if err != nil {
			return err
		}

		out = make([]*parse.Message, 0, len(head)+len(tail))
		for i := len(head) - 1; i >= 0; i-- {
			out = append(out, head[i])
		}
		out = append(out, tail...)
		return attachToolUsages(ctx, q, out)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func queryMessages(ctx context.Context, q querier, query string, args ...any) ([]*parse.Message, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*parse.Message
	for rows.Next() {
		m, err := ScanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// AttachToolUsages loads the tool usages of msgs and sets them on each message.
func (d *DB) AttachToolUsages(ctx context.Context, msgs []*parse.Message) error {
	return attachToolUsages(ctx, d.db, msgs)
}

func attachToolUsages(ctx context.Context, q querier, msgs []*parse.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	byID := make(map[string]*parse.Message, len(msgs))
	args := make([]any, 0, len(msgs))
	for _, m := range msgs {
		if _, ok := byID[m.ID]; ok {
			continue
		}
		byID[m.ID] = m
		args = append(args, m.ID)
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(args)), ",")
	rows, err := q.QueryContext(ctx,
		"SELECT "+ToolUsageColumns+" FROM tool_usages t WHERE t.message_id IN ("+placeholders+") ORDER BY t.rowid",
		args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		t, err := ScanToolUsage(rows)
		if err != nil {
			return err
		}
		if m := byID[t.MessageID]; m != nil {
			m.ToolUsages = append(m.ToolUsages, t)
		}
	}
	return rows.Err()
}

// GetInteractions returns a session's interactions in order, with message ids
// and commits.
func (d *DB) GetInteractions(ctx context.Context, sessionID string) ([]*interaction.Interaction, error) {
	rows, err := d.db.QueryContext(ctx,
		"SELECT "+InteractionColumns+" FROM interactions i WHERE i.session_id = ? ORDER BY i.sequence_num",
		sessionID)
	if err != nil {
		return nil, err
	}
	var out []*interaction.Interaction
	for rows.Next() {
		in, err := ScanInteraction(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, in)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := d.AttachInteractionDetails(ctx, out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetInteraction returns one interaction and its messages.
func (d *DB) GetInteraction(ctx context.Context, interactionID string) (*interaction.Interaction, []*parse.Message, error) {
	in, err := ScanInteraction(d.db.QueryRowContext(ctx,
		"SELECT "+InteractionColumns+" FROM interactions i WHERE i.interaction_id = ?", interactionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, ErrNotFound
	}
	if err != nil {
		return nil, nil, err
	}
	if err := d.AttachInteractionDetails(ctx, []*interaction.Interaction{in}); err != nil {
		return nil, nil, err
	}
	msgs, err := queryMessages(ctx, d.db,
		"SELECT "+MessageColumns+" FROM messages m WHERE m.interaction_id = ? ORDER BY m.sequence_num",
		interactionID)
	if err != nil {
		return nil, nil, err
	}
	if err := d.AttachToolUsages(ctx, msgs); err != nil {
		return nil, nil, err
	}
	return in, msgs, nil
}

// AttachInteractionDetails fills MessageIDs and Commits.
func (d *DB) AttachInteractionDetails(ctx context.Context, ins []*interaction.Interaction) error {
	if len(ins) == 0 {
		return nil
	}
	byID := make(map[string]*interaction.Interaction, len(ins))
	args := make([]any, 0, len(ins))
	for _, in := range ins {
		if _, ok := byID[in.ID]; ok {
			continue
		}
		byID[in.ID] = in
		args = append(args, in.ID)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(args)), ",")

	rows, err := d.db.QueryContext(ctx,
		"SELECT interaction_id, message_id FROM messages WHERE interaction_id IN ("+placeholders+") ORDER BY sequence_num",
		args...)
	if err != nil {
		return err
	}
	for rows.Next() {
		var iid, mid string
		if err := rows.Scan(&iid, &mid); err != nil {
			rows.Close()
			return err
		}
		if in := byID[iid]; in != nil {
			in.MessageIDs = append(in.MessageIDs, mid)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	rows, err = d.db.QueryContext(ctx,
		"SELECT "+CommitColumns+" FROM commits c WHERE c.interaction_id IN ("+placeholders+") ORDER BY c.id",
		args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		c, err := ScanCommit(rows)
		if err != nil {
			return err
		}
		if in := byID[c.InteractionID]; in != nil {
			in.Commits = append(in.Commits, *c)
		}
	}
	return rows.Err()
}

// GetCommits returns the commits whose hash starts with prefix, newest first.
func (d *DB) GetCommits(ctx context.Context, prefix string) ([]commit.Commit, error) {
	rows, err := d.db.QueryContext(ctx,
		"SELECT "+CommitColumns+" FROM commits c WHERE c.hash LIKE ? ESCAPE '\\' ORDER BY c.timestamp DESC, c.id",
		EscapeLike(strings.ToLower(prefix))+"%")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []commit.Commit
	for rows.Next() {
		c, err := ScanCommit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, ErrNotFound
	}
	return out, nil
}

// EscapeLike escapes LIKE wildcards; patterns use '\' as the escape character.
func EscapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// RunRow is a persisted index run.
type RunRow struct {
	RunID      uuid.UUID      `json:"run_id"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
	Discovered int            `json:"discovered"`
	Indexed    int            `json:"indexed"`
	Skipped    int            `json:"skipped"`
	Failed     int            `json:"failed"`
	Pruned     int            `json:"pruned"`
	Canceled   bool           `json:"canceled"`
	Warnings   parse.Warnings `json:"warnings"`
}

// Stats summarizes the index contents.
type Stats struct {
	Sessions     int        `json:"session_count"`
	Messages     int        `json:"message_count"`
	ToolUsages   int        `json:"tool_count"`
	Interactions int        `json:"interaction_count"`
	Commits      int        `json:"commit_count"`
	CostSum      float64    `json:"cost_sum"`
	FirstMessage time.Time  `json:"first_message_at"`
	LastMessage  time.Time  `json:"last_message_at"`
	LastRun      *RunRow    `json:"last_run,omitempty"`
	TopTools     []ToolStat `json:"top_tools"`
}

// ToolStat is a tool name with its invocation count.
type ToolStat struct {
	Name  string `json:"tool_name"`
	Count int    `json:"count"`
}

// Stats computes index-wide counters from one snapshot.
func (d *DB) Stats(ctx context.Context) (*Stats, error) {
	var st Stats
	err := d.readTx(ctx, func(q querier) error {
		return readStats(ctx, q, &st)
	})
	if err != nil {
		return nil, err
	}
	return &st, nil
}

func readStats(ctx context.Context, q querier, st *Stats) error {
	counts := []struct {
		query string
		dest  *int
	}{
		{"SELECT COUNT(*) FROM sessions", &st.Sessions},
		{"SELECT COUNT(*) FROM messages", &st.Messages},
		{"SELECT COUNT(*) FROM tool_usages", &st.ToolUsages},
		{"SELECT COUNT(*) FROM interactions", &st.Interactions},
		{"SELECT COUNT(*) FROM commits", &st.Commits},
	}
	for _, c := range counts {
		if err := q.QueryRowContext(ctx, c.query).Scan(c.dest); err != nil {
			return err
		}
	}

	var first, last sql.NullString
	err := q.QueryRowContext(ctx,
		"SELECT COALESCE(SUM(total_cost), 0) FROM sessions").Scan(&st.CostSum)
	if err != nil {
		return err
	}
	err = q.QueryRowContext(ctx,
		"SELECT MIN(timestamp), MAX(timestamp) FROM messages WHERE timestamp != ''").Scan(&first, &last)
	if err != nil {
		return err
	}
	st.FirstMessage, st.LastMessage = ParseTime(first.String), ParseTime(last.String)

	rows, err := q.QueryContext(ctx,
		"SELECT tool_name, COUNT(*) AS n FROM tool_usages GROUP BY tool_name ORDER BY n DESC, tool_name LIMIT 10")
	if err != nil {
		return err
	}
	for rows.Next() {
		var ts ToolStat
		if err := rows.Scan(&ts.Name, &ts.Count); err != nil {
			rows.Close()
			return err
		}
		st.TopTools = append(st.TopTools, ts)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	run, err := lastRun(ctx, q)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	st.LastRun = run
	return nil
}

// LastRun returns the most recently started index run.
func (d *DB) LastRun(ctx context.Context) (*RunRow, error) {
	return lastRun(ctx, d.db)
}

func lastRun(ctx context.Context, q querier) (*RunRow, error) {
	var r RunRow
	var id, started, finished, warnings string
	err := q.QueryRowContext(ctx,
		`SELECT run_id, started_at, finished_at, discovered, indexed, skipped, failed, pruned, canceled, warnings
		 FROM index_runs ORDER BY started_at DESC, rowid DESC LIMIT 1`,
	).Scan(&id, &started, &finished, &r.Discovered, &r.Indexed, &r.Skipped, &r.Failed, &r.Pruned, &r.Canceled, &warnings)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if r.RunID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("run id %q: %w", id, err)
	}
	r.StartedAt, r.FinishedAt = ParseTime(started), ParseTime(finished)
	if err := json.Unmarshal([]byte(warnings), &r.Warnings); err != nil {
		return nil, fmt.Errorf("run %s warnings: %w", id, err)
	}
	return &r, nil
}

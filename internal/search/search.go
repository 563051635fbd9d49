// Package search is the read-only query layer over the index: ranked message,
// interaction, tool and commit search plus context and session retrieval.
package search

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/Zuo-Peng/ccsearch/internal/commit"
	"github.com/Zuo-Peng/ccsearch/internal/index"
	"github.com/Zuo-Peng/ccsearch/internal/interaction"
	"github.com/Zuo-Peng/ccsearch/internal/parse"
)

// Limits bound what a caller may request.
type Limits struct {
	DefaultLimit int
	MaxLimit     int
	MaxContext   int
}

func DefaultLimits() Limits {
	return Limits{DefaultLimit: 20, MaxLimit: 100, MaxContext: 50}
}

// Options select and page search results. Query is required; the other
// filters apply where the searched entity has the attribute.
type Options struct {
	Query       string
	Role        string    // messages: "user", "assistant" or "system"
	Tool        string    // messages: must have used this tool; tools: tool name
	Session     string    // owning session
	Source      string    // "local" or "remote"
	ContentType string    // messages: text, thinking, tool_use, tool_result, system or "tool"
	Since       time.Time // inclusive
	Until       time.Time // exclusive
	Limit       int
	Offset      int
}

// MessageHit is a ranked message.
type MessageHit struct {
	Message    *parse.Message `json:"message"`
	ProjectDir string         `json:"project_dir"`
	Score      float64        `json:"score"`
	Snippet    string         `json:"snippet"`
}

// InteractionHit is an interaction ranked by its best matching message.
type InteractionHit struct {
	Interaction *interaction.Interaction `json:"interaction"`
	Score       float64                  `json:"score"`
	MessageID   string                   `json:"best_message_id,omitempty"`
	Snippet     string                   `json:"snippet,omitempty"`
}

// ToolHit is a ranked tool usage.
type ToolHit struct {
	ToolUsage *parse.ToolUsage `json:"tool_usage"`
	Timestamp time.Time        `json:"timestamp"`
	Score     float64          `json:"score"`
	Snippet   string           `json:"snippet"`
}

// CommitHit is a ranked commit.
type CommitHit struct {
	Commit commit.Commit `json:"commit"`
	Score  float64       `json:"score"`
}

// SessionView is a session with its messages and interactions.
type SessionView struct {
	Session      *index.SessionRow          `json:"session" yaml:"session"`
	Messages     []*parse.Message           `json:"messages" yaml:"messages"`
	Interactions []*interaction.Interaction `json:"interactions" yaml:"interactions"`
}

// Engine runs queries against an index. All methods are read-only and safe to
// call concurrently.
type Engine struct {
	db     *index.DB
	limits Limits
}

func NewEngine(db *index.DB, limits Limits) *Engine {
	def := DefaultLimits()
	if limits.DefaultLimit <= 0 {
		limits.DefaultLimit = def.DefaultLimit
	}
	if limits.MaxLimit <= 0 {
		limits.MaxLimit = def.MaxLimit
	}
	if limits.DefaultLimit > limits.MaxLimit {
		limits.DefaultLimit = limits.MaxLimit
	}
	if limits.MaxContext <= 0 {
		limits.MaxContext = def.MaxContext
	}
	return &Engine{db: db, limits: limits}
}

// page validates and clamps paging. A zero limit means the default; limits
// above the maximum are clamped.
func (e *Engine) page(limit, offset int) (int, int, error) {
	if limit < 0 || offset < 0 {
		return 0, 0, fmt.Errorf("%w: negative limit or offset", ErrInvalidQuery)
	}
	if limit == 0 {
		limit = e.limits.DefaultLimit
	}
	if limit > e.limits.MaxLimit {
		limit = e.limits.MaxLimit
	}
	return limit, offset, nil
}

// prepared is a validated query.
type prepared struct {
	Compiled
	opts   Options
	limit  int
	offset int
}

func (e *Engine) prepare(opts Options) (*prepared, error) {
	if strings.TrimSpace(opts.Query) == "" {
		return nil, fmt.Errorf("%w: empty query", ErrInvalidQuery)
	}
	switch opts.Role {
	case "", parse.RoleUser, parse.RoleAssistant, parse.RoleSystem:
	default:
		return nil, fmt.Errorf("%w: unknown role %q", ErrInvalidQuery, opts.Role)
	}
	switch opts.ContentType {
	case "", "tool", parse.ContentText, parse.ContentThinking, parse.ContentToolUse, parse.ContentToolResult, parse.ContentSystem:
	default:
		return nil, fmt.Errorf("%w: unknown content type %q", ErrInvalidQuery, opts.ContentType)
	}
	if !opts.Since.IsZero() && !opts.Until.IsZero() && !opts.Since.Before(opts.Until) {
		return nil, fmt.Errorf("%w: since must be before until", ErrInvalidQuery)
	}
	limit, offset, err := e.page(opts.Limit, opts.Offset)
	if err != nil {
		return nil, err
	}
	c, err := Compile(opts.Query)
	if err != nil {
		return nil, fmt.Errorf("%w: no searchable terms in %q", ErrInvalidQuery, opts.Query)
	}
	return &prepared{Compiled: c, opts: opts, limit: limit, offset: offset}, nil
}

// messageFilters renders the structured filters over messages m and sessions s.
func messageFilters(opts Options) ([]string, []any) {
	var conds []string
	var args []any
	if opts.Role != "" {
		conds = append(conds, "m.role = ?")
		args = append(args, opts.Role)
	}
	if opts.Tool != "" {
		conds = append(conds, "EXISTS (SELECT 1 FROM tool_usages tu WHERE tu.message_id = m.message_id AND tu.tool_name = ? COLLATE NOCASE)")
		args = append(args, opts.Tool)
	}
	if opts.Session != "" {
		conds = append(conds, "m.session_id = ?")
		args = append(args, opts.Session)
	}
	if opts.Source != "" {
		conds = append(conds, "s.source = ?")
		args = append(args, opts.Source)
	}
	switch opts.ContentType {
	case "":
	case "tool":
		conds = append(conds, "m.content_type IN ('tool_use', 'tool_result')")
	default:
		conds = append(conds, "m.content_type = ?")
		args = append(args, opts.ContentType)
	}
	if !opts.Since.IsZero() {
		conds = append(conds, "m.timestamp >= ?")
		args = append(args, index.FormatTime(opts.Since))
	}
	if !opts.Until.IsZero() {
		conds = append(conds, "m.timestamp != '' AND m.timestamp < ?")
		args = append(args, index.FormatTime(opts.Until))
	}
	return conds, args
}

func where(conds []string) string {
	if len(conds) == 0 {
		return ""
	}
	return " AND " + strings.Join(conds, " AND ")
}

// Search ranks messages by bm25 over their searchable text. The score is the
// negated bm25 value divided by the number of query terms, so higher is better
// and a conjunction never outranks one of its terms alone. Ties go to the newer
// message, then to the smaller identifier.
func (e *Engine) Search(ctx context.Context, opts Options) ([]MessageHit, error) {
	p, err := e.prepare(opts)
	if err != nil {
		return nil, err
	}
	if containsCJK(opts.Query) {
		return e.searchLike(ctx, p)
	}

	conds, args := messageFilters(opts)
	query := `
		SELECT ` + index.MessageColumns + `, s.project_dir,
			-bm25(messages_fts) / ? AS score,
			snippet(messages_fts, 0, '>>>', '<<<', '...', 16) AS snip
		FROM messages_fts
		JOIN messages m ON m.rowid = messages_fts.rowid
		JOIN sessions s ON s.session_id = m.session_id
		WHERE messages_fts MATCH ?` + where(conds) + `
		ORDER BY score DESC, m.timestamp DESC, m.message_id
		LIMIT ? OFFSET ?`

	all := append([]any{float64(len(p.Terms)), p.Match}, args...)
	all = append(all, p.limit, p.offset)
	rows, err := e.db.Raw().QueryContext(ctx, query, all...)
	if err != nil {
		return nil, fmt.Errorf("search query: %w", err)
	}
	defer rows.Close()

	hits := []MessageHit{}
	for rows.Next() {
		var h MessageHit
		h.Message, err = index.ScanMessage(rows, &h.ProjectDir, &h.Score, &h.Snippet)
		if err != nil {
			return nil, err
		}
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return hits, e.attachTools(ctx, hits)
}

// searchLike serves queries with Han characters, which the unicode61 tokenizer
// does not split into words. Every term must occur as a substring; hits are
// unranked and ordered by recency.
func (e *Engine) searchLike(ctx context.Context, p *prepared) ([]MessageHit, error) {
	conds, args := messageFilters(p.opts)
	var likes []string
	var likeArgs []any
	for _, t := range p.Terms {
		likes = append(likes, `m.searchable_text LIKE ? ESCAPE '\'`)
		likeArgs = append(likeArgs, "%"+index.EscapeLike(t)+"%")
	}

	query := `
		SELECT ` + index.MessageColumns + `, s.project_dir
		FROM messages m
		JOIN sessions s ON s.session_id = m.session_id
		WHERE ` + strings.Join(likes, " AND ") + where(conds) + `
		ORDER BY m.timestamp DESC, m.message_id
		LIMIT ? OFFSET ?`

	all := append(likeArgs, args...)
	all = append(all, p.limit, p.offset)
	rows, err := e.db.Raw().QueryContext(ctx, query, all...)
	if err != nil {
		return nil, fmt.Errorf("search query: %w", err)
	}
	defer rows.Close()

	hits := []MessageHit{}
	for rows.Next() {
		var h MessageHit
		h.Message, err = index.ScanMessage(rows, &h.ProjectDir)
		if err != nil {
			return nil, err
		}
		h.Snippet = makeSnippet(h.Message.SearchableText, p.Terms[0], 30)
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return hits, e.attachTools(ctx, hits)
}

func (e *Engine) attachTools(ctx context.Context, hits []MessageHit) error {
	msgs := make([]*parse.Message, len(hits))
	for i, h := range hits {
		msgs[i] = h.Message
	}
	return e.db.AttachToolUsages(ctx, msgs)
}

// makeSnippet extracts a snippet around the first occurrence of query in text.
func makeSnippet(text, query string, contextChars int) string {
	lower := strings.ToLower(text)
	qLower := strings.ToLower(query)
	idx := strings.Index(lower, qLower)
	runes := []rune(text)
	if idx < 0 || len(lower) != len(text) {
		// no match, return head
		if len(runes) > contextChars*2 {
			return string(runes[:contextChars*2]) + "..."
		}
		return text
	}
	qRunes := []rune(query)
	runePos := len([]rune(text[:idx]))
	start := max(runePos-contextChars, 0)
	end := min(runePos+len(qRunes)+contextChars, len(runes))

	prefix, suffix := "", ""
	if start > 0 {
		prefix = "..."
	}
	if end < len(runes) {
		suffix = "..."
	}
	snippet := string(runes[start:runePos]) +
		">>>" + string(runes[runePos:runePos+len(qRunes)]) + "<<<" +
		string(runes[runePos+len(qRunes):end])
	return prefix + snippet + suffix
}

// SearchInteractions ranks interactions by the best score of their messages.
// Interactions whose combined text matches although no single message does
// are returned after those, with a zero score.
func (e *Engine) SearchInteractions(ctx context.Context, opts Options) ([]InteractionHit, error) {
	p, err := e.prepare(opts)
	if err != nil {
		return nil, err
	}

	conds, args := messageFilters(Options{Session: opts.Session, Source: opts.Source, Since: opts.Since, Until: opts.Until})
	var wholeCond string
	var wholeArgs []any
	if opts.Session != "" {
		wholeCond = " AND i2.session_id = ?"
		wholeArgs = append(wholeArgs, opts.Session)
	}
	if opts.Source != "" {
		wholeCond += " AND i2.session_id IN (SELECT session_id FROM sessions WHERE source = ?)"
		wholeArgs = append(wholeArgs, opts.Source)
	}

	query := `
		WITH hits AS MATERIALIZED (
			SELECT m.interaction_id AS iid, m.message_id AS mid,
				-bm25(messages_fts) / ? AS score,
				snippet(messages_fts, 0, '>>>', '<<<', '...', 16) AS snip
			FROM messages_fts
			JOIN messages m ON m.rowid = messages_fts.rowid
			JOIN sessions s ON s.session_id = m.session_id
			WHERE messages_fts MATCH ?` + where(conds) + `
		),
		best AS MATERIALIZED (
			SELECT iid, MAX(score) AS score, mid, snip FROM hits GROUP BY iid
		),
		whole AS MATERIALIZED (
			SELECT i2.interaction_id AS iid
			FROM interactions_fts
			JOIN interactions i2 ON i2.rowid = interactions_fts.rowid
			WHERE interactions_fts MATCH ?` + wholeCond + `
		)
		SELECT ` + index.InteractionColumns + `,
			COALESCE(b.score, 0) AS best_score, COALESCE(b.mid, ''), COALESCE(b.snip, '')
		FROM interactions i
		LEFT JOIN best b ON b.iid = i.interaction_id
		WHERE i.interaction_id IN (SELECT iid FROM best UNION SELECT iid FROM whole)
		ORDER BY best_score DESC, i.ended_at DESC, i.interaction_id
		LIMIT ? OFFSET ?`

	all := append([]any{float64(len(p.Terms)), p.Match}, args...)
	all = append(all, p.Match)
	all = append(all, wholeArgs...)
	all = append(all, p.limit, p.offset)

	rows, err := e.db.Raw().QueryContext(ctx, query, all...)
	if err != nil {
		return nil, fmt.Errorf("interaction search: %w", err)
	}
	hits := []InteractionHit{}
	for rows.Next() {
		var h InteractionHit
		h.Interaction, err = index.ScanInteraction(rows, &h.Score, &h.MessageID, &h.Snippet)
		if err != nil {
			rows.Close()
			return nil, err
		}
		hits = append(hits, h)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	ins := make([]*interaction.Interaction, len(hits))
	for i, h := range hits {
		ins[i] = h.Interaction
	}
	return hits, e.db.AttachInteractionDetails(ctx, ins)
}

// SearchTools ranks tool usages over their name, input, result, command and
// file path.
func (e *Engine) SearchTools(ctx context.Context, opts Options) ([]ToolHit, error) {
	p, err := e.prepare(opts)
	if err != nil {
		return nil, err
	}

	var conds []string
	var args []any
	if opts.Tool != "" {
		conds = append(conds, "t.tool_name = ? COLLATE NOCASE")
		args = append(args, opts.Tool)
	}
	if opts.Session != "" {
		conds = append(conds, "t.session_id = ?")
		args = append(args, opts.Session)
	}

	query := `
		SELECT ` + index.ToolUsageColumns + `, m.timestamp,
			-bm25(tool_usages_fts) / ? AS score,
			snippet(tool_usages_fts, -1, '>>>', '<<<', '...', 16) AS snip
		FROM tool_usages_fts
		JOIN tool_usages t ON t.rowid = tool_usages_fts.rowid
		JOIN messages m ON m.message_id = t.message_id
		WHERE tool_usages_fts MATCH ?` + where(conds) + `
		ORDER BY score DESC, m.timestamp DESC, t.tool_usage_id
		LIMIT ? OFFSET ?`

	all := append([]any{float64(len(p.Terms)), p.Match}, args...)
	all = append(all, p.limit, p.offset)
	rows, err := e.db.Raw().QueryContext(ctx, query, all...)
	if err != nil {
		return nil, fmt.Errorf("tool search: %w", err)
	}
	defer rows.Close()

	hits := []ToolHit{}
	for rows.Next() {
		var h ToolHit
		var ts string
		h.ToolUsage, err = index.ScanToolUsage(rows, &ts, &h.Score, &h.Snippet)
		if err != nil {
			return nil, err
		}
		h.Timestamp = index.ParseTime(ts)
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

var hexPrefix = regexp.MustCompile(`^[0-9a-fA-F]{4,40}$`)

// hashMatchScore ranks hash-prefix matches above any text match.
const hashMatchScore = 1e9

// SearchCommits matches commits by hash prefix, when the query looks like one,
// and by the text of hash and message.
func (e *Engine) SearchCommits(ctx context.Context, opts Options) ([]CommitHit, error) {
	q := strings.TrimSpace(opts.Query)
	if q == "" {
		return nil, fmt.Errorf("%w: empty query", ErrInvalidQuery)
	}
	limit, offset, err := e.page(opts.Limit, opts.Offset)
	if err != nil {
		return nil, err
	}
	window := offset + limit

	type candidate struct {
		id  int64
		hit CommitHit
	}
	byID := make(map[int64]*candidate)
	add := func(id int64, c *commit.Commit, score float64) {
		if prev, ok := byID[id]; ok && prev.hit.Score >= score {
			return
		}
		byID[id] = &candidate{id: id, hit: CommitHit{Commit: *c, Score: score}}
	}

	sessionCond, sessionArgs := "", []any{}
	if opts.Session != "" {
		sessionCond = " AND c.session_id = ?"
		sessionArgs = append(sessionArgs, opts.Session)
	}

	if hexPrefix.MatchString(q) {
		args := append([]any{index.EscapeLike(strings.ToLower(q)) + "%"}, sessionArgs...)
		args = append(args, window)
		rows, err := e.db.Raw().QueryContext(ctx,
			"SELECT "+index.CommitColumns+", c.id FROM commits c WHERE c.hash LIKE ? ESCAPE '\\'"+sessionCond+
				" ORDER BY c.timestamp DESC, c.id LIMIT ?", args...)
		if err != nil {
			return nil, fmt.Errorf("commit search: %w", err)
		}
		for rows.Next() {
			var id int64
			c, err := index.ScanCommit(rows, &id)
			if err != nil {
				rows.Close()
				return nil, err
			}
			add(id, c, hashMatchScore)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, err
		}
	}

	if compiled, err := Compile(q); err == nil {
		args := append([]any{float64(len(compiled.Terms)), compiled.Match}, sessionArgs...)
		args = append(args, window)
		rows, err := e.db.Raw().QueryContext(ctx, `
			SELECT `+index.CommitColumns+`, c.id, -bm25(commits_fts) / ? AS score
			FROM commits_fts
			JOIN commits c ON c.id = commits_fts.rowid
			WHERE commits_fts MATCH ?`+sessionCond+`
			ORDER BY score DESC, c.timestamp DESC, c.id
			LIMIT ?`, args...)
		if err != nil {
			return nil, fmt.Errorf("commit search: %w", err)
		}
		for rows.Next() {
			var id int64
			var score float64
			c, err := index.ScanCommit(rows, &id, &score)
			if err != nil {
				rows.Close()
				return nil, err
			}
			add(id, c, score)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, err
		}
	} else if !hexPrefix.MatchString(q) {
		return nil, fmt.Errorf("%w: no searchable terms in %q", ErrInvalidQuery, q)
	}

	cands := make([]*candidate, 0, len(byID))
	for _, c := range byID {
		cands = append(cands, c)
	}
	sort.Slice(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.hit.Score != b.hit.Score {
			return a.hit.Score > b.hit.Score
		}
		if !a.hit.Commit.Timestamp.Equal(b.hit.Commit.Timestamp) {
			return a.hit.Commit.Timestamp.After(b.hit.Commit.Timestamp)
		}
		return a.id < b.id
	})

	hits := []CommitHit{}
	for i := offset; i < len(cands) && i < window; i++ {
		hits = append(hits, cands[i].hit)
	}
	return hits, nil
}

// Context returns the messages around messageID. Counts are clamped to
// [0, MaxContext] and the window is clipped at the session's boundaries.
func (e *Engine) Context(ctx context.Context, messageID string, before, after int) ([]*parse.Message, error) {
	clamp := func(n int) int {
		return max(0, min(n, e.limits.MaxContext))
	}
	return e.db.MessageContext(ctx, messageID, clamp(before), clamp(after))
}

// Message returns one message with its tool usages.
func (e *Engine) Message(ctx context.Context, messageID string) (*parse.Message, error) {
	return e.db.GetMessage(ctx, messageID)
}

// Session returns a session with its messages and interactions.
func (e *Engine) Session(ctx context.Context, sessionID string) (*SessionView, error) {
	s, msgs, err := e.db.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	ins, err := e.db.GetInteractions(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if msgs == nil {
		msgs = []*parse.Message{}
	}
	if ins == nil {
		ins = []*interaction.Interaction{}
	}
	return &SessionView{Session: s, Messages: msgs, Interactions: ins}, nil
}

// Sessions lists sessions by recent activity.
func (e *Engine) Sessions(ctx context.Context, limit, offset int) ([]*index.SessionRow, error) {
	limit, offset, err := e.page(limit, offset)
	if err != nil {
		return nil, err
	}
	rows, err := e.db.ListSessions(ctx, limit, offset)
	if rows == nil && err == nil {
		rows = []*index.SessionRow{}
	}
	return rows, err
}

// Interactions lists a session's interactions.
func (e *Engine) Interactions(ctx context.Context, sessionID string) ([]*interaction.Interaction, error) {
	if _, _, err := e.db.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	ins, err := e.db.GetInteractions(ctx, sessionID)
	if ins == nil && err == nil {
		ins = []*interaction.Interaction{}
	}
	return ins, err
}

// Interaction returns one interaction with its messages.
func (e *Engine) Interaction(ctx context.Context, id string) (*interaction.Interaction, []*parse.Message, error) {
	return e.db.GetInteraction(ctx, id)
}

// Commits returns the commits whose hash starts with prefix.
func (e *Engine) Commits(ctx context.Context, prefix string) ([]commit.Commit, error) {
	if !hexPrefix.MatchString(prefix) {
		return nil, fmt.Errorf("%w: %q is not a commit hash prefix", ErrInvalidQuery, prefix)
	}
	return e.db.GetCommits(ctx, prefix)
}

// Stats summarizes the index.
func (e *Engine) Stats(ctx context.Context) (*index.Stats, error) {
	return e.db.Stats(ctx)
}

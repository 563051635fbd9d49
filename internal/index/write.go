package index

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/Zuo-Peng/ccsearch/internal/parse"
)

// WriteSession replaces everything stored for the bundle's session in one
// transaction. Rows of the previous revision are deleted first; message and
// tool usage rows are upserted by identifier so an id seen again under another
// session moves there instead of failing the write.
func (d *DB) WriteSession(ctx context.Context, b *Bundle) error {
	unlock, err := d.lockWrite()
	if err != nil {
		return err
	}
	defer unlock()

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := deleteSessionTx(ctx, tx, b.Session.ID); err != nil {
		return err
	}

	s := b.Session
	_, err = tx.ExecContext(ctx,
		`INSERT INTO sessions (session_id, source, path, project_dir, created_at, last_message_at,
		                       message_count, total_cost, fingerprint, indexed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.Source, s.Path, s.ProjectDir,
		FormatTime(s.CreatedAt), FormatTime(s.LastMessageAt),
		s.MessageCount, s.TotalCost, s.Fingerprint,
		FormatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}

	if err := insertMessages(ctx, tx, b.Messages); err != nil {
		return err
	}
	if err := insertInteractions(ctx, tx, b); err != nil {
		return err
	}
	if err := insertCommits(ctx, tx, b); err != nil {
		return err
	}
	return tx.Commit()
}

func insertMessages(ctx context.Context, tx *sql.Tx, msgs []*parse.Message) error {
	msgStmt, err := tx.PrepareContext(ctx,
		`INSERT INTO messages (message_id, session_id, interaction_id, sequence_num, role, timestamp,
		                       text_content, thinking_content, cost, duration_ms, searchable_text,
		                       content_type, tool_summary, line_number)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(message_id) DO UPDATE SET
		     session_id = excluded.session_id,
		     interaction_id = excluded.interaction_id,
		     sequence_num = excluded.sequence_num,
		     role = excluded.role,
		     timestamp = excluded.timestamp,
		     text_content = excluded.text_content,
		     thinking_content = excluded.thinking_content,
		     cost = excluded.cost,
		     duration_ms = excluded.duration_ms,
		     searchable_text = excluded.searchable_text,
		     content_type = excluded.content_type,
		     tool_summary = excluded.tool_summary,
		     line_number = excluded.line_number`,
	)
	if err != nil {
		return err
	}
	defer msgStmt.Close()

	toolStmt, err := tx.PrepareContext(ctx,
		`INSERT INTO tool_usages (tool_usage_id, message_id, session_id, tool_name, input, result,
		                          is_error, file_path, command)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(tool_usage_id) DO UPDATE SET
		     message_id = excluded.message_id,
		     session_id = excluded.session_id,
		     tool_name = excluded.tool_name,
		     input = excluded.input,
		     result = excluded.result,
		     is_error = excluded.is_error,
		     file_path = excluded.file_path,
		     command = excluded.command`,
	)
	if err != nil {
		return err
	}
	defer toolStmt.Close()

	for _, m := range msgs {
		_, err := msgStmt.ExecContext(ctx,
			m.ID, m.SessionID, m.InteractionID, m.Seq, m.Role, FormatTime(m.Timestamp),
			m.Text, m.Thinking, nullFloat(m.Cost), nullInt(m.DurationMs), m.SearchableText,
			m.ContentType, m.ToolSummary, m.Line,
		)
		if err != nil {
			return fmt.Errorf("insert message %s: %w", m.ID, err)
		}
		for _, t := range m.ToolUsages {
			_, err := toolStmt.ExecContext(ctx,
				t.ID, t.MessageID, t.SessionID, t.Name, t.Input, nullString(t.Result),
				t.IsError, t.FilePath, t.Command,
			)
			if err != nil {
				return fmt.Errorf("insert tool usage %s: %w", t.ID, err)
			}
		}
	}
	return nil
}

func insertInteractions(ctx context.Context, tx *sql.Tx, b *Bundle) error {
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO interactions (interaction_id, session_id, sequence_num, first_seq, last_seq,
		                           message_count, user_prompt, search_text, total_cost, has_thinking,
		                           tool_calls, started_at, ended_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
	)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, in := range b.Interactions {
		calls, err := json.Marshal(in.ToolCalls)
		if err != nil {
			return err
		}
		_, err = stmt.ExecContext(ctx,
			in.ID, in.SessionID, in.Seq, in.FirstSeq, in.LastSeq,
			len(in.MessageIDs), in.UserPrompt, in.SearchText, in.TotalCost, in.HasThinking,
			string(calls), FormatTime(in.StartedAt), FormatTime(in.EndedAt),
		)
		if err != nil {
			return fmt.Errorf("insert interaction %s: %w", in.ID, err)
		}
	}
	return nil
}

func insertCommits(ctx context.Context, tx *sql.Tx, b *Bundle) error {
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO commits (hash, message, branch, summary, session_id, interaction_id,
		                      message_id, tool_usage_id, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
	)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, c := range b.Commits {
		_, err := stmt.ExecContext(ctx,
			c.Hash, c.Message, c.Branch, c.Summary, c.SessionID, c.InteractionID,
			c.MessageID, c.ToolUsageID, FormatTime(c.Timestamp),
		)
		if err != nil {
			return fmt.Errorf("insert commit %s: %w", c.Hash, err)
		}
	}
	return nil
}

func deleteSessionTx(ctx context.Context, tx *sql.Tx, sessionID string) error {
	for _, q := range []string{
		"DELETE FROM commits WHERE session_id = ?",
		"DELETE FROM interactions WHERE session_id = ?",
		"DELETE FROM tool_usages WHERE session_id = ?",
		"DELETE FROM messages WHERE session_id = ?",
		"DELETE FROM sessions WHERE session_id = ?",
	} {
		if _, err := tx.ExecContext(ctx, q, sessionID); err != nil {
			return fmt.Errorf("delete session %s: %w", sessionID, err)
		}
	}
	return nil
}

// DeleteSession removes a session and everything it owns.
func (d *DB) DeleteSession(ctx context.Context, sessionID string) error {
	unlock, err := d.lockWrite()
	if err != nil {
		return err
	}
	defer unlock()

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := deleteSessionTx(ctx, tx, sessionID); err != nil {
		return err
	}
	return tx.Commit()
}

// Fingerprint returns the stored source fingerprint of a session. ok is false
// when the session has never been indexed.
func (d *DB) Fingerprint(ctx context.Context, sessionID string) (fp string, ok bool, err error) {
	err = d.db.QueryRowContext(ctx,
		"SELECT fingerprint FROM sessions WHERE session_id = ?", sessionID,
	).Scan(&fp)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return fp, true, nil
}

// SessionIDs lists the indexed sessions of one origin.
func (d *DB) SessionIDs(ctx context.Context, source string) (map[string]struct{}, error) {
	rows, err := d.db.QueryContext(ctx, "SELECT session_id FROM sessions WHERE source = ?", source)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids[id] = struct{}{}
	}
	return ids, rows.Err()
}

// RecordRun persists the outcome of an indexing run.
func (d *DB) RecordRun(ctx context.Context, r *Report) error {
	unlock, err := d.lockWrite()
	if err != nil {
		return err
	}
	defer unlock()

	warnings, err := json.Marshal(r.Warnings)
	if err != nil {
		return err
	}
	_, err = d.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO index_runs (run_id, started_at, finished_at, discovered, indexed,
		                                    skipped, failed, pruned, canceled, warnings)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.RunID.String(), FormatTime(r.StartedAt), FormatTime(r.FinishedAt),
		r.Discovered, r.Indexed, r.Skipped, r.Failed, r.Pruned, r.Canceled, string(warnings),
	)
	return err
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func nullInt(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func nullString(v *string) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *v, Valid: true}
}

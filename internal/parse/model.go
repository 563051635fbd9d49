package parse

import (
	"fmt"
	"time"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

const (
	SourceLocal  = "local"
	SourceRemote = "remote"
)

// Content types derived for each message.
const (
	ContentText       = "text"
	ContentThinking   = "thinking"
	ContentToolUse    = "tool_use"
	ContentToolResult = "tool_result"
	ContentSystem     = "system"
)

// BlockKind tags the variant held by a Block.
type BlockKind int

const (
	BlockText BlockKind = iota
	BlockThinking
	BlockToolUse
	BlockToolResult
)

func (k BlockKind) String() string {
	switch k {
	case BlockText:
		return "text"
	case BlockThinking:
		return "thinking"
	case BlockToolUse:
		return "tool_use"
	case BlockToolResult:
		return "tool_result"
	default:
		return fmt.Sprintf("BlockKind(%d)", int(k))
	}
}

// Block is one resolved content block. Which fields are meaningful depends on Kind:
// Text/Thinking use Text; ToolUse uses ToolUseID, ToolName, Input; ToolResult uses
// ToolUseID, Text and IsError.
type Block struct {
	Kind      BlockKind
	Text      string
	ToolUseID string
	ToolName  string
	Input     string // compact JSON
	IsError   bool
}

// Record is a raw session event with its content resolved into blocks.
type Record struct {
	ID         string
	Type       string
	Role       string
	Timestamp  time.Time
	Cwd        string
	Blocks     []Block
	Thinking   string
	Cost       *float64
	DurationMs *int64
	Line       int
}

// Session describes one ingested conversation.
type Session struct {
	ID            string    `json:"session_id" yaml:"session_id"`
	Source        string    `json:"source" yaml:"source"` // "local" or "remote"
	Path          string    `json:"path" yaml:"path"`
	ProjectDir    string    `json:"project_dir" yaml:"project_dir"`
	CreatedAt     time.Time `json:"created_at" yaml:"created_at"`
	LastMessageAt time.Time `json:"last_message_at" yaml:"last_message_at"`
	MessageCount  int       `json:"message_count" yaml:"message_count"`
	TotalCost     float64   `json:"total_cost" yaml:"total_cost"`

	// Fingerprint identifies the source revision that was indexed, so an unchanged
	// source can be skipped.
	Fingerprint string `json:"-" yaml:"-"`
}

// Message is one parsed turn.
type Message struct {
	ID             string    `json:"message_id" yaml:"message_id"`
	SessionID      string    `json:"session_id" yaml:"session_id"`
	InteractionID  string    `json:"interaction_id,omitempty" yaml:"interaction_id,omitempty"`
	Seq            int       `json:"sequence_num" yaml:"sequence_num"`
	Role           string    `json:"role" yaml:"role"`
	Timestamp      time.Time `json:"timestamp" yaml:"timestamp"`
	Text           string    `json:"text_content" yaml:"text"`
	Thinking       string    `json:"thinking_content,omitempty" yaml:"thinking,omitempty"`
	Cost           *float64  `json:"cost,omitempty" yaml:"cost,omitempty"`
	DurationMs     *int64    `json:"duration_ms,omitempty" yaml:"duration_ms,omitempty"`
	SearchableText string    `json:"-" yaml:"-"`
	ContentType    string    `json:"content_type" yaml:"content_type"`
	ToolSummary    string    `json:"tool_summary,omitempty" yaml:"tool_summary,omitempty"`
	Line           int       `json:"line_number" yaml:"line"`

	// HasToolResult is set when the record carried at least one tool_result block.
	HasToolResult bool         `json:"-" yaml:"-"`
	ToolUsages    []*ToolUsage `json:"tool_usages,omitempty" yaml:"tool_usages,omitempty"`
}

// ToolResultOnly reports whether the message carries tool results and no free text.
func (m *Message) ToolResultOnly() bool {
	return m.HasToolResult && !hasText(m.Text)
}

// ToolUsage is one tool invocation. Result stays nil until a matching tool_result
// arrives.
type ToolUsage struct {
	ID        string  `json:"tool_usage_id" yaml:"id"`
	MessageID string  `json:"message_id" yaml:"-"`
	SessionID string  `json:"session_id" yaml:"-"`
	Name      string  `json:"tool_name" yaml:"name"`
	Input     string  `json:"input" yaml:"input"`
	Result    *string `json:"result" yaml:"result"`
	IsError   bool    `json:"is_error" yaml:"is_error"`
	FilePath  string  `json:"file_path,omitempty" yaml:"file_path,omitempty"`
	Command   string  `json:"command,omitempty" yaml:"command,omitempty"`
}

// Pending reports whether no result has been correlated yet.
func (t *ToolUsage) Pending() bool {
	return t.Result == nil
}

// Warnings counts non-fatal anomalies seen while building a session.
type Warnings struct {
	Malformed       int `json:"malformed"`
	MissingFields   int `json:"missing_fields"`
	DuplicateMsgs   int `json:"duplicate_messages"`
	DuplicateTools  int `json:"duplicate_tools"`
	OrphanResults   int `json:"orphan_results"`
	PendingTools    int `json:"pending_tools"`
	CommitAmbiguous int `json:"commit_ambiguous"`
}

// Add accumulates o into w.
func (w *Warnings) Add(o Warnings) {
	w.Malformed += o.Malformed
	w.MissingFields += o.MissingFields
	w.DuplicateMsgs += o.DuplicateMsgs
	w.DuplicateTools += o.DuplicateTools
	w.OrphanResults += o.OrphanResults
	w.PendingTools += o.PendingTools
	w.CommitAmbiguous += o.CommitAmbiguous
}

// ParseWarnings is the number of records that were skipped.
func (w Warnings) ParseWarnings() int {
	return w.Malformed + w.MissingFields + w.DuplicateMsgs
}

// Total sums every counter except pending tools, which are expected in live sessions.
func (w Warnings) Total() int {
	return w.ParseWarnings() + w.DuplicateTools + w.OrphanResults + w.CommitAmbiguous
}

func (w Warnings) String() string {
	return fmt.Sprintf("malformed=%d missing=%d duplicate_messages=%d duplicate_tools=%d orphan_results=%d pending_tools=%d commit_ambiguous=%d",
		w.Malformed, w.MissingFields, w.DuplicateMsgs, w.DuplicateTools, w.OrphanResults, w.PendingTools, w.CommitAmbiguous)
}

// Result is a fully parsed and correlated session.
type Result struct {
	Session  Session
	Messages []*Message
	Warnings Warnings
}

// ToolUsages returns every tool usage of the session in message order.
func (r *Result) ToolUsages() []*ToolUsage {
	var out []*ToolUsage
	for _, m := range r.Messages {
		out = append(out, m.ToolUsages...)
	}
	return out
}

// RecordError is a recoverable failure to turn one line into a message.
type RecordError struct {
	Line   int
	Reason string
	Err    error
}

func (e *RecordError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("record line %d: %s: %v", e.Line, e.Reason, e.Err)
	}
	return fmt.Sprintf("record line %d: %s", e.Line, e.Reason)
}

func (e *RecordError) Unwrap() error {
	return e.Err
}

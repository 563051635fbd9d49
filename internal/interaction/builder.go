// Package interaction groups a session's messages into user/assistant exchanges.
package interaction

import (
	"fmt"
	"strings"
	"time"

	"github.com/Zuo-Peng/ccsearch/internal/commit"
	"github.com/Zuo-Peng/ccsearch/internal/parse"
)

// Interaction is one user request and everything the assistant did to answer it.
type Interaction struct {
	ID          string          `json:"interaction_id" yaml:"interaction_id"`
	SessionID   string          `json:"session_id" yaml:"session_id"`
	Seq         int             `json:"sequence_num" yaml:"sequence_num"`
	MessageIDs  []string        `json:"message_ids" yaml:"message_ids"`
	FirstSeq    int             `json:"first_seq" yaml:"first_seq"`
	LastSeq     int             `json:"last_seq" yaml:"last_seq"`
	UserPrompt  string          `json:"user_prompt" yaml:"user_prompt"`
	TotalCost   float64         `json:"total_cost" yaml:"total_cost"`
	HasThinking bool            `json:"has_thinking" yaml:"has_thinking"`
	ToolCalls   []string        `json:"tool_calls" yaml:"tool_calls"`
	Commits     []commit.Commit `json:"commits" yaml:"commits"`
	StartedAt   time.Time       `json:"started_at" yaml:"started_at"`
	EndedAt     time.Time       `json:"ended_at" yaml:"ended_at"`

	// SearchText is the prompt followed by every message's searchable text.
	SearchText string `json:"-" yaml:"-"`
}

// ToolCounts folds ToolCalls into a multiset.
func (in *Interaction) ToolCounts() map[string]int {
	counts := make(map[string]int, len(in.ToolCalls))
	for _, name := range in.ToolCalls {
		counts[name]++
	}
	return counts
}

// ID formats the identifier of the n-th interaction of a session.
func ID(sessionID string, n int) string {
	return fmt.Sprintf("%s-interaction-%d", sessionID, n)
}

type state int

const (
	awaitingBoundary state = iota
	accumulating
)

// Builder is the per-session state machine. Messages must be fed in sequence
// order.
type Builder struct {
	sessionID string
	byMessage map[string][]commit.Commit
	state     state
	cur       *Interaction
	text      []string
	out       []Interaction
}

// NewBuilder prepares a builder with the commits extracted for the session.
func NewBuilder(sessionID string, commits []commit.Commit) *Builder {
	byMessage := make(map[string][]commit.Commit)
	for _, c := range commits {
		byMessage[c.MessageID] = append(byMessage[c.MessageID], c)
	}
	return &Builder{sessionID: sessionID, byMessage: byMessage}
}

// IsBoundary reports whether msg opens a new interaction: a user message with
// free text. A message holding only tool results is data for the running
// exchange.
func IsBoundary(msg *parse.Message) bool {
	return msg.Role == parse.RoleUser && strings.TrimSpace(msg.Text) != "" && !msg.ToolResultOnly()
}

// Add folds one message into the open interaction, opening or closing
// interactions at boundaries. The message is stamped with its interaction id.
func (b *Builder) Add(msg *parse.Message) {
	boundary := IsBoundary(msg)
	if boundary || b.state == awaitingBoundary {
		b.close()
		b.open(msg, boundary)
	}

	in := b.cur
	msg.InteractionID = in.ID
	in.MessageIDs = append(in.MessageIDs, msg.ID)
	in.LastSeq = msg.Seq
	if !msg.Timestamp.IsZero() {
		if in.StartedAt.IsZero() {
			in.StartedAt = msg.Timestamp
		}
		in.EndedAt = msg.Timestamp
	}
	if msg.Role == parse.RoleAssistant && msg.Cost != nil {
		in.TotalCost += *msg.Cost
	}
	if msg.Thinking != "" {
		in.HasThinking = true
	}
	for _, t := range msg.ToolUsages {
		in.ToolCalls = append(in.ToolCalls, t.Name)
	}
	for _, c := range b.byMessage[msg.ID] {
		c.InteractionID = in.ID
		in.Commits = append(in.Commits, c)
	}
	if msg.SearchableText != "" {
		b.text = append(b.text, msg.SearchableText)
	}
}

func (b *Builder) open(msg *parse.Message, boundary bool) {
	n := len(b.out)
	b.cur = &Interaction{
		ID:        ID(b.sessionID, n),
		SessionID: b.sessionID,
		Seq:       n,
		FirstSeq:  msg.Seq,
		ToolCalls: []string{},
		Commits:   []commit.Commit{},
	}
	if boundary {
		b.cur.UserPrompt = msg.Text
	}
	b.text = nil
	b.state = accumulating
}

func (b *Builder) close() {
	if b.cur == nil {
		return
	}
	b.cur.SearchText = b.searchText()
	b.out = append(b.out, *b.cur)
	b.cur = nil
	b.state = awaitingBoundary
}

func (b *Builder) searchText() string {
	parts := make([]string, 0, len(b.text)+1)
	if b.cur.UserPrompt != "" {
		parts = append(parts, b.cur.UserPrompt)
	}
	for _, t := range b.text {
		if t == b.cur.UserPrompt && len(parts) == 1 {
			continue // the boundary message repeats the prompt
		}
		parts = append(parts, t)
	}
	return strings.Join(parts, "\n")
}

// Finish closes the last interaction unconditionally and returns all of them.
func (b *Builder) Finish() []Interaction {
	b.close()
	out := b.out
	b.out = nil
	return out
}

// Build runs the state machine over a session's messages.
func Build(sessionID string, msgs []*parse.Message, commits []commit.Commit) []Interaction {
	b := NewBuilder(sessionID, commits)
	for _, m := range msgs {
		b.Add(m)
	}
	return b.Finish()
}

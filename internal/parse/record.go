package parse

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

type rawRecord struct {
	UUID        string          `json:"uuid"`
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Role        string          `json:"role"`
	Timestamp   string          `json:"timestamp"`
	Cwd         string          `json:"cwd"`
	Message     json.RawMessage `json:"message"`
	Content     json.RawMessage `json:"content"`
	Thinking    string          `json:"thinking"`
	CostUSD     *float64        `json:"costUSD"`
	Cost        *float64        `json:"cost"`
	DurationMs  *int64          `json:"durationMs"`
	DurationMS2 *int64          `json:"duration_ms"`
}

type rawMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type rawBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text"`
	Thinking  string          `json:"thinking"`
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input"`
	ToolUseID string          `json:"tool_use_id"`
	Content   json.RawMessage `json:"content"`
	IsError   bool            `json:"is_error"`
}

// DecodeRecord decodes one JSON event line and resolves its content into blocks.
// Both the nested {"message": {"role", "content"}} shape and a flat
// {"role", "content"} shape are accepted.
func DecodeRecord(line []byte, lineNum int) (*Record, error) {
	var raw rawRecord
	if err := json.Unmarshal(line, &raw); err != nil {
		return nil, &RecordError{Line: lineNum, Reason: "invalid json", Err: err}
	}

	rec := &Record{
		ID:        firstNonEmpty(raw.UUID, raw.ID),
		Type:      raw.Type,
		Role:      raw.Role,
		Timestamp: parseTimestamp(raw.Timestamp),
		Cwd:       raw.Cwd,
		Thinking:  raw.Thinking,
		Line:      lineNum,
	}
	if raw.CostUSD != nil {
		rec.Cost = raw.CostUSD
	} else {
		rec.Cost = raw.Cost
	}
	if raw.DurationMs != nil {
		rec.DurationMs = raw.DurationMs
	} else {
		rec.DurationMs = raw.DurationMS2
	}

	content := raw.Content
	if isPresent(raw.Message) {
		var msg rawMessage
		if err := json.Unmarshal(raw.Message, &msg); err != nil {
			return nil, &RecordError{Line: lineNum, Reason: "invalid message", Err: err}
		}
		if msg.Role != "" {
			rec.Role = msg.Role
		}
		if isPresent(msg.Content) {
			content = msg.Content
		}
	}
	if rec.Role == "" {
		rec.Role = raw.Type
	}

	blocks, err := decodeBlocks(content)
	if err != nil {
		return nil, &RecordError{Line: lineNum, Reason: "invalid content", Err: err}
	}
	rec.Blocks = blocks
	return rec, nil
}

func decodeBlocks(raw json.RawMessage) ([]Block, error) {
	raw = bytes.TrimSpace(raw)
	if !isPresent(raw) {
		return nil, nil
	}

	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		return []Block{{Kind: BlockText, Text: s}}, nil
	case '[':
		var items []rawBlock
		if err := json.Unmarshal(raw, &items); err != nil {
			return nil, err
		}
		blocks := make([]Block, 0, len(items))
		for _, b := range items {
			switch b.Type {
			case "text":
				blocks = append(blocks, Block{Kind: BlockText, Text: b.Text})
			case "thinking":
				if b.Thinking != "" {
					blocks = append(blocks, Block{Kind: BlockThinking, Text: b.Thinking})
				}
			case "tool_use":
				blocks = append(blocks, Block{
					Kind:      BlockToolUse,
					ToolUseID: b.ID,
					ToolName:  b.Name,
					Input:     compactInput(b.Input),
				})
			case "tool_result":
				blocks = append(blocks, Block{
					Kind:      BlockToolResult,
					ToolUseID: b.ToolUseID,
					Text:      resultText(b.Content),
					IsError:   b.IsError,
				})
			}
		}
		return blocks, nil
	default:
		return nil, fmt.Errorf("unexpected content of kind %q", raw[0])
	}
}

// resultText flattens a tool_result payload, which is either a string or a list
// of text parts and bare strings.
func resultText(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if !isPresent(raw) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var parts []json.RawMessage
	if err := json.Unmarshal(raw, &parts); err != nil {
		return string(raw)
	}
	var out []string
	for _, p := range parts {
		var str string
		if err := json.Unmarshal(p, &str); err == nil {
			out = append(out, str)
			continue
		}
		var b rawBlock
		if err := json.Unmarshal(p, &b); err == nil && b.Type == "text" {
			out = append(out, b.Text)
		}
	}
	return strings.Join(out, "\n")
}

func compactInput(raw json.RawMessage) string {
	if !isPresent(raw) {
		return "{}"
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}

// ParseRecord turns a decoded record into a Message with its tool usages. The
// tool_result blocks are returned separately for correlation. A record without an
// identifier or a role is rejected.
func ParseRecord(rec *Record, sessionID string, seq int) (*Message, []Block, error) {
	if rec.ID == "" {
		return nil, nil, &RecordError{Line: rec.Line, Reason: "missing identifier"}
	}
	role, ok := normalizeRole(rec.Role)
	if !ok {
		return nil, nil, &RecordError{Line: rec.Line, Reason: "missing role"}
	}

	msg := &Message{
		ID:        rec.ID,
		SessionID: sessionID,
		Seq:       seq,
		Role:      role,
		Timestamp: rec.Timestamp,
		Line:      rec.Line,
	}
	if role == RoleAssistant {
		msg.Cost = rec.Cost
		msg.DurationMs = rec.DurationMs
	}

	var textParts, thinkParts []string
	var results []Block
	if rec.Thinking != "" {
		thinkParts = append(thinkParts, rec.Thinking)
	}
	for i, b := range rec.Blocks {
		switch b.Kind {
		case BlockText:
			textParts = append(textParts, b.Text)
		case BlockThinking:
			thinkParts = append(thinkParts, b.Text)
		case BlockToolUse:
			id := b.ToolUseID
			if id == "" {
				id = fmt.Sprintf("%s-tool-%d", rec.ID, i)
			}
			msg.ToolUsages = append(msg.ToolUsages, &ToolUsage{
				ID:        id,
				MessageID: msg.ID,
				SessionID: sessionID,
				Name:      b.ToolName,
				Input:     b.Input,
				FilePath:  extractFilePath(b.Input),
				Command:   extractCommand(b.ToolName, b.Input),
			})
		case BlockToolResult:
			msg.HasToolResult = true
			results = append(results, b)
		}
	}

	msg.Text = strings.Join(textParts, "\n")
	msg.Thinking = strings.Join(thinkParts, "\n")
	msg.SearchableText = joinNonEmpty("\n", msg.Text, msg.Thinking)
	msg.ContentType, msg.ToolSummary = classify(rec.Type, role, msg, results)
	return msg, results, nil
}

func normalizeRole(role string) (string, bool) {
	switch role {
	case RoleUser, RoleAssistant, RoleSystem:
		return role, true
	case "":
		return "", false
	default:
		// Bookkeeping event types (summary, file-history-snapshot...) carry no role.
		return RoleSystem, true
	}
}

var pathKeys = []string{"file_path", "path", "notebook_path"}

func extractFilePath(input string) string {
	var args map[string]any
	if err := json.Unmarshal([]byte(input), &args); err != nil {
		return ""
	}
	for _, k := range pathKeys {
		if s, ok := args[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func extractCommand(toolName, input string) string {
	if !IsShellTool(toolName) {
		return ""
	}
	var args struct {
		Command string `json:"command"`
	}
	if err := json.Unmarshal([]byte(input), &args); err != nil {
		return ""
	}
	return args.Command
}

// IsShellTool reports whether a tool executes shell command lines.
func IsShellTool(name string) bool {
	return strings.EqualFold(name, "bash")
}

const summaryItems = 3

func classify(rawType, role string, msg *Message, results []Block) (string, string) {
	if role == RoleSystem || rawType == "summary" || rawType == "file-history-snapshot" {
		return ContentSystem, ""
	}
	text := hasText(msg.Text)

	if len(results) > 0 {
		var parts []string
		for i, r := range results {
			if i == summaryItems {
				break
			}
			preview := r.Text
			if preview == "" {
				preview = "(empty)"
			}
			parts = append(parts, preview1Line(preview, 80))
		}
		if text {
			return ContentText, strings.Join(parts, "; ")
		}
		return ContentToolResult, strings.Join(parts, "; ")
	}

	if len(msg.ToolUsages) > 0 {
		var parts []string
		for i, t := range msg.ToolUsages {
			if i == summaryItems {
				break
			}
			switch {
			case t.FilePath != "":
				parts = append(parts, t.Name+": "+t.FilePath)
			case t.Command != "":
				parts = append(parts, "Bash: "+preview1Line(t.Command, 50))
			default:
				parts = append(parts, t.Name)
			}
		}
		if text {
			return ContentText, strings.Join(parts, " | ")
		}
		return ContentToolUse, strings.Join(parts, " | ")
	}

	if msg.Thinking != "" && !text {
		return ContentThinking, preview1Line(msg.Thinking, 80)
	}
	return ContentText, ""
}

func preview1Line(s string, max int) string {
	s = strings.TrimSpace(strings.ReplaceAll(s, "\n", " "))
	r := []rune(s)
	if len(r) > max {
		return string(r[:max]) + "..."
	}
	return s
}

func hasText(s string) bool {
	return strings.TrimSpace(s) != ""
}

func isPresent(raw json.RawMessage) bool {
	return len(raw) > 0 && !bytes.Equal(raw, []byte("null"))
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func joinNonEmpty(sep string, parts ...string) string {
	var out []string
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, sep)
}

func parseTimestamp(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	// try RFC3339 (fractional seconds are accepted by the parser)
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC()
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC()
	}
	// try ISO8601 without timezone
	if t, err := time.Parse("2006-01-02T15:04:05", s); err == nil {
		return t
	}
	return time.Time{}
}

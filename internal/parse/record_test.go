package parse

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parseLine(t *testing.T, line string) (*Message, []Block) {
	t.Helper()
	rec, err := DecodeRecord([]byte(line), 1)
	require.NoError(t, err)
	msg, results, err := ParseRecord(rec, "s1", 0)
	require.NoError(t, err)
	return msg, results
}

func TestDecodeRecord_StringContent(t *testing.T) {
	msg, results := parseLine(t, `{"uuid":"m1","type":"user","timestamp":"2025-03-01T10:00:00.123Z","message":{"role":"user","content":"hello there"}}`)

	assert.Equal(t, "m1", msg.ID)
	assert.Equal(t, RoleUser, msg.Role)
	assert.Equal(t, "hello there", msg.Text)
	assert.Equal(t, "hello there", msg.SearchableText)
	assert.Equal(t, ContentText, msg.ContentType)
	assert.Empty(t, results)
	assert.Equal(t, time.Date(2025, 3, 1, 10, 0, 0, 123_000_000, time.UTC), msg.Timestamp)
}

func TestDecodeRecord_FlatShape(t *testing.T) {
	msg, _ := parseLine(t, `{"id":"m2","type":"assistant","content":"flat answer","cost":0.5,"duration_ms":1200}`)

	assert.Equal(t, RoleAssistant, msg.Role, "role falls back to the type tag")
	assert.Equal(t, "flat answer", msg.Text)
	require.NotNil(t, msg.Cost)
	assert.InDelta(t, 0.5, *msg.Cost, 1e-9)
	require.NotNil(t, msg.DurationMs)
	assert.Equal(t, int64(1200), *msg.DurationMs)
}

func TestParseRecord_Blocks(t *testing.T) {
	line := `{"uuid":"a1","type":"assistant","costUSD":0.02,"durationMs":900,"message":{"role":"assistant","content":[` +
		`{"type":"thinking","thinking":"look at main first"},` +
		`{"type":"text","text":"Reading the file."},` +
		`{"type":"tool_use","id":"t1","name":"Read","input":{"file_path": "/repo/main.go"}},` +
		`{"type":"text","text":"Then the tests."},` +
		`{"type":"tool_use","id":"t2","name":"bash","input":{"command": "go test ./...", "timeout": 60}}]}}`
	msg, results := parseLine(t, line)

	assert.Equal(t, "Reading the file.\nThen the tests.", msg.Text)
	assert.Equal(t, "look at main first", msg.Thinking)
	assert.Equal(t, "Reading the file.\nThen the tests.\nlook at main first", msg.SearchableText)
	assert.Empty(t, results)

	require.Len(t, msg.ToolUsages, 2)
	read, sh := msg.ToolUsages[0], msg.ToolUsages[1]
	assert.Equal(t, "t1", read.ID)
	assert.Equal(t, "Read", read.Name)
	assert.Equal(t, "/repo/main.go", read.FilePath)
	assert.Empty(t, read.Command)
	assert.Equal(t, `{"file_path":"/repo/main.go"}`, read.Input)
	assert.True(t, read.Pending())

	assert.Equal(t, "go test ./...", sh.Command, "shell tool names match case-insensitively")
	assert.Equal(t, "a1", sh.MessageID)
	assert.Equal(t, "s1", sh.SessionID)

	assert.Equal(t, ContentText, msg.ContentType)
	assert.Equal(t, "Read: /repo/main.go | Bash: go test ./...", msg.ToolSummary)
}

func TestParseRecord_ThinkingSources(t *testing.T) {
	msg, _ := parseLine(t, `{"uuid":"a2","type":"assistant","thinking":"outer","message":{"role":"assistant","content":[{"type":"thinking","thinking":"inner"}]}}`)

	assert.Equal(t, "outer\ninner", msg.Thinking)
	assert.Equal(t, "outer\ninner", msg.SearchableText)
	assert.Equal(t, ContentThinking, msg.ContentType)
}

func TestParseRecord_ToolResults(t *testing.T) {
	line := `{"uuid":"u2","type":"user","message":{"role":"user","content":[` +
		`{"type":"tool_result","tool_use_id":"t1","content":"PASS"},` +
		`{"type":"tool_result","tool_use_id":"t2","is_error":true,"content":[{"type":"text","text":"exit 1"},"more"]}]}}`
	msg, results := parseLine(t, line)

	require.Len(t, results, 2)
	assert.Equal(t, BlockToolResult, results[0].Kind)
	assert.Equal(t, "t1", results[0].ToolUseID)
	assert.Equal(t, "PASS", results[0].Text)
	assert.False(t, results[0].IsError)
	assert.Equal(t, "exit 1\nmore", results[1].Text)
	assert.True(t, results[1].IsError)

	assert.Empty(t, msg.ToolUsages, "results never become tool usages")
	assert.True(t, msg.ToolResultOnly())
	assert.Equal(t, ContentToolResult, msg.ContentType)
	assert.Equal(t, "PASS; exit 1 more", msg.ToolSummary)
}

func TestParseRecord_CostOnlyForAssistant(t *testing.T) {
	msg, _ := parseLine(t, `{"uuid":"u3","type":"user","costUSD":1.5,"message":{"role":"user","content":"hi"}}`)
	assert.Nil(t, msg.Cost)
	assert.Nil(t, msg.DurationMs)
}

func TestParseRecord_GeneratedToolID(t *testing.T) {
	msg, _ := parseLine(t, `{"uuid":"a3","type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"x"},{"type":"tool_use","name":"Glob","input":{"pattern":"*.go"}}]}}`)
	require.Len(t, msg.ToolUsages, 1)
	assert.Equal(t, "a3-tool-1", msg.ToolUsages[0].ID)
}

func TestParseRecord_SystemTypes(t *testing.T) {
	msg, _ := parseLine(t, `{"uuid":"x1","type":"summary","summary":"Fixing auth"}`)
	assert.Equal(t, RoleSystem, msg.Role)
	assert.Equal(t, ContentSystem, msg.ContentType)
}

func TestParseRecord_MissingFields(t *testing.T) {
	tests := []struct {
		name string
		line string
	}{
		{"no identifier", `{"type":"user","message":{"role":"user","content":"hi"}}`},
		{"no role", `{"uuid":"m9","content":"hi"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, err := DecodeRecord([]byte(tt.line), 7)
			require.NoError(t, err)
			_, _, err = ParseRecord(rec, "s1", 0)
			var recErr *RecordError
			require.True(t, errors.As(err, &recErr))
			assert.Equal(t, 7, recErr.Line)
		})
	}
}

func TestDecodeRecord_Malformed(t *testing.T) {
	tests := []string{
		`not json`,
		`{"uuid":"m1","type":"user","message":{"role":"user","content":42}}`,
		`{"uuid":"m1","type":"user","message":"oops"}`,
	}
	for _, line := range tests {
		_, err := DecodeRecord([]byte(line), 3)
		var recErr *RecordError
		assert.True(t, errors.As(err, &recErr), line)
	}
}

func TestParseTimestamp(t *testing.T) {
	assert.True(t, parseTimestamp("").IsZero())
	assert.True(t, parseTimestamp("yesterday").IsZero())
	assert.Equal(t, time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC), parseTimestamp("2025-01-02T05:04:05+02:00"))
	assert.Equal(t, time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC), parseTimestamp("2025-01-02T03:04:05"))
}

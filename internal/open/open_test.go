package open

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Zuo-Peng/ccsearch/internal/index"
	"github.com/Zuo-Peng/ccsearch/internal/parse"
)

func TestCommand(t *testing.T) {
	target := Target{Path: "/logs/s1.jsonl", Line: 42}
	tests := []struct {
		editor string
		want   []string
	}{
		{"", []string{"less", "+42", "/logs/s1.jsonl"}},
		{"nvim", []string{"nvim", "+42", "/logs/s1.jsonl"}},
		{"/usr/bin/vim -R", []string{"/usr/bin/vim", "-R", "+42", "/logs/s1.jsonl"}},
		{"code --wait", []string{"code", "--wait", "--goto", "/logs/s1.jsonl:42"}},
		{"hx", []string{"hx", "/logs/s1.jsonl:42"}},
		{"gedit", []string{"gedit", "/logs/s1.jsonl"}},
	}
	for _, tt := range tests {
		t.Run(tt.editor, func(t *testing.T) {
			assert.Equal(t, tt.want, Command(tt.editor, target).Args)
		})
	}
}

func TestLocate(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	db, err := index.OpenDB(filepath.Join(dir, "open.db"))
	require.NoError(t, err)
	defer db.Close()

	log := "{\"uuid\":\"u1\",\"type\":\"user\",\"message\":{\"role\":\"user\",\"content\":\"hi\"}}\n\n" +
		"{\"uuid\":\"a1\",\"type\":\"assistant\",\"message\":{\"role\":\"assistant\",\"content\":\"hello\"}}\n"
	path := filepath.Join(dir, "s1.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(log), 0o644))

	for _, s := range []parse.Session{
		{ID: "s1", Source: parse.SourceLocal, Path: path},
		{ID: "r1", Source: parse.SourceRemote, Path: "https://example.test/v1/sessions/r1"},
	} {
		body := log
		if s.ID == "r1" {
			body = strings.NewReplacer(`"u1"`, `"r-u1"`, `"a1"`, `"r-a1"`).Replace(log)
		}
		b, err := index.BuildSession(strings.NewReader(body), s)
		require.NoError(t, err)
		require.NoError(t, db.WriteSession(ctx, b))
	}

	got, err := Locate(ctx, db, "a1")
	require.NoError(t, err)
	assert.Equal(t, Target{Path: path, Line: 3}, got)

	_, err = Locate(ctx, db, "r-u1")
	assert.ErrorContains(t, err, "no local file")

	_, err = Locate(ctx, db, "missing")
	assert.ErrorIs(t, err, index.ErrNotFound)

	require.NoError(t, os.Remove(path))
	_, err = Locate(ctx, db, "u1")
	assert.ErrorContains(t, err, "file not found")
}

// Package open shows a message in its source log with the user's editor.
package open

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/Zuo-Peng/ccsearch/internal/index"
	"github.com/Zuo-Peng/ccsearch/internal/parse"
)

// Target is a file position to open.
type Target struct {
	Path string
	Line int
}

// Locate finds the log file and line of a message. Remote sessions have no
// local file and cannot be opened.
func Locate(ctx context.Context, db *index.DB, messageID string) (Target, error) {
	msg, err := db.GetMessage(ctx, messageID)
	if err != nil {
		return Target{}, fmt.Errorf("get message %s: %w", messageID, err)
	}
	session, _, err := db.GetSession(ctx, msg.SessionID)
	if err != nil {
		return Target{}, fmt.Errorf("get session %s: %w", msg.SessionID, err)
	}
	if session.Source != parse.SourceLocal {
		return Target{}, fmt.Errorf("session %s is %s and has no local file", session.ID, session.Source)
	}
	if _, err := os.Stat(session.Path); err != nil {
		return Target{}, fmt.Errorf("file not found: %s", session.Path)
	}
	return Target{Path: session.Path, Line: max(msg.Line, 1)}, nil
}

// Command builds the editor invocation that jumps to the target line, for the
// editors that support it.
func Command(editor string, t Target) *exec.Cmd {
	fields := strings.Fields(editor)
	if len(fields) == 0 {
		fields = []string{"less"}
	}
	name, args := fields[0], fields[1:]
	line := strconv.Itoa(t.Line)

	switch base := filepath.Base(name); {
	case strings.Contains(base, "vim") || base == "vi" || base == "nano" || base == "emacs" || base == "less":
		args = append(args, "+"+line, t.Path)
	case strings.Contains(base, "code") || strings.Contains(base, "cursor"):
		args = append(args, "--goto", t.Path+":"+line)
	case base == "subl" || base == "hx":
		args = append(args, t.Path+":"+line)
	default:
		args = append(args, t.Path)
	}
	return exec.Command(name, args...)
}

// Message opens the log holding messageID in $EDITOR, falling back to less.
func Message(ctx context.Context, db *index.DB, messageID string) error {
	t, err := Locate(ctx, db, messageID)
	if err != nil {
		return err
	}
	cmd := Command(os.Getenv("EDITOR"), t)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

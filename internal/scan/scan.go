// Package scan discovers local session logs under a projects root such as
// ~/.claude/projects/<project>/<session>.jsonl.
package scan

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/Zuo-Peng/ccsearch/internal/parse"
)

type FileInfo struct {
	Path      string
	SessionID string
	Mtime     int64 // unix nanoseconds
	Size      int64
}

// Fingerprint changes whenever the file is rewritten or appended to.
func (f FileInfo) Fingerprint() string {
	return fmt.Sprintf("%d:%d", f.Mtime, f.Size)
}

// Files walks root and returns every session log. Sub-agent transcripts and
// session index files are not sessions and are skipped. A missing root yields
// no files.
func Files(root string) ([]FileInfo, error) {
	var files []FileInfo
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			log.Debug().Err(err).Str("path", path).Msg("skip unreadable entry")
			return nil
		}
		if d.IsDir() {
			if d.Name() == "subagents" {
				return filepath.SkipDir
			}
			return nil
		}
		if filepath.Ext(path) != ".jsonl" || strings.Contains(d.Name(), "sessions-index") {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		files = append(files, FileInfo{
			Path:      path,
			SessionID: strings.TrimSuffix(d.Name(), ".jsonl"),
			Mtime:     info.ModTime().UnixNano(),
			Size:      info.Size(),
		})
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	return files, err
}

// Local is the index.Source over a projects root.
type Local struct {
	Root string
}

func NewLocal(root string) *Local {
	return &Local{Root: root}
}

func (l *Local) Origin() string { return parse.SourceLocal }

// List returns one session per log file. When two projects hold a log with
// the same name the first one in walk order wins.
func (l *Local) List(ctx context.Context) ([]parse.Session, error) {
	files, err := Files(l.Root)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", l.Root, err)
	}
	seen := make(map[string]string, len(files))
	out := make([]parse.Session, 0, len(files))
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if prev, dup := seen[f.SessionID]; dup {
			log.Warn().Str("session", f.SessionID).Str("path", f.Path).Str("kept", prev).Msg("duplicate session log")
			continue
		}
		seen[f.SessionID] = f.Path
		out = append(out, parse.Session{
			ID:          f.SessionID,
			Source:      parse.SourceLocal,
			Path:        f.Path,
			Fingerprint: f.Fingerprint(),
		})
	}
	return out, nil
}

func (l *Local) Open(_ context.Context, s parse.Session) (io.ReadCloser, error) {
	return os.Open(s.Path)
}

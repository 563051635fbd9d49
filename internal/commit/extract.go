// Package commit finds version-control commits made through shell tool calls.
package commit

import (
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Zuo-Peng/ccsearch/internal/parse"
)

// Commit is a commit discovered in a tool usage's command and output.
type Commit struct {
	Hash          string    `json:"hash" yaml:"hash"`
	Message       string    `json:"message" yaml:"message"`
	Branch        string    `json:"branch" yaml:"branch"`
	Summary       string    `json:"summary" yaml:"summary"`
	SessionID     string    `json:"session_id" yaml:"session_id"`
	InteractionID string    `json:"interaction_id" yaml:"interaction_id"`
	MessageID     string    `json:"message_id" yaml:"message_id"`
	ToolUsageID   string    `json:"tool_usage_id" yaml:"tool_usage_id"`
	Timestamp     time.Time `json:"timestamp" yaml:"timestamp"`
}

// successLine matches what git prints after a commit, e.g.
// "[main a1b2c3d] fix auth", "[main (root-commit) a1b2c3d] init",
// "[detached HEAD a1b2c3d] wip".
var successLine = regexp.MustCompile(`(?m)^\[([^\]]+?) (?:\(root-commit\) )?([0-9a-f]{7,40})\] ?(.*?)\r?$`)

// Invocation is one `git commit` found in a command line.
type Invocation struct {
	Message string // intended message, empty when git would open an editor
	Amend   bool
}

// MentionsCommit is a cheap pre-check before lexing a command.
func MentionsCommit(command string) bool {
	return strings.Contains(command, "git") && strings.Contains(command, "commit")
}

// ParseInvocations parses a shell command line and returns every git commit
// sub-command in order. Commands that do not parse (unbalanced quotes) yield a
// single invocation without a message when they still mention a commit.
func ParseInvocations(command string) []Invocation {
	if !MentionsCommit(command) {
		return nil
	}
	cmds, err := shellCommands(command)
	if err != nil {
		log.Debug().Err(err).Msg("commit command not parsable")
		return []Invocation{{}}
	}

	var out []Invocation
	for _, c := range cmds {
		args, ok := commitArgs(c.args)
		if !ok {
			continue
		}
		out = append(out, parseCommitArgs(args, c))
	}
	return out
}

func commitArgs(words []string) ([]string, bool) {
	if len(words) == 0 || path.Base(words[0]) != "git" {
		return nil, false
	}
	for i := 1; i < len(words); {
		w := words[i]
		switch {
		case w == "-C" || w == "-c" || w == "--git-dir" || w == "--work-tree" || w == "--namespace":
			i += 2
		case strings.HasPrefix(w, "-"):
			i++
		default:
			if w == "commit" {
				return words[i+1:], true
			}
			return nil, false
		}
	}
	return nil, false
}

// long options of git commit that take a separate value
var longWithValue = map[string]bool{
	"--author": true, "--date": true, "--fixup": true, "--squash": true,
	"--reuse-message": true, "--reedit-message": true, "--cleanup": true,
	"--template": true, "--trailer": true, "--pathspec-from-file": true,
}

func parseCommitArgs(args []string, c simpleCommand) Invocation {
	var inv Invocation
	var msgs []string
	fromStdin := false

	for i := 0; i < len(args); i++ {
		a := args[i]
		switch {
		case a == "--":
			i = len(args)
		case a == "-m" || a == "--message":
			if i+1 < len(args) {
				msgs = append(msgs, args[i+1])
				i++
			}
		case strings.HasPrefix(a, "--message="):
			msgs = append(msgs, strings.TrimPrefix(a, "--message="))
		case a == "--file" || a == "-F":
			if i+1 < len(args) {
				fromStdin = fromStdin || args[i+1] == "-"
				i++
			}
		case strings.HasPrefix(a, "--file="):
			fromStdin = fromStdin || strings.TrimPrefix(a, "--file=") == "-"
		case a == "--amend":
			inv.Amend = true
		case strings.HasPrefix(a, "--"):
			if longWithValue[a] {
				i++
			}
		case strings.HasPrefix(a, "-") && len(a) > 1:
			// short option cluster such as -am "msg" or -m"msg"
		cluster:
			for j := 1; j < len(a); j++ {
				switch a[j] {
				case 'm', 'F', 'C', 'c', 't':
					val := a[j+1:]
					if val == "" && i+1 < len(args) {
						val = args[i+1]
						i++
					}
					switch a[j] {
					case 'm':
						msgs = append(msgs, val)
					case 'F':
						fromStdin = fromStdin || val == "-"
					}
					break cluster
				}
			}
		}
	}

	switch {
	case len(msgs) > 0:
		inv.Message = strings.Join(msgs, "\n\n")
	case fromStdin && c.hasStdin:
		inv.Message = c.stdin
	}
	inv.Message = strings.TrimSpace(inv.Message)
	return inv
}

type successMatch struct {
	branch, hash, summary string
}

func parseSuccess(output string) []successMatch {
	var out []successMatch
	for _, m := range successLine.FindAllStringSubmatch(output, -1) {
		out = append(out, successMatch{branch: m[1], hash: m[2], summary: strings.TrimSpace(m[3])})
	}
	return out
}

// FromToolUsage returns the commits made by one shell tool usage. detected
// reports whether the command contained a commit sub-command at all, so callers
// can count detections that produced nothing.
func FromToolUsage(t *parse.ToolUsage, ts time.Time) (commits []Commit, detected bool) {
	if !parse.IsShellTool(t.Name) || t.Command == "" {
		return nil, false
	}
	invs := ParseInvocations(t.Command)
	if len(invs) == 0 {
		return nil, false
	}
	if t.Result == nil || t.IsError {
		return nil, true
	}

	matches := parseSuccess(*t.Result)
	for k, m := range matches {
		msg := ""
		if k < len(invs) {
			msg = invs[k].Message
		}
		if msg == "" {
			msg = m.summary
		}
		commits = append(commits, Commit{
			Hash:        m.hash,
			Message:     msg,
			Branch:      m.branch,
			Summary:     m.summary,
			SessionID:   t.SessionID,
			MessageID:   t.MessageID,
			ToolUsageID: t.ID,
			Timestamp:   ts,
		})
	}
	return commits, true
}

// Extract scans every shell tool usage in a parsed session. Detections whose
// output does not show a successful commit are logged and counted in the
// result's CommitAmbiguous warning; they never fail the session.
func Extract(res *parse.Result) []Commit {
	var all []Commit
	for _, m := range res.Messages {
		for _, t := range m.ToolUsages {
			commits, detected := FromToolUsage(t, m.Timestamp)
			if detected && len(commits) == 0 {
				res.Warnings.CommitAmbiguous++
				log.Debug().
					Str("session", t.SessionID).
					Str("tool_use_id", t.ID).
					Bool("pending", t.Pending()).
					Bool("is_error", t.IsError).
					Msg("commit command without recognizable result")
				continue
			}
			all = append(all, commits...)
		}
	}
	return all
}

// Package render formats messages, sessions and search results for the
// terminal, and exports them as JSON or YAML.
package render

import (
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/mattn/go-runewidth"

	"github.com/Zuo-Peng/ccsearch/internal/parse"
)

const (
	colorReset   = "\033[0m"
	colorUser    = "\033[1;34m" // bold blue
	colorAssist  = "\033[1;32m" // bold green
	colorThink   = "\033[2;35m" // dim magenta for thinking
	colorTool    = "\033[36m"   // cyan for tool calls
	colorDim     = "\033[2m"
	colorHit     = "\033[43m"   // yellow background
	colorBoldRed = "\033[1;31m" // bold red for keyword highlights
)

// palette holds the escape codes in use; the zero palette renders plain text.
type palette struct {
	reset, user, assist, think, tool, dim, hit, keyword string
}

var ansi = palette{colorReset, colorUser, colorAssist, colorThink, colorTool, colorDim, colorHit, colorBoldRed}

func paletteFor(color bool) palette {
	if color {
		return ansi
	}
	return palette{}
}

type Options struct {
	HitID        string // message to mark as the hit
	Query        string // search query for keyword highlighting
	Width        int    // wrap width (0 = no wrap)
	Color        bool
	ShowThinking bool
	ShowTools    bool
	SkipBefore   int // messages hidden before the window
	SkipAfter    int // messages hidden after the window
	Header       string
}

// queryOperators are query syntax words that are not highlighted as keywords.
var queryOperators = map[string]bool{"AND": true, "OR": true, "NOT": true}

// Terms splits a search query into the words worth highlighting.
func Terms(query string) []string {
	var out []string
	for _, t := range strings.Fields(query) {
		if queryOperators[t] {
			continue
		}
		t = strings.Trim(t, `"()*`)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

// highlightKeywords wraps case-insensitive matches of query terms.
func highlightKeywords(text string, terms []string, on, off string) string {
	if on == "" {
		return text
	}
	for _, term := range terms {
		lower := strings.ToLower(term)
		i := 0
		for i < len(text) {
			idx := strings.Index(strings.ToLower(text[i:]), lower)
			if idx < 0 {
				break
			}
			pos := i + idx
			end := pos + len(term)
			if end > len(text) {
				break
			}
			replacement := on + text[pos:end] + off
			text = text[:pos] + replacement + text[end:]
			i = pos + len(replacement)
		}
	}
	return text
}

// indentLines prepends each line of text with the given prefix.
func indentLines(text, prefix string) string {
	lines := strings.Split(text, "\n")
	for i, l := range lines {
		lines[i] = prefix + l
	}
	return strings.Join(lines, "\n")
}

// wrapLine breaks a single line into multiple lines that fit within maxWidth
// visible columns, correctly skipping ANSI escape sequences when measuring width.
func wrapLine(line string, maxWidth int) []string {
	if maxWidth <= 0 {
		return []string{line}
	}

	var result []string
	var cur strings.Builder
	visW := 0

	i := 0
	for i < len(line) {
		// check for ANSI escape sequence: ESC[ ... m
		if i+1 < len(line) && line[i] == '\033' && line[i+1] == '[' {
			j := i + 2
			for j < len(line) && line[j] != 'm' {
				j++
			}
			if j < len(line) {
				j++ // include 'm'
			}
			cur.WriteString(line[i:j])
			i = j
			continue
		}

		r, size := utf8.DecodeRuneInString(line[i:])
		rw := runewidth.RuneWidth(r)

		if visW+rw > maxWidth {
			result = append(result, cur.String())
			cur.Reset()
			visW = 0
		}

		cur.WriteRune(r)
		visW += rw
		i += size
	}

	if cur.Len() > 0 {
		result = append(result, cur.String())
	}

	if len(result) == 0 {
		return []string{""}
	}
	return result
}

// Truncate shortens s to width visible columns, replacing newlines first.
func Truncate(s string, width int) string {
	s = strings.Join(strings.Fields(s), " ")
	if width <= 0 {
		return s
	}
	return runewidth.Truncate(s, width, "...")
}

func roleLabel(m *parse.Message, p palette) (string, string) {
	switch m.Role {
	case parse.RoleUser:
		if m.ContentType == parse.ContentToolResult {
			return p.tool, "RESULT"
		}
		return p.user, "USER"
	case parse.RoleAssistant:
		if m.ContentType == parse.ContentThinking {
			return p.think, "THINK"
		}
		return p.assist, "ASST"
	default:
		return p.dim, strings.ToUpper(m.Role)
	}
}

// Messages renders a window of messages and returns the 0-based line of the
// hit message header, or -1 when the hit is not in the window.
func Messages(w io.Writer, msgs []*parse.Message, opts Options) (int, error) {
	p := paletteFor(opts.Color)
	terms := Terms(opts.Query)

	var b strings.Builder
	hitLine := -1
	lineCount := 0
	separator := p.dim + strings.Repeat("-", 50) + p.reset

	// helper to track line count; wraps long lines if Width is set
	writeLine := func(s string) {
		for _, wl := range wrapLine(s, opts.Width) {
			b.WriteString(wl)
			b.WriteString("\n")
			lineCount++
		}
	}

	if opts.Header != "" {
		writeLine(p.dim + "--- " + opts.Header + " ---" + p.reset)
	}
	if len(msgs) == 0 {
		writeLine("(empty session)")
	}
	if opts.SkipBefore > 0 {
		writeLine(fmt.Sprintf("%s... (%d messages before) ...%s", p.dim, opts.SkipBefore, p.reset))
	}

	for i, m := range msgs {
		isHit := opts.HitID != "" && m.ID == opts.HitID
		if i > 0 {
			writeLine(separator)
		}
		if isHit {
			hitLine = lineCount
		}

		roleColor, label := roleLabel(m, p)
		ts := "-"
		if !m.Timestamp.IsZero() {
			ts = m.Timestamp.Local().Format("2006-01-02 15:04:05")
		}
		if isHit {
			writeLine(fmt.Sprintf("%s>> %s > %s  %s <<%s", p.hit, label, ts, m.ID, p.reset))
		} else {
			writeLine(fmt.Sprintf("%s%s >%s %s%s  %s%s", roleColor, label, p.reset, p.dim, ts, m.ID, p.reset))
		}

		text := m.Text
		if opts.ShowThinking && m.Thinking != "" {
			text = strings.TrimLeft(text+"\n"+p.dim+m.Thinking+p.reset, "\n")
		}
		if text == "" && m.ToolSummary != "" {
			text = p.tool + m.ToolSummary + p.reset
		}
		text = highlightKeywords(text, terms, p.keyword, p.reset)
		for _, tl := range strings.Split(indentLines(text, "  "), "\n") {
			writeLine(tl)
		}

		if opts.ShowTools {
			for _, t := range m.ToolUsages {
				status := "pending"
				switch {
				case t.IsError:
					status = "error"
				case t.Result != nil:
					status = "ok"
				}
				detail := t.Command
				if detail == "" {
					detail = t.FilePath
				}
				writeLine(fmt.Sprintf("  %s[%s] %s (%s)%s", p.tool, t.Name, Truncate(detail, 80), status, p.reset))
			}
		}
		writeLine("") // blank line after message
	}

	if opts.SkipAfter > 0 {
		writeLine(fmt.Sprintf("%s... (%d messages after) ...%s", p.dim, opts.SkipAfter, p.reset))
	}

	_, err := io.WriteString(w, b.String())
	return hitLine, err
}

// Snippet converts the >>> <<< match markers of a search snippet into
// highlight codes, or strips them when color is off.
func Snippet(s string, color bool) string {
	s = strings.Join(strings.Fields(s), " ")
	p := paletteFor(color)
	s = strings.ReplaceAll(s, ">>>", p.keyword)
	return strings.ReplaceAll(s, "<<<", p.reset)
}

package commit

import (
	"io"
	"path"
	"strings"

	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/syntax"
)

type simpleCommand struct {
	args     []string
	stdin    string
	hasStdin bool
}

// shellCommands parses a command line and returns its simple commands in source
// order, including those nested in substitutions. Words are expanded without
// running anything: parameters stay as written and only `cat <<EOF` and `echo`
// substitutions are resolved to their output.
func shellCommands(src string) ([]simpleCommand, error) {
	f, err := syntax.NewParser().Parse(strings.NewReader(src), "")
	if err != nil {
		return nil, err
	}
	ev := &evaluator{src: src}
	ev.cfg = &expand.Config{
		Env:      expand.FuncEnviron(keepParam),
		CmdSubst: ev.cmdSubst,
	}

	var cmds []simpleCommand
	syntax.Walk(f, func(node syntax.Node) bool {
		st, ok := node.(*syntax.Stmt)
		if !ok {
			return true
		}
		if call, ok := st.Cmd.(*syntax.CallExpr); ok && len(call.Args) > 0 {
			cmds = append(cmds, ev.simple(call, st.Redirs))
		}
		return true
	})
	return cmds, nil
}

// keepParam leaves parameters as written. IFS stays unset so the default
// separators apply.
func keepParam(name string) string {
	if name == "IFS" {
		return ""
	}
	return "$" + name
}

type evaluator struct {
	src string
	cfg *expand.Config
}

func (ev *evaluator) simple(call *syntax.CallExpr, redirs []*syntax.Redirect) simpleCommand {
	var c simpleCommand
	for _, w := range call.Args {
		c.args = append(c.args, ev.literal(w))
	}
	for _, r := range redirs {
		switch r.Op {
		case syntax.Hdoc, syntax.DashHdoc:
			c.stdin, c.hasStdin = ev.heredoc(r), true
		case syntax.WordHdoc:
			c.stdin, c.hasStdin = ev.literal(r.Word), true
		}
	}
	return c
}

// literal performs quote removal and substitution on a word. Words the expander
// rejects are kept as written.
func (ev *evaluator) literal(w *syntax.Word) string {
	if w == nil {
		return ""
	}
	s, err := expand.Literal(ev.cfg, w)
	if err != nil {
		return ev.raw(w)
	}
	return s
}

func (ev *evaluator) heredoc(r *syntax.Redirect) string {
	if r.Hdoc == nil {
		return ""
	}
	var body string
	if quotedDelim(r.Word) {
		body = ev.verbatim(r.Hdoc)
	} else if s, err := expand.Document(ev.cfg, r.Hdoc); err == nil {
		body = s
	} else {
		body = ev.raw(r.Hdoc)
	}
	if r.Op == syntax.DashHdoc {
		lines := strings.Split(body, "\n")
		for i, l := range lines {
			lines[i] = strings.TrimLeft(l, "\t")
		}
		body = strings.Join(lines, "\n")
	}
	return body
}

// quotedDelim reports whether a heredoc delimiter is quoted, which makes the
// body literal.
func quotedDelim(w *syntax.Word) bool {
	if w == nil {
		return false
	}
	for _, p := range w.Parts {
		switch p := p.(type) {
		case *syntax.Lit:
			if strings.ContainsRune(p.Value, '\\') {
				return true
			}
		default:
			return true
		}
	}
	return false
}

// verbatim returns a word's text without expansion.
func (ev *evaluator) verbatim(w *syntax.Word) string {
	var b strings.Builder
	for _, p := range w.Parts {
		lit, ok := p.(*syntax.Lit)
		if !ok {
			return ev.raw(w)
		}
		b.WriteString(lit.Value)
	}
	return b.String()
}

func (ev *evaluator) raw(n syntax.Node) string {
	start, end := int(n.Pos().Offset()), int(n.End().Offset())
	if start < 0 || end > len(ev.src) || start > end {
		return ""
	}
	return ev.src[start:end]
}

// cmdSubst understands the two idioms used to pass multi-line text on a command
// line: `cat <<EOF ... EOF` and `echo ...`. Anything else is kept literal.
func (ev *evaluator) cmdSubst(w io.Writer, cs *syntax.CmdSubst) error {
	if out, ok := ev.knownOutput(cs.Stmts); ok {
		_, err := io.WriteString(w, out)
		return err
	}
	_, err := io.WriteString(w, ev.raw(cs))
	return err
}

func (ev *evaluator) knownOutput(stmts []*syntax.Stmt) (string, bool) {
	if len(stmts) != 1 {
		return "", false
	}
	call, ok := stmts[0].Cmd.(*syntax.CallExpr)
	if !ok || len(call.Args) == 0 {
		return "", false
	}
	c := ev.simple(call, stmts[0].Redirs)
	switch path.Base(c.args[0]) {
	case "cat":
		if c.hasStdin && len(c.args) == 1 {
			return strings.TrimRight(c.stdin, "\n"), true
		}
	case "echo":
		args := c.args[1:]
		for len(args) > 0 && (args[0] == "-n" || args[0] == "-e") {
			args = args[1:]
		}
		return strings.TrimRight(strings.Join(args, " "), "\n"), true
	}
	return "", false
}

package search

import (
	"errors"
	"strings"
	"unicode"
)

// ErrInvalidQuery rejects a query before it reaches the store.
var ErrInvalidQuery = errors.New("search: invalid query")

type itemKind int

const (
	itemTerm itemKind = iota
	itemOp
	itemOpen
	itemClose
)

type item struct {
	kind itemKind
	text string
}

// Compiled is a user query rewritten into FTS5 syntax.
type Compiled struct {
	Match string   // FTS5 MATCH expression
	Terms []string // bare words and phrases, for highlighting and LIKE fallback
}

// Compile rewrites a user query into a safe FTS5 expression. Words and
// "quoted phrases" become FTS5 strings, a trailing * keeps prefix search, and
// the uppercase operators AND, OR and NOT plus parentheses are kept. Adjacent
// operands are joined with an explicit AND. Operators
// that cannot apply (leading, trailing, doubled) are dropped, and unbalanced
// parentheses are ignored.
func Compile(q string) (Compiled, error) {
	items := lexQuery(q)
	items = dropDanglingOps(items)
	if !balanced(items) {
		kept := items[:0]
		for _, it := range items {
			if it.kind != itemOpen && it.kind != itemClose {
				kept = append(kept, it)
			}
		}
		items = dropDanglingOps(kept)
	}

	var c Compiled
	var b strings.Builder
	for i, it := range items {
		if i > 0 {
			prev := items[i-1].kind
			switch {
			case (prev == itemTerm || prev == itemClose) && (it.kind == itemTerm || it.kind == itemOpen):
				b.WriteString(" AND ")
			case it.kind != itemClose && prev != itemOpen:
				b.WriteByte(' ')
			}
		}
		switch it.kind {
		case itemTerm:
			prefix := strings.HasSuffix(it.text, "*")
			word := strings.TrimSuffix(it.text, "*")
			b.WriteString(`"` + strings.ReplaceAll(word, `"`, `""`) + `"`)
			if prefix {
				b.WriteByte('*')
			}
			c.Terms = append(c.Terms, word)
		case itemOp:
			b.WriteString(it.text)
		case itemOpen:
			b.WriteByte('(')
		case itemClose:
			b.WriteByte(')')
		}
	}
	if len(c.Terms) == 0 {
		return Compiled{}, ErrInvalidQuery
	}
	c.Match = b.String()
	return c, nil
}

func lexQuery(q string) []item {
	var items []item
	r := []rune(q)
	for i := 0; i < len(r); {
		switch ch := r[i]; {
		case unicode.IsSpace(ch):
			i++
		case ch == '(':
			items = append(items, item{kind: itemOpen})
			i++
		case ch == ')':
			items = append(items, item{kind: itemClose})
			i++
		case ch == '"':
			j := i + 1
			for j < len(r) && r[j] != '"' {
				j++
			}
			phrase := strings.TrimSpace(string(r[i+1 : min(j, len(r))]))
			i = j + 1
			if i < len(r) && r[i] == '*' {
				phrase += "*"
				i++
			}
			if searchable(phrase) {
				items = append(items, item{kind: itemTerm, text: phrase})
			}
		default:
			j := i
			for j < len(r) && !unicode.IsSpace(r[j]) && r[j] != '(' && r[j] != ')' && r[j] != '"' {
				j++
			}
			word := string(r[i:j])
			i = j
			switch word {
			case "AND", "OR", "NOT":
				items = append(items, item{kind: itemOp, text: word})
			default:
				if searchable(word) {
					items = append(items, item{kind: itemTerm, text: word})
				}
			}
		}
	}
	return items
}

// searchable reports whether the tokenizer would keep anything of w.
func searchable(w string) bool {
	for _, r := range strings.TrimSuffix(w, "*") {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return true
		}
	}
	return false
}

// dropDanglingOps removes operators without an operand on either side and
// empty parenthesis groups.
func dropDanglingOps(items []item) []item {
	for {
		changed := false
		var out []item
		for i, it := range items {
			prevOK := len(out) > 0 && (out[len(out)-1].kind == itemTerm || out[len(out)-1].kind == itemClose)
			switch it.kind {
			case itemOp:
				nextOK := i+1 < len(items) && (items[i+1].kind == itemTerm || items[i+1].kind == itemOpen)
				if !prevOK || !nextOK {
					changed = true
					continue
				}
			case itemClose:
				if len(out) > 0 && out[len(out)-1].kind == itemOpen {
					out = out[:len(out)-1]
					changed = true
					continue
				}
			}
			out = append(out, it)
		}
		items = out
		if !changed {
			return items
		}
	}
}

func balanced(items []item) bool {
	depth := 0
	for _, it := range items {
		switch it.kind {
		case itemOpen:
			depth++
		case itemClose:
			depth--
			if depth < 0 {
				return false
			}
		}
	}
	return depth == 0
}

// containsCJK returns true if the string contains any CJK Unified Ideograph.
func containsCJK(s string) bool {
	for _, r := range s {
		if unicode.Is(unicode.Han, r) {
			return true
		}
	}
	return false
}

package parse

import (
	"bufio"
	"bytes"
	"errors"
	"io"

	"github.com/rs/zerolog/log"
)

const maxLineSize = 10 * 1024 * 1024 // 10MB

// SessionParser folds an ordered stream of event records into messages, tool
// usages and correlated results for one session. It is not safe for concurrent use;
// each session gets its own parser.
type SessionParser struct {
	session  Session
	seq      int
	corr     *Correlator
	seen     map[string]struct{} // tool invocation ids
	seenMsgs map[string]struct{}
	messages []*Message
	warnings Warnings
}

func NewSessionParser(s Session) *SessionParser {
	return &SessionParser{
		session:  s,
		corr:     NewCorrelator(),
		seen:     make(map[string]struct{}),
		seenMsgs: make(map[string]struct{}),
	}
}

// Feed parses one line. Malformed lines are counted and skipped.
func (p *SessionParser) Feed(line []byte, lineNum int) {
	if len(bytes.TrimSpace(line)) == 0 {
		return
	}

	rec, err := DecodeRecord(line, lineNum)
	if err != nil {
		p.warnings.Malformed++
		log.Debug().Err(err).Str("session", p.session.ID).Msg("skip record")
		return
	}
	p.FeedRecord(rec)
}

// FeedRecord adds an already decoded record.
func (p *SessionParser) FeedRecord(rec *Record) {
	msg, results, err := ParseRecord(rec, p.session.ID, p.seq)
	if err != nil {
		p.warnings.MissingFields++
		log.Debug().Err(err).Str("session", p.session.ID).Msg("skip record")
		return
	}
	if _, dup := p.seenMsgs[msg.ID]; dup {
		p.warnings.DuplicateMsgs++
		log.Debug().Str("session", p.session.ID).Str("message_id", msg.ID).Msg("duplicate message")
		return
	}
	p.seenMsgs[msg.ID] = struct{}{}
	p.seq++

	kept := msg.ToolUsages[:0]
	for _, t := range msg.ToolUsages {
		if _, dup := p.seen[t.ID]; dup {
			p.warnings.DuplicateTools++
			log.Debug().Str("session", p.session.ID).Str("tool_use_id", t.ID).Msg("duplicate tool invocation")
			continue
		}
		p.seen[t.ID] = struct{}{}
		p.corr.Track(t)
		kept = append(kept, t)
	}
	msg.ToolUsages = kept

	for _, r := range results {
		if !p.corr.Resolve(r.ToolUseID, r.Text, r.IsError) {
			p.warnings.OrphanResults++
			log.Debug().Str("session", p.session.ID).Str("tool_use_id", r.ToolUseID).Msg("tool result without invocation")
		}
	}

	if p.session.ProjectDir == "" && rec.Cwd != "" {
		p.session.ProjectDir = rec.Cwd
	}
	p.messages = append(p.messages, msg)
}

// Finish closes the session and derives its aggregate metadata. The correlation
// table is discarded; unanswered invocations stay pending.
func (p *SessionParser) Finish() *Result {
	p.warnings.PendingTools = p.corr.Pending()
	p.corr = NewCorrelator()

	s := p.session
	s.MessageCount = len(p.messages)
	s.TotalCost = 0
	for _, m := range p.messages {
		if m.Cost != nil {
			s.TotalCost += *m.Cost
		}
		if m.Timestamp.IsZero() {
			continue
		}
		if s.CreatedAt.IsZero() {
			s.CreatedAt = m.Timestamp
		}
		s.LastMessageAt = m.Timestamp
	}

	return &Result{Session: s, Messages: p.messages, Warnings: p.warnings}
}

// ReadSession parses a JSONL event stream. Lines longer than maxLineSize are
// skipped as malformed. Only a failure of the underlying reader is returned as
// an error; that aborts the session and nothing of it should be persisted.
func ReadSession(r io.Reader, s Session) (*Result, error) {
	p := NewSessionParser(s)
	br := bufio.NewReaderSize(r, 64*1024)

	var buf []byte
	lineNum := 0
	for {
		line, oversized, err := nextLine(br, buf)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		lineNum++
		if oversized {
			p.warnings.Malformed++
			log.Warn().Str("session", s.ID).Int("line", lineNum).Msg("skip record over size limit")
			continue
		}
		p.Feed(line, lineNum)
		buf = line
	}
	return p.Finish(), nil
}

// nextLine reads one line into buf without its terminator. A line over
// maxLineSize is consumed to its end and reported as oversized. io.EOF is
// returned only when no bytes are left.
func nextLine(r *bufio.Reader, buf []byte) ([]byte, bool, error) {
	buf = buf[:0]
	read, oversized := false, false
	for {
		chunk, err := r.ReadSlice('\n')
		read = read || len(chunk) > 0
		if !oversized {
			buf = append(buf, chunk...)
			if len(bytes.TrimRight(buf, "\r\n")) > maxLineSize {
				oversized = true
				buf = buf[:0]
			}
		}
		switch {
		case err == nil:
			return trimEOL(buf), oversized, nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF):
			if !read {
				return nil, false, io.EOF
			}
			return trimEOL(buf), oversized, nil
		default:
			return nil, false, err
		}
	}
}

func trimEOL(b []byte) []byte {
	b = bytes.TrimSuffix(b, []byte("\n"))
	return bytes.TrimSuffix(b, []byte("\r"))
}

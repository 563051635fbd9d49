package index

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/Zuo-Peng/ccsearch/internal/parse"
)

// Repository is the write side of the index store used by the Indexer.
type Repository interface {
	WriteSession(ctx context.Context, b *Bundle) error
	DeleteSession(ctx context.Context, sessionID string) error
	Fingerprint(ctx context.Context, sessionID string) (string, bool, error)
	SessionIDs(ctx context.Context, source string) (map[string]struct{}, error)
	RebuildIndex(ctx context.Context) error
	RecordRun(ctx context.Context, r *Report) error
}

// Source lists sessions and opens their event streams.
type Source interface {
	// Origin is parse.SourceLocal or parse.SourceRemote.
	Origin() string
	// List returns the available sessions with ID, Source, Path and Fingerprint set.
	List(ctx context.Context) ([]parse.Session, error)
	// Open returns the JSONL event stream of one session.
	Open(ctx context.Context, s parse.Session) (io.ReadCloser, error)
}

// Options tune an indexing run.
type Options struct {
	Workers int  // concurrent session builders, at least 1
	Force   bool // re-index sessions whose fingerprint is unchanged
	Prune   bool // drop local sessions whose source disappeared
	Rebuild bool // rebuild the full-text indexes after writing
}

// Failure is one session or source that could not be indexed.
type Failure struct {
	Source    string `json:"source"`
	SessionID string `json:"session_id,omitempty"`
	Path      string `json:"path,omitempty"`
	Err       string `json:"error"`
}

// Report summarizes an indexing run.
type Report struct {
	RunID      uuid.UUID      `json:"run_id"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
	Discovered int            `json:"discovered"`
	Indexed    int            `json:"indexed"`
	Skipped    int            `json:"skipped"`
	Failed     int            `json:"failed"`
	Pruned     int            `json:"pruned"`
	Canceled   bool           `json:"canceled"`
	Warnings   parse.Warnings `json:"warnings"`
	Failures   []Failure      `json:"failures,omitempty"`
}

func (r *Report) String() string {
	s := fmt.Sprintf("discovered=%d indexed=%d skipped=%d failed=%d pruned=%d warnings=%d",
		r.Discovered, r.Indexed, r.Skipped, r.Failed, r.Pruned, r.Warnings.Total())
	if r.Canceled {
		s += " (canceled)"
	}
	return s
}

// Indexer feeds sessions from sources through BuildSession and into a
// Repository. Sessions are built by a bounded worker pool and written one at a
// time by a single writer.
type Indexer struct {
	repo Repository
	opts Options

	// writeRetries bounds how often a write rejected with ErrWriteConflict is retried.
	writeRetries int
	retryDelay   time.Duration
}

func NewIndexer(repo Repository, opts Options) *Indexer {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	return &Indexer{repo: repo, opts: opts, writeRetries: 5, retryDelay: 200 * time.Millisecond}
}

type job struct {
	src     Source
	session parse.Session
}

type built struct {
	job    job
	bundle *Bundle
	err    error
}

// Run indexes every session of the given sources. One session's failure is
// recorded in the report and never stops the others. When ctx is canceled the
// session being written is completed and persisted, nothing further is
// written, and the report is marked canceled.
func (ix *Indexer) Run(ctx context.Context, sources ...Source) (*Report, error) {
	report := &Report{RunID: uuid.New(), StartedAt: time.Now()}
	logger := log.With().Str("run", report.RunID.String()).Logger()

	var jobs []job
	// session ids listed per origin; an origin with a failed listing is not pruned
	listed := make(map[string]map[string]struct{})
	listFailed := make(map[string]bool)
	for _, src := range sources {
		sessions, err := src.List(ctx)
		if err != nil {
			report.Failed++
			report.Failures = append(report.Failures, Failure{Source: src.Origin(), Err: err.Error()})
			listFailed[src.Origin()] = true
			logger.Warn().Err(err).Str("source", src.Origin()).Msg("list sessions")
			continue
		}
		seen := listed[src.Origin()]
		if seen == nil {
			seen = make(map[string]struct{}, len(sessions))
			listed[src.Origin()] = seen
		}
		for _, s := range sessions {
			report.Discovered++
			seen[s.ID] = struct{}{}

			if !ix.opts.Force {
				fp, ok, err := ix.repo.Fingerprint(ctx, s.ID)
				if err != nil {
					return nil, fmt.Errorf("fingerprint %s: %w", s.ID, err)
				}
				if ok && fp != "" && fp == s.Fingerprint {
					report.Skipped++
					continue
				}
			}
			jobs = append(jobs, job{src: src, session: s})
		}
	}

	results := make(chan built, ix.opts.Workers)
	go ix.build(ctx, jobs, results)

	// single writer
	for res := range results {
		if ctx.Err() != nil {
			continue // drain; built sessions after cancellation are dropped
		}
		if res.err != nil {
			ix.fail(report, res.job, res.err)
			continue
		}
		// the write in flight when cancellation arrives still completes
		if err := ix.write(context.WithoutCancel(ctx), res.bundle); err != nil {
			ix.fail(report, res.job, err)
			continue
		}
		report.Indexed++
		report.Warnings.Add(res.bundle.Warnings)
		logger.Debug().
			Str("session", res.job.session.ID).
			Int("messages", len(res.bundle.Messages)).
			Int("interactions", len(res.bundle.Interactions)).
			Int("commits", len(res.bundle.Commits)).
			Msg("indexed session")
	}

	report.Canceled = ctx.Err() != nil
	wctx := context.WithoutCancel(ctx)

	if ix.opts.Prune && !report.Canceled {
		for origin, seen := range listed {
			if origin != parse.SourceLocal || listFailed[origin] {
				continue
			}
			n, err := ix.prune(wctx, origin, seen)
			report.Pruned += n
			if err != nil {
				return report, fmt.Errorf("prune: %w", err)
			}
		}
	}

	if ix.opts.Rebuild && !report.Canceled && report.Indexed > 0 {
		if err := ix.repo.RebuildIndex(wctx); err != nil {
			return report, fmt.Errorf("rebuild index: %w", err)
		}
	}

	report.FinishedAt = time.Now()
	if err := ix.repo.RecordRun(wctx, report); err != nil {
		logger.Warn().Err(err).Msg("record index run")
	}
	logger.Info().
		Int("indexed", report.Indexed).
		Int("skipped", report.Skipped).
		Int("failed", report.Failed).
		Int("pruned", report.Pruned).
		Bool("canceled", report.Canceled).
		Msg("index run finished")
	return report, nil
}

// build runs the worker pool and closes out when every job has been handled.
// No new job starts after ctx is canceled.
func (ix *Indexer) build(ctx context.Context, jobs []job, out chan<- built) {
	defer close(out)

	var g errgroup.Group
	g.SetLimit(ix.opts.Workers)
	for _, j := range jobs {
		if ctx.Err() != nil {
			break
		}
		j := j // per-iteration copy (go directive is pre-1.22)
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			b, err := buildJob(ctx, j)
			out <- built{job: j, bundle: b, err: err}
			return nil
		})
	}
	g.Wait()
}

func buildJob(ctx context.Context, j job) (*Bundle, error) {
	rc, err := j.src.Open(ctx, j.session)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	defer rc.Close()

	b, err := BuildSession(rc, j.session)
	if err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	return b, nil
}

func (ix *Indexer) write(ctx context.Context, b *Bundle) error {
	var err error
	for attempt := 0; attempt <= ix.writeRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(ix.retryDelay)
		}
		err = ix.repo.WriteSession(ctx, b)
		if !errors.Is(err, ErrWriteConflict) {
			return err
		}
	}
	return err
}

func (ix *Indexer) fail(r *Report, j job, err error) {
	r.Failed++
	r.Failures = append(r.Failures, Failure{
		Source:    j.src.Origin(),
		SessionID: j.session.ID,
		Path:      j.session.Path,
		Err:       err.Error(),
	})
	log.Warn().Err(err).Str("session", j.session.ID).Str("path", j.session.Path).Msg("index session")
}

func (ix *Indexer) prune(ctx context.Context, source string, seen map[string]struct{}) (int, error) {
	stored, err := ix.repo.SessionIDs(ctx, source)
	if err != nil {
		return 0, err
	}
	pruned := 0
	for id := range stored {
		if _, ok := seen[id]; ok {
			continue
		}
		if err := ix.repo.DeleteSession(ctx, id); err != nil {
			return pruned, err
		}
		pruned++
	}
	return pruned, nil
}

// FailureSummary renders failures one per line.
func (r *Report) FailureSummary() string {
	var b strings.Builder
	for _, f := range r.Failures {
		name := f.SessionID
		if name == "" {
			name = f.Source
		}
		fmt.Fprintf(&b, "  %s: %s\n", name, f.Err)
	}
	return b.String()
}

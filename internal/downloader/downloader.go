// Package downloader implements the orchestrator: the bounded double-queue
// pipeline that turns a book's catalog into a fully populated chapter
// store.
//
// Architecture: a producer enqueues every catalog chapter needing a fetch
// onto Q1 (chan model.CidTask), and the stop sentinels, one per fetch
// worker, are held back until every enqueued chapter has reached a
// terminal outcome, so a late requeue is never stranded behind a sentinel
// already in the queue. N fetch
// workers pull from Q1 and do nothing but fetch: a transport fault
// requeues the task back onto Q1 (retry travels with the task, bounded by
// max_retries); a successful fetch is handed to Q2 as a model.HtmlTask
// carrying the ordered raw pages. On its own sentinel a fetch worker
// forwards a matching sentinel onto Q2 and exits. Exactly one parse/store
// worker drains Q2: it applies the site's content-level gates
// (IsAccessLimited/SkipEmptyChapter) before ever invoking the Parser, then
// parses; a parse failure is a soft fault requeued onto Q1 the same way a
// transport fault is. Every terminal outcome, stored, stored as a
// placeholder, or dropped after exhausting retries, bumps Progress
// exactly once.
package downloader

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/n0vella/novelcask/internal/logging"
	"github.com/n0vella/novelcask/internal/metrics"
	"github.com/n0vella/novelcask/internal/model"
	"github.com/n0vella/novelcask/internal/plugin"
	"github.com/n0vella/novelcask/internal/store"
)

// Config configures a single book's download run. Outbound request pacing
// is not configured here: it lives in the Session's transport chain
// (limiterTransport), shared by every Fetcher call this run makes.
type Config struct {
	Site       plugin.Site
	BookID     string
	Store      *store.Store
	MaxRetries int

	// QueueDepth bounds Q2, the queue of fetched-but-unparsed raw HTML. A
	// small bound is enough to smooth out bursts without letting an
	// unbounded number of in-flight HTTP responses pile up in memory.
	QueueDepth int

	OnProgress func(done, total int)

	// Metrics, if non-nil, receives a Stored/Skipped/Dropped increment for
	// every chapter's terminal outcome and an inflight-books bump for the
	// lifetime of Run.
	Metrics *metrics.Downloader
}

// Downloader runs one book's fetch-parse-store pipeline per Run call.
type Downloader struct {
	cfg Config
}

// New creates a Downloader for cfg.
func New(cfg Config) *Downloader {
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 64
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	return &Downloader{cfg: cfg}
}

// Result summarizes a completed run.
type Result struct {
	Total   int
	Stored  int
	Skipped int
	Dropped int
}

// tally accumulates a Result's counters. Both the N fetch workers (a
// chapter dropped after exhausting transport retries) and the single
// parse/store worker (everything else) write into the same totals
// concurrently, so increments are mutex-guarded.
type tally struct {
	mu sync.Mutex
	r  Result
	m  *metrics.Downloader
}

func newTally(total, alreadyDone int, m *metrics.Downloader) *tally {
	return &tally{r: Result{Total: total, Stored: alreadyDone}, m: m}
}

func (t *tally) addStored() {
	t.mu.Lock()
	t.r.Stored++
	t.mu.Unlock()
	if t.m != nil {
		t.m.Stored()
	}
}

func (t *tally) addSkipped() {
	t.mu.Lock()
	t.r.Skipped++
	t.mu.Unlock()
	if t.m != nil {
		t.m.Skipped()
	}
}

func (t *tally) addDropped() {
	t.mu.Lock()
	t.r.Dropped++
	t.mu.Unlock()
	if t.m != nil {
		t.m.Dropped()
	}
}

func (t *tally) snapshot() Result {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.r
}

// pending tracks how many catalog chapters have not yet reached a
// terminal outcome. Once it reaches zero, exactly one goroutine (guarded
// by once) emits N StopTokens onto Q1 so every fetch worker can exit and,
// in turn, forward its own sentinel onto Q2. This is what makes the Q2->Q1
// requeue back edge safe: a StopToken can never overtake a still-pending
// retry, because it is only emitted once nothing is pending any more.
type pending struct {
	mu      sync.Mutex
	count   int
	once    sync.Once
	workers int
	q1      chan<- model.CidTask
}

func newPending(n, workers int, q1 chan<- model.CidTask) *pending {
	return &pending{count: n, workers: workers, q1: q1}
}

// done marks one chapter as terminally resolved (stored, skipped, or
// dropped). When every chapter has resolved, it emits the stop sentinels.
func (p *pending) done(ctx context.Context) {
	p.mu.Lock()
	p.count--
	empty := p.count == 0
	p.mu.Unlock()

	if empty {
		p.emitStops(ctx)
	}
}

// emitStops sends exactly one StopToken per fetch worker onto Q1. Safe to
// call more than once; only the first call actually sends.
func (p *pending) emitStops(ctx context.Context) {
	p.once.Do(func() {
		for w := 0; w < p.workers; w++ {
			select {
			case p.q1 <- model.CidStop(w):
			case <-ctx.Done():
				return
			}
		}
	})
}

// Run fetches the book's catalog and drives every chapter needing a fetch
// through the fetch -> parse -> store pipeline, honoring ctx cancellation
// cooperatively: in-flight fetches are aborted via ctx, but a chapter
// already handed to the parse/store worker is always persisted (atomic
// upsert) before the run unwinds.
func (d *Downloader) Run(ctx context.Context, info *model.BookInfo) (Result, error) {
	site := d.cfg.Site

	if d.cfg.Metrics != nil {
		d.cfg.Metrics.BookStarted()
		defer d.cfg.Metrics.BookFinished()
	}

	stubs, err := site.Fetcher.FetchCatalog(ctx, d.cfg.BookID)
	if err != nil {
		return Result{}, fmt.Errorf("fetching catalog: %w", err)
	}
	info.Chapters = stubs

	toFetch := make([]model.ChapterStub, 0, len(stubs))
	alreadyDone := 0
	for _, s := range stubs {
		complete, err := d.cfg.Store.ExistsComplete(ctx, s.ChapID)
		if err != nil {
			return Result{}, fmt.Errorf("checking store for %s: %w", s.ChapID, err)
		}
		if complete {
			rec, err := d.cfg.Store.Get(ctx, s.ChapID)
			if err == nil && !site.Client.CheckRefetch(rec) {
				alreadyDone++
				continue
			}
		}
		toFetch = append(toFetch, s)
	}

	progress := NewProgress(len(stubs), d.cfg.OnProgress)
	for i := 0; i < alreadyDone; i++ {
		progress.Bump()
	}

	if len(toFetch) == 0 {
		return Result{Total: len(stubs), Stored: alreadyDone}, nil
	}

	workers := site.Client.Workers()
	if workers < 1 {
		workers = 1
	}

	// Q1 is sized to hold every outstanding task plus the stop sentinels:
	// the parse worker's requeue must never block against a full Q1 while
	// every fetch worker is blocked sending to a full Q2, a cycle that
	// would deadlock the pipeline. Memory backpressure still comes from
	// Q2, which is what holds raw HTML.
	q1 := make(chan model.CidTask, len(toFetch)+workers)
	q2 := make(chan model.HtmlTask, d.cfg.QueueDepth)

	pend := newPending(len(toFetch), workers, q1)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		for _, s := range toFetch {
			select {
			case q1 <- model.NewCidTask(s):
			case <-gctx.Done():
				return nil
			}
		}
		return nil
	})

	result := newTally(len(stubs), alreadyDone, d.cfg.Metrics)

	for w := 0; w < workers; w++ {
		workerID := w
		g.Go(func() error {
			return fetchWorker(gctx, workerID, site, d.cfg.BookID, d.cfg.MaxRetries, q1, q2, pend, progress, result)
		})
	}

	g.Go(func() error {
		return parseStoreWorker(gctx, workers, d.cfg.MaxRetries, site, d.cfg.Store, progress, q1, q2, pend, result)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return Result{}, err
	}

	return result.snapshot(), nil
}

// fetchWorker pulls CidTasks off q1 until it sees its own sentinel. It
// does nothing but fetch: a transport fault requeues the task (bounded by
// maxRetries) or, once exhausted, resolves it as dropped directly (no
// Parser was ever reached, so there is nothing for the parse worker to
// do). A successful fetch is always handed to q2 for the parse worker to
// judge, since only the Parser/Client can tell access-limited and
// intentionally-empty content apart from a true parse failure.
func fetchWorker(ctx context.Context, workerID int, site plugin.Site, bookID string, maxRetries int, q1 chan model.CidTask, q2 chan<- model.HtmlTask, pend *pending, progress *Progress, result *tally) error {
	for {
		select {
		case task, ok := <-q1:
			if !ok {
				return nil
			}
			if task.IsStop() {
				return sendHTML(ctx, q2, model.HtmlStop(workerID))
			}
			if err := handleFetch(ctx, site, bookID, maxRetries, task, q1, q2, pend, progress, result); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func handleFetch(ctx context.Context, site plugin.Site, bookID string, maxRetries int, task model.CidTask, q1 chan<- model.CidTask, q2 chan<- model.HtmlTask, pend *pending, progress *Progress, result *tally) error {
	pages, err := site.Fetcher.FetchChapter(ctx, bookID, task.Stub)
	if err != nil {
		if task.Attempt+1 <= maxRetries {
			logging.Log(ctx).Debug("transport fault, requeueing", "chap_id", task.Stub.ChapID, "attempt", task.Attempt, "err", err)
			select {
			case q1 <- task.Retry():
			case <-ctx.Done():
				return ctx.Err()
			}
			return nil
		}
		logging.Log(ctx).Warn("chapter exhausted fetch retries, dropping", "chap_id", task.Stub.ChapID, "err", err)
		result.addDropped()
		pend.done(ctx)
		progress.Bump()
		return nil
	}

	return sendHTML(ctx, q2, model.NewHtmlTask(task.Stub, pages, task.Attempt))
}

func sendHTML(ctx context.Context, q2 chan<- model.HtmlTask, t model.HtmlTask) error {
	select {
	case q2 <- t:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

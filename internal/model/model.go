// Package model holds the data types shared across the pipeline: the
// caller-facing request/response shapes and the internal task types that
// flow through the downloader's queues.
package model

import "fmt"

// BookRequest is what a caller submits to start a download.
type BookRequest struct {
	Site       string `json:"site" yaml:"site"`
	BookID     string `json:"book_id" yaml:"book_id"`
	OutDir     string `json:"out_dir" yaml:"out_dir"`
	MaxRetries int    `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
	Cookie     string `json:"cookie,omitempty" yaml:"cookie,omitempty"`
}

// BookInfo is the catalog metadata for a book, persisted as the
// book_info.json sidecar next to its chapter store.
type BookInfo struct {
	Site        string         `json:"site"`
	BookID      string         `json:"book_id"`
	Title       string         `json:"title"`
	Author      string         `json:"author"`
	CoverURL    string         `json:"cover_url,omitempty"`
	Summary     string         `json:"summary,omitempty"`
	Chapters    []ChapterStub  `json:"chapters"`
	Extra       map[string]any `json:"extra,omitempty"`
	FetchedAtMs int64          `json:"fetched_at_ms"`
}

// ChapterStub is one catalog entry: a chapter's ordinal position, ID, and
// title as listed by a book's table of contents, before its content has
// been fetched.
type ChapterStub struct {
	Index   int    `json:"index"`
	ChapID  string `json:"chap_id"`
	Title   string `json:"title"`
	VolName string `json:"vol_name,omitempty"`
}

// ChapterRecord is a fully fetched and parsed chapter, as persisted in the
// chapter store.
type ChapterRecord struct {
	ChapID       string         `json:"chap_id"`
	Index        int            `json:"index"`
	Title        string         `json:"title"`
	Content      string         `json:"content"`
	NeedRefetch  bool           `json:"need_refetch"`
	Extra        map[string]any `json:"extra,omitempty"`
	FetchedAtMs  int64          `json:"fetched_at_ms"`
}

// CidTask is a unit of work on the first queue: "go fetch this chapter ID,"
// or a typed stop sentinel signaling that a producer has no more values to
// send. The sentinel is a tagged variant of the task itself (never a reused
// zero value), so it can't be mistaken for real work; it carries a small
// integer tag purely for diagnostics. IsStop reports which variant a
// dequeued task is.
type CidTask struct {
	Stub    ChapterStub
	Attempt int
	stop    bool
}

// NewCidTask builds a normal (non-sentinel) CidTask at attempt 0.
func NewCidTask(stub ChapterStub) CidTask {
	return CidTask{Stub: stub, Attempt: 0}
}

// Retry builds the CidTask to requeue after a failed attempt: same chapter,
// attempt incremented by one. The retry counter travels with the task, not
// the worker, so it stays correct across a Q2->Q1 requeue handled by a
// different goroutine than the one that made the original attempt.
func (t CidTask) Retry() CidTask {
	return CidTask{Stub: t.Stub, Attempt: t.Attempt + 1}
}

// CidStop builds a sentinel CidTask tagged with workerID, an index in
// [0, N) chosen by whoever emits the N sentinels; the fetch worker that
// dequeues it need not be the one with that index.
func CidStop(workerID int) CidTask {
	return CidTask{stop: true, Attempt: workerID}
}

// IsStop reports whether this task is a sentinel rather than real work.
func (t CidTask) IsStop() bool { return t.stop }

// WorkerID returns the index a sentinel was built with. Calling it on a
// non-sentinel task is a programming error.
func (t CidTask) WorkerID() int {
	if !t.stop {
		panic("model: WorkerID called on non-sentinel CidTask")
	}
	return t.Attempt
}

// HtmlTask is a unit of work on the second queue: a completed raw fetch
// ready for parsing. HtmlPages is always an ordered, non-empty list, even
// for single-page chapters (a one-element list); parsers rely on that
// ordering to join paginated bodies correctly.
type HtmlTask struct {
	Stub      ChapterStub
	HtmlPages []string
	Attempt   int
	stop      bool
}

// NewHtmlTask builds a normal (non-sentinel) HtmlTask carrying the ordered
// raw pages a Fetcher returned for stub.
func NewHtmlTask(stub ChapterStub, htmlPages []string, attempt int) HtmlTask {
	return HtmlTask{Stub: stub, HtmlPages: htmlPages, Attempt: attempt}
}

// HtmlStop builds a sentinel HtmlTask, one per fetch worker that has
// exited, so the parse/store worker can count down to zero and stop
// itself.
func HtmlStop(workerID int) HtmlTask {
	return HtmlTask{stop: true, Attempt: workerID}
}

// IsStop reports whether this task is a sentinel rather than real work.
func (t HtmlTask) IsStop() bool { return t.stop }

// String implements fmt.Stringer for log lines.
func (t CidTask) String() string {
	if t.stop {
		return fmt.Sprintf("CidTask(stop from worker %d)", t.Attempt)
	}
	return fmt.Sprintf("CidTask(%s attempt=%d)", t.Stub.ChapID, t.Attempt)
}

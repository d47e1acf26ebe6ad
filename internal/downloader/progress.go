package downloader

import "sync"

// Progress tracks {done,total} and invokes hook exactly once per catalog
// chapter terminal outcome (stored, skipped-empty, or dropped after
// exhausting retries). Bump is called both from fetch workers (a chapter
// dropped after exhausting transport retries never reaches the parse
// stage) and from the parse/store worker; hook is invoked while still
// holding the lock so it is always called from one goroutine at a time and
// never needs its own synchronization, regardless of how many goroutines
// call Bump.
type Progress struct {
	mu    sync.Mutex
	done  int
	total int
	hook  func(done, total int)
}

// NewProgress creates a Progress tracker for total chapters, invoking hook
// (if non-nil) on every bump.
func NewProgress(total int, hook func(done, total int)) *Progress {
	return &Progress{total: total, hook: hook}
}

// Bump records one more terminal outcome and invokes the hook.
func (p *Progress) Bump() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.done++
	if p.hook != nil {
		p.hook(p.done, p.total)
	}
}

// Snapshot returns the current {done,total}.
func (p *Progress) Snapshot() (done, total int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.done, p.total
}

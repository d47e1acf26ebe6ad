package downloader

import (
	"context"
	"time"

	"github.com/n0vella/novelcask/internal/logging"
	"github.com/n0vella/novelcask/internal/model"
	"github.com/n0vella/novelcask/internal/plugin"
	"github.com/n0vella/novelcask/internal/store"
)

// parseStoreWorker is the single consumer of q2, and the only goroutine
// that ever writes to the chapter store. For every real HtmlTask it
// applies the site's content-level gates before ever invoking the Parser:
// IsAccessLimited takes priority (a VIP/encryption wall is a terminal
// outcome regardless of what the body would otherwise parse to), then
// SkipEmptyChapter (an intentionally blank page, not a parse failure).
// Anything else goes to Parser.ParseChapter; a parse failure is a soft
// fault requeued onto q1 exactly like a fetch worker's transport fault,
// bounded by the same maxRetries and carrying the same Attempt counter.
// It persists every stored outcome and bumps progress exactly once per
// terminal outcome (requeues are not terminal and do not bump), and
// counts stop sentinels, one per fetch worker, exiting once every
// worker has reported in.
func parseStoreWorker(ctx context.Context, numWorkers, maxRetries int, site plugin.Site, st *store.Store, progress *Progress, q1 chan<- model.CidTask, q2 <-chan model.HtmlTask, pend *pending, result *tally) error {
	stopsSeen := 0

	for stopsSeen < numWorkers {
		select {
		case task := <-q2:
			if task.IsStop() {
				stopsSeen++
				continue
			}
			terminal, err := handleParse(ctx, site, maxRetries, st, task, q1, result)
			if err != nil {
				return err
			}
			if terminal {
				pend.done(ctx)
				progress.Bump()
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// handleParse judges one fetched chapter and reports whether it reached a
// terminal outcome (stored/skipped/dropped) as opposed to being requeued
// back onto q1 for another attempt. It returns an error only on
// cancellation.
func handleParse(ctx context.Context, site plugin.Site, maxRetries int, st *store.Store, task model.HtmlTask, q1 chan<- model.CidTask, result *tally) (terminal bool, err error) {
	stub := task.Stub

	if site.Client.IsAccessLimited(task.HtmlPages) {
		logging.Log(ctx).Debug("chapter access limited, storing placeholder", "chap_id", stub.ChapID)
		rec := model.ChapterRecord{
			ChapID:      stub.ChapID,
			Index:       stub.Index,
			NeedRefetch: true,
			FetchedAtMs: nowMs(),
		}
		storeOutcome(ctx, st, rec, result, false)
		return true, nil
	}

	if site.Client.SkipEmptyChapter(task.HtmlPages) {
		rec := model.ChapterRecord{
			ChapID:      stub.ChapID,
			Index:       stub.Index,
			NeedRefetch: false,
			FetchedAtMs: nowMs(),
		}
		storeOutcome(ctx, st, rec, result, true)
		return true, nil
	}

	rec, perr := site.Parser.ParseChapter(stub, task.HtmlPages)
	if perr != nil {
		if task.Attempt+1 <= maxRetries {
			logging.Log(ctx).Debug("parse fault, requeueing", "chap_id", stub.ChapID, "attempt", task.Attempt, "err", perr)
			select {
			case q1 <- model.CidTask{Stub: stub, Attempt: task.Attempt + 1}:
			case <-ctx.Done():
				return false, ctx.Err()
			}
			return false, nil
		}
		logging.Log(ctx).Warn("chapter exhausted parse retries, dropping", "chap_id", stub.ChapID, "err", perr)
		result.addDropped()
		return true, nil
	}

	rec.NeedRefetch = site.Client.CheckRefetch(rec)
	rec.FetchedAtMs = nowMs()
	if err := st.Upsert(context.WithoutCancel(ctx), rec); err != nil {
		logging.Log(ctx).Error("failed to store chapter", "chap_id", stub.ChapID, "err", err)
		result.addDropped()
	} else {
		result.addStored()
	}
	return true, nil
}

// storeOutcome upserts a placeholder record (access-limited or
// intentionally-empty) and tallies it as skipped or stored depending on
// asSkipped; a failed upsert is tallied as dropped either way, since the
// run made no durable progress on that chapter.
func storeOutcome(ctx context.Context, st *store.Store, rec model.ChapterRecord, result *tally, asSkipped bool) {
	if err := st.Upsert(context.WithoutCancel(ctx), rec); err != nil {
		logging.Log(ctx).Error("failed to store placeholder chapter", "chap_id", rec.ChapID, "err", err)
		result.addDropped()
		return
	}
	if asSkipped {
		result.addSkipped()
	} else {
		result.addStored()
	}
}

func nowMs() int64 {
	return time.Now().UnixMilli()
}

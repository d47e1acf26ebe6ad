// Package store implements the durable per-book Chapter Store: one sqlite
// file per (site, book_id), holding every fetched chapter plus enough
// catalog metadata to support a restartable ordered iteration. Writes go
// through INSERT OR REPLACE: sqlite performs the delete+reinsert
// atomically, and this schema has no foreign keys or AUTOINCREMENT
// columns for the reinsert to invalidate.
package store

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"io"

	"github.com/bytedance/sonic"
	kpgzip "github.com/klauspost/compress/gzip"
	_ "github.com/mattn/go-sqlite3"

	"github.com/n0vella/novelcask/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS chapters (
	chap_id      TEXT PRIMARY KEY,
	idx          INTEGER NOT NULL,
	title        TEXT NOT NULL,
	content      BLOB NOT NULL,
	need_refetch INTEGER NOT NULL DEFAULT 0,
	extra        TEXT,
	fetched_at_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS chapters_idx ON chapters(idx);
`

// Store is a single book's durable chapter storage.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the sqlite file at path and ensures
// its schema exists.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying sqlite handle.
func (s *Store) Close() error { return s.db.Close() }

// Upsert atomically writes rec, replacing any prior row with the same
// chap_id. A single statement performs the whole write so a crash can
// never leave a half-written chapter behind.
func (s *Store) Upsert(ctx context.Context, rec model.ChapterRecord) error {
	compressed, err := compress(rec.Content)
	if err != nil {
		return fmt.Errorf("compressing chapter %s: %w", rec.ChapID, err)
	}

	var extraJSON []byte
	if len(rec.Extra) > 0 {
		extraJSON, err = sonic.Marshal(rec.Extra)
		if err != nil {
			return fmt.Errorf("marshaling extra for %s: %w", rec.ChapID, err)
		}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO chapters (chap_id, idx, title, content, need_refetch, extra, fetched_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ChapID, rec.Index, rec.Title, compressed, boolToInt(rec.NeedRefetch), nullableText(extraJSON), rec.FetchedAtMs,
	)
	if err != nil {
		return fmt.Errorf("upserting chapter %s: %w", rec.ChapID, err)
	}
	return nil
}

// ExistsComplete reports whether chapID is stored and does not need a
// refetch.
func (s *Store) ExistsComplete(ctx context.Context, chapID string) (bool, error) {
	var needRefetch int
	err := s.db.QueryRowContext(ctx, `SELECT need_refetch FROM chapters WHERE chap_id = ?`, chapID).Scan(&needRefetch)
	switch {
	case err == sql.ErrNoRows:
		return false, nil
	case err != nil:
		return false, err
	default:
		return needRefetch == 0, nil
	}
}

// Get returns the chapter with the given ID, or sql.ErrNoRows if absent.
func (s *Store) Get(ctx context.Context, chapID string) (model.ChapterRecord, error) {
	var rec model.ChapterRecord
	var compressed []byte
	var needRefetch int
	var extraJSON sql.NullString

	err := s.db.QueryRowContext(ctx, `
		SELECT chap_id, idx, title, content, need_refetch, extra, fetched_at_ms
		FROM chapters WHERE chap_id = ?`, chapID,
	).Scan(&rec.ChapID, &rec.Index, &rec.Title, &compressed, &needRefetch, &extraJSON, &rec.FetchedAtMs)
	if err != nil {
		return model.ChapterRecord{}, err
	}

	content, err := decompress(compressed)
	if err != nil {
		return model.ChapterRecord{}, fmt.Errorf("decompressing chapter %s: %w", chapID, err)
	}
	rec.Content = content
	rec.NeedRefetch = needRefetch != 0

	if extraJSON.Valid && extraJSON.String != "" {
		if err := sonic.Unmarshal([]byte(extraJSON.String), &rec.Extra); err != nil {
			return model.ChapterRecord{}, fmt.Errorf("unmarshaling extra for %s: %w", chapID, err)
		}
	}
	return rec, nil
}

// IterOrdered streams every stored chapter in catalog order, so a
// restarted process can resume a partially written book without redoing
// work. The returned function is a single-use, forward-only iterator; the
// caller must call stop when done.
func (s *Store) IterOrdered(ctx context.Context) (next func() (model.ChapterRecord, bool, error), stop func()) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT chap_id, idx, title, content, need_refetch, extra, fetched_at_ms
		FROM chapters ORDER BY idx ASC`)
	if err != nil {
		return func() (model.ChapterRecord, bool, error) { return model.ChapterRecord{}, false, err }, func() {}
	}

	next = func() (model.ChapterRecord, bool, error) {
		if !rows.Next() {
			return model.ChapterRecord{}, false, rows.Err()
		}
		var rec model.ChapterRecord
		var compressed []byte
		var needRefetch int
		var extraJSON sql.NullString

		if err := rows.Scan(&rec.ChapID, &rec.Index, &rec.Title, &compressed, &needRefetch, &extraJSON, &rec.FetchedAtMs); err != nil {
			return model.ChapterRecord{}, false, err
		}
		content, err := decompress(compressed)
		if err != nil {
			return model.ChapterRecord{}, false, err
		}
		rec.Content = content
		rec.NeedRefetch = needRefetch != 0
		if extraJSON.Valid && extraJSON.String != "" {
			if err := sonic.Unmarshal([]byte(extraJSON.String), &rec.Extra); err != nil {
				return model.ChapterRecord{}, false, err
			}
		}
		return rec, true, nil
	}
	stop = func() { _ = rows.Close() }
	return next, stop
}

func compress(s string) ([]byte, error) {
	var buf bytes.Buffer
	w, err := kpgzip.NewWriterLevel(&buf, kpgzip.BestSpeed)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write([]byte(s)); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompress(b []byte) (string, error) {
	if len(b) == 0 {
		return "", nil
	}
	r, err := kpgzip.NewReader(bytes.NewReader(b))
	if err != nil {
		return "", err
	}
	defer func() { _ = r.Close() }()
	out, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableText(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

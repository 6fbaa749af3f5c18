package downloadlib

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Record is one durable queue entry, keyed by DstPath (spec §4.1:
// "DownloadStore — durable queue keyed by destination path").
type Record struct {
	DstPath   string
	URL       string
	Protocol  string // "http", "https", "ftp", "sftp"
	Size      int64  // expected total size, 0 if unknown
	Received  int64  // bytes already written to TmpPath
	State     string // "pending", "active", "done", "error"
	LastError string
	// TmpPath is where bytes actually land while a transfer is in flight.
	// The downloader renames TmpPath to DstPath only once the transfer
	// completes (spec §4.2: "downloads to tmp; on completion renames tmp
	// → dst atomically"), so DstPath's mere existence is always proof of
	// a complete download.
	TmpPath   string
	UpdatedAt time.Time
}

const (
	StatePending = "pending"
	StateActive  = "active"
	StateDone    = "done"
	StateError   = "error"
)

// Store is a single-writer, ACID-backed durable download queue. One Store
// value owns one sqlite file; WAL mode plus sqlite's own file locking give
// the single-writer semantics the spec calls for without any additional
// coordination in Go.
type Store struct {
	db *sql.DB
}

// Open opens (creating if absent) the sqlite-backed store at path, reaps
// stale "active" rows whose UpdatedAt is older than 24h back to "pending"
// per spec §4.2 ("the store reclaims a row left 'active' by a crashed
// downloader"), and returns the ready Store.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("downloadlib: open store: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("downloadlib: migrate store: %w", err)
	}

	s := &Store{db: db}
	if err := s.reapStale(24 * time.Hour); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

const schemaSQL = `
CREATE TABLE IF NOT EXISTS downloads (
	dst_path   TEXT PRIMARY KEY,
	url        TEXT NOT NULL,
	protocol   TEXT NOT NULL,
	size       INTEGER NOT NULL DEFAULT 0,
	received   INTEGER NOT NULL DEFAULT 0,
	state      TEXT NOT NULL DEFAULT 'pending',
	last_error TEXT NOT NULL DEFAULT '',
	tmp_path   TEXT NOT NULL DEFAULT '',
	updated_at INTEGER NOT NULL
);
`

// Enqueue inserts a new pending row, or is a no-op if dstPath is already
// tracked (the caller resumes the existing row instead of double-queuing).
// TmpPath defaults to dstPath+".download" when not already set.
func (s *Store) Enqueue(dstPath, url, protocol string, size int64) error {
	_, err := s.db.Exec(
		`INSERT INTO downloads (dst_path, url, protocol, size, state, tmp_path, updated_at)
		 VALUES (?, ?, ?, ?, 'pending', ?, ?)
		 ON CONFLICT(dst_path) DO NOTHING`,
		dstPath, url, protocol, size, dstPath+".download", time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("downloadlib: enqueue %s: %w", dstPath, err)
	}
	return nil
}

// Acquire atomically claims one pending row and marks it active, returning
// sql.ErrNoRows if none are pending. The SELECT and the UPDATE run inside
// one transaction, so the claim is atomic.
func (s *Store) Acquire() (*Record, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	row := tx.QueryRow(`SELECT dst_path, url, protocol, size, received, state, last_error, tmp_path, updated_at
		FROM downloads WHERE state = 'pending' ORDER BY updated_at ASC LIMIT 1`)
	rec, err := scanRecord(row)
	if err != nil {
		return nil, err
	}

	if _, err := tx.Exec(`UPDATE downloads SET state='active', updated_at=? WHERE dst_path=?`,
		time.Now().Unix(), rec.DstPath); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	rec.State = StateActive
	return rec, nil
}

// Release clears a row's "active" claim back to "pending" without recording
// an error, for a caller that acquired dst but decided not to transfer it
// (spec §4.1's symmetric acquire/release pair). MarkError covers the
// failed-transfer case; Release covers the caller-abandoned-it case.
func (s *Store) Release(dstPath string) error {
	_, err := s.db.Exec(`UPDATE downloads SET state='pending', updated_at=? WHERE dst_path=? AND state='active'`,
		time.Now().Unix(), dstPath)
	return err
}

// UpdateProgress persists bytes already written for dstPath, so a crash
// mid-download resumes from the last checkpoint instead of byte zero.
func (s *Store) UpdateProgress(dstPath string, received int64) error {
	_, err := s.db.Exec(`UPDATE downloads SET received=?, updated_at=? WHERE dst_path=?`,
		received, time.Now().Unix(), dstPath)
	return err
}

// MarkDone marks a row complete.
func (s *Store) MarkDone(dstPath string) error {
	_, err := s.db.Exec(`UPDATE downloads SET state='done', updated_at=? WHERE dst_path=?`,
		time.Now().Unix(), dstPath)
	return err
}

// MarkError records a retryable failure and returns the row to pending so
// a later Acquire can retry it.
func (s *Store) MarkError(dstPath string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	_, err := s.db.Exec(`UPDATE downloads SET state='pending', last_error=?, updated_at=? WHERE dst_path=?`,
		msg, time.Now().Unix(), dstPath)
	return err
}

// Forget removes dstPath from the store entirely (e.g. after a consumer
// has moved the finished file out of staging).
func (s *Store) Forget(dstPath string) error {
	_, err := s.db.Exec(`DELETE FROM downloads WHERE dst_path=?`, dstPath)
	return err
}

// Get returns the current row for dstPath, or sql.ErrNoRows.
func (s *Store) Get(dstPath string) (*Record, error) {
	row := s.db.QueryRow(`SELECT dst_path, url, protocol, size, received, state, last_error, tmp_path, updated_at
		FROM downloads WHERE dst_path=?`, dstPath)
	return scanRecord(row)
}

// AllPending lists every row that is neither done nor claimed "active",
// oldest first — used by the downloader daemon to repopulate its work queue
// on startup.
func (s *Store) AllPending() ([]*Record, error) {
	rows, err := s.db.Query(`SELECT dst_path, url, protocol, size, received, state, last_error, tmp_path, updated_at
		FROM downloads WHERE state != 'done' AND state != 'active' ORDER BY updated_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		rec := &Record{}
		var updatedAt int64
		if err := rows.Scan(&rec.DstPath, &rec.URL, &rec.Protocol, &rec.Size, &rec.Received,
			&rec.State, &rec.LastError, &rec.TmpPath, &updatedAt); err != nil {
			return nil, err
		}
		rec.UpdatedAt = time.Unix(updatedAt, 0)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// reapStale returns rows stuck in "active" for longer than after back to
// "pending" — the downloader daemon that held them is presumed dead.
func (s *Store) reapStale(after time.Duration) error {
	cutoff := time.Now().Add(-after).Unix()
	_, err := s.db.Exec(`UPDATE downloads SET state='pending' WHERE state='active' AND updated_at < ?`, cutoff)
	return err
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row scanner) (*Record, error) {
	rec := &Record{}
	var updatedAt int64
	err := row.Scan(&rec.DstPath, &rec.URL, &rec.Protocol, &rec.Size, &rec.Received,
		&rec.State, &rec.LastError, &rec.TmpPath, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	rec.UpdatedAt = time.Unix(updatedAt, 0)
	return rec, nil
}

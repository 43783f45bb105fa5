// Copyright 2025 Raamsri Kumar <raam@tinkershack.in>
// Copyright 2025 The StrataSTOR Authors and Contributors
// SPDX-License-Identifier: Apache-2.0

// Package journal keeps a node-local history of case-file transitions in
// SQLite so operators can see what zfsd did after the case files are gone.
package journal

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/stratastor/logger"
	"github.com/stratastor/zfsd/pkg/errors"
	"github.com/stratastor/zfsd/pkg/zfsd"
	_ "modernc.org/sqlite"
)

// GUIDs are stored as decimal text; they use the full uint64 range.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS case_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		case_id TEXT NOT NULL,
		pool_guid TEXT NOT NULL,
		vdev_guid TEXT NOT NULL,
		action TEXT NOT NULL,
		detail TEXT,
		recorded_at INTEGER NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_case_events_case ON case_events(case_id);`,
	`CREATE INDEX IF NOT EXISTS idx_case_events_time ON case_events(recorded_at);`,
}

// Store implements zfsd.Journal.
type Store struct {
	db     *sql.DB
	logger logger.Logger
}

var _ zfsd.Journal = (*Store)(nil)

// Open creates the database file and its directory if needed.
func Open(path string, l logger.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, errors.JournalOpenFailed).
			WithMetadata("path", path)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, errors.JournalOpenFailed).
			WithMetadata("path", path)
	}
	// One writer; the daemon loop is single threaded anyway.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		db.Close()
		return nil, errors.Wrap(err, errors.JournalOpenFailed).
			WithMetadata("path", path)
	}

	s := &Store{db: db, logger: l}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return errors.Wrap(err, errors.JournalOpenFailed)
		}
	}
	return nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Record appends one transition.
func (s *Store) Record(ctx context.Context, e zfsd.JournalEntry) error {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO case_events (case_id, pool_guid, vdev_guid, action, detail, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		e.CaseID,
		strconv.FormatUint(uint64(e.PoolGUID), 10),
		strconv.FormatUint(uint64(e.VdevGUID), 10),
		e.Action,
		e.Detail,
		e.Time.UnixNano(),
	)
	if err != nil {
		return errors.Wrap(err, errors.JournalWriteFailed).
			WithMetadata("case", e.CaseID).
			WithMetadata("action", e.Action)
	}
	s.logger.Debug("journaled case transition",
		"case", e.CaseID,
		"action", e.Action)
	return nil
}

// Filter narrows List. Zero values match everything.
type Filter struct {
	PoolGUID zfsd.Guid
	VdevGUID zfsd.Guid
	Since    time.Time
	Limit    int
}

// List returns matching entries, newest first.
func (s *Store) List(ctx context.Context, f Filter) ([]zfsd.JournalEntry, error) {
	query := `SELECT case_id, pool_guid, vdev_guid, action, detail, recorded_at
		FROM case_events WHERE 1=1`
	var args []any
	if f.PoolGUID.IsValid() {
		query += ` AND pool_guid = ?`
		args = append(args, strconv.FormatUint(uint64(f.PoolGUID), 10))
	}
	if f.VdevGUID.IsValid() {
		query += ` AND vdev_guid = ?`
		args = append(args, strconv.FormatUint(uint64(f.VdevGUID), 10))
	}
	if !f.Since.IsZero() {
		query += ` AND recorded_at >= ?`
		args = append(args, f.Since.UnixNano())
	}
	query += ` ORDER BY recorded_at DESC, id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.JournalQueryFailed)
	}
	defer rows.Close()

	var entries []zfsd.JournalEntry
	for rows.Next() {
		var (
			e          zfsd.JournalEntry
			pool, vdev string
			detail     sql.NullString
			at         int64
		)
		if err := rows.Scan(&e.CaseID, &pool, &vdev, &e.Action, &detail, &at); err != nil {
			return nil, errors.Wrap(err, errors.JournalQueryFailed)
		}
		e.PoolGUID = zfsd.ParseGuid(pool)
		e.VdevGUID = zfsd.ParseGuid(vdev)
		e.Detail = detail.String
		e.Time = time.Unix(0, at)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.JournalQueryFailed)
	}
	return entries, nil
}

// Prune deletes entries recorded before cutoff and reports how many went.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM case_events WHERE recorded_at < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, errors.Wrap(err, errors.JournalWriteFailed)
	}
	return res.RowsAffected()
}

// Package index maintains the SQLite secondary index over mailbox contents.
//
// The index is a queryable projection used for message queries, metrics and
// sender rate windowing. It is never the source of truth: the mailbox
// directories are, and Rebuild restores the index from them.
package index

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cockroachdb/errors"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	sqlite "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Message statuses recorded in the index. New, Cur and Failed mirror the
// mailbox subdirectory holding the envelope; Delivered marks envelopes
// handed to an external adapter.
const (
	StatusNew       = "new"
	StatusCur       = "cur"
	StatusFailed    = "failed"
	StatusDelivered = "delivered"
)

//go:embed migrations
var dbMigrations embed.FS

// Entry is one index row: a single envelope write to a single endpoint.
type Entry struct {
	ID           string
	Subject      string
	Sender       string
	EndpointHash string
	Status       string
	CreatedAt    time.Time
	TTL          int64
}

// Query filters index rows. Zero-valued fields are ignored. Cursor is an
// opaque value from a previous page.
type Query struct {
	Subject      string
	Status       string
	Sender       string
	EndpointHash string
	Cursor       string
	Limit        int
}

// Metrics summarizes the index contents.
type Metrics struct {
	TotalMessages int64
	ByStatus      map[string]int64
	BySubject     []SubjectCount
}

// SubjectCount is one entry of the top-subjects leaderboard.
type SubjectCount struct {
	Subject string
	Count   int64
}

const topSubjects = 10

// Store is the SQLite-backed index. Writes are serialized through a single
// writer mutex; readers go straight to the WAL-mode database.
type Store struct {
	db *sql.DB

	writeMu sync.Mutex

	log zerolog.Logger
}

// Open opens (creating if needed) the index database and runs schema
// migrations.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?cache=shared&_journal=wal&_busy_timeout=5000", path))
	if err != nil {
		return nil, errors.Wrap(err, "open index database")
	}
	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "migrate index database")
	}
	return &Store{
		db:  db,
		log: log.With().Str("component", "index").Logger(),
	}, nil
}

func runMigrations(db *sql.DB) error {
	src, err := iofs.New(dbMigrations, "migrations")
	if err != nil {
		return errors.Wrap(err, "read migrations")
	}
	instance, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return errors.Wrap(err, "initialize migration instance")
	}
	m, err := migrate.NewWithInstance("iofs", src, "relay", instance)
	if err != nil {
		return errors.Wrap(err, "setup migrate instance")
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

// Close checkpoints the WAL and closes the database.
func (s *Store) Close() error {
	_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return errors.Wrap(s.db.Close(), "close index database")
}

// exec runs a write statement under the writer mutex, retrying briefly on
// SQLITE_BUSY.
func (s *Store) exec(ctx context.Context, query string, args ...any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 5 * time.Millisecond
	b.MaxInterval = 100 * time.Millisecond
	b.MaxElapsedTime = 2 * time.Second

	return backoff.Retry(func() error {
		_, err := s.db.ExecContext(ctx, query, args...)
		var sqliteErr sqlite.Error
		if errors.As(err, &sqliteErr) && (sqliteErr.Code == sqlite.ErrBusy || sqliteErr.Code == sqlite.ErrLocked) {
			return err
		} else if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}, backoff.WithContext(b, ctx))
}

// Insert records an envelope write. Idempotent: re-inserting an existing
// (id, endpoint) pair is a no-op.
func (s *Store) Insert(ctx context.Context, e Entry) error {
	err := s.exec(ctx, `
		INSERT INTO messages (id, subject, sender, endpoint_hash, status, created_at, ttl)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id, endpoint_hash) DO NOTHING
	`, e.ID, e.Subject, e.Sender, e.EndpointHash, e.Status, e.CreatedAt.UnixMilli(), e.TTL)
	return errors.Wrap(err, "insert message")
}

// UpdateStatus sets the status of one (id, endpoint) row.
func (s *Store) UpdateStatus(ctx context.Context, id, endpointHash, status string) error {
	err := s.exec(ctx, `
		UPDATE messages SET status = ? WHERE id = ? AND endpoint_hash = ?
	`, status, id, endpointHash)
	return errors.Wrap(err, "update message status")
}

// UpdateStatusAll sets the status of every row for an id, across endpoints.
func (s *Store) UpdateStatusAll(ctx context.Context, id, status string) error {
	err := s.exec(ctx, `UPDATE messages SET status = ? WHERE id = ?`, status, id)
	return errors.Wrap(err, "update message status")
}

const entryColumns = "id, subject, sender, endpoint_hash, status, created_at, ttl"

func scanEntry(row interface{ Scan(...any) error }) (Entry, error) {
	var e Entry
	var createdMs int64
	err := row.Scan(&e.ID, &e.Subject, &e.Sender, &e.EndpointHash, &e.Status, &createdMs, &e.TTL)
	if err != nil {
		return Entry{}, err
	}
	e.CreatedAt = time.UnixMilli(createdMs).UTC()
	return e, nil
}

// Get returns the index rows for a message id, one per endpoint it was
// written to.
func (s *Store) Get(ctx context.Context, id string) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+entryColumns+` FROM messages WHERE id = ? ORDER BY endpoint_hash
	`, id)
	if err != nil {
		return nil, errors.Wrap(err, "query message")
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan message")
		}
		out = append(out, e)
	}
	return out, errors.Wrap(rows.Err(), "iterate messages")
}

// List returns a page of index rows matching the query, newest id first,
// plus an opaque cursor for the next page ("" when exhausted).
func (s *Store) List(ctx context.Context, q Query) ([]Entry, string, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}

	where := "1=1"
	var args []any
	add := func(clause string, val any) {
		args = append(args, val)
		where += " AND " + clause + " = $" + strconv.Itoa(len(args))
	}
	if q.Subject != "" {
		add("subject", q.Subject)
	}
	if q.Status != "" {
		add("status", q.Status)
	}
	if q.Sender != "" {
		add("sender", q.Sender)
	}
	if q.EndpointHash != "" {
		add("endpoint_hash", q.EndpointHash)
	}
	if q.Cursor != "" {
		args = append(args, q.Cursor)
		where += " AND id < $" + strconv.Itoa(len(args))
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+entryColumns+`
		FROM messages
		WHERE `+where+`
		ORDER BY id DESC, endpoint_hash
		LIMIT `+strconv.Itoa(limit+1),
		args...)
	if err != nil {
		return nil, "", errors.Wrap(err, "query messages")
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, "", errors.Wrap(err, "scan message")
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, "", errors.Wrap(err, "iterate messages")
	}

	next := ""
	if len(out) > limit {
		out = out[:limit]
		next = out[len(out)-1].ID
	}
	return out, next, nil
}

// CountSenderSince reports how many messages the sender has published since
// the given instant. Used by the rate limiter.
func (s *Store) CountSenderSince(ctx context.Context, sender string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(DISTINCT id) FROM messages WHERE sender = ? AND created_at >= ?
	`, sender, since.UnixMilli()).Scan(&n)
	return n, errors.Wrap(err, "count sender messages")
}

// GetMetrics summarizes the index: total rows, rows per status, and the
// most published-to subjects.
func (s *Store) GetMetrics(ctx context.Context) (Metrics, error) {
	m := Metrics{ByStatus: make(map[string]int64)}

	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages`).Scan(&m.TotalMessages)
	if err != nil {
		return m, errors.Wrap(err, "count messages")
	}

	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM messages GROUP BY status`)
	if err != nil {
		return m, errors.Wrap(err, "count by status")
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return m, errors.Wrap(err, "scan status count")
		}
		m.ByStatus[status] = n
	}
	if err := rows.Err(); err != nil {
		return m, errors.Wrap(err, "iterate status counts")
	}

	subjRows, err := s.db.QueryContext(ctx, `
		SELECT subject, COUNT(*) AS n FROM messages
		GROUP BY subject ORDER BY n DESC, subject LIMIT `+strconv.Itoa(topSubjects))
	if err != nil {
		return m, errors.Wrap(err, "count by subject")
	}
	defer subjRows.Close()
	for subjRows.Next() {
		var sc SubjectCount
		if err := subjRows.Scan(&sc.Subject, &sc.Count); err != nil {
			return m, errors.Wrap(err, "scan subject count")
		}
		m.BySubject = append(m.BySubject, sc)
	}
	return m, errors.Wrap(subjRows.Err(), "iterate subject counts")
}

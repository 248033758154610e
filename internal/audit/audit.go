// Package audit persists pipeline events to SQLite. Writes happen on a
// background goroutine; callers never wait for the database.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"go-mirror/internal/model"
)

var (
	// ErrClosed is returned by Flush once Close has been called.
	ErrClosed   = errors.New("audit: log is closed")
	// ErrDisabled is returned by readers when no audit database is configured.
	ErrDisabled = errors.New("audit: log is disabled")
)

const (
	bufferSize = 1024
	batchSize  = 128
)

const schemaSQL = `CREATE TABLE IF NOT EXISTS processing_log (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    timestamp TEXT NOT NULL,
    stage TEXT NOT NULL,
    level TEXT NOT NULL,
    message TEXT NOT NULL,
    url TEXT,
    job_id TEXT,
    details TEXT
);

CREATE INDEX IF NOT EXISTS idx_processing_log_url ON processing_log(url);
CREATE INDEX IF NOT EXISTS idx_processing_log_job ON processing_log(job_id);

CREATE TABLE IF NOT EXISTS url_status (
    url TEXT PRIMARY KEY,
    stage TEXT NOT NULL,
    status TEXT NOT NULL,
    reason TEXT,
    error TEXT,
    updated_at TEXT NOT NULL
);`

type Entry struct {
	ID        int64          `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Stage     string         `json:"stage"`
	Level     string         `json:"level"`
	Message   string         `json:"message"`
	URL       string         `json:"url,omitempty"`
	JobID     string         `json:"jobId,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

type URLStatus struct {
	URL       string    `json:"url"`
	Stage     string    `json:"stage"`
	Status    string    `json:"status"`
	Reason    string    `json:"reason,omitempty"`
	Error     string    `json:"error,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type Filter struct {
	Stage string
	Level string
	URL   string
	JobID string
	Limit int
}

type event struct {
	entry  *Entry
	status *URLStatus
	ack    chan struct{}
}

// SQLite is an audit log backed by a single database file.
type SQLite struct {
	db     *sql.DB
	logger *slog.Logger

	events    chan event
	done      chan struct{}
	closeOnce sync.Once
	closed    atomic.Bool
	dropped   atomic.Int64
}

func Open(ctx context.Context, path string, logger *slog.Logger) (*SQLite, error) {
	if path == "" {
		return nil, errors.New("audit: database path is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("audit: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: journal mode: %w", err)
	}
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: run schema: %w", err)
	}

	s := &SQLite{
		db:     db,
		logger: logger.With("component", "audit"),
		events: make(chan event, bufferSize),
		done:   make(chan struct{}),
	}
	go s.loop()
	return s, nil
}

// Log queues a processing_log row. It never blocks; when the buffer is full
// the event is dropped and counted.
func (s *SQLite) Log(stage, level, message, url, jobID string, details map[string]any) {
	s.enqueue(event{entry: &Entry{
		Timestamp: time.Now().UTC(),
		Stage:     stage,
		Level:     level,
		Message:   message,
		URL:       url,
		JobID:     jobID,
		Details:   details,
	}})
}

// RecordStatus upserts the latest terminal status of the job's URL.
func (s *SQLite) RecordStatus(job model.JobSnapshot) {
	if job.URL == "" {
		return
	}
	s.enqueue(event{status: &URLStatus{
		URL:       job.URL,
		Stage:     string(job.Stage),
		Status:    string(job.Status),
		Reason:    job.Reason,
		Error:     job.Error,
		UpdatedAt: time.Now().UTC(),
	}})
}

func (s *SQLite) enqueue(ev event) {
	if s.closed.Load() {
		return
	}
	defer func() {
		// send on a channel closed concurrently by Close
		if recover() != nil {
			s.dropped.Add(1)
		}
	}()
	select {
	case s.events <- ev:
	default:
		if s.dropped.Add(1) == 1 {
			s.logger.Warn("audit buffer full, dropping events")
		}
	}
}

func (s *SQLite) Dropped() int64 { return s.dropped.Load() }

// Flush waits until every event queued before the call is written.
func (s *SQLite) Flush(ctx context.Context) error {
	if s.closed.Load() {
		return ErrClosed
	}
	ack := make(chan struct{})
	if err := s.send(ctx, event{ack: ack}); err != nil {
		return err
	}
	select {
	case <-ack:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *SQLite) send(ctx context.Context, ev event) (err error) {
	defer func() {
		// Close won the race after the closed check
		if recover() != nil {
			err = ErrClosed
		}
	}()
	select {
	case s.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close flushes queued events and closes the database.
func (s *SQLite) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.events)
	})
	<-s.done
	return s.db.Close()
}

func (s *SQLite) loop() {
	defer close(s.done)

	batch := make([]event, 0, batchSize)
	for ev := range s.events {
		batch = append(batch[:0], ev)
	fill:
		for len(batch) < batchSize {
			select {
			case next, ok := <-s.events:
				if !ok {
					break fill
				}
				batch = append(batch, next)
			default:
				break fill
			}
		}
		if err := s.writeBatch(batch); err != nil {
			s.logger.Error("audit write failed", "events", len(batch), "error", err)
		}
		for _, ev := range batch {
			if ev.ack != nil {
				close(ev.ack)
			}
		}
	}
}

func (s *SQLite) writeBatch(batch []event) error {
	ctx := context.Background()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, ev := range batch {
		switch {
		case ev.entry != nil:
			if err := insertEntry(ctx, tx, ev.entry); err != nil {
				return err
			}
		case ev.status != nil:
			if err := upsertStatus(ctx, tx, ev.status); err != nil {
				return err
			}
		}
	}
	return tx.Commit()
}

func insertEntry(ctx context.Context, tx *sql.Tx, e *Entry) error {
	var details sql.NullString
	if len(e.Details) > 0 {
		raw, err := json.Marshal(e.Details)
		if err != nil {
			return fmt.Errorf("encode details: %w", err)
		}
		details = sql.NullString{String: string(raw), Valid: true}
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO processing_log (timestamp, stage, level, message, url, job_id, details) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.Timestamp.Format(time.RFC3339Nano), e.Stage, e.Level, e.Message, nullable(e.URL), nullable(e.JobID), details,
	)
	return err
}

func upsertStatus(ctx context.Context, tx *sql.Tx, st *URLStatus) error {
	_, err := tx.ExecContext(ctx, `
	INSERT INTO url_status (url, stage, status, reason, error, updated_at)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(url) DO UPDATE SET
		stage = excluded.stage,
		status = excluded.status,
		reason = excluded.reason,
		error = excluded.error,
		updated_at = excluded.updated_at`,
		st.URL, st.Stage, st.Status, nullable(st.Reason), nullable(st.Error), st.UpdatedAt.Format(time.RFC3339Nano),
	)
	return err
}

// Entries returns processing_log rows, newest first.
func (s *SQLite) Entries(ctx context.Context, f Filter) ([]Entry, error) {
	var (
		where []string
		args  []any
	)
	for col, val := range map[string]string{"stage": f.Stage, "level": f.Level, "url": f.URL, "job_id": f.JobID} {
		if val != "" {
			where = append(where, col+" = ?")
			args = append(args, val)
		}
	}
	query := `SELECT id, timestamp, stage, level, message, url, job_id, details FROM processing_log`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("audit: query entries: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e                 Entry
			ts                string
			url, job, details sql.NullString
		)
		if err := rows.Scan(&e.ID, &ts, &e.Stage, &e.Level, &e.Message, &url, &job, &details); err != nil {
			return nil, fmt.Errorf("audit: scan entry: %w", err)
		}
		e.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		e.URL, e.JobID = url.String, job.String
		if details.Valid {
			if err := json.Unmarshal([]byte(details.String), &e.Details); err != nil {
				return nil, fmt.Errorf("audit: decode details: %w", err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Status returns the last recorded status of url.
func (s *SQLite) Status(ctx context.Context, url string) (*URLStatus, error) {
	var (
		st            URLStatus
		ts            string
		reason, errSt sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT url, stage, status, reason, error, updated_at FROM url_status WHERE url = ?`, url,
	).Scan(&st.URL, &st.Stage, &st.Status, &reason, &errSt, &ts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("audit: query status: %w", err)
	}
	st.Reason, st.Error = reason.String, errSt.String
	st.UpdatedAt, _ = time.Parse(time.RFC3339Nano, ts)
	return &st, nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// Nop discards everything.
type Nop struct{}

func (Nop) Log(stage, level, message, url, jobID string, details map[string]any) {}
func (Nop) RecordStatus(job model.JobSnapshot) {}
func (Nop) Close() error { return nil }

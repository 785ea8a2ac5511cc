// Package journal persists one row per finished call in a SQLite database.
// Rows are queued and written in batches by a single writer goroutine, so
// the intercepted call never waits on disk.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/nikiz24/callmon"
)

// Key is the conventional registry key
const Key = "journal"

// ErrClosed is returned by hooks and Flush after Close
var ErrClosed = errors.New("journal is closed")

// Record is one journaled call
type Record struct {
	ID         string
	Owner      string
	Member     string
	Kind       string
	Visibility string
	Started    time.Time
	Duration   time.Duration
	Outcome    string
	Error      string
}

// Options tunes the writer
type Options struct {
	QueueSize     int
	BatchSize     int
	FlushInterval time.Duration
}

// Journal is the SQLite call journal backend
type Journal struct {
	db      *sql.DB
	logger  *zap.Logger
	opts    Options
	records chan Record
	flushes chan chan error
	wg      sync.WaitGroup
	dropped atomic.Int64

	mutex  sync.RWMutex
	closed bool
}

// Open creates or opens the journal database at path
func Open(path string, logger *zap.Logger, opts Options) (*Journal, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 4096
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 256
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = time.Second
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	// one writer; sqlite serializes writes anyway
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if err := initSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize journal schema: %w", err)
	}

	j := &Journal{
		db:      db,
		logger:  logger,
		opts:    opts,
		records: make(chan Record, opts.QueueSize),
		flushes: make(chan chan error),
	}
	j.wg.Add(1)
	go j.run()
	return j, nil
}

func initSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS calls (
		id          TEXT PRIMARY KEY,
		owner       TEXT NOT NULL,
		member      TEXT NOT NULL,
		kind        TEXT NOT NULL,
		visibility  TEXT NOT NULL,
		started     DATETIME NOT NULL,
		duration_ns INTEGER NOT NULL,
		outcome     TEXT NOT NULL,
		error       TEXT
	);`
	if _, err := db.Exec(schema); err != nil {
		return err
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_calls_site ON calls(owner, member);",
		"CREATE INDEX IF NOT EXISTS idx_calls_started ON calls(started);",
		"CREATE INDEX IF NOT EXISTS idx_calls_outcome ON calls(outcome);",
	}
	for _, idx := range indexes {
		if _, err := db.Exec(idx); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}
	return nil
}

func (j *Journal) Name() string { return Key }

func (j *Journal) Description() string {
	return "sqlite call journal, one row per finished call"
}

func (j *Journal) Start(ctx context.Context, site callmon.CallSite) (*callmon.MonitorContext, error) {
	return callmon.NewMonitorContext(ctx, site, uuid.NewString()), nil
}

func (j *Journal) Stop(mc *callmon.MonitorContext, _ any) error {
	return j.enqueue(j.record(mc, nil))
}

func (j *Journal) Exception(mc *callmon.MonitorContext, err error) error {
	return j.enqueue(j.record(mc, err))
}

func (j *Journal) record(mc *callmon.MonitorContext, err error) Record {
	id, _ := mc.Handle.(string)
	if id == "" {
		id = uuid.NewString()
	}
	r := Record{
		ID:         id,
		Owner:      mc.Site.Owner,
		Member:     mc.Site.Member,
		Kind:       mc.Site.Kind.String(),
		Visibility: mc.Site.Visibility.String(),
		Started:    mc.Started,
		Duration:   mc.Elapsed(),
		Outcome:    callmon.Outcome(err),
	}
	if err != nil {
		r.Error = err.Error()
	}
	return r
}

func (j *Journal) enqueue(r Record) error {
	j.mutex.RLock()
	defer j.mutex.RUnlock()
	if j.closed {
		return ErrClosed
	}
	select {
	case j.records <- r:
		return nil
	default:
		j.dropped.Add(1)
		return fmt.Errorf("journal queue full, dropped record %s", r.ID)
	}
}

// Dropped returns the number of records lost to a full queue
func (j *Journal) Dropped() int64 {
	return j.dropped.Load()
}

// Flush writes every record queued before the call
func (j *Journal) Flush() error {
	j.mutex.RLock()
	if j.closed {
		j.mutex.RUnlock()
		return ErrClosed
	}
	reply := make(chan error, 1)
	j.flushes <- reply
	j.mutex.RUnlock()
	return <-reply
}

// Close drains the queue, writes the remaining records and closes the database
func (j *Journal) Close() error {
	j.mutex.Lock()
	if j.closed {
		j.mutex.Unlock()
		return nil
	}
	j.closed = true
	close(j.records)
	j.mutex.Unlock()

	j.wg.Wait()
	return j.db.Close()
}

func (j *Journal) run() {
	defer j.wg.Done()
	ticker := time.NewTicker(j.opts.FlushInterval)
	defer ticker.Stop()

	batch := make([]Record, 0, j.opts.BatchSize)
	write := func() error {
		if len(batch) == 0 {
			return nil
		}
		err := j.insert(batch)
		if err != nil {
			j.logger.Error("Failed to write journal batch", zap.Int("records", len(batch)), zap.Error(err))
		}
		batch = batch[:0]
		return err
	}

	for {
		select {
		case r, ok := <-j.records:
			if !ok {
				write()
				return
			}
			batch = append(batch, r)
			if len(batch) >= j.opts.BatchSize {
				write()
			}

		case reply := <-j.flushes:
		drain:
			for {
				select {
				case r, ok := <-j.records:
					if !ok {
						break drain
					}
					batch = append(batch, r)
				default:
					break drain
				}
			}
			reply <- write()

		case <-ticker.C:
			write()
		}
	}
}

func (j *Journal) insert(batch []Record) error {
	tx, err := j.db.Begin()
	if err != nil {
		return err
	}
	stmt, err := tx.Prepare(`INSERT INTO calls
		(id, owner, member, kind, visibility, started, duration_ns, outcome, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, r := range batch {
		var errText sql.NullString
		if r.Error != "" {
			errText = sql.NullString{String: r.Error, Valid: true}
		}
		if _, err := stmt.Exec(r.ID, r.Owner, r.Member, r.Kind, r.Visibility,
			r.Started.UTC(), r.Duration.Nanoseconds(), r.Outcome, errText); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// Count returns the number of journaled calls
func (j *Journal) Count(ctx context.Context) (int64, error) {
	var n int64
	err := j.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM calls").Scan(&n)
	return n, err
}

// Recent returns up to limit records, newest first
func (j *Journal) Recent(ctx context.Context, limit int) ([]Record, error) {
	rows, err := j.db.QueryContext(ctx, `SELECT id, owner, member, kind, visibility, started, duration_ns, outcome, error
		FROM calls ORDER BY started DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var (
			r       Record
			nanos   int64
			errText sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.Owner, &r.Member, &r.Kind, &r.Visibility,
			&r.Started, &nanos, &r.Outcome, &errText); err != nil {
			return nil, err
		}
		r.Duration = time.Duration(nanos)
		r.Error = errText.String
		records = append(records, r)
	}
	return records, rows.Err()
}

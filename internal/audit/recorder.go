package audit

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

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"screenrelay/pkg/types"
)

const (
	defaultRecentLimit = 50
	maxRecentLimit     = 500
)

var ErrRecorderClosed = errors.New("audit recorder is closed")

// Recorder appends session lifecycle entries to SQLite. Record never blocks
// the caller: entries are queued for a single writer goroutine and dropped
// when the queue is full.
type Recorder struct {
	db       *sql.DB
	cfg      Config
	entries  chan types.AuditEntry
	shutdown chan struct{}
	wg       sync.WaitGroup
	logger   zerolog.Logger

	written atomic.Int64
	failed  atomic.Int64
	dropped atomic.Int64

	closed bool
	mu     sync.RWMutex
}

// Open creates the database file if needed, applies migrations and starts
// the writer.
func Open(cfg Config) (*Recorder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create audit directory: %w", err)
	}

	db, err := sql.Open("sqlite3", cfg.Path+"?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open audit database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxConnections)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := applyPragmas(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply SQLite pragmas: %w", err)
	}
	if err := applyMigrations(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	r := &Recorder{
		db:       db,
		cfg:      cfg,
		entries:  make(chan types.AuditEntry, cfg.QueueSize),
		shutdown: make(chan struct{}),
		logger:   log.With().Str("module", "audit").Logger(),
	}
	r.wg.Add(1)
	go r.writeLoop()

	r.logger.Info().Str("path", cfg.Path).Msg("audit trail opened")
	return r, nil
}

// Record queues an entry for writing.
func (r *Recorder) Record(entry types.AuditEntry) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.dropped.Add(1)
		return
	}

	select {
	case r.entries <- entry:
	default:
		r.dropped.Add(1)
		r.logger.Warn().Str("kind", entry.Kind).Str("viewer", entry.ViewerID).Msg("audit queue full, entry dropped")
	}
}

func (r *Recorder) writeLoop() {
	defer r.wg.Done()

	for {
		select {
		case entry := <-r.entries:
			r.write(entry)
		case <-r.shutdown:
			for {
				select {
				case entry := <-r.entries:
					r.write(entry)
				default:
					return
				}
			}
		}
	}
}

// write inserts one entry, retrying once.
func (r *Recorder) write(entry types.AuditEntry) {
	err := r.insert(entry)
	if err != nil {
		r.logger.Warn().Err(err).Str("kind", entry.Kind).Msg("audit write failed, retrying")
		err = r.insert(entry)
	}
	if err != nil {
		r.failed.Add(1)
		r.logger.Error().Err(err).Str("kind", entry.Kind).Str("viewer", entry.ViewerID).Msg("audit write failed after retry")
		return
	}
	r.written.Add(1)
}

func (r *Recorder) insert(entry types.AuditEntry) error {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.Timeout)
	defer cancel()

	at := entry.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO session_events (id, kind, viewer_id, operator_id, original_operator_id, connection_id, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		entry.ID,
		entry.Kind,
		entry.ViewerID,
		entry.OperatorID,
		entry.OriginalOperatorID,
		entry.ConnectionID,
		at.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit entry: %w", err)
	}
	return nil
}

// Recent returns up to limit entries, newest first.
func (r *Recorder) Recent(ctx context.Context, limit int) ([]types.AuditEntry, error) {
	if limit <= 0 {
		limit = defaultRecentLimit
	}
	if limit > maxRecentLimit {
		limit = maxRecentLimit
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, kind, viewer_id, operator_id, original_operator_id, connection_id, occurred_at
		FROM session_events
		ORDER BY occurred_at DESC, rowid DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	entries := []types.AuditEntry{}
	for rows.Next() {
		var e types.AuditEntry
		if err := rows.Scan(&e.ID, &e.Kind, &e.ViewerID, &e.OperatorID, &e.OriginalOperatorID, &e.ConnectionID, &e.At); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit entries: %w", err)
	}
	return entries, nil
}

// HealthCheck verifies the database answers and the schema is in place.
func (r *Recorder) HealthCheck(ctx context.Context) error {
	r.mu.RLock()
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		return ErrRecorderClosed
	}

	if err := r.db.PingContext(ctx); err != nil {
		return fmt.Errorf("audit database ping failed: %w", err)
	}
	exists, err := tableExists(r.db, "session_events")
	if err != nil {
		return fmt.Errorf("audit schema check failed: %w", err)
	}
	if !exists {
		return errors.New("audit table session_events does not exist")
	}
	return nil
}

// GetStats returns writer counters for monitoring.
func (r *Recorder) GetStats() map[string]int64 {
	return map[string]int64{
		"written": r.written.Load(),
		"failed":  r.failed.Load(),
		"dropped": r.dropped.Load(),
		"queued":  int64(len(r.entries)),
	}
}

// Close flushes queued entries and closes the database. It is safe to call
// more than once.
func (r *Recorder) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	close(r.shutdown)
	r.wg.Wait()

	if err := r.db.Close(); err != nil {
		return fmt.Errorf("failed to close audit database: %w", err)
	}
	r.logger.Info().Int64("written", r.written.Load()).Msg("audit trail closed")
	return nil
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA temp_store = MEMORY",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute pragma %s: %w", pragma, err)
		}
	}
	return nil
}

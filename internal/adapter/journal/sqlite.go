// Package journal keeps an append-only sqlite audit of dispatched events.
// It records what the dispatch loop handed to listeners; it is not a
// delivery guarantee and nothing is replayed from it.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"

	"github.com/moe-serifu-circle/moe-serifu-agent/internal/domain"
)

// ListenerName is the name the journal subscribes under.
const ListenerName = "journal"

// Entry is one journaled event.
type Entry struct {
	ID         string          `json:"id"`
	Kind       string          `json:"kind"`
	Priority   int             `json:"priority"`
	Source     string          `json:"source,omitempty"`
	Target     string          `json:"target,omitempty"`
	RecordedAt time.Time       `json:"recorded_at"`
	Event      domain.Metadata `json:"event"`
}

// Store writes entries to a sqlite database.
type Store struct {
	db         *sql.DB
	logger     *slog.Logger
	maxEntries int
}

// Option configures a Store.
type Option func(*Store)

// WithMaxEntries keeps at most n rows; older rows are pruned after each
// insert. n <= 0 keeps everything.
func WithMaxEntries(n int) Option {
	return func(s *Store) { s.maxEntries = n }
}

// WithLogger sets the store logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// Open opens (or creates) the journal at dbPath and migrates the schema.
func Open(dbPath string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open journal db: %w", err)
	}
	// One writer; WAL lets readers proceed alongside it.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate journal db: %w", err)
	}

	s := &Store{db: db, logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS events (
			seq         INTEGER PRIMARY KEY AUTOINCREMENT,
			id          TEXT NOT NULL UNIQUE,
			kind        TEXT NOT NULL,
			priority    INTEGER NOT NULL,
			source      TEXT NOT NULL DEFAULT '',
			target      TEXT NOT NULL DEFAULT '',
			metadata    TEXT NOT NULL,
			recorded_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_events_kind ON events(kind);
	`)
	return err
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Subscribe journals every event the bus dispatches. The returned function
// removes the subscription.
func (s *Store) Subscribe(bus domain.EventBus) (func(), error) {
	return bus.SubscribeFunc(domain.AllKinds(), ListenerName, s.Record)
}

// Record appends e to the journal.
func (s *Store) Record(ctx context.Context, e *domain.Event) error {
	md, err := json.Marshal(e.Metadata())
	if err != nil {
		return fmt.Errorf("marshal event metadata: %w", err)
	}
	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO events (id, kind, priority, source, target, metadata, recorded_at) VALUES (?, ?, ?, ?, ?, ?, ?)",
		newID(now), e.KindName(), e.Priority, e.PropagateSource, e.PropagateTarget,
		string(md), now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert journal entry: %w", err)
	}
	if s.maxEntries > 0 {
		if _, err := s.Prune(ctx, s.maxEntries); err != nil {
			s.logger.Warn("journal prune failed", "error", err)
		}
	}
	return nil
}

// Recent returns up to n entries, newest first.
func (s *Store) Recent(ctx context.Context, n int) ([]Entry, error) {
	if n <= 0 {
		return nil, domain.NewDomainError("journal.Recent", domain.ErrInvalidInput, "limit must be positive")
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, kind, priority, source, target, metadata, recorded_at FROM events ORDER BY seq DESC LIMIT ?", n,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEntries(rows)
}

// RecentOfKind returns up to n entries of the named kind, newest first.
func (s *Store) RecentOfKind(ctx context.Context, kind string, n int) ([]Entry, error) {
	if n <= 0 {
		return nil, domain.NewDomainError("journal.RecentOfKind", domain.ErrInvalidInput, "limit must be positive")
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, kind, priority, source, target, metadata, recorded_at FROM events WHERE kind = ? ORDER BY seq DESC LIMIT ?",
		kind, n,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEntries(rows)
}

// Count returns the number of journaled events.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM events").Scan(&n)
	return n, err
}

// Prune deletes everything but the newest keep rows and returns how many
// rows went away.
func (s *Store) Prune(ctx context.Context, keep int) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM events WHERE seq <= (SELECT COALESCE(MAX(seq), 0) FROM events) - ?", keep,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	var out []Entry
	for rows.Next() {
		var (
			e          Entry
			md         string
			recordedAt string
		)
		if err := rows.Scan(&e.ID, &e.Kind, &e.Priority, &e.Source, &e.Target, &md, &recordedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(md), &e.Event); err != nil {
			return nil, fmt.Errorf("decode journal entry %s: %w", e.ID, err)
		}
		e.RecordedAt, _ = time.Parse(time.RFC3339Nano, recordedAt)
		out = append(out, e)
	}
	return out, rows.Err()
}

func newID(t time.Time) string {
	return ulid.MustNew(ulid.Timestamp(t), ulid.DefaultEntropy()).String()
}

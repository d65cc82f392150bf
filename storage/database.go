// Package storage keeps the service's durable state in SQLite: the trusted
// device table behind the trust store and an audit log of trust decisions.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	// DefaultDBFileName is the SQLite filename under the data dir.
	DefaultDBFileName = "kdeconnect.db"
	// DefaultCheckpointInterval controls periodic WAL truncation.
	DefaultCheckpointInterval = 24 * time.Hour
	// DefaultAuditRetention is how long audit entries are kept.
	DefaultAuditRetention = 90 * 24 * time.Hour
)

type migration struct {
	name string
	stmt string
}

// Applied in order; PRAGMA user_version records how many have run.
var migrations = []migration{
	{"trusted devices", `
CREATE TABLE IF NOT EXISTS trusted_devices (
  device_id    TEXT PRIMARY KEY,
  device_name  TEXT NOT NULL,
  device_type  TEXT NOT NULL DEFAULT 'desktop',
  public_key   TEXT NOT NULL,
  fingerprint  TEXT NOT NULL,
  paired_at    INTEGER NOT NULL,
  last_seen    INTEGER,
  last_address TEXT,
  last_port    INTEGER
);`},
	{"audit log", `
CREATE TABLE IF NOT EXISTS audit_log (
  id        INTEGER PRIMARY KEY AUTOINCREMENT,
  kind      TEXT NOT NULL,
  device_id TEXT,
  severity  TEXT NOT NULL CHECK(severity IN ('info','warning','critical')),
  detail    TEXT NOT NULL DEFAULT '{}',
  at        INTEGER NOT NULL
);`},
	{"audit log indexes", `
CREATE INDEX IF NOT EXISTS idx_audit_log_at ON audit_log (at DESC, id DESC);
CREATE INDEX IF NOT EXISTS idx_audit_log_device ON audit_log (device_id, at DESC);`},
}

// Option adjusts a Store at open time.
type Option func(*Store)

// WithCheckpointInterval sets how often the WAL is truncated. Zero disables
// the background checkpoint.
func WithCheckpointInterval(d time.Duration) Option {
	return func(s *Store) { s.checkpointEvery = d }
}

// WithAuditRetention sets how long audit entries survive. Zero keeps them
// forever.
func WithAuditRetention(d time.Duration) Option {
	return func(s *Store) { s.auditRetention = d }
}

// Store is the SQLite handle shared by the trust store and audit log.
type Store struct {
	db *sql.DB

	checkpointEvery time.Duration
	auditRetention  time.Duration
	now             func() time.Time

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// Open opens or creates kdeconnect.db under dataDir.
func Open(dataDir string, opts ...Option) (*Store, string, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, "", fmt.Errorf("create storage directory: %w", err)
	}
	dbPath := filepath.Join(dataDir, DefaultDBFileName)
	store, err := OpenPath(dbPath, opts...)
	if err != nil {
		return nil, "", err
	}
	return store, dbPath, nil
}

// OpenPath opens SQLite at dbPath, switches it to WAL and migrates the schema.
func OpenPath(dbPath string, opts ...Option) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000", filepath.ToSlash(dbPath))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	s := &Store{
		db:              db,
		checkpointEvery: DefaultCheckpointInterval,
		auditRetention:  DefaultAuditRetention,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()
	for _, step := range []func(context.Context) error{s.ping, s.useWAL, s.migrate, s.checkpoint} {
		if err := step(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	if s.checkpointEvery > 0 {
		s.wg.Add(1)
		go s.checkpointLoop(loopCtx)
	}
	return s, nil
}

// Close stops the checkpoint loop and closes the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	var err error
	s.closeOnce.Do(func() {
		s.cancel()
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

// SchemaVersion reports how many migrations have been applied.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var version int
	if err := s.db.QueryRowContext(ctx, "PRAGMA user_version;").Scan(&version); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return version, nil
}

func (s *Store) ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping sqlite database: %w", err)
	}
	return nil
}

func (s *Store) useWAL(ctx context.Context) error {
	var mode string
	if err := s.db.QueryRowContext(ctx, "PRAGMA journal_mode=WAL;").Scan(&mode); err != nil {
		return fmt.Errorf("enable WAL mode: %w", err)
	}
	if !strings.EqualFold(mode, "wal") {
		return fmt.Errorf("enable WAL mode: journal mode is %q", mode)
	}
	return nil
}

func (s *Store) migrate(ctx context.Context) error {
	version, err := s.SchemaVersion(ctx)
	if err != nil {
		return err
	}
	if version >= len(migrations) {
		return nil
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for i := version; i < len(migrations); i++ {
			if _, err := tx.ExecContext(ctx, migrations[i].stmt); err != nil {
				return fmt.Errorf("migration %d (%s): %w", i+1, migrations[i].name, err)
			}
			if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d;", i+1)); err != nil {
				return fmt.Errorf("set schema version %d: %w", i+1, err)
			}
		}
		return nil
	})
}

func (s *Store) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (s *Store) checkpoint(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE);"); err != nil {
		return fmt.Errorf("wal checkpoint: %w", err)
	}
	return nil
}

func (s *Store) checkpointLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.checkpointEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			_ = s.checkpoint(ctx)
		case <-ctx.Done():
			return
		}
	}
}

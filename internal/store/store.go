// Package store persists room state in SQLite: room identity, the epoch
// counter, the seq position, and the append-only canonical record stream.
// Viewer-relative message fields are never written; they are recomputed at
// read time by the room engine.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/basket/roomrelay/internal/eventlog"
)

const (
	schemaVersion  = 1
	schemaChecksum = "rr-v1-2026-08-relay-records"
)

// MemoryPath selects a non-durable in-memory database.
const MemoryPath = ":memory:"

// Store is a SQLite-backed room store. A single connection serializes all
// writes; rooms additionally serialize their own mutation, so contention
// is limited to cross-room traffic.
type Store struct {
	db *sql.DB
}

// DefaultDBPath returns the on-disk location under the home directory.
func DefaultDBPath(homeDir string) string {
	return filepath.Join(homeDir, "roomrelay.db")
}

// Open opens (and migrates) the store at path. MemoryPath yields an
// in-memory store that vanishes on close.
func Open(path string) (*Store, error) {
	dsn := path
	if path == MemoryPath {
		dsn = "file::memory:?cache=shared&_busy_timeout=5000&_foreign_keys=on"
	} else {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
		dsn = fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	ctx := context.Background()
	if path != MemoryPath {
		if err := s.configurePragmas(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	if err := s.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersion {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersion)
	}
	if maxVersion == schemaVersion {
		var existing string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersion).Scan(&existing); err != nil {
			return fmt.Errorf("read schema checksum: %w", err)
		}
		if existing != schemaChecksum {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", schemaVersion, existing, schemaChecksum)
		}
		return tx.Commit()
	}

	statements := []string{
		`CREATE TABLE IF NOT EXISTS rooms (
			pair_id TEXT PRIMARY KEY,
			epoch INTEGER NOT NULL DEFAULT 0,
			next_seq INTEGER NOT NULL DEFAULT 1,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS records (
			pair_id TEXT NOT NULL REFERENCES rooms(pair_id),
			seq INTEGER NOT NULL,
			epoch INTEGER NOT NULL DEFAULT 0,
			type TEXT NOT NULL CHECK(type IN ('pair-created', 'epoch-begin', 'message', 'state', 'backchannel', 'reset-complete')),
			payload TEXT NOT NULL DEFAULT '{}',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (pair_id, seq)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_records_epoch ON records(pair_id, epoch, seq);`,
	}
	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO schema_migrations (version, checksum)
		VALUES (?, ?);
	`, schemaVersion, schemaChecksum); err != nil {
		return fmt.Errorf("insert schema migration ledger: %w", err)
	}
	return tx.Commit()
}

// retryOnBusy retries f when SQLite reports BUSY or LOCKED, with jittered
// exponential backoff on top of the driver's busy_timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil || !isSQLiteBusy(err) || attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.Intn(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") || // SQLITE_BUSY
		strings.Contains(msg, "(6)") // SQLITE_LOCKED
}

// CreateRoom upserts the room row and reports whether it was new.
func (s *Store) CreateRoom(ctx context.Context, pairID string) (bool, error) {
	var created bool
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO rooms (pair_id, created_at, updated_at)
			VALUES (?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
			ON CONFLICT(pair_id) DO NOTHING;
		`, pairID)
		if err != nil {
			return fmt.Errorf("insert room: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("insert room rows affected: %w", err)
		}
		created = n == 1
		return nil
	})
	return created, err
}

// RoomMeta returns the persisted epoch counter and next seq for a room.
func (s *Store) RoomMeta(ctx context.Context, pairID string) (int, int64, error) {
	var epoch int
	var nextSeq int64
	err := s.db.QueryRowContext(ctx, `
		SELECT epoch, next_seq FROM rooms WHERE pair_id = ?;
	`, pairID).Scan(&epoch, &nextSeq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, 1, fmt.Errorf("room %q not found", pairID)
	}
	if err != nil {
		return 0, 0, fmt.Errorf("select room meta: %w", err)
	}
	return epoch, nextSeq, nil
}

// AppendRecords durably appends pre-sequenced records and advances the
// room's epoch counter and seq position in one transaction. The epoch
// counter never decrements.
func (s *Store) AppendRecords(ctx context.Context, pairID string, epoch int, recs []eventlog.Record) error {
	if len(recs) == 0 {
		return nil
	}
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin append tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		maxSeq := int64(0)
		for _, rec := range recs {
			payload := string(rec.Payload)
			if payload == "" {
				payload = "{}"
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO records (pair_id, seq, epoch, type, payload, created_at)
				VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP);
			`, pairID, rec.Seq, rec.Epoch, rec.Type, payload); err != nil {
				return fmt.Errorf("insert record seq %d: %w", rec.Seq, err)
			}
			if rec.Seq > maxSeq {
				maxSeq = rec.Seq
			}
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE rooms
			SET epoch = MAX(epoch, ?),
				next_seq = MAX(next_seq, ?),
				updated_at = CURRENT_TIMESTAMP
			WHERE pair_id = ?;
		`, epoch, maxSeq+1, pairID); err != nil {
			return fmt.Errorf("advance room meta: %w", err)
		}
		return tx.Commit()
	})
}

// EpochRecords returns all persisted records of one epoch in seq order.
func (s *Store) EpochRecords(ctx context.Context, pairID string, epoch int) ([]eventlog.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, epoch, type, payload
		FROM records
		WHERE pair_id = ? AND epoch = ?
		ORDER BY seq ASC;
	`, pairID, epoch)
	if err != nil {
		return nil, fmt.Errorf("query epoch records: %w", err)
	}
	defer rows.Close()

	var out []eventlog.Record
	for rows.Next() {
		var rec eventlog.Record
		var payload string
		if err := rows.Scan(&rec.Seq, &rec.Epoch, &rec.Type, &payload); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		rec.PairID = pairID
		rec.Payload = []byte(payload)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("record rows: %w", err)
	}
	return out, nil
}

// ClearRecords deletes every record of a room while preserving its row:
// identity, epoch counter and seq position all survive a hard reset.
func (s *Store) ClearRecords(ctx context.Context, pairID string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE pair_id = ?;`, pairID)
		if err != nil {
			return fmt.Errorf("clear records: %w", err)
		}
		return nil
	})
}

// Counts returns the number of rooms and persisted records, for the
// health and metrics surfaces.
func (s *Store) Counts(ctx context.Context) (rooms, records int64, err error) {
	if err = s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM rooms;`).Scan(&rooms); err != nil {
		return 0, 0, fmt.Errorf("count rooms: %w", err)
	}
	if err = s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM records;`).Scan(&records); err != nil {
		return 0, 0, fmt.Errorf("count records: %w", err)
	}
	return rooms, records, nil
}

// PruneClosedEpochs deletes records belonging to epochs older than each
// room's current epoch with a created_at before the cutoff. The live
// epoch is never touched, so recovery and open streams are unaffected.
func (s *Store) PruneClosedEpochs(ctx context.Context, cutoff time.Time) (int64, error) {
	var pruned int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			DELETE FROM records
			WHERE epoch > 0
			  AND epoch < (SELECT epoch FROM rooms WHERE rooms.pair_id = records.pair_id)
			  AND created_at < ?;
		`, cutoff.UTC())
		if err != nil {
			return fmt.Errorf("prune closed epochs: %w", err)
		}
		pruned, err = res.RowsAffected()
		if err != nil {
			return fmt.Errorf("prune rows affected: %w", err)
		}
		return nil
	})
	return pruned, err
}

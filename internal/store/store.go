// Package store implements ChangeStore: the thin contract WriteCoordinator
// and Ingestor use over the CRDT-extended local engine. The engine of
// record is modernc.org/sqlite, reached through database/sql; the
// column-versioned LWW merge itself is implemented directly against a
// change-log table (__ripple_changes) rather than assumed to come from a
// loadable SQLite extension, since this repo has to build and run on its
// own (SPEC_FULL.md §1).
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	_ "modernc.org/sqlite"

	"github.com/ripple-db/ripple/internal/actor"
	"github.com/ripple-db/ripple/internal/changeset"
	"github.com/ripple-db/ripple/internal/clock"
	"github.com/ripple-db/ripple/internal/rerr"
)

// Config configures where and how the local engine persists state.
type Config struct {
	// Path to the sqlite file, e.g. "<base>/state/state.sqlite".
	Path string
	// MaxReaders bounds the read-only connection pool. Zero means 4.
	MaxReaders int
	// BusyTimeout bounds how long AcquireWriter waits for the single
	// writer connection before failing with PoolAcquisition.
	BusyTimeout time.Duration
	// CheckpointEvery schedules a WAL checkpoint tick. Zero disables it
	// (tests typically do; the daemon wires spec.md §5's 15-minute tick).
	CheckpointEvery time.Duration
}

// Store owns the single writer connection and the reader pool, and
// implements every ChangeStore operation spec.md §4.C requires.
type Store struct {
	writeDB *sql.DB
	readDB  *sql.DB

	writerSem   chan struct{}
	busyTimeout time.Duration

	checkpoint *cron.Cron
}

// Open creates the containing directory if needed, opens the engine with
// WAL enabled, applies the bookkeeping/members/subs/schema DDL, and starts
// the periodic checkpoint tick if configured.
func Open(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("store: Path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("store: create state dir: %w", err)
	}
	maxReaders := cfg.MaxReaders
	if maxReaders <= 0 {
		maxReaders = 4
	}
	busyTimeout := cfg.BusyTimeout
	if busyTimeout <= 0 {
		busyTimeout = 5 * time.Second
	}

	dsn := "file:" + cfg.Path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(on)"

	writeDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, rerr.Wrap(rerr.EngineFailure, err, "opening writer connection")
	}
	writeDB.SetMaxOpenConns(1)

	readDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		writeDB.Close()
		return nil, rerr.Wrap(rerr.EngineFailure, err, "opening reader pool")
	}
	readDB.SetMaxOpenConns(maxReaders)

	s := &Store{
		writeDB:     writeDB,
		readDB:      readDB,
		writerSem:   make(chan struct{}, 1),
		busyTimeout: busyTimeout,
	}

	if err := s.migrate(context.Background()); err != nil {
		s.Close()
		return nil, err
	}

	if cfg.CheckpointEvery > 0 {
		s.checkpoint = cron.New()
		spec := fmt.Sprintf("@every %s", cfg.CheckpointEvery)
		if _, err := s.checkpoint.AddFunc(spec, s.runCheckpoint); err != nil {
			s.Close()
			return nil, fmt.Errorf("store: schedule checkpoint: %w", err)
		}
		s.checkpoint.Start()
	}

	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	for _, stmt := range ddl {
		if _, err := s.writeDB.ExecContext(ctx, stmt); err != nil {
			return rerr.Wrap(rerr.EngineFailure, err, "applying DDL: %s", stmt)
		}
	}
	return nil
}

func (s *Store) runCheckpoint() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := s.writeDB.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		// Not fatal: the next tick tries again, and a crash-recovery
		// replay from the WAL is always correct, just slower.
		fmt.Fprintf(os.Stderr, "store: checkpoint failed: %v\n", err)
	}
}

// Close stops the checkpoint ticker and closes both connection pools.
func (s *Store) Close() error {
	if s.checkpoint != nil {
		s.checkpoint.Stop()
	}
	var firstErr error
	if s.writeDB != nil {
		if err := s.writeDB.Close(); err != nil {
			firstErr = err
		}
	}
	if s.readDB != nil {
		if err := s.readDB.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Tx wraps the single writer connection's *sql.Tx plus the bookkeeping
// ChangeStore needs across the handful of statements one write or ingest
// cycle issues: the db_version assigned to this transaction's writes, and
// a running count of how many change-log rows it has touched.
type Tx struct {
	store        *Store
	sqlTx        *sql.Tx
	dbVersion    uint64
	haveVersion  bool
	rowsImpacted int
	mu           sync.Mutex
}

// AcquireWriter serializes on the single writer connection the way the
// teacher's driver.go server.acquireWriter does: a size-1 channel
// semaphore with a busy timeout, so a caller blocked past BusyTimeout gets
// a typed PoolAcquisition error instead of hanging indefinitely.
func (s *Store) AcquireWriter(ctx context.Context) (*Tx, error) {
	if err := s.acquire(ctx); err != nil {
		return nil, err
	}
	sqlTx, err := s.writeDB.BeginTx(ctx, nil)
	if err != nil {
		s.release()
		return nil, rerr.Wrap(rerr.EngineFailure, err, "beginning writer transaction")
	}
	return &Tx{store: s, sqlTx: sqlTx}, nil
}

func (s *Store) acquire(ctx context.Context) error {
	timer := time.NewTimer(s.busyTimeout)
	defer timer.Stop()
	select {
	case s.writerSem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return rerr.Wrap(rerr.PoolAcquisition, nil, "busy timeout after %s", s.busyTimeout)
	}
}

func (s *Store) release() {
	select {
	case <-s.writerSem:
	default:
	}
}

// Commit commits the underlying transaction and releases the writer slot.
func (t *Tx) Commit() error {
	defer t.store.release()
	if err := t.sqlTx.Commit(); err != nil {
		return rerr.Wrap(rerr.EngineFailure, err, "committing transaction")
	}
	return nil
}

// Rollback aborts the underlying transaction and releases the writer slot.
func (t *Tx) Rollback() error {
	defer t.store.release()
	if err := t.sqlTx.Rollback(); err != nil && err != sql.ErrTxDone {
		return rerr.Wrap(rerr.EngineFailure, err, "rolling back transaction")
	}
	return nil
}

// RowsImpacted is the number of change-log rows this transaction has
// touched so far, local writes and applied remote changes alike.
func (t *Tx) RowsImpacted() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rowsImpacted
}

// CurrentDbVersion returns the engine's current db_version counter,
// without allocating a new one.
func (s *Store) CurrentDbVersion(ctx context.Context, tx *Tx) (uint64, error) {
	var v uint64
	row := tx.sqlTx.QueryRowContext(ctx, `SELECT value FROM __ripple_db_version WHERE id = 1`)
	if err := row.Scan(&v); err != nil {
		return 0, rerr.Wrap(rerr.EngineFailure, err, "reading current db_version")
	}
	return v, nil
}

// nextDbVersion assigns (and caches) the db_version this transaction's
// writes share: all local writes in one WriteCoordinator invocation, or
// all RowChanges applied from one ingested message, land at the same
// db_version, matching "each actor-version owns a contiguous range of
// db_versions" (spec.md §3).
func (t *Tx) nextDbVersion(ctx context.Context) (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.haveVersion {
		return t.dbVersion, nil
	}
	var next uint64
	row := t.sqlTx.QueryRowContext(ctx, `UPDATE __ripple_db_version SET value = value + 1 WHERE id = 1 RETURNING value`)
	if err := row.Scan(&next); err != nil {
		return 0, rerr.Wrap(rerr.EngineFailure, err, "allocating next db_version")
	}
	t.dbVersion = next
	t.haveVersion = true
	return next, nil
}

// Set stages a locally authored column write: table/pk/column_id -> value.
// It is the only way user-facing code mutates state through ChangeStore,
// since the user-facing SQL surface itself is out of scope (SPEC_FULL.md
// §1) — WriteCoordinator's F closure calls Set for every column a local
// transaction touches.
func (t *Tx) Set(ctx context.Context, table, pk, column string, value any) error {
	dbVersion, err := t.nextDbVersion(ctx)
	if err != nil {
		return err
	}
	prevVersion, err := t.columnVersion(ctx, table, pk, column)
	if err != nil {
		return err
	}

	raw, err := encodeScalar(value)
	if err != nil {
		return rerr.Wrap(rerr.EngineFailure, err, "encoding value for %s.%s", table, column)
	}

	_, err = t.sqlTx.ExecContext(ctx, `
		INSERT INTO __ripple_changes (table_name, pk, column_id, value, column_version, db_version, site_id)
		VALUES (?, ?, ?, ?, ?, ?, NULL)
		ON CONFLICT (table_name, pk, column_id) DO UPDATE SET
			value = excluded.value,
			column_version = excluded.column_version,
			db_version = excluded.db_version,
			site_id = NULL
	`, table, pk, column, raw, prevVersion+1, dbVersion)
	if err != nil {
		return rerr.Wrap(rerr.EngineFailure, err, "writing %s.%s", table, column)
	}

	t.mu.Lock()
	t.rowsImpacted++
	t.mu.Unlock()
	return nil
}

func (t *Tx) columnVersion(ctx context.Context, table, pk, column string) (uint64, error) {
	var v uint64
	row := t.sqlTx.QueryRowContext(ctx, `
		SELECT column_version FROM __ripple_changes
		WHERE table_name = ? AND pk = ? AND column_id = ?
	`, table, pk, column)
	switch err := row.Scan(&v); err {
	case nil:
		return v, nil
	case sql.ErrNoRows:
		return 0, nil
	default:
		return 0, rerr.Wrap(rerr.EngineFailure, err, "reading column_version for %s.%s", table, column)
	}
}

// DrainLocalChanges selects every row this transaction's connection sees
// with site_id NULL and db_version > since, returning them as RowChanges
// stamped with localActor (the contract's site_id on a Full changeset) and
// the maximum db_version observed.
func (s *Store) DrainLocalChanges(ctx context.Context, tx *Tx, since uint64, localActor actor.ID) ([]changeset.RowChange, uint64, error) {
	rows, err := tx.sqlTx.QueryContext(ctx, `
		SELECT table_name, pk, column_id, value, column_version, db_version
		FROM __ripple_changes
		WHERE site_id IS NULL AND db_version > ?
		ORDER BY db_version, table_name, pk, column_id
	`, since)
	if err != nil {
		return nil, since, rerr.Wrap(rerr.EngineFailure, err, "draining local changes")
	}
	defer rows.Close()

	maxVersion := since
	var out []changeset.RowChange
	for rows.Next() {
		var rc changeset.RowChange
		var raw []byte
		if err := rows.Scan(&rc.Table, &rc.PK, &rc.ColumnID, &raw, &rc.ColumnVersion, &rc.DbVersion); err != nil {
			return nil, since, rerr.Wrap(rerr.EngineFailure, err, "scanning local change row")
		}
		rc.Value, err = decodeScalar(raw)
		if err != nil {
			return nil, since, rerr.Wrap(rerr.EngineFailure, err, "decoding value for %s.%s", rc.Table, rc.ColumnID)
		}
		rc.SiteID = localActor
		if rc.DbVersion > maxVersion {
			maxVersion = rc.DbVersion
		}
		out = append(out, rc)
	}
	if err := rows.Err(); err != nil {
		return nil, since, rerr.Wrap(rerr.EngineFailure, err, "iterating local changes")
	}
	return out, maxVersion, nil
}

// ApplyRemoteChange merges one incoming RowChange via column-version LWW:
// it wins over whatever is currently stored only if its ColumnVersion is
// higher, or equal and its SiteID sorts after the existing site_id (a
// deterministic tie-break, mirroring Timestamp.Compare's actor tie-break).
// Returns 1 if the merge changed the stored value, 0 if the incoming
// change lost or was identical.
func (s *Store) ApplyRemoteChange(ctx context.Context, tx *Tx, rc changeset.RowChange) (int, error) {
	var existingVersion uint64
	var existingSite []byte
	row := tx.sqlTx.QueryRowContext(ctx, `
		SELECT column_version, site_id FROM __ripple_changes
		WHERE table_name = ? AND pk = ? AND column_id = ?
	`, rc.Table, rc.PK, rc.ColumnID)
	hasExisting := true
	switch err := row.Scan(&existingVersion, &existingSite); err {
	case nil:
	case sql.ErrNoRows:
		hasExisting = false
	default:
		return 0, rerr.Wrap(rerr.EngineFailure, err, "reading existing value for %s.%s", rc.Table, rc.ColumnID)
	}

	wins := !hasExisting
	if hasExisting {
		switch {
		case rc.ColumnVersion > existingVersion:
			wins = true
		case rc.ColumnVersion == existingVersion:
			wins = len(existingSite) > 0 && rc.SiteID.String() > actorFromBytesOrNil(existingSite).String()
		}
	}
	if !wins {
		return 0, nil
	}

	dbVersion, err := tx.nextDbVersion(ctx)
	if err != nil {
		return 0, err
	}

	raw, err := encodeScalar(rc.Value)
	if err != nil {
		return 0, rerr.Wrap(rerr.EngineFailure, err, "encoding remote value for %s.%s", rc.Table, rc.ColumnID)
	}

	_, err = tx.sqlTx.ExecContext(ctx, `
		INSERT INTO __ripple_changes (table_name, pk, column_id, value, column_version, db_version, site_id)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (table_name, pk, column_id) DO UPDATE SET
			value = excluded.value,
			column_version = excluded.column_version,
			db_version = excluded.db_version,
			site_id = excluded.site_id
	`, rc.Table, rc.PK, rc.ColumnID, raw, rc.ColumnVersion, dbVersion, rc.SiteID.Bytes())
	if err != nil {
		return 0, rerr.Wrap(rerr.EngineFailure, err, "applying remote change to %s.%s", rc.Table, rc.ColumnID)
	}

	tx.mu.Lock()
	tx.rowsImpacted++
	tx.mu.Unlock()
	return 1, nil
}

func actorFromBytesOrNil(b []byte) actor.ID {
	id, err := actor.FromBytes(b)
	if err != nil {
		return actor.Nil
	}
	return id
}

// InsertBookkeeping records one (actor, version) outcome. dbVersion is nil
// for a Cleared version.
func (s *Store) InsertBookkeeping(ctx context.Context, tx *Tx, a actor.ID, version uint64, dbVersion *uint64, ts clock.Timestamp) error {
	_, err := tx.sqlTx.ExecContext(ctx, `
		INSERT INTO __ripple_bookkeeping (actor_id, version, db_version, ts)
		VALUES (?, ?, ?, ?)
	`, a.Bytes(), version, dbVersion, ts.String())
	if err != nil {
		return rerr.Wrap(rerr.EngineFailure, err, "inserting bookkeeping row for actor %s version %d", a, version)
	}
	return nil
}

// LoadBookkeeping reads every persisted (actor, version, db_version) row,
// used to re-seed the in-memory Bookie on restart (spec.md Testable
// Property S6).
func (s *Store) LoadBookkeeping(ctx context.Context) ([]BookkeepingRow, error) {
	rows, err := s.readDB.QueryContext(ctx, `
		SELECT actor_id, version, db_version, ts FROM __ripple_bookkeeping ORDER BY actor_id, version
	`)
	if err != nil {
		return nil, rerr.Wrap(rerr.EngineFailure, err, "loading bookkeeping")
	}
	defer rows.Close()

	var out []BookkeepingRow
	for rows.Next() {
		var idBytes []byte
		var version uint64
		var dbVersion sql.NullInt64
		var tsStr string
		if err := rows.Scan(&idBytes, &version, &dbVersion, &tsStr); err != nil {
			return nil, rerr.Wrap(rerr.EngineFailure, err, "scanning bookkeeping row")
		}
		id, err := actor.FromBytes(idBytes)
		if err != nil {
			return nil, rerr.Wrap(rerr.EngineFailure, err, "decoding actor id from bookkeeping")
		}
		ts, err := clock.ParseTimestamp(tsStr)
		if err != nil {
			return nil, rerr.Wrap(rerr.EngineFailure, err, "decoding ts from bookkeeping")
		}
		r := BookkeepingRow{Actor: id, Version: version, Ts: ts}
		if dbVersion.Valid {
			v := uint64(dbVersion.Int64)
			r.DbVersion = &v
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// BookkeepingRow mirrors one row of __ripple_bookkeeping.
type BookkeepingRow struct {
	Actor     actor.ID
	Version   uint64
	DbVersion *uint64
	Ts        clock.Timestamp
}

// ReconstructChangeset rebuilds the Full changeset for (actor, version)
// by reading back every change-log row recorded at dbVersion, for the
// sync server side (spec.md §4.I: "reconstructs the Changeset by
// re-reading rows from the change log at the recorded db_version").
func (s *Store) ReconstructChangeset(ctx context.Context, a actor.ID, version, dbVersion uint64, ts clock.Timestamp) (changeset.Changeset, error) {
	rows, err := s.readDB.QueryContext(ctx, `
		SELECT table_name, pk, column_id, value, column_version
		FROM __ripple_changes
		WHERE db_version = ?
		ORDER BY table_name, pk, column_id
	`, dbVersion)
	if err != nil {
		return changeset.Changeset{}, rerr.Wrap(rerr.EngineFailure, err, "reconstructing changeset for actor %s version %d", a, version)
	}
	defer rows.Close()

	cs := changeset.Changeset{Kind: changeset.KindFull, Actor: a, Start: version, End: version, Ts: ts}
	for rows.Next() {
		var rc changeset.RowChange
		var raw []byte
		if err := rows.Scan(&rc.Table, &rc.PK, &rc.ColumnID, &raw, &rc.ColumnVersion); err != nil {
			return changeset.Changeset{}, rerr.Wrap(rerr.EngineFailure, err, "scanning reconstructed row")
		}
		rc.Value, err = decodeScalar(raw)
		if err != nil {
			return changeset.Changeset{}, rerr.Wrap(rerr.EngineFailure, err, "decoding reconstructed value")
		}
		rc.DbVersion = dbVersion
		rc.SiteID = a
		cs.Changes = append(cs.Changes, rc)
	}
	if err := rows.Err(); err != nil {
		return changeset.Changeset{}, err
	}
	if len(cs.Changes) == 0 {
		cs.Kind = changeset.KindCleared
	}
	return cs, rows.Err()
}

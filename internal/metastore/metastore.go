// Package metastore persists instance and backup records in a local SQLite
// database. The registry and snapshot engine write through here before
// acknowledging mutations, so a restarted service can rebuild its in-memory
// state from this file plus the container daemon's labels.
package metastore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/gofrs/flock"
	_ "modernc.org/sqlite"

	"github.com/giantswarm/dbenv/internal/fileutil"
	"github.com/giantswarm/dbenv/internal/sentinel"
)

// ErrNotFound is returned when no record exists for the given identifier.
const ErrNotFound = sentinel.Error("metastore: record not found")

// ErrLocked is returned when another process holds the metadata database.
const ErrLocked = sentinel.Error("metastore: database locked by another process")

const schema = `
CREATE TABLE IF NOT EXISTS instances (
	db_id          TEXT PRIMARY KEY,
	dialect        TEXT NOT NULL,
	db_name        TEXT NOT NULL,
	db_user        TEXT NOT NULL,
	db_password    TEXT NOT NULL,
	status         TEXT NOT NULL,
	container_id   TEXT NOT NULL DEFAULT '',
	host_port      INTEGER NOT NULL DEFAULT 0,
	size_bytes     INTEGER NOT NULL DEFAULT 0,
	created_at     TEXT NOT NULL,
	last_activity  TEXT NOT NULL,
	expires_at     TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_instances_status ON instances(status);
CREATE INDEX IF NOT EXISTS idx_instances_last_activity ON instances(last_activity);

CREATE TABLE IF NOT EXISTS backups (
	backup_id   TEXT PRIMARY KEY,
	db_id       TEXT NOT NULL,
	dialect     TEXT NOT NULL,
	object_key  TEXT NOT NULL,
	size_bytes  INTEGER NOT NULL DEFAULT 0,
	created_at  TEXT NOT NULL,
	expires_at  TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_backups_db_id ON backups(db_id);
`

// InstanceRecord is the durable form of one instance.
type InstanceRecord struct {
	ID             string
	Dialect        string
	DBName         string
	DBUser         string
	DBPassword     string
	Status         string
	ContainerID    string
	HostPort       int
	SizeBytes      int64
	CreatedAt      time.Time
	LastActivityAt time.Time
	ExpiresAt      time.Time
}

// BackupRecord is the durable form of one backup.
type BackupRecord struct {
	ID        string
	DBID      string
	Dialect   string
	ObjectKey string
	SizeBytes int64
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Store is a SQLite-backed metadata store. It is safe for concurrent use;
// the connection pool serializes writers through SQLite's own locking with
// a busy timeout.
type Store struct {
	db   *sql.DB
	lock *flock.Flock
}

// Open opens (creating if needed) the metadata database at path. A flock
// beside the database guards against a second service process writing the
// same file; Open fails with ErrLocked when the lock is held elsewhere.
func Open(path string) (*Store, error) {
	if err := fileutil.EnsureDirForFile(path); err != nil {
		return nil, fmt.Errorf("preparing metadata directory: %w", err)
	}

	lock := flock.New(path + ".lock")
	held, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquiring metadata lock: %w", err)
	}
	if !held {
		return nil, ErrLocked
	}

	dsn := "file:" + url.PathEscape(path) +
		"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		_ = lock.Unlock()
		return nil, fmt.Errorf("opening metadata database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		_ = lock.Unlock()
		return nil, fmt.Errorf("initializing metadata schema: %w", err)
	}

	return &Store{db: db, lock: lock}, nil
}

// Close releases the database and the process lock.
func (s *Store) Close() error {
	err := s.db.Close()
	if unlockErr := s.lock.Unlock(); err == nil {
		err = unlockErr
	}
	return err
}

// Ping reports whether the database file is reachable. Used by the health
// endpoint.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// UpsertInstance inserts or fully replaces the record for rec.ID. The call
// returns only after the write is durable.
func (s *Store) UpsertInstance(ctx context.Context, rec InstanceRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO instances (
			db_id, dialect, db_name, db_user, db_password, status,
			container_id, host_port, size_bytes,
			created_at, last_activity, expires_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(db_id) DO UPDATE SET
			dialect = excluded.dialect,
			db_name = excluded.db_name,
			db_user = excluded.db_user,
			db_password = excluded.db_password,
			status = excluded.status,
			container_id = excluded.container_id,
			host_port = excluded.host_port,
			size_bytes = excluded.size_bytes,
			created_at = excluded.created_at,
			last_activity = excluded.last_activity,
			expires_at = excluded.expires_at`,
		rec.ID, rec.Dialect, rec.DBName, rec.DBUser, rec.DBPassword, rec.Status,
		rec.ContainerID, rec.HostPort, rec.SizeBytes,
		formatTime(rec.CreatedAt), formatTime(rec.LastActivityAt), formatTime(rec.ExpiresAt))
	if err != nil {
		return fmt.Errorf("upserting instance %s: %w", rec.ID, err)
	}
	return nil
}

// GetInstance returns the record for id, or ErrNotFound.
func (s *Store) GetInstance(ctx context.Context, id string) (InstanceRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT db_id, dialect, db_name, db_user, db_password, status,
		       container_id, host_port, size_bytes,
		       created_at, last_activity, expires_at
		FROM instances WHERE db_id = ?`, id)
	rec, err := scanInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return InstanceRecord{}, ErrNotFound
	}
	if err != nil {
		return InstanceRecord{}, fmt.Errorf("querying instance %s: %w", id, err)
	}
	return rec, nil
}

// DeleteInstance removes the record for id. Deleting a missing record is
// not an error; destroy is idempotent at this layer.
func (s *Store) DeleteInstance(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM instances WHERE db_id = ?`, id); err != nil {
		return fmt.Errorf("deleting instance %s: %w", id, err)
	}
	return nil
}

// ListInstances returns all instance records.
func (s *Store) ListInstances(ctx context.Context) ([]InstanceRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT db_id, dialect, db_name, db_user, db_password, status,
		       container_id, host_port, size_bytes,
		       created_at, last_activity, expires_at
		FROM instances ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("listing instances: %w", err)
	}
	defer rows.Close()

	var recs []InstanceRecord
	for rows.Next() {
		rec, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning instance: %w", err)
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// UpsertBackup inserts or replaces a backup record.
func (s *Store) UpsertBackup(ctx context.Context, rec BackupRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO backups (
			backup_id, db_id, dialect, object_key, size_bytes, created_at, expires_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(backup_id) DO UPDATE SET
			db_id = excluded.db_id,
			dialect = excluded.dialect,
			object_key = excluded.object_key,
			size_bytes = excluded.size_bytes,
			created_at = excluded.created_at,
			expires_at = excluded.expires_at`,
		rec.ID, rec.DBID, rec.Dialect, rec.ObjectKey, rec.SizeBytes,
		formatTime(rec.CreatedAt), formatTime(rec.ExpiresAt))
	if err != nil {
		return fmt.Errorf("upserting backup %s: %w", rec.ID, err)
	}
	return nil
}

// GetBackup returns the backup record for id, or ErrNotFound.
func (s *Store) GetBackup(ctx context.Context, id string) (BackupRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT backup_id, db_id, dialect, object_key, size_bytes, created_at, expires_at
		FROM backups WHERE backup_id = ?`, id)
	rec, err := scanBackup(row)
	if errors.Is(err, sql.ErrNoRows) {
		return BackupRecord{}, ErrNotFound
	}
	if err != nil {
		return BackupRecord{}, fmt.Errorf("querying backup %s: %w", id, err)
	}
	return rec, nil
}

// DeleteBackup removes the record for id.
func (s *Store) DeleteBackup(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM backups WHERE backup_id = ?`, id); err != nil {
		return fmt.Errorf("deleting backup %s: %w", id, err)
	}
	return nil
}

// ListBackups returns all backup records for one instance.
func (s *Store) ListBackups(ctx context.Context, dbID string) ([]BackupRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT backup_id, db_id, dialect, object_key, size_bytes, created_at, expires_at
		FROM backups WHERE db_id = ? ORDER BY created_at`, dbID)
	if err != nil {
		return nil, fmt.Errorf("listing backups for %s: %w", dbID, err)
	}
	defer rows.Close()

	var recs []BackupRecord
	for rows.Next() {
		rec, err := scanBackup(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning backup: %w", err)
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanInstance(row scanner) (InstanceRecord, error) {
	var rec InstanceRecord
	var created, activity, expires string
	err := row.Scan(
		&rec.ID, &rec.Dialect, &rec.DBName, &rec.DBUser, &rec.DBPassword, &rec.Status,
		&rec.ContainerID, &rec.HostPort, &rec.SizeBytes,
		&created, &activity, &expires)
	if err != nil {
		return InstanceRecord{}, err
	}
	if rec.CreatedAt, err = parseTime(created); err != nil {
		return InstanceRecord{}, err
	}
	if rec.LastActivityAt, err = parseTime(activity); err != nil {
		return InstanceRecord{}, err
	}
	if rec.ExpiresAt, err = parseTime(expires); err != nil {
		return InstanceRecord{}, err
	}
	return rec, nil
}

func scanBackup(row scanner) (BackupRecord, error) {
	var rec BackupRecord
	var created, expires string
	err := row.Scan(&rec.ID, &rec.DBID, &rec.Dialect, &rec.ObjectKey, &rec.SizeBytes, &created, &expires)
	if err != nil {
		return BackupRecord{}, err
	}
	if rec.CreatedAt, err = parseTime(created); err != nil {
		return BackupRecord{}, err
	}
	if rec.ExpiresAt, err = parseTime(expires); err != nil {
		return BackupRecord{}, err
	}
	return rec, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

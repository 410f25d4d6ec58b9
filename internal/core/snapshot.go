package core

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/giantswarm/dbenv/internal/apperr"
	"github.com/giantswarm/dbenv/internal/config"
	"github.com/giantswarm/dbenv/internal/dockerd"
	"github.com/giantswarm/dbenv/internal/metastore"
	"github.com/giantswarm/dbenv/internal/metrics"
	"github.com/giantswarm/dbenv/internal/objstore"
)

// snapshotTimeout bounds one dump or restore end to end. Size-capped
// databases dump in seconds; the headroom covers a cold engine.
const snapshotTimeout = 5 * time.Minute

// backupContentType is the media type stored with backup objects.
const backupContentType = "application/gzip"

// Snapshots implements backup, restore, and fork on top of the dialect's
// dump and restore CLIs, with blobs in the object store and records in the
// metadata store. Dumps are gzip-compressed.
type Snapshots struct {
	reg    *Registry
	daemon Daemon
	meta   MetadataStore
	store  ObjectStore
	cfg    config.Config
}

// NewSnapshots builds the snapshot engine. store may be nil when backups
// are not configured; backup and restore then refuse, fork still works.
func NewSnapshots(reg *Registry, daemon Daemon, meta MetadataStore, store ObjectStore, cfg config.Config) *Snapshots {
	return &Snapshots{reg: reg, daemon: daemon, meta: meta, store: store, cfg: cfg}
}

// Enabled reports whether an object store is configured.
func (s *Snapshots) Enabled() bool {
	return s.store != nil
}

func backupKey(dbID, backupID string) string {
	return fmt.Sprintf("backups/%s/%s.sql.gz", dbID, backupID)
}

// Backup dumps the instance, compresses the dump, stores it, and records
// the backup with a one-year retention. The instance's query slot is held
// for the duration, so a backup never interleaves with a query.
func (s *Snapshots) Backup(ctx context.Context, dbID string) (metastore.BackupRecord, error) {
	inst, err := s.reg.Get(dbID)
	if err != nil {
		return metastore.BackupRecord{}, err
	}
	if !inst.Dialect.SupportsSnapshot() {
		return metastore.BackupRecord{}, apperr.Newf(apperr.DialectUnsupported,
			"dialect %s has no dump tooling; backups are unavailable", inst.Dialect.Name())
	}
	if !s.Enabled() {
		return metastore.BackupRecord{}, apperr.New(apperr.Internal, "backup storage is not configured")
	}

	if err := inst.beginQuery(ctx, s.cfg.QueryTimeout); err != nil {
		return metastore.BackupRecord{}, err
	}
	defer inst.endQuery()

	blob, err := s.dumpCompressed(ctx, inst)
	if err != nil {
		metrics.Backups.WithLabelValues(metrics.StatusError).Inc()
		return metastore.BackupRecord{}, err
	}

	backupID := newID()
	key := backupKey(dbID, backupID)
	if err := s.store.Put(ctx, key, blob, backupContentType); err != nil {
		metrics.Backups.WithLabelValues(metrics.StatusError).Inc()
		return metastore.BackupRecord{}, apperr.Wrap(apperr.Internal, "storing backup", err)
	}

	now := time.Now().UTC()
	rec := metastore.BackupRecord{
		ID:        backupID,
		DBID:      dbID,
		Dialect:   inst.Dialect.Name(),
		ObjectKey: key,
		SizeBytes: int64(len(blob)),
		CreatedAt: now,
		ExpiresAt: now.AddDate(1, 0, 0),
	}
	if err := s.meta.UpsertBackup(ctx, rec); err != nil {
		metrics.Backups.WithLabelValues(metrics.StatusError).Inc()
		return metastore.BackupRecord{}, apperr.Wrap(apperr.Internal, "recording backup", err)
	}

	s.reg.TouchPersist(ctx, inst)
	metrics.Backups.WithLabelValues(metrics.StatusOK).Inc()
	Logger().Info("backup taken", "db_id", dbID, "backup_id", backupID, "size_bytes", rec.SizeBytes)
	return rec, nil
}

// dumpCompressed streams the dialect's dump through gzip into memory.
// Size-capped databases keep the compressed blob small enough to buffer.
func (s *Snapshots) dumpCompressed(ctx context.Context, inst *Instance) ([]byte, error) {
	execCtx, cancel := context.WithTimeout(ctx, snapshotTimeout)
	defer cancel()

	e, err := s.daemon.StartExec(execCtx, inst.host.ContainerID, dockerd.ExecSpec{
		Cmd: inst.Dialect.DumpCommand(inst.Target),
		Env: inst.Dialect.CommandEnv(inst.Target),
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "starting dump", err)
	}
	defer e.Close()
	go func() {
		<-execCtx.Done()
		_ = e.Close()
	}()

	stderrCh := make(chan []byte, 1)
	go func() {
		b, _ := io.ReadAll(e.Stderr())
		stderrCh <- b
	}()

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	_, copyErr := io.Copy(gz, e.Stdout())
	exit, waitErr := e.Wait(execCtx)
	if err := gz.Close(); err != nil {
		return nil, apperr.Wrap(apperr.Internal, "compressing dump", err)
	}
	if copyErr != nil {
		return nil, apperr.Wrap(apperr.Internal, "reading dump", copyErr)
	}
	if waitErr != nil {
		return nil, apperr.Wrap(apperr.Internal, "waiting for dump", waitErr)
	}
	if exit != 0 {
		stderr := strings.TrimSpace(string(<-stderrCh))
		return nil, apperr.Newf(apperr.Internal, "dump exited with status %d: %s", exit, stderr)
	}
	return buf.Bytes(), nil
}

// Fetch returns a backup's record and a stream of its stored blob, still
// gzip-compressed. The caller owns closing the stream.
func (s *Snapshots) Fetch(ctx context.Context, backupID string) (metastore.BackupRecord, io.ReadCloser, error) {
	rec, err := s.backupRecord(ctx, backupID)
	if err != nil {
		return metastore.BackupRecord{}, nil, err
	}
	if !s.Enabled() {
		return metastore.BackupRecord{}, nil, apperr.New(apperr.Internal, "backup storage is not configured")
	}

	rc, err := s.store.Get(ctx, rec.ObjectKey)
	if errors.Is(err, objstore.ErrNotFound) {
		return metastore.BackupRecord{}, nil, apperr.Newf(apperr.BackupNotFound,
			"backup %s has no stored object", backupID)
	}
	if err != nil {
		return metastore.BackupRecord{}, nil, apperr.Wrap(apperr.Internal, "fetching backup", err)
	}
	return rec, rc, nil
}

// Restore replaces the instance's contents with a backup: the logical
// database is dropped and recreated, then the dump replayed into it. The
// backup must be for the instance's dialect.
func (s *Snapshots) Restore(ctx context.Context, dbID, backupID string) error {
	rec, err := s.backupRecord(ctx, backupID)
	if err != nil {
		return err
	}
	inst, err := s.reg.Get(dbID)
	if err != nil {
		return err
	}
	if inst.Dialect.Name() != rec.Dialect {
		return apperr.Newf(apperr.DialectUnsupported,
			"backup %s is a %s dump; database %s runs %s", backupID, rec.Dialect, dbID, inst.Dialect.Name())
	}
	if !s.Enabled() {
		return apperr.New(apperr.Internal, "backup storage is not configured")
	}

	if err := inst.beginQuery(ctx, s.cfg.QueryTimeout); err != nil {
		return err
	}
	defer inst.endQuery()

	// Reset to an empty schema so the dump lands clean.
	if err := s.reg.adminExec(ctx, inst.host, inst.Dialect, inst.Dialect.DropSQL(inst.Target)); err != nil {
		return err
	}
	if err := s.reg.adminExec(ctx, inst.host, inst.Dialect, inst.Dialect.BootstrapSQL(inst.Target)); err != nil {
		return err
	}

	rc, err := s.store.Get(ctx, rec.ObjectKey)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "fetching backup", err)
	}
	defer rc.Close()
	gzr, err := gzip.NewReader(rc)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "decompressing backup", err)
	}
	defer gzr.Close()

	execCtx, cancel := context.WithTimeout(ctx, snapshotTimeout)
	defer cancel()
	out, err := s.daemon.ExecCollect(execCtx, inst.host.ContainerID, dockerd.ExecSpec{
		Cmd:   inst.Dialect.RestoreCommand(inst.Target),
		Env:   inst.Dialect.CommandEnv(inst.Target),
		Stdin: gzr,
	})
	if err != nil {
		return apperr.Wrap(apperr.Internal, "replaying backup", err)
	}
	if out.ExitCode != 0 {
		return apperr.Newf(apperr.Internal, "restore exited with status %d: %s",
			out.ExitCode, strings.TrimSpace(out.Stderr))
	}

	s.reg.TouchPersist(ctx, inst)
	Logger().Info("backup restored", "db_id", dbID, "backup_id", backupID)
	return nil
}

// Fork creates a new instance seeded with a copy of the source's data. The
// dump is piped straight into the new instance's restore, never touching
// the object store; fork works without backup storage configured.
func (s *Snapshots) Fork(ctx context.Context, dbID string) (*Instance, error) {
	parent, err := s.reg.Get(dbID)
	if err != nil {
		return nil, err
	}
	if !parent.Dialect.SupportsSnapshot() {
		return nil, apperr.Newf(apperr.DialectUnsupported,
			"dialect %s has no dump tooling; fork is unavailable", parent.Dialect.Name())
	}

	child, err := s.reg.Create(ctx, parent.Dialect.Name())
	if err != nil {
		return nil, err
	}

	if err := parent.beginQuery(ctx, s.cfg.QueryTimeout); err != nil {
		s.forkCleanup(ctx, child)
		return nil, err
	}
	defer parent.endQuery()

	if err := s.pipeCopy(ctx, parent, child); err != nil {
		s.forkCleanup(ctx, child)
		return nil, apperr.Wrap(apperr.Internal, "copying data into fork", err)
	}

	s.reg.TouchPersist(ctx, parent)
	s.reg.TouchPersist(ctx, child)
	Logger().Info("instance forked", "db_id", dbID, "fork_id", child.ID)
	return child, nil
}

// pipeCopy runs dump on the parent's host and restore on the child's,
// connected by an in-process pipe.
func (s *Snapshots) pipeCopy(ctx context.Context, parent, child *Instance) error {
	execCtx, cancel := context.WithTimeout(ctx, snapshotTimeout)
	defer cancel()

	pr, pw := io.Pipe()
	g, gctx := errgroup.WithContext(execCtx)

	g.Go(func() error {
		e, err := s.daemon.StartExec(gctx, parent.host.ContainerID, dockerd.ExecSpec{
			Cmd: parent.Dialect.DumpCommand(parent.Target),
			Env: parent.Dialect.CommandEnv(parent.Target),
		})
		if err != nil {
			pw.CloseWithError(err)
			return err
		}
		defer e.Close()
		go func() {
			<-gctx.Done()
			_ = e.Close()
		}()
		go func() {
			_, _ = io.Copy(io.Discard, e.Stderr())
		}()

		if _, err := io.Copy(pw, e.Stdout()); err != nil {
			pw.CloseWithError(err)
			return err
		}
		exit, err := e.Wait(gctx)
		if err != nil {
			pw.CloseWithError(err)
			return err
		}
		if exit != 0 {
			err := fmt.Errorf("dump exited with status %d", exit)
			pw.CloseWithError(err)
			return err
		}
		return pw.Close()
	})

	g.Go(func() error {
		defer pr.Close()
		out, err := s.daemon.ExecCollect(gctx, child.host.ContainerID, dockerd.ExecSpec{
			Cmd:   child.Dialect.RestoreCommand(child.Target),
			Env:   child.Dialect.CommandEnv(child.Target),
			Stdin: pr,
		})
		if err != nil {
			return err
		}
		if out.ExitCode != 0 {
			return fmt.Errorf("restore exited with status %d: %s",
				out.ExitCode, strings.TrimSpace(out.Stderr))
		}
		return nil
	})

	return g.Wait()
}

func (s *Snapshots) forkCleanup(ctx context.Context, child *Instance) {
	if err := s.reg.Destroy(ctx, child.ID); err != nil {
		Logger().Warn("cleaning up failed fork", "db_id", child.ID, "error", err)
	}
}

// backupRecord loads and validates a backup record.
func (s *Snapshots) backupRecord(ctx context.Context, backupID string) (metastore.BackupRecord, error) {
	rec, err := s.meta.GetBackup(ctx, backupID)
	if errors.Is(err, metastore.ErrNotFound) {
		return metastore.BackupRecord{}, apperr.Newf(apperr.BackupNotFound, "no backup with id %s", backupID)
	}
	if err != nil {
		return metastore.BackupRecord{}, apperr.Wrap(apperr.Internal, "loading backup record", err)
	}
	if time.Now().After(rec.ExpiresAt) {
		return metastore.BackupRecord{}, apperr.Newf(apperr.BackupExpired,
			"backup %s expired at %s", backupID, rec.ExpiresAt.Format(time.RFC3339))
	}
	return rec, nil
}

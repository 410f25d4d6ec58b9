package core

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/giantswarm/dbenv/internal/apperr"
	"github.com/giantswarm/dbenv/internal/config"
	"github.com/giantswarm/dbenv/internal/dialect"
	"github.com/giantswarm/dbenv/internal/dockerd"
	"github.com/giantswarm/dbenv/internal/metrics"
)

// Registry owns the live instance set. Every lifecycle mutation is written
// through the metadata store before it is acknowledged, so a restart can
// rebuild this map from the store plus the daemon's labeled containers.
type Registry struct {
	daemon Daemon
	pool   *HostPool
	meta   MetadataStore
	cfg    config.Config

	mu        sync.RWMutex
	instances map[string]*Instance
}

// NewRegistry builds an empty registry.
func NewRegistry(daemon Daemon, pool *HostPool, meta MetadataStore, cfg config.Config) *Registry {
	return &Registry{
		daemon:    daemon,
		pool:      pool,
		meta:      meta,
		cfg:       cfg,
		instances: make(map[string]*Instance),
	}
}

// Create provisions a new logical database on a pooled host for the given
// dialect. On any failure the partial work is rolled back: the host slot is
// released and the durable record removed.
func (r *Registry) Create(ctx context.Context, dialectName string) (*Instance, error) {
	a, err := dialect.ForName(dialectName)
	if err != nil {
		return nil, err
	}

	id := newID()
	target := dialect.Target{
		Database: dbNameFor(id),
		User:     dbUserFor(id),
		Password: newPassword(),
	}
	log := Logger().With("db_id", id, "dialect", a.Name())

	host, err := r.pool.Acquire(ctx, a)
	if err != nil {
		return nil, err
	}

	inst := newInstance(id, a, target, host)
	inst.Touch(r.cfg.InactivityTimeout)

	if err := r.meta.UpsertInstance(ctx, inst.Record()); err != nil {
		r.pool.Release(ctx, host)
		return nil, apperr.Wrap(apperr.Internal, "recording new instance", err)
	}

	if err := r.adminExec(ctx, host, a, a.BootstrapSQL(target)); err != nil {
		r.rollbackCreate(ctx, inst)
		return nil, err
	}

	inst.setState(StateReady)
	if err := r.meta.UpsertInstance(ctx, inst.Record()); err != nil {
		r.rollbackCreate(ctx, inst)
		return nil, apperr.Wrap(apperr.Internal, "recording new instance", err)
	}

	r.mu.Lock()
	r.instances[id] = inst
	r.mu.Unlock()

	metrics.InstancesCreated.WithLabelValues(a.Name()).Inc()
	metrics.InstancesActive.Set(float64(r.Count()))

	log.Info("instance created", "db_name", target.Database, "container", host.ContainerID)
	return inst, nil
}

func (r *Registry) rollbackCreate(ctx context.Context, inst *Instance) {
	if err := r.adminExec(ctx, inst.host, inst.Dialect, inst.Dialect.DropSQL(inst.Target)); err != nil {
		Logger().Warn("rolling back partial instance", "db_id", inst.ID, "error", err)
	}
	r.pool.Release(ctx, inst.host)
	if err := r.meta.DeleteInstance(ctx, inst.ID); err != nil {
		Logger().Warn("removing partial instance record", "db_id", inst.ID, "error", err)
	}
}

// Get returns the live instance for id, or DB_NOT_FOUND.
func (r *Registry) Get(id string) (*Instance, error) {
	r.mu.RLock()
	inst, ok := r.instances[id]
	r.mu.RUnlock()
	if !ok {
		return nil, apperr.Newf(apperr.DBNotFound, "no database with id %s", id)
	}
	return inst, nil
}

// List returns the live instances in unspecified order.
func (r *Registry) List() []*Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Instance, 0, len(r.instances))
	for _, inst := range r.instances {
		out = append(out, inst)
	}
	return out
}

// Count returns the number of live instances.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.instances)
}

// TouchPersist re-arms the instance's eviction clock and makes the new
// deadline durable. Persistence failures are logged, not surfaced: losing
// one touch only shortens the idle window.
func (r *Registry) TouchPersist(ctx context.Context, inst *Instance) {
	inst.Touch(r.cfg.InactivityTimeout)
	if err := r.meta.UpsertInstance(ctx, inst.Record()); err != nil {
		Logger().Warn("persisting activity", "db_id", inst.ID, "error", err)
	}
}

// Destroy tears an instance down: drops its database and user from the
// host, releases the host slot, and removes the durable record. An in-flight
// query is waited out first. Destroy is idempotent; a second call for an id
// being evicted returns nil, and one for an unknown id DB_NOT_FOUND.
func (r *Registry) Destroy(ctx context.Context, id string) error {
	return r.destroy(ctx, id, metrics.ReasonRequested)
}

// DestroyExpired is Destroy invoked by the reaper; only the metric label
// differs.
func (r *Registry) DestroyExpired(ctx context.Context, id string) error {
	return r.destroy(ctx, id, metrics.ReasonExpired)
}

func (r *Registry) destroy(ctx context.Context, id, reason string) error {
	r.mu.RLock()
	inst, ok := r.instances[id]
	r.mu.RUnlock()
	if !ok {
		return apperr.Newf(apperr.DBNotFound, "no database with id %s", id)
	}

	switch err := inst.beginEvict(ctx); err {
	case nil:
	case errEvicting:
		return nil
	default:
		return err
	}

	if err := r.meta.UpsertInstance(ctx, inst.Record()); err != nil {
		Logger().Warn("recording eviction", "db_id", id, "error", err)
	}

	if err := r.adminExec(ctx, inst.host, inst.Dialect, inst.Dialect.DropSQL(inst.Target)); err != nil {
		// The host may already be gone; the slot release below still frees
		// the pool's book-keeping.
		Logger().Warn("dropping database", "db_id", id, "error", err)
	}

	r.pool.Release(ctx, inst.host)
	inst.setState(StateDestroyed)

	r.mu.Lock()
	delete(r.instances, id)
	r.mu.Unlock()

	if err := r.meta.DeleteInstance(ctx, id); err != nil {
		return apperr.Wrap(apperr.Internal, "removing instance record", err)
	}

	metrics.InstancesDestroyed.WithLabelValues(inst.Dialect.Name(), reason).Inc()
	metrics.InstancesActive.Set(float64(r.Count()))

	Logger().Info("instance destroyed", "db_id", id)
	return nil
}

// Expired returns the instances whose idle deadline has passed. Busy
// instances are skipped; the reaper picks them up on a later sweep.
func (r *Registry) Expired(now time.Time) []*Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Instance
	for _, inst := range r.instances {
		if inst.Expired(now) {
			out = append(out, inst)
		}
	}
	return out
}

// Recover rebuilds the pool and instance set after a restart. Host
// containers are found through their labels and re-adopted when still
// running; instance records whose host survived come back Ready, the rest
// are purged as orphans (their data died with the container).
func (r *Registry) Recover(ctx context.Context) error {
	log := Logger()

	infos, err := r.daemon.ListByLabel(ctx, labelPool, "true")
	if err != nil {
		return fmt.Errorf("listing host containers: %w", err)
	}
	for _, info := range infos {
		if !info.Running {
			log.Info("removing stopped host container", "container", info.ID)
			if err := r.daemon.DestroyContainer(ctx, info.ID); err != nil {
				log.Warn("removing stopped host container", "container", info.ID, "error", err)
			}
			continue
		}
		if err := r.pool.Adopt(info); err != nil {
			log.Warn("adopting host container", "container", info.ID, "error", err)
		} else {
			log.Info("adopted host container", "container", info.ID, "dialect", info.Labels[labelDialect])
		}
	}

	recs, err := r.meta.ListInstances(ctx)
	if err != nil {
		return fmt.Errorf("listing instance records: %w", err)
	}

	recovered := 0
	for _, rec := range recs {
		host, ok := r.pool.FindByContainer(rec.ContainerID)
		if !ok || rec.Status != "running" {
			// The engine process is gone or the instance never finished
			// creating; its data is unrecoverable.
			log.Info("purging orphaned instance record", "db_id", rec.ID, "status", rec.Status)
			if err := r.meta.DeleteInstance(ctx, rec.ID); err != nil {
				log.Warn("purging orphaned instance record", "db_id", rec.ID, "error", err)
			}
			continue
		}

		a, err := dialect.ForName(rec.Dialect)
		if err != nil {
			log.Warn("purging record with unknown dialect", "db_id", rec.ID, "dialect", rec.Dialect)
			_ = r.meta.DeleteInstance(ctx, rec.ID)
			continue
		}

		inst := newInstance(rec.ID, a, dialect.Target{
			Database: rec.DBName,
			User:     rec.DBUser,
			Password: rec.DBPassword,
		}, host)
		inst.CreatedAt = rec.CreatedAt
		inst.mu.Lock()
		inst.state = StateReady
		inst.lastActivity = rec.LastActivityAt
		inst.expiresAt = rec.ExpiresAt
		inst.sizeBytes = rec.SizeBytes
		inst.readOnly = rec.SizeBytes > r.sizeCapBytes()
		inst.mu.Unlock()
		host.attach()

		r.mu.Lock()
		r.instances[rec.ID] = inst
		r.mu.Unlock()
		recovered++
	}

	log.Info("recovery complete", "hosts", len(infos), "instances", recovered)
	return nil
}

func (r *Registry) sizeCapBytes() int64 {
	return int64(r.cfg.MaxDBSizeMB) * 1024 * 1024
}

// adminExec runs each statement as engine root on the instance's host,
// failing on the first nonzero exit.
func (r *Registry) adminExec(ctx context.Context, h *Host, a dialect.Adapter, stmts []string) error {
	for _, stmt := range stmts {
		out, err := r.daemon.ExecCollect(ctx, h.ContainerID, dockerd.ExecSpec{
			Cmd: a.AdminCommand(h.RootPassword, stmt),
		})
		if err != nil {
			return apperr.Wrap(apperr.Internal, "running admin statement", err)
		}
		if out.ExitCode != 0 {
			return apperr.Newf(apperr.Internal, "admin statement failed: %s", out.Stderr)
		}
	}
	return nil
}

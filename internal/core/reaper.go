package core

import (
	"context"
	"time"
)

// Reaper evicts instances idle past the inactivity window. Busy instances
// are left alone; finishing their query re-arms the clock anyway.
type Reaper struct {
	reg      *Registry
	snaps    *Snapshots
	interval time.Duration

	// backupOnExpiry takes a final backup before eviction, when the dialect
	// and the object store allow it.
	backupOnExpiry bool
}

// NewReaper builds a reaper sweeping at a tenth of the inactivity window,
// clamped to [1s, 60s] so extreme configurations neither spin nor let
// instances linger.
func NewReaper(reg *Registry, snaps *Snapshots, inactivity time.Duration, backupOnExpiry bool) *Reaper {
	interval := inactivity / 10
	if interval < time.Second {
		interval = time.Second
	}
	if interval > time.Minute {
		interval = time.Minute
	}
	return &Reaper{
		reg:            reg,
		snaps:          snaps,
		interval:       interval,
		backupOnExpiry: backupOnExpiry,
	}
}

// Run sweeps until the context is canceled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	Logger().Info("reaper running", "interval", r.interval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

func (r *Reaper) sweep(ctx context.Context) {
	for _, inst := range r.reg.Expired(time.Now().UTC()) {
		log := Logger().With("db_id", inst.ID)
		log.Info("evicting idle instance")

		if r.backupOnExpiry && r.snaps.Enabled() && inst.Dialect.SupportsSnapshot() {
			if _, err := r.snaps.Backup(ctx, inst.ID); err != nil {
				// The data is about to be destroyed either way; a failed
				// final backup is logged, not fatal.
				log.Warn("pre-eviction backup failed", "error", err)
			}
		}

		destroyCtx, cancel := context.WithTimeout(ctx, time.Minute)
		if err := r.reg.DestroyExpired(destroyCtx, inst.ID); err != nil {
			log.Warn("evicting instance", "error", err)
		}
		cancel()

		if ctx.Err() != nil {
			return
		}
	}
}

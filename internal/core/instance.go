package core

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/giantswarm/dbenv/internal/apperr"
	"github.com/giantswarm/dbenv/internal/dialect"
	"github.com/giantswarm/dbenv/internal/metastore"
	"github.com/giantswarm/dbenv/internal/sentinel"
)

// errEvicting signals that an eviction is already underway; Destroy treats
// it as success so deletes stay idempotent under concurrency.
const errEvicting = sentinel.Error("core: instance already evicting")

// State is an instance's lifecycle position. Transitions only move forward
// except Ready and Busy, which alternate around each query.
type State int32

const (
	StateCreating State = iota
	StateReady
	StateBusy
	StateEvicting
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateCreating:
		return "creating"
	case StateReady:
		return "ready"
	case StateBusy:
		return "busy"
	case StateEvicting:
		return "evicting"
	default:
		return "destroyed"
	}
}

// APIStatus maps lifecycle states onto the coarser status words the HTTP
// surface reports. Ready and Busy are both "running"; the Busy distinction
// is internal scheduling, not caller-visible state.
func (s State) APIStatus() string {
	switch s {
	case StateCreating:
		return "creating"
	case StateReady, StateBusy:
		return "running"
	case StateEvicting:
		return "destroying"
	default:
		return "destroyed"
	}
}

// Instance is one logical database living on a pooled host container.
type Instance struct {
	ID        string
	Dialect   dialect.Adapter
	Target    dialect.Target
	CreatedAt time.Time

	host *Host

	// slot serializes queries: sending acquires, receiving releases. At most
	// one query runs per instance; waiters block in beginQuery up to the
	// query timeout.
	slot chan struct{}

	mu           sync.Mutex
	state        State
	lastActivity time.Time
	expiresAt    time.Time
	sizeBytes    int64
	readOnly     bool

	// queries counts completed queries for size-probe sampling.
	queries atomic.Uint64
}

func newInstance(id string, a dialect.Adapter, t dialect.Target, host *Host) *Instance {
	now := time.Now().UTC()
	return &Instance{
		ID:        id,
		Dialect:   a,
		Target:    t,
		CreatedAt: now,
		host:      host,
		slot:      make(chan struct{}, 1),
		state:     StateCreating,
	}
}

// State returns the current lifecycle state.
func (i *Instance) State() State {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

func (i *Instance) setState(s State) {
	i.mu.Lock()
	i.state = s
	i.mu.Unlock()
}

// Touch moves the eviction deadline forward by the inactivity window.
func (i *Instance) Touch(inactivity time.Duration) {
	now := time.Now().UTC()
	i.mu.Lock()
	i.lastActivity = now
	i.expiresAt = now.Add(inactivity)
	i.mu.Unlock()
}

// Expired reports whether the instance is idle past its deadline. Busy
// instances never report expired; the query's completion re-arms the clock.
func (i *Instance) Expired(now time.Time) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state == StateReady && now.After(i.expiresAt)
}

// ReadOnly reports whether the size cap has put the instance in read-only
// posture.
func (i *Instance) ReadOnly() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.readOnly
}

// setSize records a size probe result and derives the read-only posture.
// Shrinking back under the cap lifts it.
func (i *Instance) setSize(bytes, capBytes int64) {
	i.mu.Lock()
	i.sizeBytes = bytes
	i.readOnly = bytes > capBytes
	i.mu.Unlock()
}

// beginQuery claims the instance's query slot, waiting up to timeout for a
// running query to finish. The claim moves the instance to Busy.
func (i *Instance) beginQuery(ctx context.Context, timeout time.Duration) error {
	if s := i.State(); s != StateReady && s != StateBusy {
		return apperr.Newf(apperr.DBNotFound, "database %s is not available", i.ID)
	}

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case i.slot <- struct{}{}:
	case <-t.C:
		return apperr.Newf(apperr.QueryTimeout,
			"timed out after %s waiting for the running query on %s", timeout, i.ID)
	case <-ctx.Done():
		return ctx.Err()
	}

	// Re-check under the lock: an eviction may have started while waiting.
	i.mu.Lock()
	if i.state != StateReady {
		i.mu.Unlock()
		<-i.slot
		return apperr.Newf(apperr.DBNotFound, "database %s is not available", i.ID)
	}
	i.state = StateBusy
	i.mu.Unlock()
	return nil
}

// endQuery releases the query slot and returns the instance to Ready unless
// an eviction claimed the instance in the meantime.
func (i *Instance) endQuery() {
	i.mu.Lock()
	if i.state == StateBusy {
		i.state = StateReady
	}
	i.mu.Unlock()
	<-i.slot
}

// beginEvict moves the instance to Evicting, blocking new queries, then
// waits for any in-flight query to release the slot. Returns errEvicting
// when another eviction already owns the instance. An abandoned wait rolls
// the state back so a later destroy or the reaper can claim the instance.
func (i *Instance) beginEvict(ctx context.Context) error {
	i.mu.Lock()
	if i.state == StateEvicting || i.state == StateDestroyed {
		i.mu.Unlock()
		return errEvicting
	}
	i.state = StateEvicting
	i.mu.Unlock()

	select {
	case i.slot <- struct{}{}:
		return nil
	case <-ctx.Done():
		// Ready, not the prior state: if the query was still running it
		// finishes through endQuery either way, and Ready keeps the
		// instance visible to the reaper.
		i.mu.Lock()
		if i.state == StateEvicting {
			i.state = StateReady
		}
		i.mu.Unlock()
		return ctx.Err()
	}
}

// View is the caller-facing snapshot of an instance.
type View struct {
	ID             string
	Dialect        string
	DBName         string
	DBUser         string
	DBPassword     string
	HostPort       int
	Status         string
	SizeBytes      int64
	CreatedAt      time.Time
	LastActivityAt time.Time
	ExpiresAt      time.Time
}

// View snapshots the instance for API responses.
func (i *Instance) View() View {
	i.mu.Lock()
	defer i.mu.Unlock()
	return View{
		ID:             i.ID,
		Dialect:        i.Dialect.Name(),
		DBName:         i.Target.Database,
		DBUser:         i.Target.User,
		DBPassword:     i.Target.Password,
		HostPort:       i.host.HostPort,
		Status:         i.state.APIStatus(),
		SizeBytes:      i.sizeBytes,
		CreatedAt:      i.CreatedAt,
		LastActivityAt: i.lastActivity,
		ExpiresAt:      i.expiresAt,
	}
}

// Record snapshots the instance in its durable form.
func (i *Instance) Record() metastore.InstanceRecord {
	i.mu.Lock()
	defer i.mu.Unlock()
	return metastore.InstanceRecord{
		ID:             i.ID,
		Dialect:        i.Dialect.Name(),
		DBName:         i.Target.Database,
		DBUser:         i.Target.User,
		DBPassword:     i.Target.Password,
		Status:         i.state.APIStatus(),
		ContainerID:    i.host.ContainerID,
		HostPort:       i.host.HostPort,
		SizeBytes:      i.sizeBytes,
		CreatedAt:      i.CreatedAt,
		LastActivityAt: i.lastActivity,
		ExpiresAt:      i.expiresAt,
	}
}

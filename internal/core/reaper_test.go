package core

import (
	"context"
	"testing"
	"time"

	"github.com/giantswarm/dbenv/internal/apperr"
)

func TestNewReaperIntervalClamp(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		inactivity time.Duration
		want       time.Duration
	}{
		"tenth of the window": {5 * time.Minute, 30 * time.Second},
		"floor at one second": {5 * time.Second, time.Second},
		"cap at one minute":   {2 * time.Hour, time.Minute},
	}
	for name, tc := range tests {
		tc := tc
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			r := NewReaper(nil, nil, tc.inactivity, false)
			if r.interval != tc.want {
				t.Errorf("interval = %v, want %v", r.interval, tc.want)
			}
		})
	}
}

func TestSweepEvictsOnlyExpired(t *testing.T) {
	t.Parallel()

	d := newFakeDaemon()
	snaps, reg, _, _ := newTestSnapshots(d)
	ctx := context.Background()

	idle, err := reg.Create(ctx, "mysql")
	if err != nil {
		t.Fatalf("Create error: %v", err)
	}
	active, err := reg.Create(ctx, "mysql")
	if err != nil {
		t.Fatalf("Create error: %v", err)
	}

	idle.Touch(-time.Minute)
	active.Touch(time.Hour)

	r := NewReaper(reg, snaps, time.Hour, false)
	r.sweep(ctx)

	if _, err := reg.Get(idle.ID); !apperr.IsKind(err, apperr.DBNotFound) {
		t.Error("idle instance survived the sweep")
	}
	if _, err := reg.Get(active.ID); err != nil {
		t.Errorf("active instance evicted: %v", err)
	}
}

func TestSweepSkipsBusyInstances(t *testing.T) {
	t.Parallel()

	d := newFakeDaemon()
	snaps, reg, _, _ := newTestSnapshots(d)
	ctx := context.Background()

	inst, err := reg.Create(ctx, "mysql")
	if err != nil {
		t.Fatalf("Create error: %v", err)
	}
	inst.Touch(-time.Minute)
	if err := inst.beginQuery(ctx, 50*time.Millisecond); err != nil {
		t.Fatalf("beginQuery error: %v", err)
	}
	defer inst.endQuery()

	r := NewReaper(reg, snaps, time.Hour, false)
	r.sweep(ctx)

	if _, err := reg.Get(inst.ID); err != nil {
		t.Errorf("busy instance evicted: %v", err)
	}
}

func TestSweepBacksUpBeforeEviction(t *testing.T) {
	t.Parallel()

	d := newFakeDaemon()
	snaps, reg, meta, store := newTestSnapshots(d)
	ctx := context.Background()

	inst, err := reg.Create(ctx, "mysql")
	if err != nil {
		t.Fatalf("Create error: %v", err)
	}
	inst.Touch(-time.Minute)

	d.streamHook = func(cmd []string) (Exec, error) {
		if cmd[0] == "mysqldump" {
			return newFakeExec(testDump, "", 0), nil
		}
		return newFakeExec("", "", 0), nil
	}

	r := NewReaper(reg, snaps, time.Hour, true)
	r.sweep(ctx)

	if _, err := reg.Get(inst.ID); !apperr.IsKind(err, apperr.DBNotFound) {
		t.Error("expired instance survived the sweep")
	}

	backups, err := meta.ListBackups(ctx, inst.ID)
	if err != nil {
		t.Fatalf("ListBackups error: %v", err)
	}
	if len(backups) != 1 {
		t.Fatalf("got %d backups, want 1", len(backups))
	}
	if _, ok := store.objects[backups[0].ObjectKey]; !ok {
		t.Error("backup object missing from the store")
	}
}

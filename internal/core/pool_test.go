package core

import (
	"context"
	"errors"
	"testing"

	"github.com/giantswarm/dbenv/internal/apperr"
	"github.com/giantswarm/dbenv/internal/dialect"
	"github.com/giantswarm/dbenv/internal/dockerd"
)

func TestAcquireSpawnsHost(t *testing.T) {
	t.Parallel()

	d := newFakeDaemon()
	p := NewHostPool(d, 512, 2, 2)

	h, err := p.Acquire(context.Background(), dialect.MySQL{})
	if err != nil {
		t.Fatalf("Acquire error: %v", err)
	}
	if h.ContainerID == "" || h.HostPort == 0 {
		t.Errorf("host not fully populated: %+v", h)
	}
	if h.RootPassword == "" {
		t.Error("host has no root password")
	}

	info, err := d.InspectContainer(context.Background(), h.ContainerID)
	if err != nil {
		t.Fatalf("InspectContainer error: %v", err)
	}
	if info.Labels[labelPool] != "true" || info.Labels[labelDialect] != "mysql" {
		t.Errorf("container labels = %v", info.Labels)
	}
	if info.Labels[labelRootPassword] != h.RootPassword {
		t.Error("root password label does not match host")
	}
}

func TestAcquireReusesWarmHost(t *testing.T) {
	t.Parallel()

	d := newFakeDaemon()
	p := NewHostPool(d, 512, 2, 2)
	ctx := context.Background()

	first, err := p.Acquire(ctx, dialect.MySQL{})
	if err != nil {
		t.Fatalf("first Acquire error: %v", err)
	}
	second, err := p.Acquire(ctx, dialect.MySQL{})
	if err != nil {
		t.Fatalf("second Acquire error: %v", err)
	}
	if first != second {
		t.Error("second acquire spawned a new host despite free capacity")
	}
	if got := p.HostCounts()["mysql"]; got != 1 {
		t.Errorf("host count = %d, want 1", got)
	}
}

func TestAcquireSpawnsSecondHostWhenFull(t *testing.T) {
	t.Parallel()

	d := newFakeDaemon()
	p := NewHostPool(d, 512, 2, 1)
	ctx := context.Background()

	first, err := p.Acquire(ctx, dialect.MySQL{})
	if err != nil {
		t.Fatalf("first Acquire error: %v", err)
	}
	second, err := p.Acquire(ctx, dialect.MySQL{})
	if err != nil {
		t.Fatalf("second Acquire error: %v", err)
	}
	if first == second {
		t.Error("full host was handed out again")
	}
	if got := p.HostCounts()["mysql"]; got != 2 {
		t.Errorf("host count = %d, want 2", got)
	}
}

func TestAcquireFailsWhenPoolExhausted(t *testing.T) {
	t.Parallel()

	d := newFakeDaemon()
	p := NewHostPool(d, 512, 1, 1)
	ctx := context.Background()

	if _, err := p.Acquire(ctx, dialect.MySQL{}); err != nil {
		t.Fatalf("first Acquire error: %v", err)
	}
	_, err := p.Acquire(ctx, dialect.MySQL{})
	if !apperr.IsKind(err, apperr.PoolExhausted) {
		t.Errorf("Acquire at cap = %v, want POOL_EXHAUSTED", err)
	}
}

func TestAcquirePullFailure(t *testing.T) {
	t.Parallel()

	d := newFakeDaemon()
	d.pullErr = errors.New("manifest unknown")
	p := NewHostPool(d, 512, 2, 2)

	_, err := p.Acquire(context.Background(), dialect.MySQL{})
	if !apperr.IsKind(err, apperr.DialectPullFailed) {
		t.Fatalf("Acquire with failing pull = %v, want DIALECT_PULL_FAILED", err)
	}
	// The failed placeholder must not linger against the cap.
	if got := p.HostCounts()["mysql"]; got != 0 {
		t.Errorf("host count after failed spawn = %d, want 0", got)
	}
}

func TestWarmSpawnsIdleHost(t *testing.T) {
	t.Parallel()

	d := newFakeDaemon()
	p := NewHostPool(d, 512, 2, 2)
	ctx := context.Background()

	if err := p.Warm(ctx, dialect.MySQL{}); err != nil {
		t.Fatalf("Warm error: %v", err)
	}
	if got := p.HostCounts()["mysql"]; got != 1 {
		t.Fatalf("host count = %d, want 1", got)
	}

	// Repeated warming is a no-op while a warm host exists.
	if err := p.Warm(ctx, dialect.MySQL{}); err != nil {
		t.Fatalf("second Warm error: %v", err)
	}
	if got := p.HostCounts()["mysql"]; got != 1 {
		t.Errorf("host count after repeat = %d, want 1", got)
	}

	// The warmed host carries no instances, so the next acquire lands on it
	// without spawning another container.
	h, err := p.Acquire(ctx, dialect.MySQL{})
	if err != nil {
		t.Fatalf("Acquire error: %v", err)
	}
	if got := p.HostCounts()["mysql"]; got != 1 {
		t.Errorf("host count after acquire = %d, want 1", got)
	}
	h.mu.Lock()
	hosted := h.hosted
	h.mu.Unlock()
	if hosted != 1 {
		t.Errorf("hosted = %d, want 1", hosted)
	}
}

func TestWarmSkipsDialectWithWarmHost(t *testing.T) {
	t.Parallel()

	d := newFakeDaemon()
	p := NewHostPool(d, 512, 2, 2)
	ctx := context.Background()

	if _, err := p.Acquire(ctx, dialect.MySQL{}); err != nil {
		t.Fatalf("Acquire error: %v", err)
	}
	if err := p.Warm(ctx, dialect.MySQL{}); err != nil {
		t.Fatalf("Warm error: %v", err)
	}
	if got := p.HostCounts()["mysql"]; got != 1 {
		t.Errorf("host count = %d, want 1", got)
	}
}

func TestWarmFailsWhenPoolExhausted(t *testing.T) {
	t.Parallel()

	d := newFakeDaemon()
	p := NewHostPool(d, 512, 1, 1)
	ctx := context.Background()

	h, err := p.Acquire(ctx, dialect.MySQL{})
	if err != nil {
		t.Fatalf("Acquire error: %v", err)
	}
	// Drain the only host so no warm host remains, leaving the cap reached.
	p.Retire(ctx, h)

	if err := p.Warm(ctx, dialect.MySQL{}); !apperr.IsKind(err, apperr.PoolExhausted) {
		t.Errorf("Warm at cap = %v, want POOL_EXHAUSTED", err)
	}
}

func TestReleaseTearsDownDrainingHost(t *testing.T) {
	t.Parallel()

	d := newFakeDaemon()
	p := NewHostPool(d, 512, 2, 2)
	ctx := context.Background()

	h, err := p.Acquire(ctx, dialect.MySQL{})
	if err != nil {
		t.Fatalf("Acquire error: %v", err)
	}

	p.Retire(ctx, h)
	if _, err := d.InspectContainer(ctx, h.ContainerID); err != nil {
		t.Fatal("draining host destroyed while still hosting instances")
	}

	p.Release(ctx, h)
	if _, err := d.InspectContainer(ctx, h.ContainerID); err == nil {
		t.Error("drained empty host still running")
	}
	if got := p.HostCounts()["mysql"]; got != 0 {
		t.Errorf("host count = %d, want 0", got)
	}
}

func TestAdoptAndFind(t *testing.T) {
	t.Parallel()

	p := NewHostPool(newFakeDaemon(), 512, 2, 2)
	info := dockerd.ContainerInfo{
		ID:      "ctr-adopted",
		Running: true,
		Labels: map[string]string{
			labelPool:         "true",
			labelDialect:      "mysql",
			labelPort:         "3306",
			labelRootPassword: "rootpw",
		},
		HostPort: 40123,
	}

	if err := p.Adopt(info); err != nil {
		t.Fatalf("Adopt error: %v", err)
	}
	h, ok := p.FindByContainer("ctr-adopted")
	if !ok {
		t.Fatal("adopted host not findable")
	}
	if h.RootPassword != "rootpw" || h.Port != 3306 || h.HostPort != 40123 {
		t.Errorf("adopted host = %+v", h)
	}

	// Adopted hosts take new instances right away.
	if !h.reserve(2) {
		t.Error("adopted host refuses reservations")
	}
}

func TestAdoptRejectsUnlabeledContainer(t *testing.T) {
	t.Parallel()

	p := NewHostPool(newFakeDaemon(), 512, 2, 2)
	err := p.Adopt(dockerd.ContainerInfo{ID: "ctr-x", Labels: map[string]string{}})
	if err == nil {
		t.Error("Adopt accepted a container without labels")
	}
}

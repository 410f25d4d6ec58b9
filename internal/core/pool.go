package core

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/giantswarm/dbenv/internal/apperr"
	"github.com/giantswarm/dbenv/internal/dialect"
	"github.com/giantswarm/dbenv/internal/dockerd"
	"github.com/giantswarm/dbenv/internal/metrics"
)

// healthPollInterval is how often a starting host is probed until its
// engine accepts admin commands.
const healthPollInterval = time.Second

// healthStrikeLimit is the number of consecutive failed probes after which
// a warm host is retired.
const healthStrikeLimit = 3

// Host is one pooled engine container. It serves many logical databases;
// hosted tracks how many instances currently live on it.
type Host struct {
	ContainerID  string
	Dialect      string
	RootPassword string
	Port         int
	HostPort     int

	mu       sync.Mutex
	ready    bool
	hosted   int
	draining bool
	strikes  int
}

// reserve claims one slot on the host if it is warm, not draining, and
// under capacity.
func (h *Host) reserve(capacity int) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.ready || h.draining || h.hosted >= capacity {
		return false
	}
	h.hosted++
	return true
}

// attach claims a slot without a capacity check. Recovery uses it to re-home
// instances that already live on the host.
func (h *Host) attach() {
	h.mu.Lock()
	h.hosted++
	h.mu.Unlock()
}

// HostPool manages the per-dialect host containers. Acquire hands out a slot
// on a warm host, spawning a new container when all warm hosts are full and
// the per-dialect cap allows another.
type HostPool struct {
	daemon   Daemon
	memoryMB int
	maxHosts int
	capacity int

	mu    sync.Mutex
	hosts map[string][]*Host
	// next is the round-robin cursor per dialect, spreading instances over
	// warm hosts instead of packing the first one.
	next map[string]int
}

// NewHostPool builds an empty pool.
func NewHostPool(daemon Daemon, memoryMB, maxHosts, capacity int) *HostPool {
	return &HostPool{
		daemon:   daemon,
		memoryMB: memoryMB,
		maxHosts: maxHosts,
		capacity: capacity,
		hosts:    make(map[string][]*Host),
		next:     make(map[string]int),
	}
}

// Acquire returns a host with a free slot for the dialect, claiming the
// slot. When no warm host has room it spawns a new container, which blocks
// through image pull and engine startup; past the per-dialect cap it fails
// with POOL_EXHAUSTED.
func (p *HostPool) Acquire(ctx context.Context, a dialect.Adapter) (*Host, error) {
	name := a.Name()

	p.mu.Lock()
	hosts := p.hosts[name]
	if n := len(hosts); n > 0 {
		start := p.next[name] % n
		for k := 0; k < n; k++ {
			h := hosts[(start+k)%n]
			if h.reserve(p.capacity) {
				p.next[name] = (start + k + 1) % n
				p.mu.Unlock()
				return h, nil
			}
		}
	}
	if len(hosts) >= p.maxHosts {
		p.mu.Unlock()
		return nil, apperr.Newf(apperr.PoolExhausted,
			"all %d %s hosts are at capacity", p.maxHosts, name)
	}

	// Register the host before the daemon work so concurrent acquires count
	// it against the cap. The caller's slot is pre-claimed.
	h := &Host{Dialect: name, Port: a.ContainerPort(), hosted: 1}
	p.hosts[name] = append(hosts, h)
	metrics.PoolHosts.WithLabelValues(name).Set(float64(len(p.hosts[name])))
	p.mu.Unlock()

	if err := p.spawn(ctx, a, h); err != nil {
		p.remove(h)
		return nil, err
	}
	return h, nil
}

// Warm ensures at least one ready host exists for the dialect without
// claiming a slot. A warm host already serving the dialect makes it a no-op,
// so repeated calls are safe; past the per-dialect cap it fails with
// POOL_EXHAUSTED.
func (p *HostPool) Warm(ctx context.Context, a dialect.Adapter) error {
	name := a.Name()

	p.mu.Lock()
	for _, h := range p.hosts[name] {
		h.mu.Lock()
		warm := h.ready && !h.draining
		h.mu.Unlock()
		if warm {
			p.mu.Unlock()
			return nil
		}
	}
	if len(p.hosts[name]) >= p.maxHosts {
		p.mu.Unlock()
		return apperr.Newf(apperr.PoolExhausted,
			"all %d %s hosts are at capacity", p.maxHosts, name)
	}

	// Unlike Acquire, no slot is pre-claimed; the host starts empty.
	h := &Host{Dialect: name, Port: a.ContainerPort()}
	p.hosts[name] = append(p.hosts[name], h)
	metrics.PoolHosts.WithLabelValues(name).Set(float64(len(p.hosts[name])))
	p.mu.Unlock()

	if err := p.spawn(ctx, a, h); err != nil {
		p.remove(h)
		return err
	}
	return nil
}

// Release gives back one slot. A draining host whose last instance leaves is
// destroyed.
func (p *HostPool) Release(ctx context.Context, h *Host) {
	h.mu.Lock()
	if h.hosted > 0 {
		h.hosted--
	}
	teardown := h.draining && h.hosted == 0
	h.mu.Unlock()

	if teardown {
		p.teardown(ctx, h)
	}
}

// Retire marks a host as draining so it takes no new instances; it is
// destroyed once empty.
func (p *HostPool) Retire(ctx context.Context, h *Host) {
	h.mu.Lock()
	h.draining = true
	h.ready = false
	empty := h.hosted == 0
	h.mu.Unlock()

	if empty {
		p.teardown(ctx, h)
	}
}

// Adopt registers an already-running host container found during recovery.
func (p *HostPool) Adopt(info dockerd.ContainerInfo) error {
	name := info.Labels[labelDialect]
	if name == "" {
		return fmt.Errorf("container %s carries no dialect label", info.ID)
	}
	port, err := strconv.Atoi(info.Labels[labelPort])
	if err != nil {
		return fmt.Errorf("container %s carries a bad port label: %w", info.ID, err)
	}

	h := &Host{
		ContainerID:  info.ID,
		Dialect:      name,
		RootPassword: info.Labels[labelRootPassword],
		Port:         port,
		HostPort:     info.HostPort,
		ready:        true,
	}

	p.mu.Lock()
	p.hosts[name] = append(p.hosts[name], h)
	metrics.PoolHosts.WithLabelValues(name).Set(float64(len(p.hosts[name])))
	p.mu.Unlock()
	return nil
}

// FindByContainer returns the adopted host running in the given container.
func (p *HostPool) FindByContainer(id string) (*Host, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, hosts := range p.hosts {
		for _, h := range hosts {
			if h.ContainerID == id {
				return h, true
			}
		}
	}
	return nil, false
}

// HostCounts returns the number of hosts per dialect.
func (p *HostPool) HostCounts() map[string]int {
	p.mu.Lock()
	defer p.mu.Unlock()
	counts := make(map[string]int, len(p.hosts))
	for name, hosts := range p.hosts {
		counts[name] = len(hosts)
	}
	return counts
}

// Shutdown destroys every host container. Instances die with their hosts;
// durable records plus labels let a restart rebuild what survives.
func (p *HostPool) Shutdown(ctx context.Context) {
	p.mu.Lock()
	var all []*Host
	for name, hosts := range p.hosts {
		all = append(all, hosts...)
		metrics.PoolHosts.WithLabelValues(name).Set(0)
	}
	p.hosts = make(map[string][]*Host)
	p.mu.Unlock()

	for _, h := range all {
		if err := p.daemon.DestroyContainer(ctx, h.ContainerID); err != nil {
			Logger().Warn("destroying host container on shutdown",
				"container", h.ContainerID, "error", err)
		}
	}
}

// spawn pulls the dialect image, starts a labeled host container, and waits
// for the engine to accept admin commands.
func (p *HostPool) spawn(ctx context.Context, a dialect.Adapter, h *Host) error {
	log := Logger().With("dialect", a.Name())

	if err := p.daemon.EnsureImage(ctx, a.ImageRef()); err != nil {
		return apperr.Wrap(apperr.DialectPullFailed,
			fmt.Sprintf("pulling image %s", a.ImageRef()), err)
	}

	rootPassword := newPassword()
	spec := dockerd.ContainerSpec{
		Name:  fmt.Sprintf("dbenv-%s-%s", a.Name(), simple(newID())[:8]),
		Image: a.ImageRef(),
		Env:   a.PoolEnv(rootPassword),
		Labels: map[string]string{
			labelPool:         "true",
			labelDialect:      a.Name(),
			labelPort:         strconv.Itoa(a.ContainerPort()),
			labelRootPassword: rootPassword,
		},
		MemoryMB: p.memoryMB,
		Port:     a.ContainerPort(),
	}

	info, err := p.daemon.RunContainer(ctx, spec)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "starting host container", err)
	}
	log.Info("host container started", "container", info.ID, "host_port", info.HostPort)

	if err := p.awaitEngine(ctx, a, info.ID, rootPassword); err != nil {
		if destroyErr := p.daemon.DestroyContainer(ctx, info.ID); destroyErr != nil {
			log.Warn("destroying failed host container", "container", info.ID, "error", destroyErr)
		}
		return err
	}

	h.mu.Lock()
	h.ContainerID = info.ID
	h.RootPassword = rootPassword
	h.HostPort = info.HostPort
	h.ready = true
	h.mu.Unlock()

	log.Info("host container ready", "container", info.ID)
	return nil
}

// awaitEngine polls the dialect's health probe until it succeeds or the
// dialect's startup timeout elapses.
func (p *HostPool) awaitEngine(ctx context.Context, a dialect.Adapter, containerID, rootPassword string) error {
	deadline := time.Now().Add(a.StartupTimeout())
	ticker := time.NewTicker(healthPollInterval)
	defer ticker.Stop()

	for {
		out, err := p.daemon.ExecCollect(ctx, containerID, dockerd.ExecSpec{
			Cmd: a.HealthCommand(rootPassword),
		})
		if err == nil && out.ExitCode == 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return apperr.Newf(apperr.Internal,
				"%s engine did not come up within %s", a.Name(), a.StartupTimeout())
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// remove drops a host from the pool's book-keeping.
func (p *HostPool) remove(target *Host) {
	p.mu.Lock()
	defer p.mu.Unlock()
	hosts := p.hosts[target.Dialect]
	for i, h := range hosts {
		if h == target {
			p.hosts[target.Dialect] = append(hosts[:i], hosts[i+1:]...)
			metrics.PoolHosts.WithLabelValues(target.Dialect).Set(float64(len(p.hosts[target.Dialect])))
			return
		}
	}
}

// teardown destroys a host's container and forgets it.
func (p *HostPool) teardown(ctx context.Context, h *Host) {
	p.remove(h)
	if err := p.daemon.DestroyContainer(ctx, h.ContainerID); err != nil {
		Logger().Warn("destroying host container", "container", h.ContainerID, "error", err)
	}
}

// HealthLoop probes every warm host on each tick and retires hosts that
// fail three probes in a row. It returns when the context is canceled.
func (p *HostPool) HealthLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.probeAll(ctx)
		}
	}
}

func (p *HostPool) probeAll(ctx context.Context) {
	p.mu.Lock()
	var warm []*Host
	for _, hosts := range p.hosts {
		for _, h := range hosts {
			h.mu.Lock()
			if h.ready && !h.draining {
				warm = append(warm, h)
			}
			h.mu.Unlock()
		}
	}
	p.mu.Unlock()

	for _, h := range warm {
		a, err := dialect.ForName(h.Dialect)
		if err != nil {
			continue
		}

		probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		out, err := p.daemon.ExecCollect(probeCtx, h.ContainerID, dockerd.ExecSpec{
			Cmd: a.HealthCommand(h.RootPassword),
		})
		cancel()

		healthy := err == nil && out.ExitCode == 0

		h.mu.Lock()
		if healthy {
			h.strikes = 0
		} else {
			h.strikes++
		}
		retire := h.strikes >= healthStrikeLimit
		h.mu.Unlock()

		if retire {
			Logger().Warn("retiring unhealthy host", "container", h.ContainerID, "dialect", h.Dialect)
			p.Retire(ctx, h)
		}
	}
}

package core

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/giantswarm/dbenv/internal/config"
	"github.com/giantswarm/dbenv/internal/dockerd"
	"github.com/giantswarm/dbenv/internal/metastore"
	"github.com/giantswarm/dbenv/internal/objstore"
)

// fakeExec is an in-memory Exec with canned output.
type fakeExec struct {
	stdout io.ReadCloser
	stderr io.ReadCloser
	exit   int

	closeOnce sync.Once
	closeFn   func()
}

func newFakeExec(stdout, stderr string, exit int) *fakeExec {
	return &fakeExec{
		stdout: io.NopCloser(strings.NewReader(stdout)),
		stderr: io.NopCloser(strings.NewReader(stderr)),
		exit:   exit,
	}
}

func (f *fakeExec) Stdout() io.ReadCloser { return f.stdout }
func (f *fakeExec) Stderr() io.ReadCloser { return f.stderr }

func (f *fakeExec) Wait(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return f.exit, nil
}

func (f *fakeExec) Close() error {
	f.closeOnce.Do(func() {
		if f.closeFn != nil {
			f.closeFn()
		}
	})
	return nil
}

// execCall records one exec request for assertions.
type execCall struct {
	container string
	cmd       []string
	stdin     string
}

// fakeDaemon is an in-memory Daemon. Hooks override the default everything-
// succeeds behavior per test.
type fakeDaemon struct {
	mu         sync.Mutex
	containers map[string]dockerd.ContainerInfo
	nextPort   int
	execs      []execCall

	pullErr error
	runErr  error

	// collectHook shapes ExecCollect results by command; nil means exit 0.
	collectHook func(cmd []string) (dockerd.ExecOutput, error)
	// streamHook shapes StartExec results by command; nil means an empty
	// stream with exit 0.
	streamHook func(cmd []string) (Exec, error)
}

func newFakeDaemon() *fakeDaemon {
	return &fakeDaemon{
		containers: make(map[string]dockerd.ContainerInfo),
		nextPort:   40000,
	}
}

func (d *fakeDaemon) Ping(context.Context) error { return nil }

func (d *fakeDaemon) EnsureImage(context.Context, string) error { return d.pullErr }

func (d *fakeDaemon) RunContainer(_ context.Context, spec dockerd.ContainerSpec) (dockerd.ContainerInfo, error) {
	if d.runErr != nil {
		return dockerd.ContainerInfo{}, d.runErr
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextPort++
	info := dockerd.ContainerInfo{
		ID:       fmt.Sprintf("ctr-%d", len(d.containers)+1),
		Name:     spec.Name,
		Running:  true,
		Labels:   spec.Labels,
		HostPort: d.nextPort,
	}
	d.containers[info.ID] = info
	return info, nil
}

func (d *fakeDaemon) DestroyContainer(_ context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.containers, id)
	return nil
}

func (d *fakeDaemon) InspectContainer(_ context.Context, id string) (dockerd.ContainerInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	info, ok := d.containers[id]
	if !ok {
		return dockerd.ContainerInfo{}, fmt.Errorf("no container %s", id)
	}
	return info, nil
}

func (d *fakeDaemon) ListByLabel(_ context.Context, key, value string) ([]dockerd.ContainerInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []dockerd.ContainerInfo
	for _, info := range d.containers {
		if info.Labels[key] == value {
			out = append(out, info)
		}
	}
	return out, nil
}

func (d *fakeDaemon) StartExec(_ context.Context, containerID string, spec dockerd.ExecSpec) (Exec, error) {
	d.record(containerID, spec)
	if d.streamHook != nil {
		return d.streamHook(spec.Cmd)
	}
	return newFakeExec("", "", 0), nil
}

func (d *fakeDaemon) ExecCollect(_ context.Context, containerID string, spec dockerd.ExecSpec) (dockerd.ExecOutput, error) {
	d.record(containerID, spec)
	if d.collectHook != nil {
		return d.collectHook(spec.Cmd)
	}
	return dockerd.ExecOutput{ExitCode: 0}, nil
}

func (d *fakeDaemon) record(containerID string, spec dockerd.ExecSpec) {
	call := execCall{container: containerID, cmd: spec.Cmd}
	if spec.Stdin != nil {
		b, _ := io.ReadAll(spec.Stdin)
		call.stdin = string(b)
	}
	d.mu.Lock()
	d.execs = append(d.execs, call)
	d.mu.Unlock()
}

func (d *fakeDaemon) execCalls() []execCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]execCall(nil), d.execs...)
}

// fakeMeta is an in-memory MetadataStore.
type fakeMeta struct {
	mu        sync.Mutex
	instances map[string]metastore.InstanceRecord
	backups   map[string]metastore.BackupRecord

	upsertErr error
}

func newFakeMeta() *fakeMeta {
	return &fakeMeta{
		instances: make(map[string]metastore.InstanceRecord),
		backups:   make(map[string]metastore.BackupRecord),
	}
}

func (m *fakeMeta) UpsertInstance(_ context.Context, rec metastore.InstanceRecord) error {
	if m.upsertErr != nil {
		return m.upsertErr
	}
	m.mu.Lock()
	m.instances[rec.ID] = rec
	m.mu.Unlock()
	return nil
}

func (m *fakeMeta) GetInstance(_ context.Context, id string) (metastore.InstanceRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.instances[id]
	if !ok {
		return metastore.InstanceRecord{}, metastore.ErrNotFound
	}
	return rec, nil
}

func (m *fakeMeta) DeleteInstance(_ context.Context, id string) error {
	m.mu.Lock()
	delete(m.instances, id)
	m.mu.Unlock()
	return nil
}

func (m *fakeMeta) ListInstances(context.Context) ([]metastore.InstanceRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []metastore.InstanceRecord
	for _, rec := range m.instances {
		out = append(out, rec)
	}
	return out, nil
}

func (m *fakeMeta) UpsertBackup(_ context.Context, rec metastore.BackupRecord) error {
	m.mu.Lock()
	m.backups[rec.ID] = rec
	m.mu.Unlock()
	return nil
}

func (m *fakeMeta) GetBackup(_ context.Context, id string) (metastore.BackupRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.backups[id]
	if !ok {
		return metastore.BackupRecord{}, metastore.ErrNotFound
	}
	return rec, nil
}

func (m *fakeMeta) DeleteBackup(_ context.Context, id string) error {
	m.mu.Lock()
	delete(m.backups, id)
	m.mu.Unlock()
	return nil
}

func (m *fakeMeta) ListBackups(_ context.Context, dbID string) ([]metastore.BackupRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []metastore.BackupRecord
	for _, rec := range m.backups {
		if rec.DBID == dbID {
			out = append(out, rec)
		}
	}
	return out, nil
}

// fakeStore is an in-memory ObjectStore.
type fakeStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeStore() *fakeStore {
	return &fakeStore{objects: make(map[string][]byte)}
}

func (s *fakeStore) Put(_ context.Context, key string, data []byte, _ string) error {
	s.mu.Lock()
	s.objects[key] = append([]byte(nil), data...)
	s.mu.Unlock()
	return nil
}

func (s *fakeStore) Get(_ context.Context, key string) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[key]
	if !ok {
		return nil, objstore.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *fakeStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.objects, key)
	s.mu.Unlock()
	return nil
}

func testConfig() config.Config {
	return config.Config{
		Host:               "127.0.0.1",
		Port:               8080,
		InactivityTimeout:  time.Hour,
		QueryTimeout:       2 * time.Second,
		ContainerMemoryMB:  512,
		MaxDBSizeMB:        10,
		MaxHostsPerDialect: 2,
		HostCapacity:       2,
		MetadataDBPath:     "unused",
	}
}

func newTestRegistry(d *fakeDaemon, cfg config.Config) (*Registry, *fakeMeta) {
	meta := newFakeMeta()
	pool := NewHostPool(d, cfg.ContainerMemoryMB, cfg.MaxHostsPerDialect, cfg.HostCapacity)
	return NewRegistry(d, pool, meta, cfg), meta
}

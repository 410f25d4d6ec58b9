package core

import (
	"context"
	"io"

	"github.com/giantswarm/dbenv/internal/dockerd"
	"github.com/giantswarm/dbenv/internal/metastore"
)

// Labels stamped on host containers so a restarted service can find and
// re-adopt them. Values mirror the pool's in-memory host state.
const (
	labelPool         = "dbenv.pool"
	labelDialect      = "dbenv.dialect"
	labelPort         = "dbenv.container_port"
	labelRootPassword = "dbenv.root_password"
)

// Exec is a running in-container process with streaming output. Satisfied by
// *dockerd.Exec; tests substitute in-memory fakes.
type Exec interface {
	Stdout() io.ReadCloser
	Stderr() io.ReadCloser
	Wait(ctx context.Context) (int, error)
	Close() error
}

// Daemon is the container engine surface the core needs. Satisfied by the
// adapter over *dockerd.Client.
type Daemon interface {
	Ping(ctx context.Context) error
	EnsureImage(ctx context.Context, ref string) error
	RunContainer(ctx context.Context, spec dockerd.ContainerSpec) (dockerd.ContainerInfo, error)
	DestroyContainer(ctx context.Context, id string) error
	InspectContainer(ctx context.Context, id string) (dockerd.ContainerInfo, error)
	ListByLabel(ctx context.Context, key, value string) ([]dockerd.ContainerInfo, error)
	StartExec(ctx context.Context, containerID string, spec dockerd.ExecSpec) (Exec, error)
	ExecCollect(ctx context.Context, containerID string, spec dockerd.ExecSpec) (dockerd.ExecOutput, error)
}

// daemonAdapter lifts *dockerd.Client to the Daemon interface. StartExec's
// concrete return type becomes the Exec interface, and RunContainer gains a
// follow-up inspect to learn the daemon-assigned host port.
type daemonAdapter struct {
	*dockerd.Client
}

// NewDaemon wraps a docker client in the Daemon interface.
func NewDaemon(c *dockerd.Client) Daemon {
	return daemonAdapter{c}
}

func (a daemonAdapter) StartExec(ctx context.Context, containerID string, spec dockerd.ExecSpec) (Exec, error) {
	return a.Client.StartExec(ctx, containerID, spec)
}

func (a daemonAdapter) RunContainer(ctx context.Context, spec dockerd.ContainerSpec) (dockerd.ContainerInfo, error) {
	id, err := a.Client.RunContainer(ctx, spec)
	if err != nil {
		return dockerd.ContainerInfo{}, err
	}
	return a.Client.InspectContainer(ctx, id)
}

// MetadataStore is the durable record surface the registry and snapshot
// engine write through. Satisfied by *metastore.Store.
type MetadataStore interface {
	UpsertInstance(ctx context.Context, rec metastore.InstanceRecord) error
	GetInstance(ctx context.Context, id string) (metastore.InstanceRecord, error)
	DeleteInstance(ctx context.Context, id string) error
	ListInstances(ctx context.Context) ([]metastore.InstanceRecord, error)
	UpsertBackup(ctx context.Context, rec metastore.BackupRecord) error
	GetBackup(ctx context.Context, id string) (metastore.BackupRecord, error)
	DeleteBackup(ctx context.Context, id string) error
	ListBackups(ctx context.Context, dbID string) ([]metastore.BackupRecord, error)
}

// ObjectStore holds backup blobs. Satisfied by *objstore.Client; nil when
// backups are not configured.
type ObjectStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
}

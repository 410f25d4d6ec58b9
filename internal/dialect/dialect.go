// Package dialect defines the per-engine capability set: image reference,
// CLI invocations, bootstrap and teardown SQL, dump/restore commands, and
// output classification. Each supported engine is a closed module behind
// the Adapter interface; adding an engine means adding one implementation
// and registering it in ForName.
package dialect

import (
	"strings"
	"time"

	"github.com/giantswarm/dbenv/internal/apperr"
)

// Target identifies one logical database inside a host container, with the
// scoped credentials the adapter's CLI invocations authenticate with.
type Target struct {
	Database string
	User     string
	Password string
}

// Adapter is the capability set one engine family implements. All command
// methods return argv slices ready for daemon exec inside the dialect's
// host container; none of them touch the network themselves.
type Adapter interface {
	// Name is the canonical dialect tag ("mysql", "sqlserver").
	Name() string

	// ImageRef is the container image the pool runs for this dialect.
	ImageRef() string

	// ContainerPort is the engine's listen port inside the container.
	// Recorded on host containers for recovery; queries go through exec,
	// not the port.
	ContainerPort() int

	// PoolEnv is the environment for a new host container, bootstrapped
	// with the given root password.
	PoolEnv(rootPassword string) []string

	// StartupTimeout is how long a fresh host container may take to accept
	// its first admin command.
	StartupTimeout() time.Duration

	// HealthCommand is a trivial probe (SELECT 1 class) run as root.
	// Exit status zero means healthy.
	HealthCommand(rootPassword string) []string

	// AdminCommand runs arbitrary SQL as the engine root user. Used for
	// bootstrap, drop, and size probes.
	AdminCommand(rootPassword, sql string) []string

	// BootstrapSQL returns the statements that materialize the target:
	// create the database, create the scoped user, grant. Statements must
	// be idempotent so a retried create converges.
	BootstrapSQL(t Target) []string

	// DropSQL removes the target's database and user from the host.
	DropSQL(t Target) []string

	// QueryCommand executes sql against the target in machine-parseable
	// batch form (tab-separated, header row first).
	QueryCommand(t Target, sql string) []string

	// TextQueryCommand executes sql with the CLI's human-readable table
	// rendering, for the pass-through text format.
	TextQueryCommand(t Target, sql string) []string

	// CommandEnv is the per-exec environment for target-scoped commands,
	// carrying the password out of the argv (MYSQL_PWD, SQLCMDPASSWORD).
	CommandEnv(t Target) []string

	// IsErrorLine classifies one output line as a structural CLI error.
	IsErrorLine(line string) bool

	// SupportsSnapshot reports whether the engine family has a CLI dump
	// path. Backup, restore, and fork are refused for dialects without one.
	SupportsSnapshot() bool

	// DumpCommand emits a dialect-native dump of the target on stdout.
	// Nil when SupportsSnapshot is false.
	DumpCommand(t Target) []string

	// RestoreCommand consumes a dump from stdin into the target. Nil when
	// SupportsSnapshot is false.
	RestoreCommand(t Target) []string

	// SizeProbeSQL returns SQL whose single result cell is the target
	// database's on-disk size in bytes.
	SizeProbeSQL(t Target) string
}

// ForName resolves a dialect tag to its adapter. Tags are matched case
// insensitively and common aliases are accepted (mariadb, mssql). Unknown
// tags fail with DIALECT_UNSUPPORTED.
func ForName(name string) (Adapter, error) {
	switch strings.ToLower(name) {
	case "mysql", "mariadb":
		return MySQL{}, nil
	case "sqlserver", "mssql":
		return SQLServer{}, nil
	default:
		return nil, apperr.Newf(apperr.DialectUnsupported, "unsupported dialect: %s", name)
	}
}

// Supported lists the canonical dialect tags.
func Supported() []string {
	return []string{"mysql", "sqlserver"}
}

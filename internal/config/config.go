// Package config loads and validates the service configuration from the
// environment. A .env file is honored when present (godotenv); real
// environment variables take precedence over file entries.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Defaults for every tunable. Exported so tests and callers can reference
// them when building configurations relative to the defaults.
const (
	DefaultHost               = "0.0.0.0"
	DefaultPort               = 8080
	DefaultInactivityTimeout  = 1800 * time.Second
	DefaultQueryTimeout       = 60 * time.Second
	DefaultContainerMemoryMB  = 512
	DefaultMaxDBSizeMB        = 10
	DefaultMetadataDBPath     = "/data/metadata.db"
	DefaultBackupBucket       = "dbenv-backups"
	DefaultMaxHostsPerDialect = 2
	DefaultHostCapacity       = 50
)

// Config holds the full service configuration. All fields are immutable
// after Load; components receive the struct by value or read individual
// fields at construction time.
type Config struct {
	Host string
	Port int

	// InactivityTimeout is the idle-to-eviction delay for instances.
	InactivityTimeout time.Duration
	// QueryTimeout is the hard per-query deadline. It also bounds how long
	// a caller may wait for an instance's query slot.
	QueryTimeout time.Duration

	// ContainerMemoryMB caps the memory of each host container.
	ContainerMemoryMB int
	// MaxDBSizeMB is the per-instance size cap; writes are refused beyond it.
	MaxDBSizeMB int

	// MaxHostsPerDialect caps the number of host containers the pool may
	// run per dialect. When all are at capacity, create fails with
	// POOL_EXHAUSTED.
	MaxHostsPerDialect int
	// HostCapacity is the number of logical databases one host container
	// carries before the pool spawns another.
	HostCapacity int

	// MetadataDBPath is the SQLite file holding durable instance and
	// backup records.
	MetadataDBPath string

	// R2 object-store credentials for backups. Backups are disabled when
	// the account or key fields are empty.
	R2AccountID       string
	R2AccessKeyID     string
	R2SecretAccessKey string
	R2Bucket          string

	// BackupOnExpiry snapshots an instance before the reaper destroys it.
	BackupOnExpiry bool

	// WarmDialects lists dialects whose host pool is pre-warmed at startup
	// so the first create does not pay the image-pull and engine-start cost.
	WarmDialects []string
}

// Load reads configuration from the environment, first merging a .env file
// if one exists in the working directory. Missing or malformed values fall
// back to defaults; Validate is the place where hard requirements are
// enforced.
func Load() Config {
	// Ignore the error: a missing .env file is the normal production case.
	_ = godotenv.Load()

	return Config{
		Host:               envString("HOST", DefaultHost),
		Port:               envInt("PORT", DefaultPort),
		InactivityTimeout:  envSeconds("INACTIVITY_TIMEOUT_SECS", DefaultInactivityTimeout),
		QueryTimeout:       envSeconds("QUERY_TIMEOUT_SECS", DefaultQueryTimeout),
		ContainerMemoryMB:  envInt("CONTAINER_MEMORY_MB", DefaultContainerMemoryMB),
		MaxDBSizeMB:        envInt("MAX_DB_SIZE_MB", DefaultMaxDBSizeMB),
		MaxHostsPerDialect: envInt("MAX_HOSTS_PER_DIALECT", DefaultMaxHostsPerDialect),
		HostCapacity:       envInt("HOST_CAPACITY", DefaultHostCapacity),
		MetadataDBPath:     envString("METADATA_DB_PATH", DefaultMetadataDBPath),
		R2AccountID:        envString("R2_ACCOUNT_ID", ""),
		R2AccessKeyID:      envString("R2_ACCESS_KEY_ID", ""),
		R2SecretAccessKey:  envString("R2_SECRET_ACCESS_KEY", ""),
		R2Bucket:           envString("R2_BUCKET", DefaultBackupBucket),
		BackupOnExpiry:     envBool("BACKUP_ON_EXPIRY", true),
		WarmDialects:       envList("WARM_DIALECTS"),
	}
}

// Validate checks all Config invariants and returns an error describing
// every violation found. It uses errors.Join so callers can fix all
// problems in a single pass.
func (c Config) Validate() error {
	var errs []error

	if c.Host == "" {
		errs = append(errs, errors.New("host must not be empty"))
	}
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port must be in (0, 65535], got %d", c.Port))
	}
	if c.InactivityTimeout <= 0 {
		errs = append(errs, fmt.Errorf("inactivity timeout must be greater than 0, got %s", c.InactivityTimeout))
	}
	if c.QueryTimeout <= 0 {
		errs = append(errs, fmt.Errorf("query timeout must be greater than 0, got %s", c.QueryTimeout))
	}
	if c.ContainerMemoryMB <= 0 {
		errs = append(errs, fmt.Errorf("container memory must be greater than 0 MB, got %d", c.ContainerMemoryMB))
	}
	if c.MaxDBSizeMB <= 0 {
		errs = append(errs, fmt.Errorf("max db size must be greater than 0 MB, got %d", c.MaxDBSizeMB))
	}
	if c.MaxHostsPerDialect <= 0 {
		errs = append(errs, fmt.Errorf("max hosts per dialect must be greater than 0, got %d", c.MaxHostsPerDialect))
	}
	if c.HostCapacity <= 0 {
		errs = append(errs, fmt.Errorf("host capacity must be greater than 0, got %d", c.HostCapacity))
	}
	if c.MetadataDBPath == "" {
		errs = append(errs, errors.New("metadata db path must not be empty"))
	}

	return errors.Join(errs...)
}

// BackupEnabled reports whether object-store credentials are fully
// configured. BackupOnExpiry is independent: it only governs whether the
// reaper snapshots before evicting.
func (c Config) BackupEnabled() bool {
	return c.R2AccountID != "" &&
		c.R2AccessKeyID != "" &&
		c.R2SecretAccessKey != ""
}

// ListenAddr returns the host:port pair the HTTP server binds to.
func (c Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envSeconds(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fallback
	}
	return time.Duration(n) * time.Second
}

func envList(key string) []string {
	var out []string
	for _, item := range strings.Split(os.Getenv(key), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func envBool(key string, fallback bool) bool {
	switch os.Getenv(key) {
	case "true", "1":
		return true
	case "false", "0":
		return false
	default:
		return fallback
	}
}

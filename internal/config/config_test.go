package config

import (
	"strings"
	"testing"
	"time"
)

// validConfig returns a Config that passes Validate. Tests mutate single
// fields to probe individual invariants.
func validConfig() Config {
	return Config{
		Host:               DefaultHost,
		Port:               DefaultPort,
		InactivityTimeout:  DefaultInactivityTimeout,
		QueryTimeout:       DefaultQueryTimeout,
		ContainerMemoryMB:  DefaultContainerMemoryMB,
		MaxDBSizeMB:        DefaultMaxDBSizeMB,
		MaxHostsPerDialect: DefaultMaxHostsPerDialect,
		HostCapacity:       DefaultHostCapacity,
		MetadataDBPath:     "/tmp/metadata.db",
	}
}

func TestLoadDefaults(t *testing.T) {
	// Not parallel: Load reads process environment.
	cfg := Load()

	if cfg.Port != DefaultPort {
		t.Errorf("Port = %d, want %d", cfg.Port, DefaultPort)
	}
	if cfg.InactivityTimeout != 1800*time.Second {
		t.Errorf("InactivityTimeout = %s, want 1800s", cfg.InactivityTimeout)
	}
	if cfg.QueryTimeout != 60*time.Second {
		t.Errorf("QueryTimeout = %s, want 60s", cfg.QueryTimeout)
	}
	if !cfg.BackupOnExpiry {
		t.Error("BackupOnExpiry should default to true")
	}
	if cfg.BackupEnabled() {
		t.Error("BackupEnabled should be false without R2 credentials")
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("INACTIVITY_TIMEOUT_SECS", "2")
	t.Setenv("QUERY_TIMEOUT_SECS", "5")
	t.Setenv("BACKUP_ON_EXPIRY", "false")
	t.Setenv("MAX_DB_SIZE_MB", "25")
	t.Setenv("WARM_DIALECTS", "mysql, sqlserver,")

	cfg := Load()

	if cfg.Port != 9090 {
		t.Errorf("Port = %d, want 9090", cfg.Port)
	}
	if cfg.InactivityTimeout != 2*time.Second {
		t.Errorf("InactivityTimeout = %s, want 2s", cfg.InactivityTimeout)
	}
	if cfg.QueryTimeout != 5*time.Second {
		t.Errorf("QueryTimeout = %s, want 5s", cfg.QueryTimeout)
	}
	if cfg.BackupOnExpiry {
		t.Error("BackupOnExpiry should be false")
	}
	if cfg.MaxDBSizeMB != 25 {
		t.Errorf("MaxDBSizeMB = %d, want 25", cfg.MaxDBSizeMB)
	}
	if len(cfg.WarmDialects) != 2 || cfg.WarmDialects[0] != "mysql" || cfg.WarmDialects[1] != "sqlserver" {
		t.Errorf("WarmDialects = %v, want [mysql sqlserver]", cfg.WarmDialects)
	}
}

func TestLoadMalformedValuesFallBack(t *testing.T) {
	t.Setenv("PORT", "not-a-number")
	t.Setenv("QUERY_TIMEOUT_SECS", "-4")

	cfg := Load()

	if cfg.Port != DefaultPort {
		t.Errorf("Port = %d, want default %d", cfg.Port, DefaultPort)
	}
	if cfg.QueryTimeout != DefaultQueryTimeout {
		t.Errorf("QueryTimeout = %s, want default %s", cfg.QueryTimeout, DefaultQueryTimeout)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		mutate  func(*Config)
		wantErr string
	}{
		"valid": {
			mutate:  func(*Config) {},
			wantErr: "",
		},
		"zero port": {
			mutate:  func(c *Config) { c.Port = 0 },
			wantErr: "port",
		},
		"negative inactivity": {
			mutate:  func(c *Config) { c.InactivityTimeout = -time.Second },
			wantErr: "inactivity timeout",
		},
		"zero query timeout": {
			mutate:  func(c *Config) { c.QueryTimeout = 0 },
			wantErr: "query timeout",
		},
		"empty metadata path": {
			mutate:  func(c *Config) { c.MetadataDBPath = "" },
			wantErr: "metadata db path",
		},
		"zero host capacity": {
			mutate:  func(c *Config) { c.HostCapacity = 0 },
			wantErr: "host capacity",
		},
	}

	for name, tc := range tests {
		tc := tc
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			cfg := validConfig()
			tc.mutate(&cfg)
			err := cfg.Validate()

			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("Validate() = %v, want error containing %q", err, tc.wantErr)
			}
		})
	}
}

func TestValidateJoinsMultipleErrors(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.Port = 0
	cfg.QueryTimeout = 0

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() = nil, want joined errors")
	}
	for _, want := range []string{"port", "query timeout"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("Validate() missing %q in %v", want, err)
		}
	}
}

func TestBackupEnabled(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.R2AccountID = "acc"
	cfg.R2AccessKeyID = "key"
	cfg.R2SecretAccessKey = "secret"

	if !cfg.BackupEnabled() {
		t.Error("BackupEnabled should be true with full credentials")
	}

	// On-demand backups stay available when only the pre-eviction
	// snapshot is switched off.
	cfg.BackupOnExpiry = false
	if !cfg.BackupEnabled() {
		t.Error("BackupEnabled should not depend on BackupOnExpiry")
	}

	cfg.R2SecretAccessKey = ""
	if cfg.BackupEnabled() {
		t.Error("BackupEnabled should be false with partial credentials")
	}
}

package dialect

import (
	"fmt"
	"strings"
	"time"
)

// sqlcmdPath is where the 2022 image ships its TLS-capable client tools.
const sqlcmdPath = "/opt/mssql-tools18/bin/sqlcmd"

// SQLServer drives mcr.microsoft.com/mssql/server:2022-latest through
// sqlcmd. The image is amd64-only; on arm64 hosts the pull fails and
// create reports DIALECT_PULL_FAILED.
type SQLServer struct{}

func (SQLServer) Name() string       { return "sqlserver" }
func (SQLServer) ImageRef() string   { return "mcr.microsoft.com/mssql/server:2022-latest" }
func (SQLServer) ContainerPort() int { return 1433 }

func (SQLServer) PoolEnv(rootPassword string) []string {
	return []string{
		"ACCEPT_EULA=Y",
		"MSSQL_SA_PASSWORD=" + rootPassword,
	}
}

// StartupTimeout is generous: the engine rebuilds system databases on
// first boot before sqlcmd can connect.
func (SQLServer) StartupTimeout() time.Duration {
	return 90 * time.Second
}

func (SQLServer) HealthCommand(rootPassword string) []string {
	return []string{sqlcmdPath, "-S", "localhost", "-U", "sa", "-P", rootPassword, "-Q", "SELECT 1", "-C"}
}

func (SQLServer) AdminCommand(rootPassword, sql string) []string {
	return []string{sqlcmdPath, "-S", "localhost", "-U", "sa", "-P", rootPassword, "-Q", sql, "-C"}
}

// BootstrapSQL creates the database, a server login, and a database user
// owning it. Unlike MySQL there is no env-var auto-creation path, so every
// statement guards itself for idempotent replay.
func (SQLServer) BootstrapSQL(t Target) []string {
	return []string{
		fmt.Sprintf(
			"IF NOT EXISTS (SELECT name FROM sys.databases WHERE name = '%s') CREATE DATABASE [%s]",
			t.Database, t.Database,
		),
		fmt.Sprintf(
			"IF NOT EXISTS (SELECT name FROM sys.server_principals WHERE name = '%s') CREATE LOGIN [%s] WITH PASSWORD = '%s'",
			t.User, t.User, t.Password,
		),
		fmt.Sprintf(
			"USE [%s]; IF NOT EXISTS (SELECT name FROM sys.database_principals WHERE name = '%s') CREATE USER [%s] FOR LOGIN [%s]; ALTER ROLE db_owner ADD MEMBER [%s];",
			t.Database, t.User, t.User, t.User, t.User,
		),
	}
}

func (SQLServer) DropSQL(t Target) []string {
	return []string{
		fmt.Sprintf(
			"IF EXISTS (SELECT name FROM sys.databases WHERE name = '%s') BEGIN ALTER DATABASE [%s] SET SINGLE_USER WITH ROLLBACK IMMEDIATE; DROP DATABASE [%s]; END",
			t.Database, t.Database, t.Database,
		),
		fmt.Sprintf(
			"IF EXISTS (SELECT name FROM sys.server_principals WHERE name = '%s') DROP LOGIN [%s]",
			t.User, t.User,
		),
	}
}

// QueryCommand uses tab separators and trimmed cells (-W) so the batch
// parser sees the same shape as the MySQL client's --batch output. -C
// trusts the container's self-signed certificate.
func (s SQLServer) QueryCommand(t Target, sql string) []string {
	return []string{
		sqlcmdPath,
		"-S", "localhost",
		"-U", t.User,
		"-d", t.Database,
		"-Q", sql,
		"-s", "\t",
		"-W",
		"-C",
	}
}

// TextQueryCommand keeps sqlcmd's native column-aligned rendering.
func (s SQLServer) TextQueryCommand(t Target, sql string) []string {
	return []string{
		sqlcmdPath,
		"-S", "localhost",
		"-U", t.User,
		"-d", t.Database,
		"-Q", sql,
		"-C",
	}
}

func (SQLServer) CommandEnv(t Target) []string {
	return []string{"SQLCMDPASSWORD=" + t.Password}
}

func (SQLServer) IsErrorLine(line string) bool {
	return strings.HasPrefix(line, "Msg ") ||
		strings.Contains(line, "Error:") ||
		strings.HasPrefix(line, "Sqlcmd: Error:")
}

// SupportsSnapshot is false: the server image ships no logical dump CLI,
// so backup, restore, and fork are refused for this dialect.
func (SQLServer) SupportsSnapshot() bool { return false }

func (SQLServer) DumpCommand(Target) []string    { return nil }
func (SQLServer) RestoreCommand(Target) []string { return nil }

func (SQLServer) SizeProbeSQL(t Target) string {
	return fmt.Sprintf(
		"SELECT CAST(SUM(CAST(size AS BIGINT)) * 8192 AS BIGINT) FROM [%s].sys.database_files",
		t.Database,
	)
}

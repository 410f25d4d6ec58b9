package dialect

import (
	"fmt"
	"strings"
	"time"
)

// MySQL drives the mysql:8 image through the bundled mysql and mysqldump
// CLIs. mariadb resolves to this adapter too; the client surface the
// pipeline depends on is identical.
type MySQL struct{}

func (MySQL) Name() string       { return "mysql" }
func (MySQL) ImageRef() string   { return "mysql:8" }
func (MySQL) ContainerPort() int { return 3306 }

func (MySQL) PoolEnv(rootPassword string) []string {
	return []string{"MYSQL_ROOT_PASSWORD=" + rootPassword}
}

func (MySQL) StartupTimeout() time.Duration {
	return 60 * time.Second
}

func (MySQL) HealthCommand(rootPassword string) []string {
	return []string{"mysql", "-u", "root", "-p" + rootPassword, "-e", "SELECT 1"}
}

func (MySQL) AdminCommand(rootPassword, sql string) []string {
	return []string{"mysql", "-u", "root", "-p" + rootPassword, "-e", sql}
}

func (MySQL) BootstrapSQL(t Target) []string {
	return []string{
		fmt.Sprintf("CREATE DATABASE IF NOT EXISTS `%s`", t.Database),
		fmt.Sprintf("CREATE USER IF NOT EXISTS '%s'@'%%' IDENTIFIED BY '%s'", t.User, t.Password),
		fmt.Sprintf("GRANT ALL PRIVILEGES ON `%s`.* TO '%s'@'%%'", t.Database, t.User),
		"FLUSH PRIVILEGES",
	}
}

func (MySQL) DropSQL(t Target) []string {
	return []string{
		fmt.Sprintf("DROP DATABASE IF EXISTS `%s`", t.Database),
		fmt.Sprintf("DROP USER IF EXISTS '%s'@'%%'", t.User),
	}
}

// QueryCommand runs the statement in batch mode: tab-separated cells,
// header row first, no escaping of control characters (--raw) so the
// parser sees cell text verbatim.
func (MySQL) QueryCommand(t Target, sql string) []string {
	return []string{"mysql", "-u", t.User, t.Database, "-e", sql, "--batch", "--raw"}
}

// TextQueryCommand renders the client's bordered ASCII table.
func (MySQL) TextQueryCommand(t Target, sql string) []string {
	return []string{"mysql", "-u", t.User, t.Database, "-e", sql, "--table"}
}

// CommandEnv carries the password out of the argv; a -p flag would make
// the client print an insecure-password warning into every stream.
func (MySQL) CommandEnv(t Target) []string {
	return []string{"MYSQL_PWD=" + t.Password}
}

func (MySQL) IsErrorLine(line string) bool {
	return strings.HasPrefix(line, "ERROR") || strings.Contains(line, "error:")
}

func (MySQL) SupportsSnapshot() bool { return true }

// DumpCommand produces a logical dump on stdout. --single-transaction
// gives a consistent snapshot without locking the instance's tables.
func (MySQL) DumpCommand(t Target) []string {
	return []string{
		"mysqldump",
		"-u", t.User,
		"--single-transaction",
		"--routines",
		"--triggers",
		t.Database,
	}
}

// RestoreCommand replays a dump from stdin.
func (MySQL) RestoreCommand(t Target) []string {
	return []string{"mysql", "-u", t.User, t.Database}
}

func (MySQL) SizeProbeSQL(t Target) string {
	return fmt.Sprintf(
		"SELECT COALESCE(SUM(data_length + index_length), 0) FROM information_schema.tables WHERE table_schema = '%s'",
		t.Database,
	)
}

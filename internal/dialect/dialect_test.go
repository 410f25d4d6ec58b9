package dialect

import (
	"strings"
	"testing"

	"github.com/giantswarm/dbenv/internal/apperr"
)

func TestForName(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		name     string
		wantName string
		wantErr  bool
	}{
		"mysql":             {name: "mysql", wantName: "mysql"},
		"mariadb alias":     {name: "mariadb", wantName: "mysql"},
		"sqlserver":         {name: "sqlserver", wantName: "sqlserver"},
		"mssql alias":       {name: "mssql", wantName: "sqlserver"},
		"case insensitive":  {name: "MySQL", wantName: "mysql"},
		"postgres":          {name: "postgres", wantErr: true},
		"empty":             {name: "", wantErr: true},
		"whitespace padded": {name: " mysql ", wantErr: true},
	}

	for name, tc := range tests {
		tc := tc
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			a, err := ForName(tc.name)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("ForName(%q) = %v, want error", tc.name, a)
				}
				if !apperr.IsKind(err, apperr.DialectUnsupported) {
					t.Errorf("ForName(%q) error kind = %v, want DialectUnsupported", tc.name, apperr.KindOf(err))
				}
				return
			}
			if err != nil {
				t.Fatalf("ForName(%q) error: %v", tc.name, err)
			}
			if a.Name() != tc.wantName {
				t.Errorf("Name() = %q, want %q", a.Name(), tc.wantName)
			}
		})
	}
}

func TestMySQLCommands(t *testing.T) {
	t.Parallel()

	target := Target{Database: "db_ab12", User: "user_cd34", Password: "secret"}
	var a MySQL

	argv := a.QueryCommand(target, "SELECT 1")
	want := []string{"mysql", "-u", "user_cd34", "db_ab12", "-e", "SELECT 1", "--batch", "--raw"}
	if strings.Join(argv, " ") != strings.Join(want, " ") {
		t.Errorf("QueryCommand = %v, want %v", argv, want)
	}

	if env := a.CommandEnv(target); len(env) != 1 || env[0] != "MYSQL_PWD=secret" {
		t.Errorf("CommandEnv = %v", env)
	}

	text := a.TextQueryCommand(target, "SELECT 1")
	if text[len(text)-1] != "--table" {
		t.Errorf("TextQueryCommand should end with --table, got %v", text)
	}

	dump := a.DumpCommand(target)
	joined := strings.Join(dump, " ")
	for _, flag := range []string{"mysqldump", "--single-transaction", "--routines", "--triggers", "db_ab12"} {
		if !strings.Contains(joined, flag) {
			t.Errorf("DumpCommand missing %q: %v", flag, dump)
		}
	}

	if !a.SupportsSnapshot() {
		t.Error("mysql should support snapshots")
	}
}

func TestMySQLBootstrapIdempotent(t *testing.T) {
	t.Parallel()

	stmts := MySQL{}.BootstrapSQL(Target{Database: "db_x", User: "user_y", Password: "p"})
	for _, s := range stmts[:2] {
		if !strings.Contains(s, "IF NOT EXISTS") {
			t.Errorf("bootstrap statement not idempotent: %q", s)
		}
	}
}

func TestSQLServerCommands(t *testing.T) {
	t.Parallel()

	target := Target{Database: "db_ab12", User: "user_cd34", Password: "secret"}
	var a SQLServer

	argv := a.QueryCommand(target, "SELECT 1")
	joined := strings.Join(argv, "\x00")
	for _, part := range []string{sqlcmdPath, "-U\x00user_cd34", "-d\x00db_ab12", "-s\x00\t", "-W", "-C"} {
		if !strings.Contains(joined, part) {
			t.Errorf("QueryCommand missing %q: %v", part, argv)
		}
	}

	if env := a.CommandEnv(target); len(env) != 1 || env[0] != "SQLCMDPASSWORD=secret" {
		t.Errorf("CommandEnv = %v", env)
	}

	if a.SupportsSnapshot() {
		t.Error("sqlserver should not report snapshot support")
	}
	if a.DumpCommand(target) != nil || a.RestoreCommand(target) != nil {
		t.Error("sqlserver dump/restore commands should be nil")
	}
}

func TestIsErrorLine(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		adapter Adapter
		line    string
		want    bool
	}{
		"mysql error": {
			adapter: MySQL{},
			line:    `ERROR 1064 (42000) at line 1: You have an error in your SQL syntax`,
			want:    true,
		},
		"mysql data": {
			adapter: MySQL{},
			line:    "1\tAlice",
			want:    false,
		},
		"sqlcmd msg": {
			adapter: SQLServer{},
			line:    "Msg 208, Level 16, State 1, Server x, Line 1",
			want:    true,
		},
		"sqlcmd connection error": {
			adapter: SQLServer{},
			line:    "Sqlcmd: Error: Microsoft ODBC Driver 18 for SQL Server",
			want:    true,
		},
		"sqlcmd data": {
			adapter: SQLServer{},
			line:    "1\tAlice",
			want:    false,
		},
	}

	for name, tc := range tests {
		tc := tc
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			if got := tc.adapter.IsErrorLine(tc.line); got != tc.want {
				t.Errorf("IsErrorLine(%q) = %t, want %t", tc.line, got, tc.want)
			}
		})
	}
}

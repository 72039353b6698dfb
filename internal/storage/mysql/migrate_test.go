package mysql

import "testing"

func TestSplitStatements(t *testing.T) {
	statements := splitStatements("CREATE TABLE a (id INT);\n\nCREATE TABLE b (id INT);\n;")
	if len(statements) != 2 {
		t.Fatalf("expected 2 statements, got %d: %v", len(statements), statements)
	}
	if statements[0] != "CREATE TABLE a (id INT)" {
		t.Fatalf("unexpected first statement: %q", statements[0])
	}
}

func TestVersionOf(t *testing.T) {
	cases := map[string]string{
		"0001_conversations.sql": "0001",
		"0002_runs.sql":          "0002",
		"0003.sql":               "0003",
	}
	for name, want := range cases {
		if got := versionOf(name); got != want {
			t.Errorf("versionOf(%q) = %q, want %q", name, got, want)
		}
	}
}

func TestLoadMigrationsSortedByVersion(t *testing.T) {
	pending, err := loadMigrations()
	if err != nil {
		t.Fatalf("load migrations: %v", err)
	}
	if len(pending) < 2 {
		t.Fatalf("expected at least 2 embedded migrations, got %d", len(pending))
	}
	for i := 1; i < len(pending); i++ {
		if pending[i-1].version > pending[i].version {
			t.Fatalf("migrations out of order: %s before %s", pending[i-1].name, pending[i].name)
		}
	}
}

package persistence

import (
	"io/fs"
	"testing"
	"testing/fstest"
)

func TestExtractVersion(t *testing.T) {
	tests := []struct {
		file string
		want string
	}{
		{"000001_event_log.up.sql", "000001"},
		{"000002_projections.down.sql", "000002"},
		{"noversion.sql", "noversion.sql"},
	}
	for _, tt := range tests {
		if got := extractVersion(tt.file); got != tt.want {
			t.Errorf("extractVersion(%q) = %q, want %q", tt.file, got, tt.want)
		}
	}
}

func TestListMigrationFiles_SortedBySuffix(t *testing.T) {
	files := fstest.MapFS{
		"000002_b.up.sql":   {Data: []byte("SELECT 2")},
		"000001_a.up.sql":   {Data: []byte("SELECT 1")},
		"000001_a.down.sql": {Data: []byte("SELECT 1")},
		"README.md":         {Data: []byte("docs")},
	}
	m := &Migrator{files: files}

	ups, err := m.listMigrationFiles(".up.sql")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(ups) != 2 || ups[0] != "000001_a.up.sql" || ups[1] != "000002_b.up.sql" {
		t.Errorf("up files = %v", ups)
	}

	downs, err := m.listMigrationFiles(".down.sql")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(downs) != 1 || downs[0] != "000001_a.down.sql" {
		t.Errorf("down files = %v", downs)
	}
}

func TestEmbeddedMigrations_EveryUpHasDown(t *testing.T) {
	m := &Migrator{files: Migrations()}
	ups, err := m.listMigrationFiles(".up.sql")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(ups) == 0 {
		t.Fatal("no embedded migrations")
	}
	for _, up := range ups {
		if _, err := fs.Stat(m.files, downFileFor(up)); err != nil {
			t.Errorf("%s has no down migration: %v", up, err)
		}
	}
}

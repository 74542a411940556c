package migrations

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	_ "github.com/mattn/go-sqlite3"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestRun(t *testing.T) {
	db := openTestDB(t)

	if err := Run(db, zerolog.Nop()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	version, dirty, err := Version(db)
	if err != nil {
		t.Fatalf("Version failed: %v", err)
	}
	if version != 2 || dirty {
		t.Errorf("Expected clean version 2, got %d (dirty=%v)", version, dirty)
	}

	if _, err := db.Exec(`INSERT INTO conversations (session_id, role, content, cache_read_input_tokens, created_at) VALUES ('s', 'user', '[]', 3, 0)`); err != nil {
		t.Errorf("Expected conversations table with cache columns, got %v", err)
	}
}

func TestRunIdempotent(t *testing.T) {
	db := openTestDB(t)

	if err := Run(db, zerolog.Nop()); err != nil {
		t.Fatalf("First Run failed: %v", err)
	}
	if err := Run(db, zerolog.Nop()); err != nil {
		t.Errorf("Expected second Run to be a no-op, got %v", err)
	}
}

func TestVersionBeforeRun(t *testing.T) {
	db := openTestDB(t)

	version, dirty, err := Version(db)
	if err != nil {
		t.Fatalf("Version failed: %v", err)
	}
	if version != 0 || dirty {
		t.Errorf("Expected version 0 on a fresh database, got %d", version)
	}
}

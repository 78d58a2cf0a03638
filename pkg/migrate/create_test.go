package migrate

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestCreateSQLMigrationSanitizesName(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2026, 10, 15, 8, 30, 0, 0, time.UTC)

	path, err := CreateSQLMigration(dir, "Add Payment-Log index", now)
	if err != nil {
		t.Fatalf("create migration: %v", err)
	}
	if got := filepath.Base(path); got != "20261015083000_add_payment_log_index.sql" {
		t.Fatalf("unexpected filename %q", got)
	}
	if err := ValidateDir(dir); err != nil {
		t.Fatalf("generated migration should validate: %v", err)
	}

	if _, err := CreateSQLMigration(dir, "add payment log index", now); err == nil {
		t.Fatalf("expected duplicate version to fail")
	}
	if _, err := CreateSQLMigration(dir, "!!!", now); err == nil {
		t.Fatalf("expected empty sanitized name to fail")
	}
}

func TestValidateDirRejectsBadFiles(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
		wantErr string
	}{
		{name: "bad filename", file: "1_init.sql", content: "-- +goose Up\n-- +goose Down\n", wantErr: "invalid migration filename"},
		{name: "missing down", file: "20261001000000_init.sql", content: "-- +goose Up\n", wantErr: "missing"},
		{name: "down before up", file: "20261001000000_init.sql", content: "-- +goose Down\n-- +goose Up\n", wantErr: "Down before Up"},
		{name: "duplicate version", file: "20261001000000_b.sql", content: "-- +goose Up\n-- +goose Down\n", wantErr: "duplicate migration version"},
		{name: "unbalanced", file: "20261001000000_init.sql", content: "-- +goose Up\n-- +goose StatementBegin\n-- +goose Down\n", wantErr: "StatementBegin"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			if tt.name == "duplicate version" {
				if err := os.WriteFile(filepath.Join(dir, "20261001000000_a.sql"), []byte("-- +goose Up\n-- +goose Down\n"), 0o644); err != nil {
					t.Fatalf("write file: %v", err)
				}
			}
			if err := os.WriteFile(filepath.Join(dir, tt.file), []byte(tt.content), 0o644); err != nil {
				t.Fatalf("write file: %v", err)
			}
			err := ValidateDir(dir)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

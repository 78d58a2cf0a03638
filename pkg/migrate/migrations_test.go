package migrate_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/angelmondragon/chainbill/pkg/migrate"
)

func TestMigrationsDirIsValid(t *testing.T) {
	if err := migrate.ValidateDir("migrations"); err != nil {
		t.Fatalf("validate migrations: %v", err)
	}
	if err := migrate.ValidateEmbedded(); err != nil {
		t.Fatalf("validate embedded migrations: %v", err)
	}
}

func TestSubscriptionsMigrationContainsConstraints(t *testing.T) {
	content := readMigration(t, "*_create_subscriptions.sql")

	checks := []string{
		"CREATE TABLE IF NOT EXISTS subscriptions",
		"FOREIGN KEY (plan_id) REFERENCES plans(id)",
		"CHECK (status IN ('active', 'past_due', 'failed', 'cancelled'))",
		"CHECK (retry_count >= 0)",
		"ON subscriptions (status, next_billing_timestamp)",
		"DROP TABLE IF EXISTS subscriptions",
	}
	assertContains(t, content, checks)
}

func TestUsageMigrationContainsConstraints(t *testing.T) {
	content := readMigration(t, "*_create_usage_tables.sql")

	checks := []string{
		"CREATE TABLE IF NOT EXISTS plan_meters",
		"UNIQUE (plan_id, event_name)",
		"included_units BIGINT NOT NULL DEFAULT 0",
		"CREATE TABLE IF NOT EXISTS usage_records",
		"CONSTRAINT uq_usage_records_idempotency_key UNIQUE (idempotency_key)",
		"CHECK (quantity >= 0)",
		"DROP TABLE IF EXISTS usage_records",
		"DROP TABLE IF EXISTS plan_meters",
	}
	assertContains(t, content, checks)
}

func TestPaymentLogsMigrationListsStatuses(t *testing.T) {
	content := readMigration(t, "*_create_payment_logs.sql")

	checks := []string{
		"'success'",
		"'failed_retry_scheduled'",
		"'failed_max_retries'",
		"'rejected_invalid_request'",
		"'reconciled'",
	}
	assertContains(t, content, checks)
}

func readMigration(t *testing.T, pattern string) string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join("migrations", pattern))
	if err != nil {
		t.Fatalf("glob migrations: %v", err)
	}
	if len(matches) == 0 {
		t.Fatalf("no migration file matches %s", pattern)
	}
	data, err := os.ReadFile(matches[0])
	if err != nil {
		t.Fatalf("read migration file: %v", err)
	}
	return string(data)
}

func assertContains(t *testing.T, content string, checks []string) {
	t.Helper()
	for _, sub := range checks {
		if !strings.Contains(content, sub) {
			t.Errorf("missing expected statement %q", sub)
		}
	}
}

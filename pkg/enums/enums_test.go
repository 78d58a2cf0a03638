package enums

import "testing"

func TestSubscriptionStatusClassification(t *testing.T) {
	tests := []struct {
		status   SubscriptionStatus
		billable bool
		terminal bool
	}{
		{SubscriptionStatusActive, true, false},
		{SubscriptionStatusPastDue, true, false},
		{SubscriptionStatusFailed, false, true},
		{SubscriptionStatusCancelled, false, true},
	}
	for _, tt := range tests {
		if got := tt.status.IsBillable(); got != tt.billable {
			t.Fatalf("%s: expected billable %v got %v", tt.status, tt.billable, got)
		}
		if got := tt.status.IsTerminal(); got != tt.terminal {
			t.Fatalf("%s: expected terminal %v got %v", tt.status, tt.terminal, got)
		}
	}
}

func TestParseSubscriptionStatus(t *testing.T) {
	got, err := ParseSubscriptionStatus("past_due")
	if err != nil || got != SubscriptionStatusPastDue {
		t.Fatalf("expected past_due, got %q err=%v", got, err)
	}
	if _, err := ParseSubscriptionStatus("canceled"); err == nil {
		t.Fatalf("expected error for unknown status")
	}
}

func TestParsePaymentLogStatus(t *testing.T) {
	for _, status := range validPaymentLogStatuses {
		parsed, err := ParsePaymentLogStatus(status.String())
		if err != nil || parsed != status {
			t.Fatalf("round trip failed for %s: %v", status, err)
		}
	}
	if PaymentLogStatus("bogus").IsValid() {
		t.Fatalf("bogus status should be invalid")
	}
}

func TestAttemptOutcomeSkipped(t *testing.T) {
	if !AttemptOutcomeSkippedLocked.Skipped() {
		t.Fatalf("locked should count as skipped")
	}
	if AttemptOutcomeRetryScheduled.Skipped() {
		t.Fatalf("retry scheduled should not count as skipped")
	}
}

package enums

// AttemptOutcome classifies the result of one engine attempt. It is used as
// a metrics label and in logs.
type AttemptOutcome string

const (
	AttemptOutcomeSucceeded             AttemptOutcome = "succeeded"
	AttemptOutcomeRetryScheduled        AttemptOutcome = "retry_scheduled"
	AttemptOutcomeFailedTerminal        AttemptOutcome = "failed_terminal"
	AttemptOutcomeRejected              AttemptOutcome = "rejected_invalid_request"
	AttemptOutcomeSkippedLocked         AttemptOutcome = "skipped_locked"
	AttemptOutcomeSkippedNotDue         AttemptOutcome = "skipped_not_due"
	AttemptOutcomeSkippedTerminal       AttemptOutcome = "skipped_terminal"
	AttemptOutcomeReconciliationPending AttemptOutcome = "reconciliation_pending"
	AttemptOutcomeReconciliationQueued  AttemptOutcome = "reconciliation_queued"
	AttemptOutcomeSuperseded            AttemptOutcome = "superseded"
)

// String implements fmt.Stringer.
func (o AttemptOutcome) String() string {
	return string(o)
}

// Skipped reports whether the attempt ended without calling the gateway.
func (o AttemptOutcome) Skipped() bool {
	switch o {
	case AttemptOutcomeSkippedLocked, AttemptOutcomeSkippedNotDue, AttemptOutcomeSkippedTerminal, AttemptOutcomeReconciliationPending:
		return true
	}
	return false
}

package enums

import "fmt"

// PaymentLogStatus records what a billing attempt did.
type PaymentLogStatus string

const (
	PaymentLogStatusSuccess                PaymentLogStatus = "success"
	PaymentLogStatusFailedRetryScheduled   PaymentLogStatus = "failed_retry_scheduled"
	PaymentLogStatusFailedMaxRetries       PaymentLogStatus = "failed_max_retries"
	PaymentLogStatusRejectedInvalidRequest PaymentLogStatus = "rejected_invalid_request"
	PaymentLogStatusReconciled             PaymentLogStatus = "reconciled"
)

var validPaymentLogStatuses = []PaymentLogStatus{
	PaymentLogStatusSuccess,
	PaymentLogStatusFailedRetryScheduled,
	PaymentLogStatusFailedMaxRetries,
	PaymentLogStatusRejectedInvalidRequest,
	PaymentLogStatusReconciled,
}

// String implements fmt.Stringer.
func (s PaymentLogStatus) String() string {
	return string(s)
}

// IsValid reports whether the value is known.
func (s PaymentLogStatus) IsValid() bool {
	for _, candidate := range validPaymentLogStatuses {
		if candidate == s {
			return true
		}
	}
	return false
}

// ParsePaymentLogStatus converts raw input into a PaymentLogStatus.
func ParsePaymentLogStatus(value string) (PaymentLogStatus, error) {
	for _, candidate := range validPaymentLogStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid payment log status %q", value)
}

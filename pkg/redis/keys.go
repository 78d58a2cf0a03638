package redis

import (
	"strconv"
	"strings"
)

// Every key lives under the "cb" namespace:
//
//	cb:lock:<scope>:<id>
//	cb:reconcile:queue
//	cb:reconcile:pending:<subscription id>
const (
	keyNamespace    = "cb"
	lockPrefix      = "lock"
	reconcilePrefix = "reconcile"
)

// LockKey returns the key of an advisory lock.
func (c *Client) LockKey(scope, id string) string {
	return joinKey(lockPrefix, scope, id)
}

// ReconcileQueueKey returns the key of the reconciliation list.
func (c *Client) ReconcileQueueKey() string {
	return joinKey(reconcilePrefix, "queue")
}

// ReconcileMarkerKey returns the key flagging a subscription as awaiting
// reconciliation.
func (c *Client) ReconcileMarkerKey(subscriptionID int64) string {
	return joinKey(reconcilePrefix, "pending", strconv.FormatInt(subscriptionID, 10))
}

// joinKey skips blank segments.
func joinKey(parts ...string) string {
	var b strings.Builder
	b.WriteString(keyNamespace)
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		b.WriteByte(':')
		b.WriteString(part)
	}
	return b.String()
}

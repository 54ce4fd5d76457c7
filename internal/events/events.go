// Package events names the outbox event types written alongside billing state changes.
package events

import "strings"

const (
	EventTransactionApproved       = "transaction.approved"
	EventTransactionDeclined       = "transaction.declined"
	EventTransactionErrored        = "transaction.errored"
	EventSubscriptionStatusChanged = "subscription.status_changed"
	EventRetryScheduled            = "retry.scheduled"
)

// DedupeKey joins the event type and the identifying parts into the outbox dedupe key.
func DedupeKey(eventType string, parts ...string) string {
	key := make([]string, 0, len(parts)+1)
	key = append(key, eventType)
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			key = append(key, p)
		}
	}
	return strings.Join(key, ":")
}

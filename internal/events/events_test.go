package events

import "testing"

func TestDedupeKey(t *testing.T) {
	got := DedupeKey(EventTransactionDeclined, "123", " ", "456")
	if got != "transaction.declined:123:456" {
		t.Fatalf("unexpected dedupe key %q", got)
	}
	if got := DedupeKey(EventRetryScheduled); got != EventRetryScheduled {
		t.Fatalf("expected bare event type, got %q", got)
	}
}

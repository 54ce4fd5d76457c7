package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDescribeStatement(t *testing.T) {
	cases := []struct {
		sql  string
		want statement
	}{
		{
			sql:  `SELECT id FROM subscriptions WHERE next_bill_at <= ? ORDER BY next_bill_at LIMIT 50 FOR UPDATE SKIP LOCKED`,
			want: statement{operation: "SELECT", table: "subscriptions", locking: true},
		},
		{
			sql:  `INSERT INTO "billing_events" ("id","event_type") VALUES (?,?)`,
			want: statement{operation: "INSERT", table: "billing_events"},
		},
		{
			sql:  `UPDATE subscriptions SET status = ? WHERE id = ?`,
			want: statement{operation: "UPDATE", table: "subscriptions"},
		},
		{
			sql:  `PRAGMA foreign_keys`,
			want: statement{operation: "UNKNOWN"},
		},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, describeStatement(tc.sql), tc.sql)
	}
}

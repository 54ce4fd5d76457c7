// Package domain describes billing runs: one sequential pass over the
// subscriptions that are due for a charge.
package domain

import (
	"context"
	"errors"
)

type Outcome string

const (
	OutcomeApproved Outcome = "approved"
	OutcomeDeclined Outcome = "declined"
	OutcomeError    Outcome = "error"
	// OutcomeSkipped means the subscription was not charged in this run, for example
	// because another attempt held its lock or it stopped being due.
	OutcomeSkipped Outcome = "skipped"
)

// Source names the query a run dispatches from.
type Source string

const (
	SourceDueSubscriptions Source = "billing_run"
	SourceDueRetries       Source = "retry_run"
)

type Result struct {
	SubscriptionID string  `json:"subscription_id"`
	Outcome        Outcome `json:"outcome"`
	TransactionID  string  `json:"transaction_id,omitempty"`
	Error          string  `json:"error,omitempty"`
}

// Summary aggregates one run. Successful counts approvals, Failed counts declines and
// Errors counts everything that neither approved nor declined.
type Summary struct {
	Source     Source   `json:"source"`
	Total      int      `json:"total"`
	Successful int      `json:"successful"`
	Failed     int      `json:"failed"`
	Errors     int      `json:"errors"`
	Skipped    int      `json:"skipped"`
	Results    []Result `json:"results"`
}

func (s *Summary) Add(r Result) {
	s.Total++
	switch r.Outcome {
	case OutcomeApproved:
		s.Successful++
	case OutcomeDeclined:
		s.Failed++
	case OutcomeSkipped:
		s.Skipped++
	default:
		s.Errors++
	}
	s.Results = append(s.Results, r)
}

type Service interface {
	RunDueSubscriptions(ctx context.Context) (Summary, error)
	RunDueRetries(ctx context.Context) (Summary, error)
}

var ErrRunInProgress = errors.New("billing_run_in_progress")

package domain

import (
	"context"
	"errors"
)

// Service recomputes every figure from the stored transactions on each call.
// DeclineInsights is the exception and reads the rollup table.
type Service interface {
	Overview(ctx context.Context, f Filter) (Overview, error)
	DeclineDistribution(ctx context.Context, f Filter) ([]DeclineBucket, error)
	RetrySuccessByAttempt(ctx context.Context, f Filter) ([]AttemptRate, error)
	CardBrandPerformance(ctx context.Context, f Filter) ([]BrandPerformance, error)
	ApprovalSeries(ctx context.Context, f Filter, bucket Bucket) ([]SeriesPoint, error)
	RevenueSeries(ctx context.Context, f Filter) ([]RevenuePoint, error)
	DeclineInsights(ctx context.Context, f Filter) ([]DeclineInsight, error)
}

var (
	ErrInvalidRange  = errors.New("invalid_range")
	ErrInvalidBucket = errors.New("invalid_bucket")
	ErrRangeTooLarge = errors.New("range_too_large")
)

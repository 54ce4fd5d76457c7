package service

import (
	"context"
	"sort"
	"strings"
	"time"

	analyticsdomain "github.com/smallbiznis/rebill/internal/analytics/domain"
	"github.com/smallbiznis/rebill/internal/clock"
	"github.com/smallbiznis/rebill/internal/config"
	gatewaydomain "github.com/smallbiznis/rebill/internal/gateway/domain"
	transactiondomain "github.com/smallbiznis/rebill/internal/transaction/domain"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// maxBuckets bounds a single series response.
const maxBuckets = 2000

var hundred = decimal.NewFromInt(100)

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	Clock   clock.Clock
	Dunning *config.DunningConfigHolder
}

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	clock   clock.Clock
	dunning *config.DunningConfigHolder
}

func New(p Params) analyticsdomain.Service {
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("analytics.service"),
		clock:   p.Clock,
		dunning: p.Dunning,
	}
}

type txnRow struct {
	Status       string    `gorm:"column:status"`
	ResponseCode string    `gorm:"column:response_code"`
	ResponseText string    `gorm:"column:response_text"`
	Amount       int64     `gorm:"column:amount"`
	Currency     string    `gorm:"column:currency"`
	RetryAttempt int       `gorm:"column:retry_attempt"`
	CardBIN      string    `gorm:"column:card_bin"`
	CreatedAt    time.Time `gorm:"column:created_at"`
}

func (r txnRow) approved() bool { return r.Status == string(transactiondomain.StatusApproved) }
func (r txnRow) declined() bool { return r.Status == string(transactiondomain.StatusDeclined) }

func (s *Service) Overview(ctx context.Context, f analyticsdomain.Filter) (analyticsdomain.Overview, error) {
	f, err := s.normalize(f)
	if err != nil {
		return analyticsdomain.Overview{}, err
	}
	rows, err := s.loadTransactions(ctx, f)
	if err != nil {
		return analyticsdomain.Overview{}, err
	}

	out := analyticsdomain.Overview{
		Start: f.Start,
		End:   f.End,
		Total: int64(len(rows)),
	}
	for _, row := range rows {
		switch {
		case row.approved():
			out.Approved++
		case row.declined():
			out.Declined++
		default:
			out.Errored++
		}
	}
	out.ApprovalRate = Rate(out.Approved, out.Total)
	out.Revenue = revenueTotals(rows)

	subscriptions, err := s.countSubscriptions(ctx)
	if err != nil {
		return analyticsdomain.Overview{}, err
	}
	out.Subscriptions = subscriptions
	return out, nil
}

// DeclineDistribution groups declines by response code and text. Percentages are
// relative to all declines in range.
func (s *Service) DeclineDistribution(ctx context.Context, f analyticsdomain.Filter) ([]analyticsdomain.DeclineBucket, error) {
	f, err := s.normalize(f)
	if err != nil {
		return nil, err
	}
	rows, err := s.loadTransactions(ctx, f)
	if err != nil {
		return nil, err
	}
	return DeclineDistribution(rowsToDeclines(rows)), nil
}

func (s *Service) RetrySuccessByAttempt(ctx context.Context, f analyticsdomain.Filter) ([]analyticsdomain.AttemptRate, error) {
	f, err := s.normalize(f)
	if err != nil {
		return nil, err
	}
	rows, err := s.loadTransactions(ctx, f)
	if err != nil {
		return nil, err
	}

	maxRetries := s.dunning.Get().MaxRetries
	byAttempt := lo.GroupBy(lo.Filter(rows, func(r txnRow, _ int) bool {
		return r.RetryAttempt >= 1 && r.RetryAttempt <= maxRetries
	}), func(r txnRow) int { return r.RetryAttempt })

	out := make([]analyticsdomain.AttemptRate, 0, maxRetries)
	for attempt := 1; attempt <= maxRetries; attempt++ {
		group := byAttempt[attempt]
		approved := int64(lo.CountBy(group, txnRow.approved))
		out = append(out, analyticsdomain.AttemptRate{
			Attempt:     attempt,
			Total:       int64(len(group)),
			Approved:    approved,
			SuccessRate: Rate(approved, int64(len(group))),
		})
	}
	return out, nil
}

func (s *Service) CardBrandPerformance(ctx context.Context, f analyticsdomain.Filter) ([]analyticsdomain.BrandPerformance, error) {
	f, err := s.normalize(f)
	if err != nil {
		return nil, err
	}
	rows, err := s.loadTransactions(ctx, f)
	if err != nil {
		return nil, err
	}

	byBrand := lo.GroupBy(rows, func(r txnRow) string { return gatewaydomain.BrandFromBIN(r.CardBIN) })
	out := lo.MapToSlice(byBrand, func(brand string, group []txnRow) analyticsdomain.BrandPerformance {
		approved := int64(lo.CountBy(group, txnRow.approved))
		return analyticsdomain.BrandPerformance{
			Brand:        brand,
			Total:        int64(len(group)),
			Approved:     approved,
			Declined:     int64(lo.CountBy(group, txnRow.declined)),
			ApprovalRate: Rate(approved, int64(len(group))),
		}
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].Total != out[j].Total {
			return out[i].Total > out[j].Total
		}
		return out[i].Brand < out[j].Brand
	})
	return out, nil
}

// ApprovalSeries buckets the range by hour or day. Empty buckets are returned with zeros.
func (s *Service) ApprovalSeries(ctx context.Context, f analyticsdomain.Filter, bucket analyticsdomain.Bucket) ([]analyticsdomain.SeriesPoint, error) {
	if bucket == "" {
		bucket = analyticsdomain.BucketDay
	}
	if bucket != analyticsdomain.BucketHour && bucket != analyticsdomain.BucketDay {
		return nil, analyticsdomain.ErrInvalidBucket
	}
	f, err := s.normalize(f)
	if err != nil {
		return nil, err
	}
	periods, err := bucketStarts(f.Start, f.End, bucket)
	if err != nil {
		return nil, err
	}
	rows, err := s.loadTransactions(ctx, f)
	if err != nil {
		return nil, err
	}

	byPeriod := lo.GroupBy(rows, func(r txnRow) string { return periodKey(r.CreatedAt, bucket) })
	return lo.Map(periods, func(start time.Time, _ int) analyticsdomain.SeriesPoint {
		key := periodKey(start, bucket)
		group := byPeriod[key]
		approved := int64(lo.CountBy(group, txnRow.approved))
		return analyticsdomain.SeriesPoint{
			Period:       key,
			Total:        int64(len(group)),
			Approved:     approved,
			ApprovalRate: Rate(approved, int64(len(group))),
		}
	}), nil
}

// RevenueSeries sums approved amounts per day and currency.
func (s *Service) RevenueSeries(ctx context.Context, f analyticsdomain.Filter) ([]analyticsdomain.RevenuePoint, error) {
	f, err := s.normalize(f)
	if err != nil {
		return nil, err
	}
	if _, err := bucketStarts(f.Start, f.End, analyticsdomain.BucketDay); err != nil {
		return nil, err
	}
	rows, err := s.loadTransactions(ctx, f)
	if err != nil {
		return nil, err
	}

	type key struct{ period, currency string }
	sums := map[key]int64{}
	for _, row := range lo.Filter(rows, func(r txnRow, _ int) bool { return r.approved() }) {
		k := key{periodKey(row.CreatedAt, analyticsdomain.BucketDay), normalizeCurrency(row.Currency)}
		sums[k] += row.Amount
	}

	out := lo.MapToSlice(sums, func(k key, amount int64) analyticsdomain.RevenuePoint {
		return analyticsdomain.RevenuePoint{
			Period:   k.period,
			Currency: k.currency,
			Amount:   amount,
			Major:    toMajor(amount),
		}
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].Period != out[j].Period {
			return out[i].Period < out[j].Period
		}
		return out[i].Currency < out[j].Currency
	})
	return out, nil
}

func (s *Service) DeclineInsights(ctx context.Context, f analyticsdomain.Filter) ([]analyticsdomain.DeclineInsight, error) {
	f, err := s.normalize(f)
	if err != nil {
		return nil, err
	}

	query := `SELECT day, response_code, card_brand, retry_stage, decline_count, updated_at
		FROM decline_insights
		WHERE day >= ? AND day < ?`
	args := []any{periodKey(f.Start, analyticsdomain.BucketDay), periodKey(f.End.Add(24*time.Hour-time.Nanosecond), analyticsdomain.BucketDay)}
	if code := strings.TrimSpace(f.ResponseCode); code != "" {
		query += ` AND response_code = ?`
		args = append(args, code)
	}
	if f.RetryStage != nil {
		query += ` AND retry_stage = ?`
		args = append(args, *f.RetryStage)
	}
	query += ` ORDER BY day ASC, decline_count DESC, response_code ASC, card_brand ASC`

	var rows []analyticsdomain.DeclineInsight
	if err := s.db.WithContext(ctx).Raw(query, args...).Scan(&rows).Error; err != nil {
		return nil, err
	}
	if rows == nil {
		rows = []analyticsdomain.DeclineInsight{}
	}
	return rows, nil
}

// loadTransactions reads each attempt with its effective outcome. A charge whose
// reply was lost keeps status=error on its own row; once reconciled, the
// reconciliation's answer decides how it counts.
func (s *Service) loadTransactions(ctx context.Context, f analyticsdomain.Filter) ([]txnRow, error) {
	query := `SELECT status, response_code, response_text, amount, currency, retry_attempt, card_bin, created_at
		FROM (
			SELECT
				CASE
					WHEN r.outcome IN (?, ?) THEN ?
					WHEN r.outcome = ? THEN ?
					ELSE t.status
				END AS status,
				CASE WHEN r.outcome IN (?, ?, ?) THEN r.response_code ELSE t.response_code END AS response_code,
				CASE WHEN r.outcome IN (?, ?, ?) THEN r.response_text ELSE t.response_text END AS response_text,
				t.amount, t.currency, t.retry_attempt, t.card_bin, t.created_at
			FROM transactions t
			LEFT JOIN reconciliations r ON r.transaction_id = t.id AND r.status = ?
		) effective
		WHERE created_at >= ? AND created_at < ?`
	charged := []any{
		transactiondomain.OutcomeApproved, transactiondomain.OutcomeApprovedUnlinked, transactiondomain.OutcomeDeclined,
	}
	args := []any{
		transactiondomain.OutcomeApproved, transactiondomain.OutcomeApprovedUnlinked, transactiondomain.StatusApproved,
		transactiondomain.OutcomeDeclined, transactiondomain.StatusDeclined,
	}
	args = append(args, charged...)
	args = append(args, charged...)
	args = append(args, transactiondomain.ReconciliationStatusResolved, f.Start, f.End)

	if status := strings.TrimSpace(f.Status); status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	if code := strings.TrimSpace(f.ResponseCode); code != "" {
		query += ` AND response_code = ?`
		args = append(args, code)
	}
	if f.RetryStage != nil {
		query += ` AND retry_attempt = ?`
		args = append(args, *f.RetryStage)
	}
	query += ` ORDER BY created_at ASC`

	var rows []txnRow
	if err := s.db.WithContext(ctx).Raw(query, args...).Scan(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

type statusCountRow struct {
	Status string `gorm:"column:status"`
	Total  int64  `gorm:"column:total"`
}

func (s *Service) countSubscriptions(ctx context.Context) (map[string]int64, error) {
	var rows []statusCountRow
	if err := s.db.WithContext(ctx).Raw(
		`SELECT status, COUNT(1) AS total FROM subscriptions GROUP BY status`,
	).Scan(&rows).Error; err != nil {
		return nil, err
	}
	return lo.Associate(rows, func(r statusCountRow) (string, int64) { return r.Status, r.Total }), nil
}

// normalize defaults to the last 30 days, ending at the end of today.
func (s *Service) normalize(f analyticsdomain.Filter) (analyticsdomain.Filter, error) {
	if f.Start.IsZero() && f.End.IsZero() {
		f.End = truncateToDay(s.clock.Now()).AddDate(0, 0, 1)
		f.Start = f.End.AddDate(0, 0, -30)
	}
	if f.End.IsZero() {
		f.End = s.clock.Now().UTC()
	}
	f.Start = f.Start.UTC()
	f.End = f.End.UTC()
	if !f.End.After(f.Start) {
		return f, analyticsdomain.ErrInvalidRange
	}
	return f, nil
}

// Decline is the part of a transaction the decline distribution needs.
type Decline struct {
	Code string
	Text string
}

func rowsToDeclines(rows []txnRow) []Decline {
	return lo.FilterMap(rows, func(r txnRow, _ int) (Decline, bool) {
		return Decline{Code: r.ResponseCode, Text: r.ResponseText}, r.declined()
	})
}

// DeclineDistribution counts declines per (code, text), most frequent first.
func DeclineDistribution(declines []Decline) []analyticsdomain.DeclineBucket {
	total := int64(len(declines))
	counts := lo.CountValuesBy(declines, func(d Decline) Decline { return d })
	out := lo.MapToSlice(counts, func(d Decline, count int) analyticsdomain.DeclineBucket {
		return analyticsdomain.DeclineBucket{
			Code:  d.Code,
			Text:  d.Text,
			Count: int64(count),
			Pct:   Rate(int64(count), total),
		}
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		if out[i].Code != out[j].Code {
			return out[i].Code < out[j].Code
		}
		return out[i].Text < out[j].Text
	})
	return out
}

// Rate returns part/total as a percentage rounded to 2 decimals, and 0 when total is 0.
func Rate(part, total int64) decimal.Decimal {
	if total <= 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(part).Mul(hundred).Div(decimal.NewFromInt(total)).Round(2)
}

func revenueTotals(rows []txnRow) []analyticsdomain.RevenueTotal {
	byCurrency := lo.GroupBy(lo.Filter(rows, func(r txnRow, _ int) bool { return r.approved() }),
		func(r txnRow) string { return normalizeCurrency(r.Currency) })
	out := lo.MapToSlice(byCurrency, func(currency string, group []txnRow) analyticsdomain.RevenueTotal {
		amount := lo.SumBy(group, func(r txnRow) int64 { return r.Amount })
		return analyticsdomain.RevenueTotal{Currency: currency, Amount: amount, Major: toMajor(amount)}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Currency < out[j].Currency })
	return out
}

// toMajor converts minor units assuming a two-decimal currency.
func toMajor(amount int64) decimal.Decimal {
	return decimal.New(amount, -2)
}

func normalizeCurrency(currency string) string {
	return strings.ToUpper(strings.TrimSpace(currency))
}

func bucketStarts(start, end time.Time, bucket analyticsdomain.Bucket) ([]time.Time, error) {
	step := 24 * time.Hour
	cursor := truncateToDay(start)
	if bucket == analyticsdomain.BucketHour {
		step = time.Hour
		cursor = start.UTC().Truncate(time.Hour)
	}
	if int(end.Sub(cursor)/step) > maxBuckets {
		return nil, analyticsdomain.ErrRangeTooLarge
	}

	var out []time.Time
	for ; cursor.Before(end); cursor = cursor.Add(step) {
		out = append(out, cursor)
	}
	return out, nil
}

func periodKey(t time.Time, bucket analyticsdomain.Bucket) string {
	t = t.UTC()
	if bucket == analyticsdomain.BucketHour {
		return t.Format("2006-01-02T15:00")
	}
	return t.Format("2006-01-02")
}

func truncateToDay(value time.Time) time.Time {
	value = value.UTC()
	return time.Date(value.Year(), value.Month(), value.Day(), 0, 0, 0, 0, time.UTC)
}

// Package rollup folds transaction.declined outbox events into the daily
// decline_insights counters.
package rollup

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	analyticsdomain "github.com/smallbiznis/rebill/internal/analytics/domain"
	billingeventdomain "github.com/smallbiznis/rebill/internal/billingevent/domain"
	"github.com/smallbiznis/rebill/internal/clock"
	"github.com/smallbiznis/rebill/internal/events"
	gatewaydomain "github.com/smallbiznis/rebill/internal/gateway/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var errInvalidPayload = errors.New("invalid_decline_payload")

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	Clock clock.Clock
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	clock clock.Clock
}

func NewService(p Params) *Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("analytics.rollup"),
		clock: p.Clock,
	}
}

// ProcessPending consumes unpublished decline events. Each event is applied and marked
// published in one transaction, so a counter moves at most once per event.
func (s *Service) ProcessPending(ctx context.Context, limit int) error {
	if limit <= 0 {
		limit = 100
	}

	var ids []snowflake.ID
	if err := s.db.WithContext(ctx).Raw(
		`SELECT id
		 FROM billing_events
		 WHERE published = false AND event_type = ?
		 ORDER BY created_at ASC, id ASC
		 LIMIT ?`,
		events.EventTransactionDeclined,
		limit,
	).Scan(&ids).Error; err != nil {
		return err
	}

	var jobErr error
	for _, id := range ids {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := s.processEvent(ctx, id); err != nil {
			jobErr = errors.Join(jobErr, err)
			s.log.Warn("failed to roll up decline event", zap.Error(err), zap.String("event_id", id.String()))
		}
	}
	return jobErr
}

func (s *Service) processEvent(ctx context.Context, id snowflake.ID) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var event billingeventdomain.BillingEvent
		err := tx.WithContext(ctx).
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("id = ? AND published = ?", id, false).
			Limit(1).
			Find(&event).Error
		if err != nil {
			return err
		}
		if event.ID == 0 {
			// claimed by another worker or already published
			return nil
		}

		insight, err := insightFromPayload(event.Payload, event.CreatedAt)
		switch {
		case errors.Is(err, errInvalidPayload):
			s.log.Warn("skipping malformed decline event", zap.String("event_id", id.String()), zap.Error(err))
		case err != nil:
			return err
		default:
			if err := s.increment(ctx, tx, insight); err != nil {
				return err
			}
		}

		now := s.clock.Now()
		return tx.WithContext(ctx).Exec(
			`UPDATE billing_events SET published = true, published_at = ? WHERE id = ?`,
			now,
			event.ID,
		).Error
	})
}

func (s *Service) increment(ctx context.Context, tx *gorm.DB, insight analyticsdomain.DeclineInsight) error {
	insight.Count = 1
	insight.UpdatedAt = s.clock.Now()
	return tx.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{
				{Name: "day"},
				{Name: "response_code"},
				{Name: "card_brand"},
				{Name: "retry_stage"},
			},
			DoUpdates: clause.Assignments(map[string]any{
				"decline_count": gorm.Expr("decline_insights.decline_count + ?", 1),
				"updated_at":    insight.UpdatedAt,
			}),
		}).
		Create(&insight).Error
}

func insightFromPayload(payload datatypes.JSONMap, createdAt time.Time) (analyticsdomain.DeclineInsight, error) {
	code := strings.TrimSpace(stringValue(payload["response_code"]))
	if code == "" {
		return analyticsdomain.DeclineInsight{}, fmt.Errorf("%w: missing response_code", errInvalidPayload)
	}

	occurredAt := createdAt
	if raw := stringValue(payload["occurred_at"]); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return analyticsdomain.DeclineInsight{}, fmt.Errorf("%w: occurred_at: %v", errInvalidPayload, err)
		}
		occurredAt = parsed
	}

	brand := strings.ToLower(strings.TrimSpace(stringValue(payload["card_brand"])))
	if bin := stringValue(payload["card_bin"]); bin != "" {
		brand = gatewaydomain.BrandFromBIN(bin)
	}
	if brand == "" {
		brand = "other"
	}

	return analyticsdomain.DeclineInsight{
		Day:          occurredAt.UTC().Format("2006-01-02"),
		ResponseCode: code,
		CardBrand:    brand,
		RetryStage:   intValue(payload["retry_attempt"]),
	}, nil
}

func stringValue(v any) string {
	switch value := v.(type) {
	case string:
		return value
	case fmt.Stringer:
		return value.String()
	case nil:
		return ""
	default:
		return fmt.Sprint(value)
	}
}

func intValue(v any) int {
	switch value := v.(type) {
	case float64:
		return int(value)
	case int:
		return value
	case int64:
		return int(value)
	default:
		return 0
	}
}

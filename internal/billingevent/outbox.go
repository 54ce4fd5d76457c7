package billingevent

import (
	"context"
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/rebill/internal/billingevent/domain"
	"github.com/smallbiznis/rebill/internal/clock"
	"go.uber.org/fx"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrInvalidEventType = errors.New("invalid_event_type")

// Outbox writes billing events in the caller's transaction so they commit or roll
// back together with the state change they describe.
//
// billing_events is an append-only audit log. The published flag is the decline
// rollup's cursor and only transaction.declined rows are ever marked; every other
// event type stays published=false and is read by operators, not consumed.
type Outbox interface {
	Publish(ctx context.Context, tx *gorm.DB, eventType string, payload map[string]any, dedupeKey string) error
}

type OutboxParams struct {
	fx.In

	DB    *gorm.DB
	GenID *snowflake.Node
	Clock clock.Clock `optional:"true"`
}

type outbox struct {
	db    *gorm.DB
	genID *snowflake.Node
	clock clock.Clock
}

func NewOutbox(p OutboxParams) Outbox {
	c := p.Clock
	if c == nil {
		c = clock.NewSystemClock()
	}
	return &outbox{db: p.DB, genID: p.GenID, clock: c}
}

// Publish inserts the event. A repeated dedupe key is silently ignored.
func (o *outbox) Publish(ctx context.Context, tx *gorm.DB, eventType string, payload map[string]any, dedupeKey string) error {
	eventType = strings.TrimSpace(eventType)
	if eventType == "" {
		return ErrInvalidEventType
	}
	if tx == nil {
		tx = o.db
	}

	event := domain.BillingEvent{
		ID:        o.genID.Generate(),
		EventType: eventType,
		Payload:   datatypes.JSONMap(payload),
		CreatedAt: o.clock.Now().UTC(),
	}
	if event.Payload == nil {
		event.Payload = datatypes.JSONMap{}
	}
	if key := strings.TrimSpace(dedupeKey); key != "" {
		event.DedupeKey = &key
	}

	return tx.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "dedupe_key"}},
			DoNothing: true,
		}).
		Create(&event).Error
}

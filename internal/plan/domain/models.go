package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// Interval is the billing period of a plan.
type Interval string

const (
	IntervalMonthly Interval = "monthly"
	IntervalYearly  Interval = "yearly"
)

func (i Interval) Valid() bool {
	return i == IntervalMonthly || i == IntervalYearly
}

// Advance returns t moved forward by one billing period.
func (i Interval) Advance(t time.Time) time.Time {
	if i == IntervalYearly {
		return t.AddDate(1, 0, 0)
	}
	return t.AddDate(0, 1, 0)
}

// Plan is a priced recurring offering. Amount is in minor currency units.
type Plan struct {
	ID        snowflake.ID `gorm:"primaryKey" json:"id"`
	Code      string       `gorm:"type:text;not null;uniqueIndex:ux_plans_code" json:"code"`
	Name      string       `gorm:"type:text;not null" json:"name"`
	Amount    int64        `gorm:"not null" json:"amount"`
	Currency  string       `gorm:"type:text;not null" json:"currency"`
	Interval  Interval     `gorm:"type:text;not null" json:"interval"`
	Active    bool         `gorm:"not null;default:true" json:"active"`
	CreatedAt time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

// TableName sets the database table name.
func (Plan) TableName() string { return "plans" }

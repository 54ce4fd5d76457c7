// Package domain holds the read models behind the approval and decline dashboards.
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type Bucket string

const (
	BucketHour Bucket = "hour"
	BucketDay  Bucket = "day"
)

// Filter scopes a query to [Start, End). Status, ResponseCode and RetryStage narrow
// the transactions considered when set.
type Filter struct {
	Start        time.Time
	End          time.Time
	Status       string
	ResponseCode string
	RetryStage   *int
}

type RevenueTotal struct {
	Currency string          `json:"currency"`
	Amount   int64           `json:"amount"`
	Major    decimal.Decimal `json:"amount_major"`
}

type Overview struct {
	Start         time.Time        `json:"start"`
	End           time.Time        `json:"end"`
	Total         int64            `json:"total"`
	Approved      int64            `json:"approved"`
	Declined      int64            `json:"declined"`
	Errored       int64            `json:"errored"`
	ApprovalRate  decimal.Decimal  `json:"approval_rate"`
	Revenue       []RevenueTotal   `json:"revenue"`
	Subscriptions map[string]int64 `json:"subscriptions"`
}

type DeclineBucket struct {
	Code  string          `json:"code"`
	Text  string          `json:"text"`
	Count int64           `json:"count"`
	Pct   decimal.Decimal `json:"pct"`
}

type AttemptRate struct {
	Attempt     int             `json:"attempt"`
	Total       int64           `json:"total"`
	Approved    int64           `json:"approved"`
	SuccessRate decimal.Decimal `json:"success_rate"`
}

type BrandPerformance struct {
	Brand        string          `json:"brand"`
	Total        int64           `json:"total"`
	Approved     int64           `json:"approved"`
	Declined     int64           `json:"declined"`
	ApprovalRate decimal.Decimal `json:"approval_rate"`
}

type SeriesPoint struct {
	Period       string          `json:"period"`
	Total        int64           `json:"total"`
	Approved     int64           `json:"approved"`
	ApprovalRate decimal.Decimal `json:"approval_rate"`
}

type RevenuePoint struct {
	Period   string          `json:"period"`
	Currency string          `json:"currency"`
	Amount   int64           `json:"amount"`
	Major    decimal.Decimal `json:"amount_major"`
}

// DeclineInsight is the daily decline counter maintained by the rollup.
type DeclineInsight struct {
	Day          string    `gorm:"primaryKey;type:text" json:"day"`
	ResponseCode string    `gorm:"primaryKey;type:text" json:"response_code"`
	CardBrand    string    `gorm:"primaryKey;type:text" json:"card_brand"`
	RetryStage   int       `gorm:"primaryKey" json:"retry_stage"`
	Count        int64     `gorm:"column:decline_count;not null;default:0" json:"count"`
	UpdatedAt    time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

// TableName sets the database table name.
func (DeclineInsight) TableName() string { return "decline_insights" }

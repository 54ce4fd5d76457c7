package domain

import (
	"context"
	"errors"
)

type CreatePlanRequest struct {
	Code     string `json:"code"`
	Name     string `json:"name" validate:"required,max=120"`
	Amount   int64  `json:"amount" validate:"required,gt=0"`
	Currency string `json:"currency" validate:"required,len=3"`
	Interval string `json:"interval" validate:"required,oneof=monthly yearly"`
}

type ListPlanRequest struct {
	ActiveOnly bool
}

type Service interface {
	Create(ctx context.Context, req CreatePlanRequest) (Plan, error)
	// Get resolves a plan by snowflake id or by code.
	Get(ctx context.Context, ref string) (Plan, error)
	List(ctx context.Context, req ListPlanRequest) ([]Plan, error)
}

var (
	ErrInvalidName     = errors.New("invalid_name")
	ErrInvalidAmount   = errors.New("invalid_amount")
	ErrInvalidCurrency = errors.New("invalid_currency")
	ErrInvalidInterval = errors.New("invalid_interval")
	ErrInvalidRef      = errors.New("invalid_plan_ref")
	ErrCodeTaken       = errors.New("plan_code_taken")
	ErrNotFound        = errors.New("plan_not_found")
	ErrInactive        = errors.New("plan_inactive")
)

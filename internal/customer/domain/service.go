package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/rebill/pkg/db/pagination"
)

type ListCustomerRequest struct {
	PageToken   string
	PageSize    int32
	Email       string
	CreatedFrom *time.Time
	CreatedTo   *time.Time
}

type ListCustomerFilter struct {
	Email       string
	CreatedFrom *time.Time
	CreatedTo   *time.Time
}

type ListCustomerResponse struct {
	pagination.PageInfo
	Customers []Customer `json:"customers"`
}

// ResolveCustomerRequest identifies a customer by email, creating it on first sight.
type ResolveCustomerRequest struct {
	Email     string
	FirstName string
	LastName  string
	Phone     string
}

type Service interface {
	ResolveOrCreate(context.Context, ResolveCustomerRequest) (Customer, error)
	AttachVaultRef(ctx context.Context, id snowflake.ID, ref string) error
	List(context.Context, ListCustomerRequest) (ListCustomerResponse, error)
	GetByID(ctx context.Context, id string) (Customer, error)
}

var (
	ErrInvalidEmail = errors.New("invalid_email")
	ErrInvalidID    = errors.New("invalid_id")
	ErrNotFound     = errors.New("customer_not_found")
)

package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/rebill/internal/customer/domain"
	"github.com/smallbiznis/rebill/pkg/db/option"
	"github.com/smallbiznis/rebill/pkg/db/pagination"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, customer *domain.Customer) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO customers (id, email, first_name, last_name, phone, vault_customer_ref, metadata, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		customer.ID,
		customer.Email,
		customer.FirstName,
		customer.LastName,
		customer.Phone,
		customer.VaultCustomerRef,
		customer.Metadata,
		customer.CreatedAt,
		customer.UpdatedAt,
	).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Customer, error) {
	var customer domain.Customer
	err := db.WithContext(ctx).Raw(
		`SELECT id, email, first_name, last_name, phone, vault_customer_ref, metadata, created_at, updated_at
		 FROM customers WHERE id = ?`,
		id,
	).Scan(&customer).Error
	if err != nil {
		return nil, err
	}
	if customer.ID == 0 {
		return nil, nil
	}
	return &customer, nil
}

func (r *repo) FindByEmail(ctx context.Context, db *gorm.DB, email string) (*domain.Customer, error) {
	var customer domain.Customer
	err := db.WithContext(ctx).Raw(
		`SELECT id, email, first_name, last_name, phone, vault_customer_ref, metadata, created_at, updated_at
		 FROM customers WHERE email = ?`,
		email,
	).Scan(&customer).Error
	if err != nil {
		return nil, err
	}
	if customer.ID == 0 {
		return nil, nil
	}
	return &customer, nil
}

func (r *repo) UpdateVaultRef(ctx context.Context, db *gorm.DB, id snowflake.ID, ref string) error {
	return db.WithContext(ctx).Exec(
		`UPDATE customers SET vault_customer_ref = ?, updated_at = ? WHERE id = ?`,
		ref,
		time.Now().UTC(),
		id,
	).Error
}

func (r *repo) List(ctx context.Context, db *gorm.DB, filter domain.ListCustomerFilter, page pagination.Pagination) ([]*domain.Customer, error) {
	var customers []*domain.Customer
	stmt := db.WithContext(ctx).Model(&domain.Customer{})
	if filter.Email != "" {
		stmt = stmt.Where("email = ?", filter.Email)
	}
	if filter.CreatedFrom != nil {
		stmt = stmt.Where("created_at >= ?", *filter.CreatedFrom)
	}
	if filter.CreatedTo != nil {
		stmt = stmt.Where("created_at < ?", *filter.CreatedTo)
	}
	stmt = option.ApplyPagination(page).Apply(stmt)
	err := stmt.
		Order("id desc").
		Find(&customers).Error
	if err != nil {
		return nil, err
	}
	return customers, nil
}

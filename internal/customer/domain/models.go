package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type Customer struct {
	ID               snowflake.ID      `gorm:"primaryKey" json:"id"`
	Email            string            `gorm:"type:text;not null;uniqueIndex:ux_customers_email" json:"email"`
	FirstName        string            `gorm:"type:text" json:"first_name"`
	LastName         string            `gorm:"type:text" json:"last_name"`
	Phone            string            `gorm:"type:text" json:"phone,omitempty"`
	VaultCustomerRef *string           `gorm:"type:text" json:"vault_customer_ref,omitempty"`
	Metadata         datatypes.JSONMap `gorm:"type:jsonb" json:"metadata,omitempty"`
	CreatedAt        time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt        time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

// TableName sets the database table name.
func (Customer) TableName() string { return "customers" }

package migration

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	analyticsdomain "github.com/smallbiznis/rebill/internal/analytics/domain"
	billingeventdomain "github.com/smallbiznis/rebill/internal/billingevent/domain"
	customerdomain "github.com/smallbiznis/rebill/internal/customer/domain"
	plandomain "github.com/smallbiznis/rebill/internal/plan/domain"
	subscriptiondomain "github.com/smallbiznis/rebill/internal/subscription/domain"
	transactiondomain "github.com/smallbiznis/rebill/internal/transaction/domain"
	"gorm.io/gorm"
)

const migrationsDir = "migrations"

//go:embed migrations/*.sql
var embeddedMigrations embed.FS

// Models lists every table the service owns, in dependency order.
func Models() []any {
	return []any{
		&customerdomain.Customer{},
		&plandomain.Plan{},
		&subscriptiondomain.Subscription{},
		&subscriptiondomain.RetrySchedule{},
		&transactiondomain.Transaction{},
		&transactiondomain.Reconciliation{},
		&billingeventdomain.BillingEvent{},
		&analyticsdomain.DeclineInsight{},
	}
}

// RunMigrations applies the embedded postgres migrations to db.
func RunMigrations(db *sql.DB) error {
	if db == nil {
		return errors.New("migration database handle is required")
	}

	sub, err := fs.Sub(embeddedMigrations, migrationsDir)
	if err != nil {
		return fmt.Errorf("open migrations: %w", err)
	}

	source, err := iofs.New(sub, ".")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("create migration driver: %w", err)
	}

	migrator, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}

	upErr := migrator.Up()
	if upErr != nil && !errors.Is(upErr, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", upErr)
	}
	// Do not call migrator.Close here because it would close the shared *sql.DB.

	return nil
}

// AutoMigrate creates the schema from the models on dialects without SQL migrations.
func AutoMigrate(conn *gorm.DB) error {
	if err := conn.AutoMigrate(Models()...); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}

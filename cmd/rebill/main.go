package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/rebill/internal/analytics"
	"github.com/smallbiznis/rebill/internal/billingevent"
	"github.com/smallbiznis/rebill/internal/billingrun"
	"github.com/smallbiznis/rebill/internal/clock"
	"github.com/smallbiznis/rebill/internal/config"
	"github.com/smallbiznis/rebill/internal/customer"
	"github.com/smallbiznis/rebill/internal/decline"
	"github.com/smallbiznis/rebill/internal/gateway"
	"github.com/smallbiznis/rebill/internal/migration"
	"github.com/smallbiznis/rebill/internal/observability"
	"github.com/smallbiznis/rebill/internal/plan"
	"github.com/smallbiznis/rebill/internal/ratelimit"
	"github.com/smallbiznis/rebill/internal/scheduler"
	"github.com/smallbiznis/rebill/internal/server"
	"github.com/smallbiznis/rebill/internal/subscription"
	"github.com/smallbiznis/rebill/internal/transaction"
	"github.com/smallbiznis/rebill/internal/vault"
	"github.com/smallbiznis/rebill/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core Infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		migration.Module,
		clock.Module,
		ratelimit.Module,
		gateway.Module,

		// Functional Domains
		decline.Module,
		billingevent.Module,
		customer.Module,
		plan.Module,
		subscription.Module,
		transaction.Module,
		vault.Module,
		billingrun.Module,
		analytics.Module,

		scheduler.Module,
		server.Module,
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.NodeID)
}

package analytics

import (
	"github.com/smallbiznis/rebill/internal/analytics/rollup"
	"github.com/smallbiznis/rebill/internal/analytics/service"
	"go.uber.org/fx"
)

var Module = fx.Module("analytics.service",
	fx.Provide(service.New),
	fx.Provide(rollup.NewService),
)

package plan

import (
	"github.com/smallbiznis/rebill/internal/cache"
	"github.com/smallbiznis/rebill/internal/plan/service"
	"go.uber.org/fx"
)

var Module = fx.Module("plan.service",
	fx.Provide(cache.NewPlanCache),
	fx.Provide(service.New),
)

package billingrun

import (
	"github.com/smallbiznis/rebill/internal/billingrun/domain"
	"github.com/smallbiznis/rebill/internal/billingrun/repository"
	"github.com/smallbiznis/rebill/internal/billingrun/service"
	"go.uber.org/fx"
)

var Module = fx.Module("billingrun.service",
	fx.Provide(repository.Provide),
	fx.Provide(fx.Annotate(service.New, fx.As(new(domain.Service)))),
)

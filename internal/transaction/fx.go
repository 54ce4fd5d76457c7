package transaction

import (
	"github.com/smallbiznis/rebill/internal/transaction/domain"
	"github.com/smallbiznis/rebill/internal/transaction/repository"
	"github.com/smallbiznis/rebill/internal/transaction/service"
	"go.uber.org/fx"
)

var Module = fx.Module("transaction.processor",
	fx.Provide(repository.Provide),
	fx.Provide(fx.Annotate(service.New, fx.As(new(domain.Processor)))),
)

package ratelimit

import (
	transactiondomain "github.com/smallbiznis/rebill/internal/transaction/domain"
	"go.uber.org/fx"
)

var Module = fx.Module("rate.limit",
	fx.Provide(NewRedisClient),
	fx.Provide(fx.Annotate(NewChargeGuard, fx.As(fx.Self()), fx.As(new(transactiondomain.ChargeGuard)))),
	fx.Provide(NewManualChargeLimiter),
)

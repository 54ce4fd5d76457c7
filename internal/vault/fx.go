package vault

import (
	"github.com/smallbiznis/rebill/internal/vault/service"
	"go.uber.org/fx"
)

var Module = fx.Module("vault.service",
	fx.Provide(service.New),
)

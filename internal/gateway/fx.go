package gateway

import (
	"github.com/smallbiznis/rebill/internal/config"
	"github.com/smallbiznis/rebill/internal/gateway/adapters"
	"github.com/smallbiznis/rebill/internal/gateway/adapters/nmi"
	"github.com/smallbiznis/rebill/internal/gateway/adapters/sandbox"
	"github.com/smallbiznis/rebill/internal/gateway/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("gateway",
	fx.Provide(func(log *zap.Logger) *adapters.Registry {
		return adapters.NewRegistry(
			nmi.NewFactory(log),
			sandbox.NewFactory(),
		)
	}),
	fx.Provide(NewGateway),
)

// NewGateway builds the adapter selected by GATEWAY_PROVIDER.
func NewGateway(cfg config.Config, registry *adapters.Registry, log *zap.Logger) (domain.Gateway, error) {
	gw, err := registry.NewAdapter(cfg.Gateway.Provider, domain.AdapterConfig{
		URL:         cfg.Gateway.URL,
		QueryURL:    cfg.Gateway.QueryURL,
		SecurityKey: cfg.Gateway.SecurityKey,
		Timeout:     cfg.Gateway.Timeout,
		TestMode:    cfg.Gateway.TestMode,
	})
	if err != nil {
		return nil, err
	}
	if cfg.IsProduction() && gw.Provider() == "sandbox" {
		log.Warn("sandbox payment gateway configured in production")
	}
	log.Info("payment gateway ready", zap.String("provider", gw.Provider()))
	return gw, nil
}

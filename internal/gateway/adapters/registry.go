package adapters

import (
	"strings"

	"github.com/smallbiznis/rebill/internal/gateway/domain"
)

type Registry struct {
	factories map[string]domain.AdapterFactory
}

func NewRegistry(factories ...domain.AdapterFactory) *Registry {
	registry := &Registry{factories: map[string]domain.AdapterFactory{}}
	for _, factory := range factories {
		if factory == nil {
			continue
		}
		provider := strings.ToLower(strings.TrimSpace(factory.Provider()))
		if provider == "" {
			continue
		}
		registry.factories[provider] = factory
	}
	return registry
}

func (r *Registry) ProviderExists(provider string) bool {
	if r == nil {
		return false
	}
	_, ok := r.factories[strings.ToLower(strings.TrimSpace(provider))]
	return ok
}

func (r *Registry) NewAdapter(provider string, cfg domain.AdapterConfig) (domain.Gateway, error) {
	if r == nil {
		return nil, domain.ErrProviderNotFound
	}
	factory, ok := r.factories[strings.ToLower(strings.TrimSpace(provider))]
	if !ok {
		return nil, domain.ErrProviderNotFound
	}
	return factory.NewAdapter(cfg)
}

package adapters

import (
	"testing"

	"github.com/smallbiznis/rebill/internal/gateway/adapters/nmi"
	"github.com/smallbiznis/rebill/internal/gateway/adapters/sandbox"
	"github.com/smallbiznis/rebill/internal/gateway/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRegistry(t *testing.T) {
	registry := NewRegistry(nmi.NewFactory(zap.NewNop()), sandbox.NewFactory(), nil)

	assert.True(t, registry.ProviderExists(" NMI "))
	assert.False(t, registry.ProviderExists("stripe"))

	gw, err := registry.NewAdapter("sandbox", domain.AdapterConfig{})
	require.NoError(t, err)
	assert.Equal(t, "sandbox", gw.Provider())

	_, err = registry.NewAdapter("nmi", domain.AdapterConfig{})
	assert.ErrorIs(t, err, domain.ErrInvalidConfig)

	_, err = registry.NewAdapter("stripe", domain.AdapterConfig{})
	assert.ErrorIs(t, err, domain.ErrProviderNotFound)
}

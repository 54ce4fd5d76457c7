// Package gatewaytest provides a testify mock of the payment gateway.
package gatewaytest

import (
	"context"

	"github.com/smallbiznis/rebill/internal/gateway/domain"
	"github.com/stretchr/testify/mock"
)

type Gateway struct {
	mock.Mock
}

var _ domain.Gateway = (*Gateway)(nil)

func (m *Gateway) Provider() string {
	return "mock"
}

func (m *Gateway) CreateVaultCustomer(ctx context.Context, identity domain.BillingIdentity, cred domain.Credential) (domain.Response, error) {
	args := m.Called(ctx, identity, cred)
	return args.Get(0).(domain.Response), args.Error(1)
}

func (m *Gateway) Charge(ctx context.Context, req domain.ChargeRequest) (domain.Response, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(domain.Response), args.Error(1)
}

func (m *Gateway) UpdateVaultCustomer(ctx context.Context, vaultToken string, cred domain.Credential) (domain.Response, error) {
	args := m.Called(ctx, vaultToken, cred)
	return args.Get(0).(domain.Response), args.Error(1)
}

func (m *Gateway) RefreshCredential(ctx context.Context, vaultToken string) (domain.RefreshResult, error) {
	args := m.Called(ctx, vaultToken)
	return args.Get(0).(domain.RefreshResult), args.Error(1)
}

func (m *Gateway) EnableNetworkToken(ctx context.Context, vaultToken string) (domain.NetworkToken, error) {
	args := m.Called(ctx, vaultToken)
	return args.Get(0).(domain.NetworkToken), args.Error(1)
}

func (m *Gateway) QueryByOrderRef(ctx context.Context, orderRef string) (domain.QueryResult, error) {
	args := m.Called(ctx, orderRef)
	return args.Get(0).(domain.QueryResult), args.Error(1)
}

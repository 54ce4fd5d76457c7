package sandbox

import (
	"context"
	"testing"

	ierr "github.com/smallbiznis/rebill/internal/errors"
	"github.com/smallbiznis/rebill/internal/gateway/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSandboxChargeOutcomes(t *testing.T) {
	ctx := context.Background()
	gw := New()

	approved, err := gw.Charge(ctx, domain.ChargeRequest{
		Credential:  &domain.Credential{Number: "4111111111111111", ExpMonth: 1, ExpYear: 2030},
		CreateVault: true,
		Amount:      1000,
		OrderRef:    "cit_a",
	})
	require.NoError(t, err)
	require.True(t, approved.Approved())
	require.NotEmpty(t, approved.VaultToken)

	declined, err := gw.Charge(ctx, domain.ChargeRequest{VaultToken: approved.VaultToken, Amount: 1051, OrderRef: "mit_b"})
	require.NoError(t, err)
	assert.True(t, declined.Declined())
	assert.Equal(t, "51", declined.ResponseCode)

	errored, err := gw.Charge(ctx, domain.ChargeRequest{VaultToken: approved.VaultToken, Amount: 1098, OrderRef: "mit_c"})
	require.NoError(t, err)
	assert.Equal(t, domain.ResultError, errored.Result)

	_, err = gw.Charge(ctx, domain.ChargeRequest{VaultToken: approved.VaultToken, Amount: 1099, OrderRef: "mit_d"})
	assert.True(t, ierr.IsGatewayUnavailable(err))

	found, err := gw.QueryByOrderRef(ctx, "mit_b")
	require.NoError(t, err)
	assert.True(t, found.Found)

	missing, err := gw.QueryByOrderRef(ctx, "mit_d")
	require.NoError(t, err)
	assert.False(t, missing.Found)
}

func TestSandboxRefresh(t *testing.T) {
	ctx := context.Background()
	gw := New()
	resp, err := gw.CreateVaultCustomer(ctx, domain.BillingIdentity{Email: "a@b.test"}, domain.Credential{Number: "5105105105105100", ExpMonth: 1, ExpYear: 2026})
	require.NoError(t, err)

	result, err := gw.RefreshCredential(ctx, resp.VaultToken)
	require.NoError(t, err)
	assert.False(t, result.Updated)

	gw.QueueCardUpdate(resp.VaultToken, domain.CardSummary{Last4: "5100", Brand: "mastercard", ExpMonth: 1, ExpYear: 2030})
	result, err = gw.RefreshCredential(ctx, resp.VaultToken)
	require.NoError(t, err)
	assert.True(t, result.Updated)
	assert.Equal(t, 2030, result.Card.ExpYear)
}

package sandbox

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/oklog/ulid/v2"
	ierr "github.com/smallbiznis/rebill/internal/errors"
	"github.com/smallbiznis/rebill/internal/gateway/domain"
)

// Magic amounts. The cents part of the amount selects the outcome so local runs can
// exercise every path: xx.51 declines with 51, xx.54 with 54, xx.05 with 05, xx.43 with 43,
// xx.98 is a confirmed gateway error and xx.99 times out with an unknown outcome.
var centOutcomes = map[int64]string{
	5:  "05",
	14: "14",
	43: "43",
	51: "51",
	54: "54",
	59: "59",
	61: "61",
	91: "91",
}

const (
	centsConfirmedError = 98
	centsUnknownOutcome = 99
)

type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) Provider() string {
	return "sandbox"
}

func (f *Factory) NewAdapter(cfg domain.AdapterConfig) (domain.Gateway, error) {
	return New(), nil
}

type vaultEntry struct {
	card     domain.CardSummary
	identity domain.BillingIdentity
}

// Adapter is an in-memory gateway for local development and tests.
type Adapter struct {
	mu      sync.Mutex
	vault   map[string]vaultEntry
	orders  map[string]domain.Response
	refresh map[string]domain.CardSummary
}

func New() *Adapter {
	return &Adapter{
		vault:   map[string]vaultEntry{},
		orders:  map[string]domain.Response{},
		refresh: map[string]domain.CardSummary{},
	}
}

func (a *Adapter) Provider() string {
	return "sandbox"
}

// QueueCardUpdate makes the next RefreshCredential for the token report the given card.
func (a *Adapter) QueueCardUpdate(vaultToken string, card domain.CardSummary) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.refresh[vaultToken] = card
}

func (a *Adapter) CreateVaultCustomer(ctx context.Context, identity domain.BillingIdentity, cred domain.Credential) (domain.Response, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	token := "sbx_" + strings.ToLower(ulid.Make().String())
	a.vault[token] = vaultEntry{card: cred.Summary(), identity: identity}
	return domain.Response{
		Result:       domain.ResultApproved,
		ResponseText: "Customer Added",
		ResponseCode: "100",
		VaultToken:   token,
	}, nil
}

func (a *Adapter) Charge(ctx context.Context, req domain.ChargeRequest) (domain.Response, error) {
	if err := ctx.Err(); err != nil {
		return domain.Response{}, err
	}
	if req.Credential == nil && req.VaultToken == "" {
		return domain.Response{}, ierr.NewError("charge requires a credential or vault token").Mark(ierr.ErrValidation)
	}

	cents := req.Amount % 100
	if cents == centsUnknownOutcome {
		return domain.Response{}, ierr.NewError("sandbox gateway timeout").Mark(ierr.ErrGatewayUnavailable)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if req.Credential == nil {
		if _, ok := a.vault[req.VaultToken]; !ok {
			resp := domain.Response{Result: domain.ResultError, ResponseText: "Invalid Customer Vault Id", ResponseCode: "300", OrderRef: req.OrderRef}
			a.orders[req.OrderRef] = resp
			return resp, nil
		}
	}

	txnID := fmt.Sprintf("sbx%d", len(a.orders)+1)
	var resp domain.Response
	switch {
	case cents == centsConfirmedError:
		resp = domain.Response{Result: domain.ResultError, ResponseText: "Gateway configuration error", ResponseCode: "300"}
	case centOutcomes[cents] != "":
		resp = domain.Response{
			Result:        domain.ResultDeclined,
			ResponseText:  "DECLINE",
			ResponseCode:  centOutcomes[cents],
			TransactionID: txnID,
		}
	default:
		resp = domain.Response{
			Result:        domain.ResultApproved,
			ResponseText:  "SUCCESS",
			ResponseCode:  "100",
			AuthCode:      fmt.Sprintf("%06d", len(a.orders)+1),
			TransactionID: txnID,
		}
	}
	resp.OrderRef = req.OrderRef

	if resp.Approved() && req.Credential != nil && req.CreateVault {
		token := "sbx_" + strings.ToLower(ulid.Make().String())
		a.vault[token] = vaultEntry{card: req.Credential.Summary(), identity: req.Identity}
		resp.VaultToken = token
	}
	a.orders[req.OrderRef] = resp
	return resp, nil
}

func (a *Adapter) UpdateVaultCustomer(ctx context.Context, vaultToken string, cred domain.Credential) (domain.Response, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	entry, ok := a.vault[vaultToken]
	if !ok {
		return domain.Response{Result: domain.ResultError, ResponseText: "Invalid Customer Vault Id", ResponseCode: "300"}, nil
	}
	entry.card = cred.Summary()
	a.vault[vaultToken] = entry
	return domain.Response{Result: domain.ResultApproved, ResponseText: "Customer Update Successful", ResponseCode: "100", VaultToken: vaultToken}, nil
}

func (a *Adapter) RefreshCredential(ctx context.Context, vaultToken string) (domain.RefreshResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	entry, ok := a.vault[vaultToken]
	if !ok {
		return domain.RefreshResult{}, domain.ErrVaultNotFound
	}
	card, queued := a.refresh[vaultToken]
	if !queued {
		return domain.RefreshResult{Updated: false}, nil
	}
	delete(a.refresh, vaultToken)
	entry.card = card
	a.vault[vaultToken] = entry
	return domain.RefreshResult{Updated: true, Card: card}, nil
}

func (a *Adapter) EnableNetworkToken(ctx context.Context, vaultToken string) (domain.NetworkToken, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.vault[vaultToken]; !ok {
		return domain.NetworkToken{}, domain.ErrVaultNotFound
	}
	return domain.NetworkToken{
		Token:      "ntk_" + strings.ToLower(ulid.Make().String()),
		Cryptogram: "sandbox-cryptogram",
	}, nil
}

func (a *Adapter) QueryByOrderRef(ctx context.Context, orderRef string) (domain.QueryResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	resp, ok := a.orders[orderRef]
	if !ok || resp.TransactionID == "" {
		return domain.QueryResult{Found: false}, nil
	}
	return domain.QueryResult{Found: true, Response: resp}, nil
}

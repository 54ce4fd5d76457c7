package domain

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

type Initiator string

const (
	InitiatorCustomer Initiator = "customer"
	InitiatorMerchant Initiator = "merchant"
)

type Recurring string

const (
	RecurringInitial    Recurring = "initial"
	RecurringSubsequent Recurring = "subsequent"
)

// Result is the gateway's top-level verdict. Only ResultApproved means money moved.
type Result string

const (
	ResultApproved Result = "1"
	ResultDeclined Result = "2"
	ResultError    Result = "3"
)

// Credential is a raw card. It only ever travels on a customer-initiated charge or
// a vault update and is never persisted.
type Credential struct {
	Number   string `json:"number" validate:"required,cardnumber"`
	ExpMonth int    `json:"exp_month" validate:"required,min=1,max=12"`
	ExpYear  int    `json:"exp_year" validate:"required,min=2000,max=2100"`
	CVV      string `json:"cvv,omitempty" validate:"omitempty,numeric,min=3,max=4"`
}

// MarshalJSON writes the display summary so a raw card never reaches a response or log.
func (c Credential) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.Summary())
}

// Summary returns the display-only view of the card.
func (c Credential) Summary() CardSummary {
	return CardSummary{
		BIN:      BIN(c.Number),
		Last4:    Last4(c.Number),
		Brand:    BrandFromBIN(BIN(c.Number)),
		ExpMonth: c.ExpMonth,
		ExpYear:  c.ExpYear,
	}
}

type CardSummary struct {
	BIN      string `json:"bin"`
	Last4    string `json:"last4"`
	Brand    string `json:"brand"`
	ExpMonth int    `json:"exp_month"`
	ExpYear  int    `json:"exp_year"`
}

type BillingIdentity struct {
	FirstName string
	LastName  string
	Email     string
	Phone     string
}

type ChargeRequest struct {
	// Exactly one of VaultToken or Credential is set.
	VaultToken  string
	Credential  *Credential
	CreateVault bool
	Identity    BillingIdentity

	Amount     int64
	Currency   string
	OrderRef   string
	Descriptor string
	Initiator  Initiator
	Recurring  Recurring
}

// Response is the decoded gateway reply.
type Response struct {
	Result        Result
	ResponseText  string
	ResponseCode  string
	AuthCode      string
	TransactionID string
	OrderRef      string
	VaultToken    string
	AVSResponse   string
	CVVResponse   string
	Raw           map[string]string
}

func (r Response) Approved() bool {
	return r.Result == ResultApproved
}

func (r Response) Declined() bool {
	return r.Result == ResultDeclined
}

type RefreshResult struct {
	Updated bool
	Card    CardSummary
}

type NetworkToken struct {
	Token      string
	Cryptogram string
}

type QueryResult struct {
	Found    bool
	Response Response
}

// Gateway is the card-vault payment gateway contract.
type Gateway interface {
	Provider() string
	CreateVaultCustomer(ctx context.Context, identity BillingIdentity, cred Credential) (Response, error)
	Charge(ctx context.Context, req ChargeRequest) (Response, error)
	UpdateVaultCustomer(ctx context.Context, vaultToken string, cred Credential) (Response, error)
	RefreshCredential(ctx context.Context, vaultToken string) (RefreshResult, error)
	EnableNetworkToken(ctx context.Context, vaultToken string) (NetworkToken, error)
	QueryByOrderRef(ctx context.Context, orderRef string) (QueryResult, error)
}

type AdapterConfig struct {
	URL         string
	QueryURL    string
	SecurityKey string
	Timeout     time.Duration
	TestMode    bool
}

type AdapterFactory interface {
	Provider() string
	NewAdapter(cfg AdapterConfig) (Gateway, error)
}

var (
	ErrProviderNotFound   = errors.New("gateway_provider_not_found")
	ErrInvalidConfig      = errors.New("gateway_invalid_config")
	ErrMalformedResponse  = errors.New("gateway_malformed_response")
	ErrTokenizationDenied = errors.New("network_tokenization_denied")
	ErrVaultNotFound      = errors.New("vault_customer_not_found")
)

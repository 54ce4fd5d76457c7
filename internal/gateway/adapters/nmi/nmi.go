package nmi

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	ierr "github.com/smallbiznis/rebill/internal/errors"
	"github.com/smallbiznis/rebill/internal/gateway/domain"
	"go.uber.org/zap"
)

const maxResponseBytes = 64 << 10

type Factory struct {
	log *zap.Logger
}

func NewFactory(log *zap.Logger) *Factory {
	if log == nil {
		log = zap.NewNop()
	}
	return &Factory{log: log}
}

func (f *Factory) Provider() string {
	return "nmi"
}

func (f *Factory) NewAdapter(cfg domain.AdapterConfig) (domain.Gateway, error) {
	if strings.TrimSpace(cfg.SecurityKey) == "" || strings.TrimSpace(cfg.URL) == "" {
		return nil, domain.ErrInvalidConfig
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	queryURL := strings.TrimSpace(cfg.QueryURL)
	if queryURL == "" {
		queryURL = cfg.URL
	}

	log := f.log.Named("gateway.nmi")

	// Reads are idempotent and safe to retry. Charges go through the plain client
	// because a blind resend could charge twice.
	reader := retryablehttp.NewClient()
	reader.HTTPClient = &http.Client{Timeout: timeout}
	reader.RetryMax = 3
	reader.RetryWaitMin = 200 * time.Millisecond
	reader.RetryWaitMax = 2 * time.Second
	reader.Logger = leveledLogger{log: log}

	return &Adapter{
		url:         strings.TrimSpace(cfg.URL),
		queryURL:    queryURL,
		securityKey: strings.TrimSpace(cfg.SecurityKey),
		client:      &http.Client{Timeout: timeout},
		reader:      reader,
		log:         log,
	}, nil
}

type Adapter struct {
	url         string
	queryURL    string
	securityKey string
	client      *http.Client
	reader      *retryablehttp.Client
	log         *zap.Logger
}

func (a *Adapter) Provider() string {
	return "nmi"
}

func (a *Adapter) CreateVaultCustomer(ctx context.Context, identity domain.BillingIdentity, cred domain.Credential) (domain.Response, error) {
	form := url.Values{}
	form.Set("security_key", a.securityKey)
	form.Set("customer_vault", "add_customer")
	form.Set("ccnumber", cred.Number)
	form.Set("ccexp", formatExpiry(cred.ExpMonth, cred.ExpYear))
	setIdentity(form, identity)
	return a.post(ctx, form)
}

func (a *Adapter) Charge(ctx context.Context, req domain.ChargeRequest) (domain.Response, error) {
	if req.Credential == nil && strings.TrimSpace(req.VaultToken) == "" {
		return domain.Response{}, ierr.NewError("charge requires a credential or vault token").
			Mark(ierr.ErrValidation)
	}
	return a.post(ctx, chargeForm(a.securityKey, req))
}

func (a *Adapter) UpdateVaultCustomer(ctx context.Context, vaultToken string, cred domain.Credential) (domain.Response, error) {
	form := url.Values{}
	form.Set("security_key", a.securityKey)
	form.Set("customer_vault", "update_customer")
	form.Set("customer_vault_id", vaultToken)
	form.Set("ccnumber", cred.Number)
	form.Set("ccexp", formatExpiry(cred.ExpMonth, cred.ExpYear))
	return a.post(ctx, form)
}

// RefreshCredential asks the account updater for newer card details. A reply of
// "no update" is a successful call.
func (a *Adapter) RefreshCredential(ctx context.Context, vaultToken string) (domain.RefreshResult, error) {
	form := url.Values{}
	form.Set("security_key", a.securityKey)
	form.Set("customer_vault", "update_customer")
	form.Set("customer_vault_id", vaultToken)
	form.Set("account_updater", "request")

	resp, err := a.post(ctx, form)
	if err != nil {
		return domain.RefreshResult{}, err
	}
	if !resp.Approved() {
		return domain.RefreshResult{}, ierr.NewError("credential refresh rejected").
			WithHintf("gateway response %s: %s", resp.ResponseCode, resp.ResponseText).
			Mark(ierr.ErrGatewayDecline)
	}
	if !strings.EqualFold(resp.Raw["account_updater_status"], "updated") {
		return domain.RefreshResult{Updated: false}, nil
	}

	month, year := parseExpiry(resp.Raw["cc_exp"])
	last4 := resp.Raw["cc_last4"]
	bin := resp.Raw["cc_bin"]
	return domain.RefreshResult{
		Updated: true,
		Card: domain.CardSummary{
			BIN:      bin,
			Last4:    last4,
			Brand:    domain.BrandFromBIN(bin),
			ExpMonth: month,
			ExpYear:  year,
		},
	}, nil
}

func (a *Adapter) EnableNetworkToken(ctx context.Context, vaultToken string) (domain.NetworkToken, error) {
	form := url.Values{}
	form.Set("security_key", a.securityKey)
	form.Set("customer_vault", "update_customer")
	form.Set("customer_vault_id", vaultToken)
	form.Set("network_token", "enable")

	resp, err := a.post(ctx, form)
	if err != nil {
		return domain.NetworkToken{}, err
	}
	if !resp.Approved() || resp.Raw["network_token"] == "" {
		return domain.NetworkToken{}, domain.ErrTokenizationDenied
	}
	return domain.NetworkToken{
		Token:      resp.Raw["network_token"],
		Cryptogram: resp.Raw["cryptogram"],
	}, nil
}

// QueryByOrderRef looks up the gateway's record of an order. It retries transport
// failures since it never moves money.
func (a *Adapter) QueryByOrderRef(ctx context.Context, orderRef string) (domain.QueryResult, error) {
	form := url.Values{}
	form.Set("security_key", a.securityKey)
	form.Set("report_type", "transaction")
	form.Set("order_id", orderRef)

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, a.queryURL, strings.NewReader(form.Encode()))
	if err != nil {
		return domain.QueryResult{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	httpResp, err := a.reader.Do(req)
	if err != nil {
		return domain.QueryResult{}, unavailable(err)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
	if err != nil {
		return domain.QueryResult{}, unavailable(err)
	}
	if httpResp.StatusCode == http.StatusNotFound || len(strings.TrimSpace(string(body))) == 0 {
		return domain.QueryResult{Found: false}, nil
	}
	if httpResp.StatusCode >= http.StatusBadRequest {
		return domain.QueryResult{}, unavailable(fmt.Errorf("query status %d", httpResp.StatusCode))
	}

	resp, err := DecodeResponse(body)
	if err != nil {
		return domain.QueryResult{}, unavailable(err)
	}
	if resp.TransactionID == "" {
		return domain.QueryResult{Found: false}, nil
	}
	return domain.QueryResult{Found: true, Response: resp}, nil
}

// post sends a single money-moving or vault request. Transport failures, 5xx and
// undecodable bodies leave the outcome unknown and are reported as unavailable.
func (a *Adapter) post(ctx context.Context, form url.Values) (domain.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, strings.NewReader(form.Encode()))
	if err != nil {
		return domain.Response{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	httpResp, err := a.client.Do(req)
	if err != nil {
		return domain.Response{}, unavailable(err)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
	if err != nil {
		return domain.Response{}, unavailable(err)
	}
	if httpResp.StatusCode >= http.StatusInternalServerError {
		return domain.Response{}, unavailable(fmt.Errorf("gateway status %d", httpResp.StatusCode))
	}
	if httpResp.StatusCode >= http.StatusBadRequest {
		// The request was rejected before processing, so nothing was charged.
		return domain.Response{
			Result:       domain.ResultError,
			ResponseText: fmt.Sprintf("gateway rejected request with status %d", httpResp.StatusCode),
		}, nil
	}

	resp, err := DecodeResponse(body)
	if err != nil {
		return domain.Response{}, unavailable(err)
	}
	return resp, nil
}

func unavailable(err error) error {
	return ierr.WithError(err).
		WithMessage("payment gateway unavailable").
		WithHint("The charge outcome is unknown and will be reconciled").
		Mark(ierr.ErrGatewayUnavailable)
}

type leveledLogger struct {
	log *zap.Logger
}

func (l leveledLogger) Error(msg string, keysAndValues ...interface{}) {
	l.log.Sugar().Errorw(msg, keysAndValues...)
}

func (l leveledLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Sugar().Debugw(msg, keysAndValues...)
}

func (l leveledLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.log.Sugar().Debugw(msg, keysAndValues...)
}

func (l leveledLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.log.Sugar().Warnw(msg, keysAndValues...)
}

package nmi

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/rebill/internal/gateway/domain"
)

// DecodeResponse parses the flat form-encoded reply into a typed Response.
// Anything other than response=1 is a failure; a body without a response field is malformed.
func DecodeResponse(body []byte) (domain.Response, error) {
	values, err := url.ParseQuery(strings.TrimSpace(string(body)))
	if err != nil {
		return domain.Response{}, fmt.Errorf("%w: %v", domain.ErrMalformedResponse, err)
	}

	raw := make(map[string]string, len(values))
	for key := range values {
		raw[key] = values.Get(key)
	}

	result := strings.TrimSpace(values.Get("response"))
	if result == "" {
		return domain.Response{Raw: raw}, domain.ErrMalformedResponse
	}

	resp := domain.Response{
		ResponseText:  strings.TrimSpace(values.Get("responsetext")),
		ResponseCode:  strings.TrimSpace(values.Get("response_code")),
		AuthCode:      strings.TrimSpace(values.Get("authcode")),
		TransactionID: strings.TrimSpace(values.Get("transactionid")),
		OrderRef:      strings.TrimSpace(values.Get("orderid")),
		VaultToken:    strings.TrimSpace(values.Get("customer_vault_id")),
		AVSResponse:   strings.TrimSpace(values.Get("avsresponse")),
		CVVResponse:   strings.TrimSpace(values.Get("cvvresponse")),
		Raw:           raw,
	}
	switch domain.Result(result) {
	case domain.ResultApproved:
		resp.Result = domain.ResultApproved
	case domain.ResultDeclined:
		resp.Result = domain.ResultDeclined
	default:
		resp.Result = domain.ResultError
	}
	return resp, nil
}

func formatAmount(minor int64) string {
	return decimal.New(minor, -2).StringFixed(2)
}

func formatExpiry(month, year int) string {
	return fmt.Sprintf("%02d%02d", month, year%100)
}

func parseExpiry(value string) (int, int) {
	value = strings.TrimSpace(value)
	if len(value) != 4 {
		return 0, 0
	}
	var month, year int
	if _, err := fmt.Sscanf(value, "%02d%02d", &month, &year); err != nil {
		return 0, 0
	}
	return month, 2000 + year
}

func chargeForm(securityKey string, req domain.ChargeRequest) url.Values {
	form := url.Values{}
	form.Set("security_key", securityKey)
	form.Set("type", "sale")
	form.Set("amount", formatAmount(req.Amount))
	if req.Currency != "" {
		form.Set("currency", strings.ToUpper(req.Currency))
	}
	form.Set("orderid", req.OrderRef)
	if req.Descriptor != "" {
		form.Set("descriptor", req.Descriptor)
	}
	form.Set("initiated_by", string(req.Initiator))
	form.Set("billing_method", "recurring")

	if req.Recurring == domain.RecurringInitial {
		form.Set("stored_credential_indicator", "stored")
	} else {
		form.Set("stored_credential_indicator", "used")
	}

	if req.Credential != nil {
		form.Set("ccnumber", req.Credential.Number)
		form.Set("ccexp", formatExpiry(req.Credential.ExpMonth, req.Credential.ExpYear))
		if req.Credential.CVV != "" {
			form.Set("cvv", req.Credential.CVV)
		}
		if req.CreateVault {
			form.Set("customer_vault", "add_customer")
		}
	} else {
		form.Set("customer_vault_id", req.VaultToken)
	}

	setIdentity(form, req.Identity)
	return form
}

func setIdentity(form url.Values, identity domain.BillingIdentity) {
	if identity.FirstName != "" {
		form.Set("first_name", identity.FirstName)
	}
	if identity.LastName != "" {
		form.Set("last_name", identity.LastName)
	}
	if identity.Email != "" {
		form.Set("email", identity.Email)
	}
	if identity.Phone != "" {
		form.Set("phone", identity.Phone)
	}
}

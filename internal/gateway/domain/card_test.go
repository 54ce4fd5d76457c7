package domain

import "testing"

func TestBrandFromBIN(t *testing.T) {
	cases := map[string]string{
		"411111": "visa",
		"510510": "mastercard",
		"550000": "mastercard",
		"560000": "other",
		"340000": "amex",
		"378282": "amex",
		"601111": "discover",
		"300000": "other",
		"":       "other",
	}
	for bin, want := range cases {
		if got := BrandFromBIN(bin); got != want {
			t.Fatalf("BrandFromBIN(%q) = %q, want %q", bin, got, want)
		}
	}
}

func TestCredentialSummary(t *testing.T) {
	summary := Credential{Number: "4111 1111 1111 1234", ExpMonth: 9, ExpYear: 2028}.Summary()
	if summary.BIN != "411111" || summary.Last4 != "1234" || summary.Brand != "visa" {
		t.Fatalf("unexpected summary %+v", summary)
	}
}

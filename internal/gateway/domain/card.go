package domain

import "strings"

func digits(number string) string {
	var b strings.Builder
	for _, r := range number {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// BIN returns the first six digits of a card number.
func BIN(number string) string {
	d := digits(number)
	if len(d) < 6 {
		return d
	}
	return d[:6]
}

func Last4(number string) string {
	d := digits(number)
	if len(d) < 4 {
		return d
	}
	return d[len(d)-4:]
}

// BrandFromBIN infers the card network from the leading digits.
func BrandFromBIN(bin string) string {
	bin = digits(bin)
	switch {
	case bin == "":
		return "other"
	case strings.HasPrefix(bin, "4"):
		return "visa"
	case len(bin) >= 2 && bin[0] == '5' && bin[1] >= '1' && bin[1] <= '5':
		return "mastercard"
	case strings.HasPrefix(bin, "34"), strings.HasPrefix(bin, "37"):
		return "amex"
	case strings.HasPrefix(bin, "6"):
		return "discover"
	default:
		return "other"
	}
}

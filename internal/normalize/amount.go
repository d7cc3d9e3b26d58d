package normalize

import (
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

// currencyTokens are stripped from raw amounts before parsing, longest first
var currencyTokens = []string{"US$", "R$", "USD", "BRL", "EUR", "$", "€"}

var (
	trailingCents = regexp.MustCompile(`,\d{2}$`)
	plainNumber   = regexp.MustCompile(`^\d+(?:\.\d+)?$`)
	nonDigits     = regexp.MustCompile(`\D`)
)

// Amount converts a locale-ambiguous money string into a positive value
// rounded to cents. Unparseable input yields 0.
func Amount(raw string) float64 {
	d, ok := ParseAmount(raw)
	if !ok {
		return 0
	}
	return d.InexactFloat64()
}

// ParseAmount is Amount with decimal precision and an explicit failure flag
func ParseAmount(raw string) (decimal.Decimal, bool) {
	s := strings.ToUpper(raw)
	for _, token := range currencyTokens {
		s = strings.ReplaceAll(s, token, "")
	}
	s = strings.Map(func(r rune) rune {
		if r == ' ' || r == '\u00a0' || r == '\t' {
			return -1
		}
		return r
	}, s)
	s = strings.TrimLeft(s, "-")
	if s == "" {
		return decimal.Zero, false
	}

	s = canonicalSeparators(s)
	if !plainNumber.MatchString(s) {
		return decimal.Zero, false
	}

	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, false
	}
	return d.Abs().Round(2), true
}

// canonicalSeparators rewrites s so that "." is the only separator and it
// marks the decimal point
func canonicalSeparators(s string) string {
	comma := strings.LastIndex(s, ",")
	dot := strings.LastIndex(s, ".")

	switch {
	case comma >= 0 && dot >= 0:
		if comma > dot {
			// 1.234,56
			s = strings.ReplaceAll(s, ".", "")
			return strings.Replace(s, ",", ".", 1)
		}
		// 1,234.56
		return strings.ReplaceAll(s, ",", "")
	case comma >= 0:
		if trailingCents.MatchString(s) {
			head, cents := s[:comma], s[comma+1:]
			return strings.ReplaceAll(head, ",", "") + "." + cents
		}
		return strings.ReplaceAll(s, ",", "")
	case strings.Count(s, ".") > 1:
		// 1.234.567 has no decimal part
		return strings.ReplaceAll(s, ".", "")
	}
	return s
}

// Digits strips everything but 0-9, for loose comparison of tax ids and
// other numeric identifiers
func Digits(raw string) string {
	return nonDigits.ReplaceAllString(raw, "")
}

package extract

import (
	"strconv"
	"strings"
	"unicode"

	"github.com/shopspring/decimal"

	"github.com/zombor/ai-receipts/internal/normalize"
	"github.com/zombor/ai-receipts/internal/provider"
	"github.com/zombor/ai-receipts/internal/receipt"
)

var (
	minAmount = decimal.RequireFromString("0.01")
	maxAmount = decimal.RequireFromString("999999.99")
)

const (
	minYear = 2000
	maxYear = 2030
	minID   = 3
)

// Money is an amount found in text together with its currency
type Money struct {
	Value    decimal.Decimal
	Currency string
	// Match is the raw substring, e.g. "R$ 1.234,56"
	Match string
}

// Extractor turns an email into a Receipt
type Extractor struct {
	identifier *provider.Identifier
}

// New creates an Extractor that identifies providers with identifier
func New(identifier *provider.Identifier) *Extractor {
	return &Extractor{identifier: identifier}
}

// Extract identifies the provider and pulls the financial fields out of the
// subject and body. Fields are extracted even when the provider is unknown so
// a review queue has something to work with, but Success stays false.
func (e *Extractor) Extract(email receipt.RawEmail) receipt.Receipt {
	text := email.Text()
	r := receipt.Receipt{Language: DetectLanguage(text)}

	if p, ok := e.identifier.Identify(email.Sender); ok {
		r.Provider = receipt.Ptr(p.Name)
		r.Service = receipt.Ptr(p.Service)
		r.Success = true
	}

	if m, ok := Amount(text); ok {
		r.Amount = receipt.Ptr(m.Value.InexactFloat64())
		r.Currency = receipt.Ptr(m.Currency)
		r.AmountMatch = m.Match
	}
	if d, ok := Date(text); ok {
		r.IssuedDate = receipt.Ptr(d)
	}
	if id, ok := InvoiceNumber(text); ok {
		r.InvoiceNumber = receipt.Ptr(id)
	}

	r.Score()
	return r
}

// Amount returns the first money value in text that passes validation
func Amount(text string) (Money, bool) {
	for _, p := range amountPatterns {
		for _, loc := range p.re.FindAllStringSubmatchIndex(text, -1) {
			raw := text[loc[2]:loc[3]]
			if _, banned := amountBlacklist[raw]; banned {
				continue
			}
			value, ok := normalize.ParseAmount(raw)
			if !ok || value.LessThan(minAmount) || value.GreaterThan(maxAmount) {
				continue
			}
			return Money{
				Value:    value,
				Currency: p.currency,
				Match:    trimMatch(text[loc[0]:loc[1]]),
			}, true
		}
	}
	return Money{}, false
}

// Date returns the first date in text that parses to a plausible year, as
// YYYY-MM-DD
func Date(text string) (string, bool) {
	for _, re := range datePatterns {
		for _, raw := range re.FindAllString(text, -1) {
			if _, banned := dateBlacklist[strings.ToLower(raw)]; banned {
				continue
			}
			t, ok := normalize.ParseDate(raw)
			if !ok || t.Year() < minYear || t.Year() > maxYear {
				continue
			}
			iso := t.Format(normalize.ISODate)
			if _, banned := dateBlacklist[iso]; banned {
				continue
			}
			return iso, true
		}
	}
	return "", false
}

// InvoiceNumber returns the first plausible identifier in text, prefixed with
// its kind (inv_, nf_, ...) or "#" when the kind is unknown
func InvoiceNumber(text string) (string, bool) {
	for _, p := range invoicePatterns {
		for _, m := range p.re.FindAllStringSubmatch(text, -1) {
			id := firstGroup(m)
			if !validID(id) {
				continue
			}
			if p.generic && yearLike(id) {
				continue
			}
			return p.prefix + id, true
		}
	}
	return "", false
}

// trimMatch drops the boundary character the bare dollar pattern consumes
func trimMatch(s string) string {
	return strings.TrimLeftFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '$' && r != '€'
	})
}

func firstGroup(m []string) string {
	for _, g := range m[1:] {
		if g != "" {
			return g
		}
	}
	return ""
}

func validID(id string) bool {
	if len(id) < minID {
		return false
	}
	if _, banned := invoiceBlacklist[strings.ToLower(id)]; banned {
		return false
	}
	return strings.ContainsAny(id, "0123456789")
}

func yearLike(id string) bool {
	if len(id) != 4 {
		return false
	}
	n, err := strconv.Atoi(id)
	return err == nil && n >= 1900 && n <= 2100
}

// DetectLanguage scores Portuguese against English month names and billing
// keywords. Ties go to English.
func DetectLanguage(text string) receipt.Language {
	folded := normalize.Fold(text)
	pt := len(ptMonths.FindAllString(folded, -1))
	en := len(enMonths.FindAllString(folded, -1))
	for _, re := range ptKeywords {
		if re.MatchString(folded) {
			pt++
		}
	}
	for _, re := range enKeywords {
		if re.MatchString(folded) {
			en++
		}
	}
	if pt > en {
		return receipt.Portuguese
	}
	return receipt.English
}

package scanning

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/shopspring/decimal"

	"github.com/zombor/ai-receipts/internal/normalize"
)

// ErrInvalidResponse marks an LLM answer that could not be used. Callers may
// retry with the error as feedback.
var ErrInvalidResponse = errors.New("invalid scanner response")

const receiptSchema = `{
  "type": "object",
  "required": ["provider", "amount", "currency", "issued_date", "invoice_number"],
  "properties": {
    "provider": {"type": ["string", "null"]},
    "service": {"type": ["string", "null"]},
    "amount": {"type": ["number", "null"], "minimum": 0, "maximum": 999999.99},
    "currency": {"enum": ["BRL", "USD", "EUR", null]},
    "issued_date": {"type": ["string", "null"]},
    "invoice_number": {"type": ["string", "null"]}
  }
}`

var schema = jsonschema.MustCompileString("receipt.json", receiptSchema)

// parseReceiptJSON extracts, validates and normalizes the JSON object in an
// LLM response
func parseReceiptJSON(text string) (*ReceiptData, error) {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSpace(text)

	// Find the JSON object boundaries - look for first { and last }
	startIdx := strings.Index(text, "{")
	if startIdx == -1 {
		return nil, fmt.Errorf("%w: no JSON object found in response", ErrInvalidResponse)
	}
	endIdx := strings.LastIndex(text, "}")
	if endIdx < startIdx {
		return nil, fmt.Errorf("%w: invalid JSON object in response", ErrInvalidResponse)
	}
	raw := []byte(text[startIdx : endIdx+1])

	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("%w: unmarshaling json: %w", ErrInvalidResponse, err)
	}
	if err := schema.Validate(v); err != nil {
		return nil, fmt.Errorf("%w: json does not match schema: %w", ErrInvalidResponse, err)
	}

	var data ReceiptData
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("%w: unmarshaling receipt: %w", ErrInvalidResponse, err)
	}
	data.normalize()
	return &data, nil
}

// normalize trims strings, drops empty values, rounds the amount and rewrites
// the date as ISO. A date that cannot be parsed is dropped rather than guessed.
func (d *ReceiptData) normalize() {
	for _, s := range []**string{&d.Provider, &d.Service, &d.Currency, &d.InvoiceNumber, &d.IssuedDate} {
		if *s == nil {
			continue
		}
		if v := strings.TrimSpace(**s); v != "" {
			*s = &v
		} else {
			*s = nil
		}
	}

	if d.Amount != nil {
		amount := decimal.NewFromFloat(*d.Amount).Round(2)
		if amount.IsPositive() {
			v := amount.InexactFloat64()
			d.Amount = &v
		} else {
			d.Amount = nil
		}
	}

	if d.IssuedDate != nil {
		t, ok := normalize.ParseDate(*d.IssuedDate)
		if !ok || t.Year() < 2000 || t.Year() > 2030 {
			d.IssuedDate = nil
		} else {
			v := t.Format(normalize.ISODate)
			d.IssuedDate = &v
		}
	}
}

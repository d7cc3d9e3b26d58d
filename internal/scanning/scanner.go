package scanning

import (
	"context"

	"github.com/zombor/ai-receipts/internal/receipt"
)

// ReceiptData contains the fields an LLM extracted from a receipt email.
// Nil fields were not found.
type ReceiptData struct {
	Provider      *string  `json:"provider"`
	Service       *string  `json:"service"`
	Amount        *float64 `json:"amount"`
	Currency      *string  `json:"currency"`    // BRL, USD or EUR
	IssuedDate    *string  `json:"issued_date"` // YYYY-MM-DD
	InvoiceNumber *string  `json:"invoice_number"`
}

// Document is what a Scanner reads: the email text plus its attachments
type Document struct {
	Sender      string
	Subject     string
	Body        string
	Attachments []receipt.Attachment
	// Feedback holds problems with earlier answers, sent back on retry
	Feedback []string
}

// NewDocument builds a Document from an email
func NewDocument(email receipt.RawEmail) Document {
	return Document{
		Sender:      email.Sender,
		Subject:     email.Subject,
		Body:        email.Body,
		Attachments: email.Attachments,
	}
}

// Scanner defines the interface for LLM receipt extraction
type Scanner interface {
	// ScanReceipt reads the document and extracts receipt fields
	ScanReceipt(ctx context.Context, doc Document) (*ReceiptData, error)
	// Close closes the scanner and releases resources
	Close() error
}

// Apply fills the fields r is missing from d and rescores r. Fields the
// rule-based extractor already found are kept. It returns the names of the
// fields that were filled.
func (d *ReceiptData) Apply(r *receipt.Receipt) []string {
	var filled []string
	fill := func(name string, dst **string, src *string) {
		if *dst == nil && src != nil {
			*dst = receipt.Ptr(*src)
			filled = append(filled, name)
		}
	}

	fill("provider", &r.Provider, d.Provider)
	fill("service", &r.Service, d.Service)
	fill("currency", &r.Currency, d.Currency)
	fill("issued_date", &r.IssuedDate, d.IssuedDate)
	fill("invoice_number", &r.InvoiceNumber, d.InvoiceNumber)
	if r.Amount == nil && d.Amount != nil {
		r.Amount = receipt.Ptr(*d.Amount)
		filled = append(filled, "amount")
	}

	r.Success = r.Provider != nil
	r.Score()
	return filled
}

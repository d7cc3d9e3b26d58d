package receipt

import "time"

// Language is the detected language of a receipt email
type Language string

const (
	Portuguese Language = "pt"
	English    Language = "en"
)

// Attachment is a file attached to an email
type Attachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Data        []byte `json:"-"`
}

// RawEmail is an email as delivered by a mail source. Fields are plain text;
// MIME decoding happens before a RawEmail is built.
type RawEmail struct {
	Sender      string       `json:"sender"`
	Subject     string       `json:"subject"`
	Body        string       `json:"body"`
	MessageID   string       `json:"message_id"`
	ReceivedAt  time.Time    `json:"received_at,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// Text returns subject and body joined the way the extractor scans them
func (e RawEmail) Text() string {
	return e.Subject + "\n" + e.Body
}

// Malformed reports whether any of the fields needed for classification is empty
func (e RawEmail) Malformed() bool {
	return e.Sender == "" || e.Subject == "" || e.Body == ""
}

// Receipt holds the financial fields extracted from one email.
// Nil pointers mean the field could not be extracted.
type Receipt struct {
	Provider      *string  `json:"provider"`
	Service       *string  `json:"service,omitempty"`
	Amount        *float64 `json:"amount"` // Always a positive magnitude
	AmountMatch   string   `json:"amount_match,omitempty"`
	Currency      *string  `json:"currency"`    // BRL, USD or EUR
	IssuedDate    *string  `json:"issued_date"` // YYYY-MM-DD
	InvoiceNumber *string  `json:"invoice_number"`
	Language      Language `json:"language"`
	Confidence    int      `json:"confidence"`
	Success       bool     `json:"success"`
}

// fieldWeight is the confidence contributed by each populated field
const fieldWeight = 20

// Completeness reports which of the scored fields were populated
func (r *Receipt) Completeness() map[string]bool {
	return map[string]bool{
		"provider":       r.Provider != nil,
		"amount":         r.Amount != nil,
		"currency":       r.Currency != nil,
		"issued_date":    r.IssuedDate != nil,
		"invoice_number": r.InvoiceNumber != nil,
	}
}

// Score recomputes the confidence from the populated fields
func (r *Receipt) Score() int {
	score := 0
	for _, ok := range r.Completeness() {
		if ok {
			score += fieldWeight
		}
	}
	r.Confidence = score
	return score
}

// ProviderName returns the provider or an empty string
func (r *Receipt) ProviderName() string {
	return deref(r.Provider)
}

// InvoiceID returns the invoice number or an empty string
func (r *Receipt) InvoiceID() string {
	return deref(r.InvoiceNumber)
}

// Date returns the issued date or an empty string
func (r *Receipt) Date() string {
	return deref(r.IssuedDate)
}

// CurrencyCode returns the currency or an empty string
func (r *Receipt) CurrencyCode() string {
	return deref(r.Currency)
}

// Value returns the amount or zero
func (r *Receipt) Value() float64 {
	if r.Amount == nil {
		return 0
	}
	return *r.Amount
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// Ptr returns a pointer to v
func Ptr[T any](v T) *T {
	return &v
}

package registry

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/zombor/ai-receipts/internal/receipt"
)

// ErrClosed is returned by operations on a closed registry
var ErrClosed = errors.New("registry is closed")

// Index names a registry index
type Index string

const (
	ByInvoice Index = "by_invoice"
	ByTriplet Index = "by_triplet"
)

// InvoiceEntry is the by_invoice record of a processed receipt
type InvoiceEntry struct {
	Provider  string   `json:"provider"`
	Date      string   `json:"date"`
	Amount    *float64 `json:"amount"`
	MessageID string   `json:"message_id"`
}

// TripletEntry is the by_triplet record of a processed receipt
type TripletEntry struct {
	InvoiceNumber string `json:"invoice_number"`
	MessageID     string `json:"message_id"`
}

// Match describes the earlier registration a duplicate collided with
type Match struct {
	Index   Index         `json:"index"`
	Key     string        `json:"key"`
	Invoice *InvoiceEntry `json:"invoice,omitempty"`
	Triplet *TripletEntry `json:"triplet,omitempty"`
}

// Document is the full registry content
type Document struct {
	ByInvoice map[string]InvoiceEntry `json:"by_invoice"`
	ByTriplet map[string]TripletEntry `json:"by_triplet"`
}

// NewDocument returns an empty Document
func NewDocument() Document {
	return Document{
		ByInvoice: make(map[string]InvoiceEntry),
		ByTriplet: make(map[string]TripletEntry),
	}
}

// Stats counts the keys in each index
type Stats struct {
	Invoices int `json:"invoices"`
	Triplets int `json:"triplets"`
}

// Registry records processed receipts so re-scans do not report them twice.
// Implementations serialize writes and never expose a partially written state.
type Registry interface {
	// Lookup returns the earlier registration c collides with, or nil
	Lookup(c Claim) (*Match, error)
	// IsDuplicate reports whether c collides with an earlier registration
	IsDuplicate(c Claim) (bool, error)
	// Register durably records c in both indexes. Existing keys are kept.
	Register(c Claim) error
	// Admit registers c unless it is a duplicate, as one atomic step. A non-nil
	// Match means c was a duplicate and nothing was written.
	Admit(c Claim) (*Match, error)
	// Clear removes every registration
	Clear() error
	// Stats counts registrations per index
	Stats() (Stats, error)
	// Snapshot returns a copy of the full content
	Snapshot() (Document, error)
	// Close releases the backing store
	Close() error
}

// Claim is the part of an extracted receipt the registry keys on
type Claim struct {
	InvoiceNumber string
	Provider      string
	Date          string
	Amount        *float64
	MessageID     string
}

// isoDate finds the first ISO date in raw body text. The triplet date comes
// from here rather than from the extracted issued date so that existing
// registries keep matching.
var isoDate = regexp.MustCompile(`\b(20\d{2})-(0[1-9]|1[0-2])-(0[1-9]|[12]\d|3[01])\b`)

// NewClaim projects an extracted receipt onto registry keys. The provider
// falls back to the raw sender and the date comes from scanning the body.
func NewClaim(email receipt.RawEmail, r receipt.Receipt) Claim {
	provider := strings.TrimSpace(r.ProviderName())
	if provider == "" {
		provider = strings.TrimSpace(email.Sender)
	}
	return Claim{
		InvoiceNumber: strings.TrimSpace(r.InvoiceID()),
		Provider:      provider,
		Date:          isoDate.FindString(email.Body),
		Amount:        r.Amount,
		MessageID:     email.MessageID,
	}
}

// TripletKey renders lowercase(provider)|date|amount. Missing parts are empty.
func (c Claim) TripletKey() string {
	amount := ""
	if c.Amount != nil {
		amount = fmt.Sprintf("%.2f", *c.Amount)
	}
	return strings.ToLower(c.Provider) + "|" + c.Date + "|" + amount
}

func (c Claim) entry() InvoiceEntry {
	return InvoiceEntry{Provider: c.Provider, Date: c.Date, Amount: c.Amount, MessageID: c.MessageID}
}

func (c Claim) tripletEntry() TripletEntry {
	return TripletEntry{InvoiceNumber: c.InvoiceNumber, MessageID: c.MessageID}
}

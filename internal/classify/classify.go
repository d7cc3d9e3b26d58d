package classify

import (
	"regexp"
	"strings"

	"github.com/zombor/ai-receipts/internal/normalize"
	"github.com/zombor/ai-receipts/internal/receipt"
)

// Mode selects how strictly emails are classified
type Mode int

const (
	// Strict requires a known vendor sender and a receipt keyword
	Strict Mode = iota
	// Loose only looks for a receipt keyword in the subject. Vendor sending
	// addresses drift, so interactive searches trade precision for recall.
	Loose
)

func (m Mode) String() string {
	if m == Loose {
		return "loose"
	}
	return "strict"
}

// ParseMode maps "strict" or "loose" to a Mode
func ParseMode(s string) (Mode, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "strict", "":
		return Strict, true
	case "loose":
		return Loose, true
	}
	return Strict, false
}

// VendorMarkers are sender substrings that mark an email as coming from an AI
// vendor. This is broader than the provider table.
var VendorMarkers = []string{
	"openai.com",
	"anthropic.com",
	"cursor.com",
	"manus.ai",
	"n8n.io",
	"gemini-noreply@google.com",
	"noreply@openai.com",
	"noreply@anthropic.com",
	"billing@openai.com",
	"billing@anthropic.com",
	"support@cursor.com",
	"billing@manus.ai",
	"noreply@n8n.io",
}

// Keywords are matched against accent-folded, lowercased text
var Keywords = []string{
	"invoice",
	"recibo",
	"fatura",
	"bill",
	"receipt",
	"billing",
	"payment",
	"pagamento",
	"cobranca",
	"subscription",
	"assinatura",
	"usage",
	"uso",
}

// Classifier decides whether an email is a receipt candidate
type Classifier struct {
	vendors  []string
	keywords *regexp.Regexp
}

// New creates a Classifier with the built-in vendor markers and keywords
func New() *Classifier {
	return NewWithMarkers(VendorMarkers, Keywords)
}

// NewWithSenders creates a Classifier that also treats the given sender
// addresses as vendor markers, so every provider table address is a vendor
func NewWithSenders(senders []string) *Classifier {
	vendors := make([]string, 0, len(VendorMarkers)+len(senders))
	vendors = append(vendors, VendorMarkers...)
	vendors = append(vendors, senders...)
	return NewWithMarkers(vendors, Keywords)
}

// NewWithMarkers creates a Classifier with custom vendor markers and keywords
func NewWithMarkers(vendors, keywords []string) *Classifier {
	lowered := make([]string, 0, len(vendors))
	for _, v := range vendors {
		lowered = append(lowered, strings.ToLower(v))
	}
	quoted := make([]string, 0, len(keywords))
	for _, k := range keywords {
		quoted = append(quoted, regexp.QuoteMeta(normalize.Fold(k)))
	}
	return &Classifier{
		vendors:  lowered,
		keywords: regexp.MustCompile(`\b(?:` + strings.Join(quoted, "|") + `)s?\b`),
	}
}

// IsCandidate reports whether the email is a receipt candidate under mode.
// Emails missing a sender, subject or body are never candidates.
func (c *Classifier) IsCandidate(email receipt.RawEmail, mode Mode) bool {
	if email.Malformed() {
		return false
	}
	if mode == Loose {
		return c.HasKeyword(email.Subject)
	}
	return c.IsVendor(email.Sender) && c.HasKeyword(email.Text())
}

// IsVendor reports whether sender contains a known vendor marker
func (c *Classifier) IsVendor(sender string) bool {
	sender = strings.ToLower(sender)
	for _, v := range c.vendors {
		if strings.Contains(sender, v) {
			return true
		}
	}
	return false
}

// HasKeyword reports whether text contains a receipt keyword
func (c *Classifier) HasKeyword(text string) bool {
	return c.keywords.MatchString(normalize.Fold(text))
}

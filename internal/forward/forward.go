// Package forward hands accepted receipts to whatever delivers them onward.
package forward

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/zombor/ai-receipts/internal/receipt"
)

const (
	subjectTag = "[ENCAMINHADO]"
	dateLayout = "02/01/2006 15:04:05"
)

// Forward is one accepted receipt ready to be delivered
type Forward struct {
	ID          string               `json:"id"`
	To          string               `json:"to,omitempty"`
	Subject     string               `json:"subject"`
	Body        string               `json:"body"`
	Sender      string               `json:"sender"`
	MessageID   string               `json:"message_id"`
	Receipt     receipt.Receipt      `json:"receipt"`
	Attachments []receipt.Attachment `json:"attachments,omitempty"`
	CreatedAt   time.Time            `json:"created_at"`
}

// Publisher delivers forwards
type Publisher interface {
	Publish(ctx context.Context, f Forward) error
}

// BuildForward renders the forwarded subject and body for an accepted receipt.
// The subject carries the amount and invoice number when they were extracted.
func BuildForward(email receipt.RawEmail, r receipt.Receipt) Forward {
	return Forward{
		Subject:     forwardSubject(email.Subject, r),
		Body:        forwardBody(email, r),
		Sender:      email.Sender,
		MessageID:   email.MessageID,
		Receipt:     r,
		Attachments: email.Attachments,
	}
}

func forwardSubject(subject string, r receipt.Receipt) string {
	var prefix strings.Builder
	if r.Currency != nil && r.Amount != nil {
		fmt.Fprintf(&prefix, "[%s %.2f] ", *r.Currency, *r.Amount)
	}
	if r.InvoiceNumber != nil {
		fmt.Fprintf(&prefix, "[NF %s] ", *r.InvoiceNumber)
	}
	return subjectTag + " " + prefix.String() + subject
}

func forwardBody(email receipt.RawEmail, r receipt.Receipt) string {
	received := "-"
	if !email.ReceivedAt.IsZero() {
		received = email.ReceivedAt.Format(dateLayout)
	}

	var b strings.Builder
	b.WriteString("Email original encaminhado automaticamente pelo sistema de automacao de recibos.\n\n")
	b.WriteString("--- DADOS DO EMAIL ORIGINAL ---\n")
	fmt.Fprintf(&b, "De: %s\n", email.Sender)
	fmt.Fprintf(&b, "Assunto: %s\n", email.Subject)
	fmt.Fprintf(&b, "Data: %s\n\n", received)

	if r.Success {
		amount := "-"
		if r.Amount != nil {
			amount = fmt.Sprintf("%.2f", *r.Amount)
		}
		b.WriteString("--- DADOS EXTRAIDOS ---\n")
		fmt.Fprintf(&b, "Fornecedor: %s\n", orDash(r.ProviderName()))
		fmt.Fprintf(&b, "Idioma: %s\n", orDash(string(r.Language)))
		fmt.Fprintf(&b, "Valor: %s %s (match: %s)\n", amount, orDash(r.CurrencyCode()), orDash(r.AmountMatch))
		fmt.Fprintf(&b, "Data Emissao: %s\n", orDash(r.Date()))
		fmt.Fprintf(&b, "Numero Recibo: %s\n\n", orDash(r.InvoiceID()))
	}

	b.WriteString("--- CONTEUDO ORIGINAL ---\n")
	b.WriteString(email.Body)
	b.WriteString("\n\n---\n")
	b.WriteString("Este email foi processado automaticamente pelo sistema de automacao de recibos de IA.")
	return b.String()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

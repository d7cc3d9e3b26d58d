// Package mailsource retrieves raw emails from a mailbox and hands them to the
// pipeline as plain text. Authentication material (OAuth tokens, IMAP
// passwords) is supplied by the caller; no consent flow runs here.
package mailsource

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/zombor/ai-receipts/internal/receipt"
)

// Query narrows what a Source returns
type Query struct {
	// Since drops messages received before this time. Zero means no limit.
	Since time.Time
	// Senders restricts Gmail searches to these addresses. Other sources
	// return every message and leave filtering to the classifier.
	Senders []string
	// Loose searches by subject only, ignoring Senders
	Loose bool
	// MaxResults caps the number of messages. Zero means no cap.
	MaxResults int
}

// Source retrieves emails
type Source interface {
	Fetch(ctx context.Context, q Query) ([]receipt.RawEmail, error)
	Close() error
}

// SubjectTerms are the subject filters of the Gmail receipt search
var SubjectTerms = []string{
	"receipt",
	"recibo",
	"invoice",
	"fatura",
	"billing",
	"cobranca",
	"transacao",
	"transaction",
	`"Your receipt from"`,
	`"Seu recibo de"`,
	`"Transacao da subscricao"`,
}

// DaysAgo returns midnight UTC days before now
func DaysAgo(now time.Time, days int) time.Time {
	t := now.UTC().AddDate(0, 0, -days)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// GmailQuery renders q in Gmail search syntax, e.g.
// (from:a OR from:b) (subject:receipt OR ...) after:2025/09/01
func GmailQuery(q Query) string {
	var parts []string
	if !q.Loose && len(q.Senders) > 0 {
		from := make([]string, len(q.Senders))
		for i, s := range q.Senders {
			from[i] = "from:" + s
		}
		parts = append(parts, "("+strings.Join(from, " OR ")+")")
	}

	subjects := make([]string, len(SubjectTerms))
	for i, s := range SubjectTerms {
		subjects[i] = "subject:" + s
	}
	parts = append(parts, "("+strings.Join(subjects, " OR ")+")")

	if !q.Since.IsZero() {
		parts = append(parts, fmt.Sprintf("after:%s", q.Since.Format("2006/01/02")))
	}
	return strings.Join(parts, " ")
}

// limit trims emails to q.MaxResults
func limit(emails []receipt.RawEmail, q Query) []receipt.RawEmail {
	if q.MaxResults > 0 && len(emails) > q.MaxResults {
		return emails[:q.MaxResults]
	}
	return emails
}

// Package forwarder ties mail sources, the receipt pipeline, the ledger and
// the forward publisher together, and serves them over HTTP.
package forwarder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/zombor/ai-receipts/internal/forward"
	"github.com/zombor/ai-receipts/internal/ledger"
	"github.com/zombor/ai-receipts/internal/mailsource"
	"github.com/zombor/ai-receipts/internal/pipeline"
	"github.com/zombor/ai-receipts/internal/provider"
	"github.com/zombor/ai-receipts/internal/receipt"
	"github.com/zombor/ai-receipts/internal/registry"
	"github.com/zombor/ai-receipts/internal/scanning"
)

// ErrNoSource is returned by Scan when no mail source is configured
var ErrNoSource = errors.New("no mail source configured")

// IDGenerator generates ledger entry ids
type IDGenerator interface {
	Generate() string
}

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

type uuidGenerator struct{}

func (uuidGenerator) Generate() string {
	return uuid.New().String()
}

type systemClock struct{}

func (systemClock) Now() time.Time {
	return time.Now()
}

// Ledger records forwarded receipts
type Ledger interface {
	Save(ctx context.Context, e *ledger.Record) (bool, error)
	List(ctx context.Context, from, to time.Time) ([]ledger.Record, error)
	MonthlySummary(ctx context.Context, month time.Time) ([]ledger.Total, error)
	ExportXLSX(ctx context.Context, from, to time.Time) ([]byte, error)
}

// Deps are the collaborators of a Service. Source, Scanner and Storage are
// optional.
type Deps struct {
	Source    mailsource.Source
	Pipeline  *pipeline.Pipeline
	Registry  registry.Registry
	Scanner   scanning.Scanner
	Ledger    Ledger
	Storage   Storage
	Publisher forward.Publisher
	Providers *provider.Identifier
	// ForwardTo addresses forwards that carry no recipient
	ForwardTo string
}

// Service runs scans and answers reporting queries
type Service struct {
	deps        Deps
	idGenerator IDGenerator
	timeSource  TimeSource
}

// NewService creates a Service with uuid ids and the system clock
func NewService(deps Deps) *Service {
	return NewServiceWithDeps(deps, uuidGenerator{}, systemClock{})
}

// NewServiceWithDeps creates a Service with custom id and time sources
func NewServiceWithDeps(deps Deps, idGen IDGenerator, timeSrc TimeSource) *Service {
	if deps.Providers == nil {
		deps.Providers = provider.NewDefaultIdentifier()
	}
	return &Service{
		deps:        deps,
		idGenerator: idGen,
		timeSource:  timeSrc,
	}
}

// ReportItem is the per-email line of a ScanReport
type ReportItem struct {
	MessageID string        `json:"message_id"`
	Sender    string        `json:"sender"`
	Subject   string        `json:"subject"`
	Outcome   string        `json:"outcome"`
	Provider  string        `json:"provider,omitempty"`
	Amount    *float64      `json:"amount,omitempty"`
	Currency  string        `json:"currency,omitempty"`
	Source    ledger.Source `json:"source,omitempty"`
	Forwarded bool          `json:"forwarded"`
	Error     string        `json:"error,omitempty"`
}

// ScanReport summarizes one scan
type ScanReport struct {
	pipeline.Summary
	// Recovered counts receipts the fallback scanner identified
	Recovered  int          `json:"recovered"`
	Forwarded  int          `json:"forwarded"`
	StartedAt  time.Time    `json:"started_at"`
	DurationMS int64        `json:"duration_ms"`
	Items      []ReportItem `json:"items"`
}

// Scan fetches emails matching q and processes them
func (s *Service) Scan(ctx context.Context, q mailsource.Query) (*ScanReport, error) {
	if s.deps.Source == nil {
		return nil, ErrNoSource
	}
	if !q.Loose && len(q.Senders) == 0 {
		q.Senders = s.deps.Providers.AllSenders()
	}

	emails, err := s.deps.Source.Fetch(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("fetching emails: %w", err)
	}
	slog.Info("Fetched emails", "count", len(emails))
	return s.ProcessEmails(ctx, emails)
}

// ProcessEmails runs emails through the pipeline, retries unidentified ones
// with the fallback scanner, then records and forwards every accepted
// receipt. A registry failure stops the batch and is returned with the
// partial report.
func (s *Service) ProcessEmails(ctx context.Context, emails []receipt.RawEmail) (*ScanReport, error) {
	start := s.timeSource.Now()

	results, batchErr := s.deps.Pipeline.ProcessBatch(ctx, emails)
	report := &ScanReport{
		Summary:   pipeline.Summarize(results),
		StartedAt: start,
		Items:     make([]ReportItem, 0, len(results)),
	}

	for _, res := range results {
		item := ReportItem{
			MessageID: res.Email.MessageID,
			Sender:    res.Email.Sender,
			Subject:   res.Email.Subject,
			Outcome:   res.Outcome.String(),
		}
		if res.Err != nil {
			item.Outcome = "error"
			item.Error = res.Err.Error()
			report.Items = append(report.Items, item)
			continue
		}

		var (
			r      receipt.Receipt
			source = ledger.SourceRules
		)
		if res.Receipt != nil {
			r = *res.Receipt
		}

		if res.Outcome == pipeline.Unidentified && batchErr == nil {
			outcome, err := s.fallback(ctx, res.Email, &r)
			if err != nil {
				report.Unidentified--
				report.Errors++
				item.Outcome = "error"
				item.Error = err.Error()
				batchErr = err
				report.Items = append(report.Items, item)
				continue
			}
			if outcome != pipeline.Unidentified {
				report.Unidentified--
				if outcome == pipeline.Duplicate {
					report.Duplicates++
				} else {
					report.Accepted++
					report.Recovered++
					source = ledger.SourceScanner
				}
			}
			res.Outcome = outcome
			item.Outcome = outcome.String()
		}

		if res.Receipt != nil {
			item.Provider = r.ProviderName()
			item.Amount = r.Amount
			item.Currency = r.CurrencyCode()
		}

		if res.Outcome == pipeline.Accepted {
			item.Source = source
			forwarded, err := s.deliver(ctx, res.Email, r, source)
			if err != nil {
				slog.Error("Failed to deliver receipt", "message_id", res.Email.MessageID, "error", err)
				report.Errors++
				item.Error = err.Error()
			}
			if forwarded {
				report.Forwarded++
				item.Forwarded = true
			}
		}
		report.Items = append(report.Items, item)
	}

	report.DurationMS = s.timeSource.Now().Sub(start).Milliseconds()
	slog.Info("Scan complete",
		"processed", report.Processed,
		"accepted", report.Accepted,
		"duplicates", report.Duplicates,
		"unidentified", report.Unidentified,
		"rejected", report.Rejected,
		"errors", report.Errors,
		"duration_ms", report.DurationMS,
	)

	if batchErr != nil {
		return report, fmt.Errorf("processing emails: %w", batchErr)
	}
	return report, nil
}

// fallback asks the scanner to fill what the rules could not and, when that
// identifies the provider, runs the registry check the pipeline skipped. Only
// a registry failure is returned as an error.
func (s *Service) fallback(ctx context.Context, email receipt.RawEmail, r *receipt.Receipt) (pipeline.Outcome, error) {
	if s.deps.Scanner == nil {
		return pipeline.Unidentified, nil
	}

	data, err := s.deps.Scanner.ScanReceipt(ctx, scanning.NewDocument(email))
	if err != nil {
		slog.Warn("Fallback scan failed", "message_id", email.MessageID, "error", err)
		return pipeline.Unidentified, nil
	}
	filled := data.Apply(r)
	slog.Debug("Fallback scan filled fields", "message_id", email.MessageID, "fields", filled)
	if !r.Success {
		return pipeline.Unidentified, nil
	}
	if r.Service == nil {
		if p, ok := s.deps.Providers.Identify(email.Sender); ok {
			r.Service = receipt.Ptr(p.Service)
		}
	}

	match, err := s.deps.Registry.Admit(registry.NewClaim(email, *r))
	if err != nil {
		return pipeline.Unidentified, fmt.Errorf("registering receipt %s: %w", email.MessageID, err)
	}
	if match != nil {
		return pipeline.Duplicate, nil
	}
	return pipeline.Accepted, nil
}

// deliver archives attachments, records the ledger entry and publishes the
// forward. A message the ledger already holds is not forwarded again.
func (s *Service) deliver(ctx context.Context, email receipt.RawEmail, r receipt.Receipt, source ledger.Source) (bool, error) {
	entry := ledger.NewRecord(email, r, source)
	entry.ID = s.idGenerator.Generate()
	entry.ProcessedAt = s.timeSource.Now().UTC()

	archived := s.archive(entry.ID, email.Attachments)

	inserted, err := s.deps.Ledger.Save(ctx, &entry)
	if err != nil {
		s.discard(archived)
		return false, fmt.Errorf("saving ledger entry: %w", err)
	}
	if !inserted {
		s.discard(archived)
		slog.Info("Receipt already in ledger", "message_id", email.MessageID)
		return false, nil
	}

	f := forward.BuildForward(email, r)
	f.ID = entry.ID
	f.To = s.deps.ForwardTo
	f.CreatedAt = entry.ProcessedAt
	if err := s.deps.Publisher.Publish(ctx, f); err != nil {
		return false, fmt.Errorf("publishing forward: %w", err)
	}
	return true, nil
}

func (s *Service) archive(id string, attachments []receipt.Attachment) []string {
	if s.deps.Storage == nil {
		return nil
	}
	var saved []string
	for _, a := range attachments {
		name, err := s.deps.Storage.Save(fmt.Sprintf("%s_%s", id, sanitizeFilename(a.Filename)), a.Data)
		if err != nil {
			slog.Warn("Failed to archive attachment", "filename", a.Filename, "error", err)
			continue
		}
		saved = append(saved, name)
	}
	return saved
}

func (s *Service) discard(names []string) {
	for _, name := range names {
		if err := s.deps.Storage.Delete(name); err != nil {
			slog.Warn("Failed to delete attachment", "filename", name, "error", err)
		}
	}
}

// ListReceipts returns ledger entries dated within [from, to]
func (s *Service) ListReceipts(ctx context.Context, from, to time.Time) ([]ledger.Record, error) {
	entries, err := s.deps.Ledger.List(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("listing receipts: %w", err)
	}
	return entries, nil
}

// MonthlyReport totals one month of forwarded receipts
type MonthlyReport struct {
	Month  string         `json:"month"`
	Totals []ledger.Total `json:"totals"`
}

// MonthlyReport totals the month containing month
func (s *Service) MonthlyReport(ctx context.Context, month time.Time) (*MonthlyReport, error) {
	totals, err := s.deps.Ledger.MonthlySummary(ctx, month)
	if err != nil {
		return nil, fmt.Errorf("summarizing month: %w", err)
	}
	return &MonthlyReport{Month: month.Format("2006-01"), Totals: totals}, nil
}

// Export renders ledger entries within [from, to] as XLSX
func (s *Service) Export(ctx context.Context, from, to time.Time) ([]byte, error) {
	data, err := s.deps.Ledger.ExportXLSX(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("exporting receipts: %w", err)
	}
	return data, nil
}

// RegistryStats counts the registry keys
func (s *Service) RegistryStats() (registry.Stats, error) {
	stats, err := s.deps.Registry.Stats()
	if err != nil {
		return registry.Stats{}, fmt.Errorf("reading registry stats: %w", err)
	}
	return stats, nil
}

// ClearRegistry forgets every processed receipt
func (s *Service) ClearRegistry() error {
	if err := s.deps.Registry.Clear(); err != nil {
		return fmt.Errorf("clearing registry: %w", err)
	}
	slog.Info("Registry cleared")
	return nil
}

// Providers lists the supported providers
func (s *Service) Providers() []provider.Provider {
	return s.deps.Providers.Providers()
}

// Package ledger keeps a SQLite record of every forwarded receipt for
// reporting and spreadsheet export.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/zombor/ai-receipts/internal/receipt"
)

const dayLayout = "2006-01-02"

// Source records which stage extracted the receipt
type Source string

const (
	SourceRules   Source = "rules"
	SourceScanner Source = "scanner"
)

const schema = `
CREATE TABLE IF NOT EXISTS receipts (
	id             TEXT PRIMARY KEY,
	message_id     TEXT NOT NULL UNIQUE,
	sender         TEXT NOT NULL,
	subject        TEXT NOT NULL,
	provider       TEXT,
	service        TEXT,
	amount         REAL,
	currency       TEXT,
	issued_date    TEXT,
	invoice_number TEXT,
	language       TEXT NOT NULL DEFAULT '',
	confidence     INTEGER NOT NULL DEFAULT 0,
	source         TEXT NOT NULL,
	day            TEXT NOT NULL,
	received_at    TEXT,
	processed_at   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_receipts_day ON receipts(day);
`

// Record is one ledger row
type Record struct {
	ID          string          `json:"id"`
	MessageID   string          `json:"message_id"`
	Sender      string          `json:"sender"`
	Subject     string          `json:"subject"`
	Receipt     receipt.Receipt `json:"receipt"`
	Source      Source          `json:"source"`
	ReceivedAt  time.Time       `json:"received_at,omitempty"`
	ProcessedAt time.Time       `json:"processed_at"`
}

// NewRecord builds a Record for an accepted receipt
func NewRecord(email receipt.RawEmail, r receipt.Receipt, source Source) Record {
	return Record{
		MessageID:  email.MessageID,
		Sender:     email.Sender,
		Subject:    email.Subject,
		Receipt:    r,
		Source:     source,
		ReceivedAt: email.ReceivedAt,
	}
}

// Day is the date the entry is reported under: the issued date, else the
// received date, else the processing date
func (e Record) Day() string {
	if d := e.Receipt.Date(); d != "" {
		return d
	}
	if !e.ReceivedAt.IsZero() {
		return e.ReceivedAt.UTC().Format(dayLayout)
	}
	return e.ProcessedAt.UTC().Format(dayLayout)
}

// Total aggregates entries sharing a provider and currency
type Total struct {
	Provider string          `json:"provider"`
	Currency string          `json:"currency"`
	Count    int             `json:"count"`
	Amount   decimal.Decimal `json:"amount"`
}

// Store is a SQLite backed ledger
type Store struct {
	conn *sql.DB
	now  func() time.Time
}

// Open opens or creates the ledger at path
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating ledger directory: %w", err)
	}

	conn, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening ledger: %w", err)
	}
	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("initializing ledger schema: %w", err)
	}

	return &Store{conn: conn, now: time.Now}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.conn.Close()
}

// Save records e. A message that is already in the ledger is left untouched
// and Save reports false.
func (s *Store) Save(ctx context.Context, e *Record) (bool, error) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.ProcessedAt.IsZero() {
		e.ProcessedAt = s.now().UTC()
	}

	var receivedAt sql.NullString
	if !e.ReceivedAt.IsZero() {
		receivedAt = sql.NullString{String: e.ReceivedAt.UTC().Format(time.RFC3339), Valid: true}
	}

	r := e.Receipt
	res, err := s.conn.ExecContext(ctx, `
		INSERT OR IGNORE INTO receipts
			(id, message_id, sender, subject, provider, service, amount, currency, issued_date,
			 invoice_number, language, confidence, source, day, received_at, processed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.MessageID, e.Sender, e.Subject,
		nullString(r.Provider), nullString(r.Service), nullFloat(r.Amount), nullString(r.Currency),
		nullString(r.IssuedDate), nullString(r.InvoiceNumber), string(r.Language), r.Confidence,
		string(e.Source), e.Day(), receivedAt, e.ProcessedAt.Format(time.RFC3339),
	)
	if err != nil {
		return false, fmt.Errorf("saving ledger entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("saving ledger entry: %w", err)
	}
	return n > 0, nil
}

// List returns the entries whose Day falls in [from, to]. A zero bound is
// open.
func (s *Store) List(ctx context.Context, from, to time.Time) ([]Record, error) {
	query := `
		SELECT id, message_id, sender, subject, provider, service, amount, currency, issued_date,
		       invoice_number, language, confidence, source, received_at, processed_at
		FROM receipts WHERE 1 = 1`
	var args []any
	if !from.IsZero() {
		query += " AND day >= ?"
		args = append(args, from.Format(dayLayout))
	}
	if !to.IsZero() {
		query += " AND day <= ?"
		args = append(args, to.Format(dayLayout))
	}
	query += " ORDER BY day, processed_at, id"

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing ledger entries: %w", err)
	}
	defer rows.Close()

	entries := make([]Record, 0)
	for rows.Next() {
		e, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing ledger entries: %w", err)
	}
	return entries, nil
}

func scanRecord(rows *sql.Rows) (Record, error) {
	var (
		e                                   Record
		provider, service, currency, issued sql.NullString
		invoice, receivedAt                 sql.NullString
		amount                              sql.NullFloat64
		language, source, processedAt       string
	)
	err := rows.Scan(&e.ID, &e.MessageID, &e.Sender, &e.Subject, &provider, &service, &amount,
		&currency, &issued, &invoice, &language, &e.Receipt.Confidence, &source, &receivedAt, &processedAt)
	if err != nil {
		return Record{}, fmt.Errorf("scanning ledger entry: %w", err)
	}

	e.Receipt.Provider = stringPtr(provider)
	e.Receipt.Service = stringPtr(service)
	e.Receipt.Currency = stringPtr(currency)
	e.Receipt.IssuedDate = stringPtr(issued)
	e.Receipt.InvoiceNumber = stringPtr(invoice)
	if amount.Valid {
		e.Receipt.Amount = receipt.Ptr(amount.Float64)
	}
	e.Receipt.Language = receipt.Language(language)
	e.Receipt.Success = e.Receipt.Provider != nil
	e.Source = Source(source)
	if receivedAt.Valid {
		e.ReceivedAt, _ = time.Parse(time.RFC3339, receivedAt.String)
	}
	e.ProcessedAt, _ = time.Parse(time.RFC3339, processedAt)
	return e, nil
}

// MonthlySummary totals the entries of the month containing month, per
// provider and currency
func (s *Store) MonthlySummary(ctx context.Context, month time.Time) ([]Total, error) {
	start := time.Date(month.Year(), month.Month(), 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, -1)

	entries, err := s.List(ctx, start, end)
	if err != nil {
		return nil, err
	}
	return Summarize(entries), nil
}

// Summarize totals entries per provider and currency. Amounts are added as
// decimals rounded to cents.
func Summarize(entries []Record) []Total {
	type key struct{ provider, currency string }
	byKey := make(map[key]*Total)
	for _, e := range entries {
		k := key{provider: e.Receipt.ProviderName(), currency: e.Receipt.CurrencyCode()}
		if k.provider == "" {
			k.provider = e.Sender
		}
		t, ok := byKey[k]
		if !ok {
			t = &Total{Provider: k.provider, Currency: k.currency, Amount: decimal.Zero}
			byKey[k] = t
		}
		t.Count++
		if e.Receipt.Amount != nil {
			t.Amount = t.Amount.Add(decimal.NewFromFloat(*e.Receipt.Amount).Round(2))
		}
	}

	totals := make([]Total, 0, len(byKey))
	for _, t := range byKey {
		totals = append(totals, *t)
	}
	sort.Slice(totals, func(i, j int) bool {
		if totals[i].Provider != totals[j].Provider {
			return totals[i].Provider < totals[j].Provider
		}
		return totals[i].Currency < totals[j].Currency
	})
	return totals
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func stringPtr(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	return receipt.Ptr(s.String)
}

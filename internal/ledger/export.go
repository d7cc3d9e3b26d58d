package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/xuri/excelize/v2"
)

const (
	receiptsSheet = "Receipts"
	totalsSheet   = "Totals"
)

var receiptHeaders = []string{
	"Date",
	"Provider",
	"Service",
	"Amount",
	"Currency",
	"Invoice",
	"Sender",
	"Subject",
	"Message ID",
	"Source",
}

// ExportXLSX renders the entries in [from, to] as a workbook with a receipts
// sheet and a per provider totals sheet
func (s *Store) ExportXLSX(ctx context.Context, from, to time.Time) ([]byte, error) {
	start := time.Now()

	entries, err := s.List(ctx, from, to)
	if err != nil {
		return nil, err
	}

	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", receiptsSheet); err != nil {
		return nil, fmt.Errorf("creating receipts sheet: %w", err)
	}
	if _, err := f.NewSheet(totalsSheet); err != nil {
		return nil, fmt.Errorf("creating totals sheet: %w", err)
	}

	writeRow(f, receiptsSheet, 1, stringsToAny(receiptHeaders)...)
	for i, e := range entries {
		var amount any = ""
		if e.Receipt.Amount != nil {
			amount = *e.Receipt.Amount
		}
		writeRow(f, receiptsSheet, i+2,
			e.Day(),
			e.Receipt.ProviderName(),
			deref(e.Receipt.Service),
			amount,
			e.Receipt.CurrencyCode(),
			e.Receipt.InvoiceID(),
			e.Sender,
			e.Subject,
			e.MessageID,
			string(e.Source),
		)
	}

	writeRow(f, totalsSheet, 1, "Provider", "Currency", "Receipts", "Total")
	for i, t := range Summarize(entries) {
		total, _ := t.Amount.Float64()
		writeRow(f, totalsSheet, i+2, t.Provider, t.Currency, t.Count, total)
	}

	_ = f.SetColWidth(receiptsSheet, "A", "A", 12)
	_ = f.SetColWidth(receiptsSheet, "B", "C", 18)
	_ = f.SetColWidth(receiptsSheet, "F", "G", 28)
	_ = f.SetColWidth(receiptsSheet, "H", "H", 48)
	_ = f.SetColWidth(totalsSheet, "A", "A", 18)

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("writing xlsx: %w", err)
	}

	slog.Info("Exported ledger",
		"rows", len(entries),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return buf.Bytes(), nil
}

func writeRow(f *excelize.File, sheet string, row int, values ...any) {
	for i, v := range values {
		cell, _ := excelize.CoordinatesToCellName(i+1, row)
		_ = f.SetCellValue(sheet, cell, v)
	}
}

func stringsToAny(values []string) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

package scanning

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// Retrying asks the wrapped scanner again when its answer is invalid, sending
// the validation error back as feedback. Other errors are returned at once.
type Retrying struct {
	next     Scanner
	attempts int
}

// WithRetries wraps next so that an invalid answer is retried up to attempts
// times in total
func WithRetries(next Scanner, attempts int) *Retrying {
	if attempts < 1 {
		attempts = 1
	}
	return &Retrying{next: next, attempts: attempts}
}

// ScanReceipt implements Scanner
func (r *Retrying) ScanReceipt(ctx context.Context, doc Document) (*ReceiptData, error) {
	var lastErr error
	for attempt := 1; attempt <= r.attempts; attempt++ {
		data, err := r.next.ScanReceipt(ctx, doc)
		if err == nil {
			return data, nil
		}
		if !errors.Is(err, ErrInvalidResponse) {
			return nil, err
		}

		slog.Warn("Scanner answer rejected", "attempt", attempt, "error", err)
		lastErr = err
		doc.Feedback = append(doc.Feedback, err.Error())
	}
	return nil, fmt.Errorf("no valid answer after %d attempts: %w", r.attempts, lastErr)
}

// Close closes the wrapped scanner
func (r *Retrying) Close() error {
	return r.next.Close()
}

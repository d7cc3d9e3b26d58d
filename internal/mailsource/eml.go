package mailsource

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/zombor/ai-receipts/internal/receipt"
)

// EMLDir reads *.eml files from a directory. It serves offline runs and
// replays of exported mail.
type EMLDir struct {
	dir string
}

// NewEMLDir creates a Source over dir
func NewEMLDir(dir string) (*EMLDir, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("opening eml directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("opening eml directory: %s is not a directory", dir)
	}
	return &EMLDir{dir: dir}, nil
}

// Fetch parses every .eml file in name order. Files that cannot be parsed are
// skipped with a warning.
func (d *EMLDir) Fetch(ctx context.Context, q Query) ([]receipt.RawEmail, error) {
	paths, err := filepath.Glob(filepath.Join(d.dir, "*.eml"))
	if err != nil {
		return nil, fmt.Errorf("listing eml files: %w", err)
	}
	sort.Strings(paths)

	var emails []receipt.RawEmail
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}
		email, err := Parse(raw)
		if err != nil {
			slog.Warn("Skipping unreadable email", "path", path, "error", err)
			continue
		}
		if !q.Since.IsZero() && !email.ReceivedAt.IsZero() && email.ReceivedAt.Before(q.Since) {
			continue
		}
		emails = append(emails, email)
	}

	return limit(emails, q), nil
}

// Close is a no-op
func (d *EMLDir) Close() error {
	return nil
}

package forwarder

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Storage archives receipt attachments
type Storage interface {
	// Save writes data under name and returns the stored name
	Save(name string, data []byte) (string, error)

	// Get reads a stored attachment
	Get(name string) ([]byte, error)

	// Delete removes a stored attachment
	Delete(name string) error
}

// LocalStorage keeps attachments in a directory
type LocalStorage struct {
	basePath string
}

// NewLocalStorage creates basePath if needed
func NewLocalStorage(basePath string) (*LocalStorage, error) {
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("creating attachment directory: %w", err)
	}
	return &LocalStorage{basePath: basePath}, nil
}

// path keeps every name inside basePath
func (l *LocalStorage) path(name string) string {
	return filepath.Join(l.basePath, filepath.Base(name))
}

// Save writes an attachment
func (l *LocalStorage) Save(name string, data []byte) (string, error) {
	name = filepath.Base(name)
	if err := os.WriteFile(l.path(name), data, 0o644); err != nil {
		return "", fmt.Errorf("writing attachment: %w", err)
	}
	return name, nil
}

// Get reads an attachment
func (l *LocalStorage) Get(name string) ([]byte, error) {
	data, err := os.ReadFile(l.path(name))
	if err != nil {
		return nil, fmt.Errorf("reading attachment: %w", err)
	}
	return data, nil
}

// Delete removes an attachment
func (l *LocalStorage) Delete(name string) error {
	if err := os.Remove(l.path(name)); err != nil {
		return fmt.Errorf("deleting attachment: %w", err)
	}
	return nil
}

var (
	unsafeChars = regexp.MustCompile(`[^a-zA-Z0-9\s\-_]`)
	spaces      = regexp.MustCompile(`\s+`)
)

// maxBaseLen bounds the stored name, not counting the extension
const maxBaseLen = 50

// sanitizeFilename strips everything but letters, digits, spaces, hyphens and
// underscores from the base name and truncates it
func sanitizeFilename(filename string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	if unsafeChars.MatchString(strings.TrimPrefix(ext, ".")) {
		ext = ""
	}
	base := strings.TrimSuffix(filepath.Base(filename), filepath.Ext(filename))

	base = unsafeChars.ReplaceAllString(base, "")
	base = spaces.ReplaceAllString(base, " ")
	base = strings.TrimSpace(base)
	if len(base) > maxBaseLen {
		base = base[:maxBaseLen]
	}
	if base == "" {
		base = "attachment"
	}
	return base + ext
}

package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// File is a Registry stored as a single JSON document of the form
// {"by_invoice": {...}, "by_triplet": {...}}. The whole document is held in
// memory and rewritten on every mutation.
type File struct {
	*Memory
	path string
}

// errCorrupt marks registry contents that exist but cannot be decoded
var errCorrupt = errors.New("corrupt registry")

// NewFile loads the registry at path. A missing file starts empty. A file that
// cannot be parsed is moved aside and the registry starts empty with a warning.
// Any other read failure is returned and the file is left in place.
func NewFile(path string) (*File, error) {
	doc, err := loadDocument(path)
	if err != nil {
		if !errors.Is(err, errCorrupt) {
			return nil, err
		}
		quarantined, qerr := quarantine(path)
		slog.Warn("Registry could not be loaded, starting empty; duplicates may be reprocessed once",
			"path", path,
			"error", err,
			"moved_to", quarantined,
		)
		if qerr != nil {
			return nil, fmt.Errorf("moving corrupt registry aside: %w", qerr)
		}
		doc = NewDocument()
	}

	f := &File{Memory: &Memory{doc: doc}, path: path}
	f.Memory.persist = f.write
	return f, nil
}

func loadDocument(path string) (Document, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return NewDocument(), nil
	}
	if err != nil {
		return Document{}, fmt.Errorf("reading registry: %w", err)
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return Document{}, fmt.Errorf("parsing registry: %w: %w", errCorrupt, err)
	}
	return doc.clone(), nil
}

// quarantine renames a corrupt registry so it can be inspected later
func quarantine(path string) (string, error) {
	target := fmt.Sprintf("%s.corrupt-%s", path, time.Now().UTC().Format("20060102T150405"))
	if err := os.Rename(path, target); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", nil
		}
		return "", err
	}
	return target, nil
}

// write replaces the registry file atomically: the document is written to a
// temporary file in the same directory, synced, then renamed over the target.
func (f *File) write(doc Document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling registry: %w", err)
	}

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating registry directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(f.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp registry: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing registry: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing registry: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp registry: %w", err)
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		return fmt.Errorf("replacing registry: %w", err)
	}
	return syncDir(dir)
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("opening registry directory: %w", err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("syncing registry directory: %w", err)
	}
	return nil
}

// Path returns the registry file location
func (f *File) Path() string {
	return f.path
}

package registry

import (
	"fmt"
	"strings"
)

// Backend names accepted by Open
const (
	BackendBolt   = "bolt"
	BackendJSON   = "json"
	BackendMemory = "memory"
)

// Open creates the registry backend named kind at path
func Open(kind, path string) (Registry, error) {
	switch strings.ToLower(kind) {
	case BackendBolt, "":
		return NewBolt(path)
	case BackendJSON:
		return NewFile(path)
	case BackendMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown registry backend %q (valid: bolt, json, memory)", kind)
	}
}

// merger is implemented by backends that can take a whole document at once
type merger interface {
	merge(doc Document) (int, error)
}

// Import copies every key of doc into r verbatim in a single write, keeping
// keys r already has. Keys are not recomputed, so registries written by older
// tools keep matching. It returns the number of keys added.
func Import(r Registry, doc Document) (int, error) {
	m, ok := r.(merger)
	if !ok {
		return 0, fmt.Errorf("registry %T does not support import", r)
	}
	return m.merge(doc)
}

// merged returns d plus every key of other that d lacks, and how many were added
func (d Document) merged(other Document) (Document, int) {
	next := d.clone()
	added := 0
	for k, e := range other.ByInvoice {
		if _, ok := next.ByInvoice[k]; !ok {
			next.ByInvoice[k] = e
			added++
		}
	}
	for k, t := range other.ByTriplet {
		if _, ok := next.ByTriplet[k]; !ok {
			next.ByTriplet[k] = t
			added++
		}
	}
	return next, added
}

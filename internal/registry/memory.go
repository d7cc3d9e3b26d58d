package registry

import (
	"maps"
	"sync"
)

func (d Document) lookup(c Claim) *Match {
	if c.InvoiceNumber != "" {
		if e, ok := d.ByInvoice[c.InvoiceNumber]; ok {
			return &Match{Index: ByInvoice, Key: c.InvoiceNumber, Invoice: &e}
		}
	}
	key := c.TripletKey()
	if t, ok := d.ByTriplet[key]; ok {
		return &Match{Index: ByTriplet, Key: key, Triplet: &t}
	}
	return nil
}

// with returns a copy of d that also holds c. Existing keys are not replaced.
func (d Document) with(c Claim) Document {
	next := d.clone()
	if c.InvoiceNumber != "" {
		if _, ok := next.ByInvoice[c.InvoiceNumber]; !ok {
			next.ByInvoice[c.InvoiceNumber] = c.entry()
		}
	}
	key := c.TripletKey()
	if _, ok := next.ByTriplet[key]; !ok {
		next.ByTriplet[key] = c.tripletEntry()
	}
	return next
}

func (d Document) clone() Document {
	out := Document{
		ByInvoice: maps.Clone(d.ByInvoice),
		ByTriplet: maps.Clone(d.ByTriplet),
	}
	if out.ByInvoice == nil {
		out.ByInvoice = make(map[string]InvoiceEntry)
	}
	if out.ByTriplet == nil {
		out.ByTriplet = make(map[string]TripletEntry)
	}
	return out
}

func (d Document) stats() Stats {
	return Stats{Invoices: len(d.ByInvoice), Triplets: len(d.ByTriplet)}
}

// Memory is a Registry held in memory. It backs the JSON file registry and
// serves as a test double.
type Memory struct {
	mu     sync.RWMutex
	doc    Document
	closed bool
	// persist is called with the next document before it replaces the
	// current one. A failure leaves the registry unchanged.
	persist func(Document) error
}

// NewMemory creates an empty in-memory registry
func NewMemory() *Memory {
	return &Memory{doc: NewDocument()}
}

func (m *Memory) Lookup(c Claim) (*Match, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	return m.doc.lookup(c), nil
}

func (m *Memory) IsDuplicate(c Claim) (bool, error) {
	match, err := m.Lookup(c)
	return match != nil, err
}

func (m *Memory) Register(c Claim) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	return m.replace(m.doc.with(c))
}

func (m *Memory) Admit(c Claim) (*Match, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if match := m.doc.lookup(c); match != nil {
		return match, nil
	}
	return nil, m.replace(m.doc.with(c))
}

func (m *Memory) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	return m.replace(NewDocument())
}

func (m *Memory) Stats() (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return Stats{}, ErrClosed
	}
	return m.doc.stats(), nil
}

func (m *Memory) Snapshot() (Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return Document{}, ErrClosed
	}
	return m.doc.clone(), nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// replace must be called with the write lock held
func (m *Memory) replace(next Document) error {
	if m.persist != nil {
		if err := m.persist(next); err != nil {
			return err
		}
	}
	m.doc = next
	return nil
}

func (m *Memory) merge(doc Document) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	next, added := m.doc.merged(doc)
	if added == 0 {
		return 0, nil
	}
	if err := m.replace(next); err != nil {
		return 0, err
	}
	return added, nil
}

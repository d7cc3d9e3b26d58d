package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.etcd.io/bbolt"
)

var (
	invoiceBucket = []byte(ByInvoice)
	tripletBucket = []byte(ByTriplet)
)

// Bolt is a Registry backed by BoltDB. Each index is a bucket; a registration
// writes both buckets in one transaction, which bbolt fsyncs on commit.
type Bolt struct {
	db *bbolt.DB
}

// NewBolt opens or creates the registry database at path. A database whose
// meta pages are invalid is moved aside and recreated empty with a warning.
// Every other failure, such as a lock held by another process or a permission
// error, is returned and the file is left in place.
func NewBolt(path string) (*Bolt, error) {
	b, err := openBolt(path)
	if err == nil {
		return b, nil
	}
	if !corruptBolt(err) {
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
	return openBolt(path)
}

func corruptBolt(err error) bool {
	return errors.Is(err, bbolt.ErrInvalid) ||
		errors.Is(err, bbolt.ErrChecksum) ||
		errors.Is(err, bbolt.ErrVersionMismatch)
}

func openBolt(path string) (*Bolt, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening boltdb: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(invoiceBucket); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(tripletBucket); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating buckets: %w", err)
	}

	return &Bolt{db: db}, nil
}

func lookupTx(tx *bbolt.Tx, c Claim) (*Match, error) {
	if c.InvoiceNumber != "" {
		if data := tx.Bucket(invoiceBucket).Get([]byte(c.InvoiceNumber)); data != nil {
			var e InvoiceEntry
			if err := json.Unmarshal(data, &e); err != nil {
				return nil, fmt.Errorf("unmarshaling invoice entry: %w", err)
			}
			return &Match{Index: ByInvoice, Key: c.InvoiceNumber, Invoice: &e}, nil
		}
	}
	key := c.TripletKey()
	if data := tx.Bucket(tripletBucket).Get([]byte(key)); data != nil {
		var t TripletEntry
		if err := json.Unmarshal(data, &t); err != nil {
			return nil, fmt.Errorf("unmarshaling triplet entry: %w", err)
		}
		return &Match{Index: ByTriplet, Key: key, Triplet: &t}, nil
	}
	return nil, nil
}

// putTx stores c under every key it does not already occupy
func putTx(tx *bbolt.Tx, c Claim) error {
	if c.InvoiceNumber != "" {
		bucket := tx.Bucket(invoiceBucket)
		if bucket.Get([]byte(c.InvoiceNumber)) == nil {
			data, err := json.Marshal(c.entry())
			if err != nil {
				return fmt.Errorf("marshaling invoice entry: %w", err)
			}
			if err := bucket.Put([]byte(c.InvoiceNumber), data); err != nil {
				return fmt.Errorf("storing invoice entry: %w", err)
			}
		}
	}

	key := []byte(c.TripletKey())
	bucket := tx.Bucket(tripletBucket)
	if bucket.Get(key) != nil {
		return nil
	}
	data, err := json.Marshal(c.tripletEntry())
	if err != nil {
		return fmt.Errorf("marshaling triplet entry: %w", err)
	}
	if err := bucket.Put(key, data); err != nil {
		return fmt.Errorf("storing triplet entry: %w", err)
	}
	return nil
}

// Lookup returns the earlier registration c collides with
func (b *Bolt) Lookup(c Claim) (*Match, error) {
	var match *Match
	err := b.db.View(func(tx *bbolt.Tx) error {
		var err error
		match, err = lookupTx(tx, c)
		return err
	})
	if err != nil {
		return nil, wrapClosed(err)
	}
	return match, nil
}

// IsDuplicate reports whether c collides with an earlier registration
func (b *Bolt) IsDuplicate(c Claim) (bool, error) {
	match, err := b.Lookup(c)
	return match != nil, err
}

// Register records c in both buckets
func (b *Bolt) Register(c Claim) error {
	return wrapClosed(b.db.Update(func(tx *bbolt.Tx) error {
		return putTx(tx, c)
	}))
}

// Admit checks and registers c inside a single write transaction
func (b *Bolt) Admit(c Claim) (*Match, error) {
	var match *Match
	err := b.db.Update(func(tx *bbolt.Tx) error {
		var err error
		if match, err = lookupTx(tx, c); err != nil || match != nil {
			return err
		}
		return putTx(tx, c)
	})
	if err != nil {
		return nil, wrapClosed(err)
	}
	return match, nil
}

// Clear drops and recreates both buckets
func (b *Bolt) Clear() error {
	return wrapClosed(b.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{invoiceBucket, tripletBucket} {
			if err := tx.DeleteBucket(name); err != nil && !errors.Is(err, bbolt.ErrBucketNotFound) {
				return fmt.Errorf("deleting bucket %s: %w", name, err)
			}
			if _, err := tx.CreateBucket(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	}))
}

// Stats counts keys per bucket
func (b *Bolt) Stats() (Stats, error) {
	var s Stats
	err := b.db.View(func(tx *bbolt.Tx) error {
		s.Invoices = tx.Bucket(invoiceBucket).Stats().KeyN
		s.Triplets = tx.Bucket(tripletBucket).Stats().KeyN
		return nil
	})
	return s, wrapClosed(err)
}

// Snapshot reads both buckets in one consistent view
func (b *Bolt) Snapshot() (Document, error) {
	doc := NewDocument()
	err := b.db.View(func(tx *bbolt.Tx) error {
		err := tx.Bucket(invoiceBucket).ForEach(func(k, v []byte) error {
			var e InvoiceEntry
			if err := json.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("unmarshaling invoice entry: %w", err)
			}
			doc.ByInvoice[string(k)] = e
			return nil
		})
		if err != nil {
			return err
		}
		return tx.Bucket(tripletBucket).ForEach(func(k, v []byte) error {
			var t TripletEntry
			if err := json.Unmarshal(v, &t); err != nil {
				return fmt.Errorf("unmarshaling triplet entry: %w", err)
			}
			doc.ByTriplet[string(k)] = t
			return nil
		})
	})
	if err != nil {
		return Document{}, wrapClosed(err)
	}
	return doc, nil
}

// Close closes the database
func (b *Bolt) Close() error {
	return b.db.Close()
}

func wrapClosed(err error) error {
	if errors.Is(err, bbolt.ErrDatabaseNotOpen) {
		return ErrClosed
	}
	return err
}

func (b *Bolt) merge(doc Document) (int, error) {
	added := 0
	err := b.db.Update(func(tx *bbolt.Tx) error {
		added = 0
		invoices := tx.Bucket(invoiceBucket)
		for k, e := range doc.ByInvoice {
			if invoices.Get([]byte(k)) != nil {
				continue
			}
			data, err := json.Marshal(e)
			if err != nil {
				return fmt.Errorf("marshaling invoice entry: %w", err)
			}
			if err := invoices.Put([]byte(k), data); err != nil {
				return fmt.Errorf("storing invoice entry: %w", err)
			}
			added++
		}
		triplets := tx.Bucket(tripletBucket)
		for k, t := range doc.ByTriplet {
			if triplets.Get([]byte(k)) != nil {
				continue
			}
			data, err := json.Marshal(t)
			if err != nil {
				return fmt.Errorf("marshaling triplet entry: %w", err)
			}
			if err := triplets.Put([]byte(k), data); err != nil {
				return fmt.Errorf("storing triplet entry: %w", err)
			}
			added++
		}
		return nil
	})
	if err != nil {
		return 0, wrapClosed(err)
	}
	return added, nil
}

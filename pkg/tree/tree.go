// Package tree adapts go.etcd.io/bbolt to the engine's notion of a "tree
// store": named trees holding ordered key/value pairs, atomic multi-tree
// commits, a single-key compare-and-swap primitive, and an
// evaluator-driven range scan. It plays the role the teacher's
// pkg/storage/boltdb.go played for cluster state, generalized to
// arbitrary named trees instead of one bucket per entity kind.
package tree

import (
	"bytes"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/cuemby/kiln/pkg/codec"
)

// Store opens named trees (bbolt buckets) in a single bbolt file and
// optionally runs every value through a page Codec on the way in and out.
type Store struct {
	db    *bbolt.DB
	codec *codec.Codec
}

// Open opens (creating if absent) a bbolt file at path.
func Open(path string, pageCodec *codec.Codec) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("opening tree store %s: %w", path, err)
	}
	return &Store{db: db, codec: pageCodec}, nil
}

// Close closes the underlying bbolt file.
func (s *Store) Close() error {
	return s.db.Close()
}

// EnsureTree creates the named tree if it does not already exist.
func (s *Store) EnsureTree(name string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(name))
		return err
	})
}

func (s *Store) encode(value []byte) ([]byte, error) {
	if s.codec == nil || value == nil {
		return value, nil
	}
	return s.codec.Encode(value)
}

func (s *Store) decode(value []byte) ([]byte, error) {
	if s.codec == nil || value == nil {
		return value, nil
	}
	return s.codec.Decode(value)
}

// Get returns the value stored under key in tree, or nil if absent.
func (s *Store) Get(tree string, key []byte) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(tree))
		if b == nil {
			return nil
		}
		raw := b.Get(key)
		if raw == nil {
			return nil
		}
		decoded, err := s.decode(raw)
		if err != nil {
			return err
		}
		out = append([]byte(nil), decoded...)
		return nil
	})
	return out, err
}

// Set writes key/value into tree, creating the tree if needed.
func (s *Store) Set(tree string, key, value []byte) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(tree))
		if err != nil {
			return err
		}
		encoded, err := s.encode(value)
		if err != nil {
			return err
		}
		return b.Put(key, encoded)
	})
}

// Delete removes key from tree. Deleting an absent key is a no-op.
func (s *Store) Delete(tree string, key []byte) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(tree))
		if b == nil {
			return nil
		}
		return b.Delete(key)
	})
}

// CASResult is the outcome of a CompareAndSwap.
type CASResult struct {
	OK      bool
	Current []byte // only set when OK is false and the key existed
}

// CompareAndSwap atomically replaces key's value with newValue iff its
// current value equals oldValue (nil oldValue means "key must be
// absent"). bbolt has no native CAS; this uses the single-writer
// guarantee of db.Update to read-then-write atomically.
func (s *Store) CompareAndSwap(tree string, key, oldValue, newValue []byte) (CASResult, error) {
	var result CASResult
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(tree))
		if err != nil {
			return err
		}

		raw := b.Get(key)
		var current []byte
		if raw != nil {
			current, err = s.decode(raw)
			if err != nil {
				return err
			}
		}

		if !bytes.Equal(current, oldValue) {
			result = CASResult{OK: false, Current: append([]byte(nil), current...)}
			return nil
		}

		if newValue == nil {
			result = CASResult{OK: true}
			return b.Delete(key)
		}

		encoded, err := s.encode(newValue)
		if err != nil {
			return err
		}
		result = CASResult{OK: true}
		return b.Put(key, encoded)
	})
	return result, err
}

// ScanDecision tells Scan whether to continue, skip, or stop.
type ScanDecision int

const (
	ScanDescend ScanDecision = iota
	ScanSkip
	ScanStop
)

// Evaluator decides, for each key in ascending order, whether Scan should
// descend into it, skip it, or stop the scan entirely.
type Evaluator func(key []byte) ScanDecision

// Callback receives each key/value pair Scan descends into.
type Callback func(key, value []byte) error

// Scan walks tree in ascending key order, consulting evaluator before
// each entry and invoking callback for entries it descends into.
func (s *Store) Scan(tree string, evaluator Evaluator, callback Callback) error {
	return s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(tree))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			decision := ScanDescend
			if evaluator != nil {
				decision = evaluator(k)
			}
			switch decision {
			case ScanStop:
				return nil
			case ScanSkip:
				continue
			}
			decoded, err := s.decode(v)
			if err != nil {
				return err
			}
			if err := callback(append([]byte(nil), k...), decoded); err != nil {
				return err
			}
		}
		return nil
	})
}

// Keys returns every key in tree, in ascending order.
func (s *Store) Keys(tree string) ([][]byte, error) {
	var keys [][]byte
	err := s.Scan(tree, nil, func(key, _ []byte) error {
		keys = append(keys, key)
		return nil
	})
	return keys, err
}

// Txn is a handle for reading and writing multiple trees within a single
// atomic bbolt transaction, used by Transaction.
type Txn struct {
	tx    *bbolt.Tx
	codec *codec.Codec
}

// Get reads key from tree within the transaction.
func (t *Txn) Get(tree string, key []byte) ([]byte, error) {
	b := t.tx.Bucket([]byte(tree))
	if b == nil {
		return nil, nil
	}
	raw := b.Get(key)
	if raw == nil {
		return nil, nil
	}
	if t.codec == nil {
		return append([]byte(nil), raw...), nil
	}
	return t.codec.Decode(raw)
}

// Set writes key/value into tree within the transaction, creating the
// tree if needed.
func (t *Txn) Set(tree string, key, value []byte) error {
	b, err := t.tx.CreateBucketIfNotExists([]byte(tree))
	if err != nil {
		return err
	}
	encoded := value
	if t.codec != nil && value != nil {
		encoded, err = t.codec.Encode(value)
		if err != nil {
			return err
		}
	}
	return b.Put(key, encoded)
}

// Delete removes key from tree within the transaction.
func (t *Txn) Delete(tree string, key []byte) error {
	b := t.tx.Bucket([]byte(tree))
	if b == nil {
		return nil
	}
	return b.Delete(key)
}

// Transaction runs fn inside a single atomic bbolt read-write
// transaction spanning every tree fn touches; ensureTrees is created
// up front so fn can assume they exist.
func (s *Store) Transaction(ensureTrees []string, fn func(*Txn) error) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range ensureTrees {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return fn(&Txn{tx: tx, codec: s.codec})
	})
}

// Package kv implements the key/value expiration engine: a CAS-backed set
// of namespaced keys with optional TTL expiration, atomic numeric
// increment/decrement, and a background expirer goroutine that removes
// keys once their deadline passes. Grounded on the original
// implementation's database/keyvalue.rs: the same full-key namespacing,
// compare-and-swap set loop, "missing entry defaults to unsigned zero"
// numeric semantics, and tracked-map-plus-ordered-deque expirer shape.
package kv

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cuemby/kiln/pkg/kilnerr"
	"github.com/cuemby/kiln/pkg/log"
	"github.com/cuemby/kiln/pkg/metrics"
	"github.com/cuemby/kiln/pkg/tree"
	"github.com/cuemby/kiln/pkg/types"
)

const treeName = "kv"

// fullKey joins namespace and key as "namespace.key".
func fullKey(namespace, key string) []byte {
	return []byte(namespace + "." + key)
}

// SetCondition constrains when Set actually writes a new value.
type SetCondition int

const (
	// SetAlways writes unconditionally.
	SetAlways SetCondition = iota
	// SetIfPresent only writes if the key currently holds a value.
	SetIfPresent
	// SetIfVacant only writes if the key is currently absent or expired.
	SetIfVacant
)

// SetOptions configures a Set call.
type SetOptions struct {
	Expiration             *time.Time
	KeepExistingExpiration bool
	Check                  SetCondition
	ReturnPrevious         bool
}

// GetOptions configures a Get call.
type GetOptions struct {
	// Delete removes the entry as part of the Get, atomically.
	Delete bool
}

// Engine is the key/value store for one database, backed by a single
// tree.Store tree and a background expirer.
type Engine struct {
	store *tree.Store

	mu      sync.Mutex
	tracked map[string]time.Time
	order   []string // keys sorted by deadline ascending

	updates chan expirationUpdate
	stopCh  chan struct{}
	doneCh  chan struct{}
}

type expirationUpdate struct {
	key        string
	expiration *time.Time
}

// NewEngine opens the KV engine over store and starts its background
// expirer. Callers must call LoadExpirations once after opening a
// database whose tree may already contain entries with expirations
// (e.g. after a restart), and Close when the database is closed.
func NewEngine(store *tree.Store) (*Engine, error) {
	if err := store.EnsureTree(treeName); err != nil {
		return nil, fmt.Errorf("ensuring kv tree: %w", err)
	}

	e := &Engine{
		store:   store,
		tracked: make(map[string]time.Time),
		updates: make(chan expirationUpdate, 64),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	go e.runExpirer()
	return e, nil
}

// Close stops the background expirer. Further Set/Get/Delete calls are
// still safe but new expirations will not be enforced.
func (e *Engine) Close() {
	close(e.stopCh)
	<-e.doneCh
}

// Set writes key's value under namespace, honoring opts.Check and
// opts.KeepExistingExpiration, retrying the underlying CAS until it
// succeeds or the condition is not met. Returns the previous value when
// opts.ReturnPrevious is set.
func (e *Engine) Set(ctx context.Context, namespace, key string, value types.Value, opts SetOptions) (*types.Value, error) {
	fk := fullKey(namespace, key)

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		rawOld, err := e.store.Get(treeName, fk)
		if err != nil {
			return nil, kilnerr.Wrap(kilnerr.KindIO, "reading kv entry", err)
		}

		var existing *types.KVEntry
		if rawOld != nil {
			existing, err = decodeEntry(rawOld)
			if err != nil {
				return nil, err
			}
			if existing.Expiration != nil && !existing.Expiration.After(time.Now()) {
				existing = nil // treat as absent
				rawOld = nil
			}
		}

		switch opts.Check {
		case SetIfPresent:
			if existing == nil {
				return nil, nil
			}
		case SetIfVacant:
			if existing != nil {
				var prev *types.Value
				if opts.ReturnPrevious {
					v := existing.Value
					prev = &v
				}
				return prev, nil
			}
		}

		expiration := opts.Expiration
		if opts.KeepExistingExpiration && existing != nil {
			expiration = existing.Expiration
		}

		newEntry := types.KVEntry{Value: value, Expiration: expiration}
		rawNew, err := encodeEntry(newEntry)
		if err != nil {
			return nil, err
		}

		result, err := e.store.CompareAndSwap(treeName, fk, rawOld, rawNew)
		if err != nil {
			return nil, kilnerr.Wrap(kilnerr.KindIO, "writing kv entry", err)
		}
		if !result.OK {
			continue // lost the race, retry with fresh read
		}

		e.notifyExpiration(string(fk), expiration)

		var prev *types.Value
		if opts.ReturnPrevious && existing != nil {
			v := existing.Value
			prev = &v
		}
		return prev, nil
	}
}

// Get returns the current value for key under namespace, or nil if
// absent or expired. If opts.Delete is set, the entry is removed
// atomically as part of the read.
func (e *Engine) Get(ctx context.Context, namespace, key string, opts GetOptions) (*types.Value, error) {
	fk := fullKey(namespace, key)

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		raw, err := e.store.Get(treeName, fk)
		if err != nil {
			return nil, kilnerr.Wrap(kilnerr.KindIO, "reading kv entry", err)
		}
		if raw == nil {
			return nil, nil
		}

		entry, err := decodeEntry(raw)
		if err != nil {
			return nil, err
		}
		if entry.Expiration != nil && !entry.Expiration.After(time.Now()) {
			return nil, nil
		}

		if !opts.Delete {
			v := entry.Value
			return &v, nil
		}

		result, err := e.store.CompareAndSwap(treeName, fk, raw, nil)
		if err != nil {
			return nil, kilnerr.Wrap(kilnerr.KindIO, "deleting kv entry", err)
		}
		if !result.OK {
			continue // value changed underneath us, retry
		}
		e.notifyExpiration(string(fk), nil)
		v := entry.Value
		return &v, nil
	}
}

// Delete removes key under namespace, returning its previous value.
func (e *Engine) Delete(ctx context.Context, namespace, key string) (*types.Value, error) {
	return e.Get(ctx, namespace, key, GetOptions{Delete: true})
}

// Increment adds amount to the numeric value stored at key, defaulting a
// missing entry to an unsigned zero. When saturating is true the result
// clamps at the representation's bounds (saturating_add); when false it
// wraps (wrapping_add). It is an error for the stored value to be
// non-numeric.
func (e *Engine) Increment(ctx context.Context, namespace, key string, amount types.Numeric, saturating bool) (types.Value, error) {
	return e.numericOp(ctx, namespace, key, amount, 1, saturating)
}

// Decrement subtracts amount from the numeric value stored at key. See
// Increment for defaulting and saturating/wrapping semantics.
func (e *Engine) Decrement(ctx context.Context, namespace, key string, amount types.Numeric, saturating bool) (types.Value, error) {
	return e.numericOp(ctx, namespace, key, amount, -1, saturating)
}

func (e *Engine) numericOp(ctx context.Context, namespace, key string, amount types.Numeric, sign int64, saturating bool) (types.Value, error) {
	fk := fullKey(namespace, key)

	for {
		select {
		case <-ctx.Done():
			return types.Value{}, ctx.Err()
		default:
		}

		raw, err := e.store.Get(treeName, fk)
		if err != nil {
			return types.Value{}, kilnerr.Wrap(kilnerr.KindIO, "reading kv entry", err)
		}

		var existing *types.KVEntry
		if raw != nil {
			existing, err = decodeEntry(raw)
			if err != nil {
				return types.Value{}, err
			}
			if existing.Expiration != nil && !existing.Expiration.After(time.Now()) {
				existing = nil
				raw = nil
			}
		}

		current := types.Uint64Value(0)
		var expiration *time.Time
		if existing != nil {
			if !existing.Value.IsNumeric {
				return types.Value{}, kilnerr.New(kilnerr.KindDatabase,
					fmt.Sprintf("type of stored value at %q is not numeric", key))
			}
			current = existing.Value
			expiration = existing.Expiration
		}

		next := applyNumeric(current.Numeric, amount, sign, saturating)
		newValue := types.Value{IsNumeric: true, Numeric: next}
		rawNew, err := encodeEntry(types.KVEntry{Value: newValue, Expiration: expiration})
		if err != nil {
			return types.Value{}, err
		}

		result, err := e.store.CompareAndSwap(treeName, fk, raw, rawNew)
		if err != nil {
			return types.Value{}, kilnerr.Wrap(kilnerr.KindIO, "writing kv entry", err)
		}
		if !result.OK {
			continue
		}
		return newValue, nil
	}
}

// applyNumeric adds sign*amount to current: for integer kinds, saturating
// at the representation's bounds (saturating_add/sub) when saturating is
// true, or wrapping modulo the representation's width (wrapping_add/sub)
// when false; the float kind always uses plain floating-point arithmetic,
// saturating having no meaning there. A kind mismatch between current and
// amount widens amount to current's kind.
func applyNumeric(current, amount types.Numeric, sign int64, saturating bool) types.Numeric {
	switch current.Kind {
	case types.NumericKindInt64:
		delta := int64(numericAsFloat(amount)) * sign
		if saturating {
			return types.Numeric{Kind: types.NumericKindInt64, Int64: saturatingAddInt64(current.Int64, delta)}
		}
		return types.Numeric{Kind: types.NumericKindInt64, Int64: wrappingAddInt64(current.Int64, delta)}
	case types.NumericKindFloat64:
		delta := numericAsFloat(amount) * float64(sign)
		return types.Numeric{Kind: types.NumericKindFloat64, Float64: current.Float64 + delta}
	default: // NumericKindUint64
		delta := int64(numericAsFloat(amount)) * sign
		if saturating {
			return types.Numeric{Kind: types.NumericKindUint64, Uint64: saturatingAddUint64(current.Uint64, delta)}
		}
		return types.Numeric{Kind: types.NumericKindUint64, Uint64: wrappingAddUint64(current.Uint64, delta)}
	}
}

func numericAsFloat(n types.Numeric) float64 {
	switch n.Kind {
	case types.NumericKindInt64:
		return float64(n.Int64)
	case types.NumericKindFloat64:
		return n.Float64
	default:
		return float64(n.Uint64)
	}
}

func saturatingAddInt64(base, delta int64) int64 {
	sum := base + delta
	if delta > 0 && sum < base {
		return int64(^uint64(0) >> 1) // max int64
	}
	if delta < 0 && sum > base {
		return -int64(^uint64(0)>>1) - 1 // min int64
	}
	return sum
}

func saturatingAddUint64(base uint64, delta int64) uint64 {
	if delta >= 0 {
		d := uint64(delta)
		if base+d < base {
			return ^uint64(0)
		}
		return base + d
	}
	d := uint64(-delta)
	if d > base {
		return 0
	}
	return base - d
}

// wrappingAddInt64 adds delta to base modulo 2^64, relying on Go's
// defined two's-complement overflow for signed integers (matches Rust's
// wrapping_add/wrapping_sub).
func wrappingAddInt64(base, delta int64) int64 {
	return base + delta
}

// wrappingAddUint64 adds delta (possibly negative, for decrement) to base
// modulo 2^64; converting a negative delta to uint64 yields its two's
// complement representation, so the addition is equivalent to a
// wrapping subtraction.
func wrappingAddUint64(base uint64, delta int64) uint64 {
	return base + uint64(delta)
}

// notifyExpiration informs the background expirer that fullKey's
// deadline changed (or was cleared, when expiration is nil).
func (e *Engine) notifyExpiration(fullKey string, expiration *time.Time) {
	select {
	case e.updates <- expirationUpdate{key: fullKey, expiration: expiration}:
	case <-e.stopCh:
	}
}

// runExpirer is the background goroutine that removes keys once their
// deadline passes, implemented as a tracked map plus an ordered slice of
// keys by deadline, matching the original expiration_task's shape.
func (e *Engine) runExpirer() {
	defer close(e.doneCh)

	for {
		var timer *time.Timer
		e.mu.Lock()
		if len(e.order) > 0 {
			wait := time.Until(e.tracked[e.order[0]])
			if wait < 0 {
				wait = 0
			}
			timer = time.NewTimer(wait)
		}
		e.mu.Unlock()

		var timerC <-chan time.Time
		if timer != nil {
			timerC = timer.C
		}

		select {
		case <-e.stopCh:
			if timer != nil {
				timer.Stop()
			}
			return

		case update := <-e.updates:
			if timer != nil {
				timer.Stop()
			}
			e.applyUpdate(update)

		case <-timerC:
			e.expireDue()
		}
	}
}

func (e *Engine) applyUpdate(update expirationUpdate) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.removeFromOrder(update.key)
	if update.expiration == nil {
		delete(e.tracked, update.key)
	} else {
		e.tracked[update.key] = *update.expiration
		e.insertOrdered(update.key)
	}
	metrics.KVTrackedKeys.Set(float64(len(e.tracked)))
}

func (e *Engine) insertOrdered(key string) {
	deadline := e.tracked[key]
	idx := sort.Search(len(e.order), func(i int) bool {
		return e.tracked[e.order[i]].After(deadline)
	})
	e.order = append(e.order, "")
	copy(e.order[idx+1:], e.order[idx:])
	e.order[idx] = key
}

func (e *Engine) removeFromOrder(key string) {
	for i, k := range e.order {
		if k == key {
			e.order = append(e.order[:i], e.order[i+1:]...)
			return
		}
	}
}

func (e *Engine) expireDue() {
	e.mu.Lock()
	now := time.Now()
	var due []string
	for len(e.order) > 0 && !e.tracked[e.order[0]].After(now) {
		due = append(due, e.order[0])
		e.order = e.order[1:]
	}
	for _, k := range due {
		delete(e.tracked, k)
	}
	metrics.KVTrackedKeys.Set(float64(len(e.tracked)))
	e.mu.Unlock()

	for _, k := range due {
		if err := e.store.Delete(treeName, []byte(k)); err != nil {
			log.Error("kv expirer: failed to delete expired key: " + err.Error())
			continue
		}
		metrics.KVExpirationsTotal.Inc()
	}
}

// LoadExpirations scans the full KV tree once, forwarding every entry
// that carries an expiration to the background expirer. Intended to run
// once right after NewEngine on a tree that may already hold entries
// from before a restart, mirroring the original ExpirationLoader job.
func (e *Engine) LoadExpirations() error {
	return e.store.Scan(treeName, nil, func(key, value []byte) error {
		entry, err := decodeEntry(value)
		if err != nil {
			return err
		}
		if entry.Expiration != nil {
			e.notifyExpiration(string(key), entry.Expiration)
		}
		return nil
	})
}

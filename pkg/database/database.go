// Package database implements the per-database façade: document
// collection CRUD, atomic multi-tree transactions with a monotonic
// transaction-id watermark, the KV expiration engine, and named view
// queries, all scoped to one database opened against a
// pkg/storage.Instance. Grounded on spec.md §4.4's data model and §4.3's
// view-scheduler callers.
package database

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/cuemby/kiln/pkg/kilnerr"
	"github.com/cuemby/kiln/pkg/kv"
	"github.com/cuemby/kiln/pkg/storage"
	"github.com/cuemby/kiln/pkg/tree"
	"github.com/cuemby/kiln/pkg/types"
	"github.com/cuemby/kiln/pkg/views"
)

const metaTreeName = "db_meta"

var lastTxnKey = []byte("last_txn_id")

// Database is one named database opened against a storage instance:
// its document trees, its KV engine, and its view registry.
type Database struct {
	name       string
	schemaName string
	instance   *storage.Instance
	store      *tree.Store
	kv         *kv.Engine
	scheduler  *views.Scheduler

	txMu      sync.Mutex
	lastTxnID types.TransactionID

	viewsMu sync.RWMutex
	views   map[string]views.View
}

// Open returns the Database named name and backed by schemaName against
// instance, opening (and caching, via instance.OpenRoots) its tree
// store, starting its KV engine, and loading its persisted
// transaction-id watermark.
func Open(instance *storage.Instance, name, schemaName string) (*Database, error) {
	store, err := instance.OpenRoots(name)
	if err != nil {
		return nil, err
	}
	if err := store.EnsureTree(metaTreeName); err != nil {
		return nil, fmt.Errorf("ensuring meta tree for database %s: %w", name, err)
	}

	engine, err := kv.NewEngine(store)
	if err != nil {
		return nil, fmt.Errorf("opening KV engine for database %s: %w", name, err)
	}
	if err := engine.LoadExpirations(); err != nil {
		return nil, fmt.Errorf("loading KV expirations for database %s: %w", name, err)
	}

	raw, err := store.Get(metaTreeName, lastTxnKey)
	if err != nil {
		return nil, fmt.Errorf("reading transaction watermark for database %s: %w", name, err)
	}
	var lastTxnID types.TransactionID
	if raw != nil {
		lastTxnID = types.TransactionID(binary.BigEndian.Uint64(raw))
	}

	return &Database{
		name:       name,
		schemaName: schemaName,
		instance:   instance,
		store:      store,
		kv:         engine,
		scheduler:  instance.Views(),
		lastTxnID:  lastTxnID,
		views:      make(map[string]views.View),
	}, nil
}

// Name returns the database's name.
func (d *Database) Name() string { return d.name }

// SchemaName returns the name of the schema this database was created
// against.
func (d *Database) SchemaName() string { return d.schemaName }

// KV returns the database's key/value expiration engine.
func (d *Database) KV() *kv.Engine { return d.kv }

// Close stops the database's KV expirer. The underlying tree store
// remains open, cached by the owning storage.Instance until its own
// Close.
func (d *Database) Close() { d.kv.Close() }

// LastTransactionID returns the most recently committed transaction's id.
func (d *Database) LastTransactionID() types.TransactionID {
	d.txMu.Lock()
	defer d.txMu.Unlock()
	return d.lastTxnID
}

// ExecuteTransaction runs fn within a single atomic commit spanning
// trees, bumping and persisting the database's transaction-id watermark
// as part of the same commit. The new id is only visible once fn returns
// without error.
func (d *Database) ExecuteTransaction(trees []string, fn func(txn *tree.Txn) error) (types.TransactionID, error) {
	allTrees := make([]string, 0, len(trees)+1)
	allTrees = append(allTrees, trees...)
	allTrees = append(allTrees, metaTreeName)

	var newID types.TransactionID
	err := d.store.Transaction(allTrees, func(txn *tree.Txn) error {
		raw, err := txn.Get(metaTreeName, lastTxnKey)
		if err != nil {
			return err
		}
		var current uint64
		if raw != nil {
			current = binary.BigEndian.Uint64(raw)
		}
		newID = types.TransactionID(current + 1)

		if err := fn(txn); err != nil {
			return err
		}

		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, uint64(newID))
		return txn.Set(metaTreeName, lastTxnKey, buf)
	})
	if err != nil {
		return 0, err
	}

	d.txMu.Lock()
	d.lastTxnID = newID
	d.txMu.Unlock()
	return newID, nil
}

func documentTreeName(collection string) string { return "documents:" + collection }

// PutDocument writes id's value in collection, as a single-tree
// transaction that advances the database's transaction watermark so any
// view over collection picks up the change.
func (d *Database) PutDocument(collection string, id, value []byte) (types.TransactionID, error) {
	treeName := documentTreeName(collection)
	return d.ExecuteTransaction([]string{treeName}, func(txn *tree.Txn) error {
		return txn.Set(treeName, id, value)
	})
}

// DeleteDocument removes id from collection, as a single-tree
// transaction that advances the transaction watermark.
func (d *Database) DeleteDocument(collection string, id []byte) (types.TransactionID, error) {
	treeName := documentTreeName(collection)
	return d.ExecuteTransaction([]string{treeName}, func(txn *tree.Txn) error {
		return txn.Delete(treeName, id)
	})
}

// DocumentOp is one write within an ExecuteDocumentBatch call. A nil
// Value means delete.
type DocumentOp struct {
	Collection string
	ID         []byte
	Value      []byte
}

// ExecuteDocumentBatch applies every op atomically in a single
// transaction, advancing the watermark once for the whole batch. This is
// the collection-CRUD shape a wire-level "execute transaction" request
// maps onto, since an arbitrary Go closure cannot cross the wire.
func (d *Database) ExecuteDocumentBatch(ops []DocumentOp) (types.TransactionID, error) {
	var trees []string
	seen := make(map[string]struct{})
	for _, op := range ops {
		treeName := documentTreeName(op.Collection)
		if _, ok := seen[treeName]; !ok {
			seen[treeName] = struct{}{}
			trees = append(trees, treeName)
		}
	}

	return d.ExecuteTransaction(trees, func(txn *tree.Txn) error {
		for _, op := range ops {
			treeName := documentTreeName(op.Collection)
			if op.Value == nil {
				if err := txn.Delete(treeName, op.ID); err != nil {
					return err
				}
				continue
			}
			if err := txn.Set(treeName, op.ID, op.Value); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetDocument returns id's stored value in collection, or nil if absent.
func (d *Database) GetDocument(collection string, id []byte) ([]byte, error) {
	return d.store.Get(documentTreeName(collection), id)
}

// ScanDocuments walks every document in collection in ascending id
// order.
func (d *Database) ScanDocuments(collection string, fn func(id, value []byte) error) error {
	return d.store.Scan(documentTreeName(collection), nil, fn)
}

// RegisterView attaches view to the database's view registry, keyed by
// view.Name. If view.DocumentTree is unset it defaults to view.Collection's
// document tree. Registering the same name twice is an error.
func (d *Database) RegisterView(view views.View) error {
	if view.DocumentTree == "" {
		view.DocumentTree = documentTreeName(view.Collection)
	}

	d.viewsMu.Lock()
	defer d.viewsMu.Unlock()
	if _, exists := d.views[view.Name]; exists {
		return kilnerr.New(kilnerr.KindAlreadyExists, fmt.Sprintf("view %q is already registered", view.Name))
	}
	d.views[view.Name] = view
	return nil
}

// ViewQuery brings viewName current with the database's latest
// transaction and returns its materialized entries.
func (d *Database) ViewQuery(ctx context.Context, viewName string) ([]views.MappedEntry, error) {
	d.viewsMu.RLock()
	view, ok := d.views[viewName]
	d.viewsMu.RUnlock()
	if !ok {
		return nil, kilnerr.New(kilnerr.KindNotFound, fmt.Sprintf("view %q is not registered", viewName))
	}

	if err := d.scheduler.UpdateViewIfNeeded(ctx, d.store, d.name, view, d.LastTransactionID()); err != nil {
		return nil, err
	}

	var out []views.MappedEntry
	err := views.ScanView(d.store, view, func(e views.MappedEntry) error {
		out = append(out, e)
		return nil
	})
	return out, err
}

// Package views implements view maintenance: keeping a materialized
// key/value index up to date with a collection's documents. Grounded on
// the original implementation's integrity_scanner.rs: a dedup-by-key
// integrity check compares a view's recorded version and its document-map
// coverage against the source collection, queues any missing or
// out-of-date documents for mapping, and a mapper job applies the view's
// map function to bring the document-map tree current. Deduplication and
// bounded concurrency are provided by pkg/jobs, matching the original's
// use of its job manager to dedup concurrent IntegrityScanner/Mapper
// requests for the same view.
package views

import (
	"context"
	"fmt"
	"sync"

	"github.com/cuemby/kiln/pkg/jobs"
	"github.com/cuemby/kiln/pkg/metrics"
	"github.com/cuemby/kiln/pkg/tree"
	"github.com/cuemby/kiln/pkg/types"
)

// maxMapperPasses bounds how many times a single UpdateViewIfNeeded call
// re-runs the mapper to catch documents written while mapping was in
// progress, before giving up and letting the next call continue.
const maxMapperPasses = 10

// MapFunc transforms one document into a view entry. A false ok return
// means the document does not emit an entry for this view (the mapper
// removes any stale entry for it).
type MapFunc func(docID []byte, docValue []byte) (entryKey []byte, entryValue []byte, ok bool)

// MappedEntry is one row of a view's materialized index, as returned by
// ScanView.
type MappedEntry struct {
	DocumentID []byte
	EntryKey   []byte
	EntryValue []byte
}

// View describes one materialized index over a collection's documents.
type View struct {
	Name         string
	Collection   string
	Version      uint64
	DocumentTree string // holds the collection's documents: docID -> docValue
	Map          MapFunc
}

func versionsTreeName(collection string) string {
	return "view_versions:" + collection
}

// InvalidatedTreeName returns the tree holding doc IDs queued for mapping.
func InvalidatedTreeName(viewName string) string {
	return "view_invalidated:" + viewName
}

// DocumentMapTreeName returns the tree holding the view's materialized
// entries, keyed by document ID.
func DocumentMapTreeName(viewName string) string {
	return "view_docmap:" + viewName
}

type viewKey struct {
	database   string
	collection string
	view       string
}

func (k viewKey) String() string {
	return fmt.Sprintf("%s/%s/%s", k.database, k.collection, k.view)
}

// Scheduler tracks, per view, whether it has been brought current for a
// database's latest transaction, and dedups concurrent update requests
// for the same view onto a single running job. completedIntegrityChecks
// is distinct from lastIndexed: it remembers which views have ever had a
// full integrity scan run, so that scan (an O(collection size) walk) is
// never repeated once a view's version/coverage has been verified once;
// every later catch-up relies solely on mapper passes.
type Scheduler struct {
	jobs *jobs.Manager[viewKey]

	mu                       sync.Mutex
	lastIndexed              map[viewKey]types.TransactionID
	completedIntegrityChecks map[viewKey]struct{}
}

// NewScheduler returns a Scheduler whose underlying job manager allows up
// to parallelism concurrent view updates.
func NewScheduler(parallelism int) *Scheduler {
	return &Scheduler{
		jobs:                     jobs.NewManager[viewKey](parallelism),
		lastIndexed:              make(map[viewKey]types.TransactionID),
		completedIntegrityChecks: make(map[viewKey]struct{}),
	}
}

// UpdateViewIfNeeded brings view current with store's documents, if it
// isn't already known to be current as of currentTxn. Concurrent callers
// for the same (database, view) coalesce onto one integrity-scan-and-map
// pass.
func (s *Scheduler) UpdateViewIfNeeded(ctx context.Context, store *tree.Store, database string, view View, currentTxn types.TransactionID) error {
	key := viewKey{database: database, collection: view.Collection, view: view.Name}

	s.mu.Lock()
	last, known := s.lastIndexed[key]
	s.mu.Unlock()
	if known && last >= currentTxn {
		return nil
	}

	h := s.jobs.LookupOrEnqueue(key, func(ctx context.Context) (any, error) {
		return nil, s.bringCurrent(store, key, view)
	})
	if _, err := h.Wait(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	if s.lastIndexed[key] < currentTxn {
		s.lastIndexed[key] = currentTxn
	}
	s.mu.Unlock()
	return nil
}

// bringCurrent runs the integrity scan at most once ever per key, then
// one or more mapper passes until the document-map tree has no
// invalidated entries left (or maxMapperPasses is reached). Once a view
// has passed its integrity scan, every later call here catches up purely
// through mapper passes, never repeating the full scan.
func (s *Scheduler) bringCurrent(store *tree.Store, key viewKey, view View) error {
	for _, name := range []string{view.DocumentTree, versionsTreeName(view.Collection), InvalidatedTreeName(view.Name), DocumentMapTreeName(view.Name)} {
		if err := store.EnsureTree(name); err != nil {
			return fmt.Errorf("ensuring view tree %s: %w", name, err)
		}
	}

	s.mu.Lock()
	_, alreadyChecked := s.completedIntegrityChecks[key]
	s.mu.Unlock()

	var needsMapping bool
	if !alreadyChecked {
		timer := metrics.NewTimer()
		var err error
		needsMapping, err = s.integrityScan(store, view)
		timer.ObserveDurationVec(metrics.ViewScanDuration, view.Name)
		if err != nil {
			return err
		}

		s.mu.Lock()
		s.completedIntegrityChecks[key] = struct{}{}
		s.mu.Unlock()
	} else {
		queued, err := s.queueNewDocuments(store, view)
		if err != nil {
			return err
		}
		needsMapping = queued
	}

	for pass := 0; needsMapping && pass < maxMapperPasses; pass++ {
		mapTimer := metrics.NewTimer()
		remaining, err := s.runMapper(store, view)
		mapTimer.ObserveDurationVec(metrics.ViewMapperDuration, view.Name)
		if err != nil {
			return err
		}
		needsMapping = remaining
	}
	return nil
}

// integrityScan compares the view's recorded version and document-map
// coverage against DocumentTree, queuing any missing or stale document
// IDs into the invalidated tree and recording the view's version as
// current. Reports whether any were queued. Run at most once ever per
// view; see completedIntegrityChecks.
func (s *Scheduler) integrityScan(store *tree.Store, view View) (bool, error) {
	documentIDs, err := store.Keys(view.DocumentTree)
	if err != nil {
		return false, fmt.Errorf("scanning documents for view %s: %w", view.Name, err)
	}

	storedVersion, err := store.Get(versionsTreeName(view.Collection), []byte(view.Name))
	if err != nil {
		return false, fmt.Errorf("reading view version for %s: %w", view.Name, err)
	}
	isCurrentVersion := len(storedVersion) == 8 && beUint64(storedVersion) == view.Version

	var missing [][]byte
	if isCurrentVersion {
		missing, err = unmappedDocuments(store, view, documentIDs)
		if err != nil {
			return false, err
		}
	} else {
		// The view's recorded version is stale (or absent): every
		// document must be remapped.
		missing = documentIDs
	}

	if len(missing) == 0 {
		return false, nil
	}

	err = store.Transaction([]string{InvalidatedTreeName(view.Name), versionsTreeName(view.Collection)}, func(txn *tree.Txn) error {
		if err := txn.Set(versionsTreeName(view.Collection), []byte(view.Name), beBytes(view.Version)); err != nil {
			return err
		}
		for _, id := range missing {
			if err := txn.Set(InvalidatedTreeName(view.Name), id, []byte{}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("recording invalidated entries for view %s: %w", view.Name, err)
	}
	return true, nil
}

// queueNewDocuments is the mapper-only counterpart to integrityScan: once
// a view's integrity check has completed, catching up to documents
// written since the last pass never re-verifies the view's version,
// it only diffs DocumentTree against the document-map tree and queues
// whatever is missing. Reports whether any were queued.
func (s *Scheduler) queueNewDocuments(store *tree.Store, view View) (bool, error) {
	documentIDs, err := store.Keys(view.DocumentTree)
	if err != nil {
		return false, fmt.Errorf("scanning documents for view %s: %w", view.Name, err)
	}

	missing, err := unmappedDocuments(store, view, documentIDs)
	if err != nil {
		return false, err
	}
	if len(missing) == 0 {
		return false, nil
	}

	err = store.Transaction([]string{InvalidatedTreeName(view.Name)}, func(txn *tree.Txn) error {
		for _, id := range missing {
			if err := txn.Set(InvalidatedTreeName(view.Name), id, []byte{}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("recording invalidated entries for view %s: %w", view.Name, err)
	}
	return true, nil
}

// unmappedDocuments returns the documentIDs not yet present in view's
// document-map tree.
func unmappedDocuments(store *tree.Store, view View, documentIDs [][]byte) ([][]byte, error) {
	mapped, err := store.Keys(DocumentMapTreeName(view.Name))
	if err != nil {
		return nil, fmt.Errorf("scanning document map for view %s: %w", view.Name, err)
	}
	mappedSet := make(map[string]struct{}, len(mapped))
	for _, k := range mapped {
		mappedSet[string(k)] = struct{}{}
	}

	var missing [][]byte
	for _, id := range documentIDs {
		if _, ok := mappedSet[string(id)]; !ok {
			missing = append(missing, id)
		}
	}
	return missing, nil
}

// runMapper applies view.Map to every currently invalidated document ID,
// writing or removing its entry in the document-map tree and clearing it
// from the invalidated tree. Reports whether any documents were
// processed (a non-empty pass can mean more arrived while it ran).
func (s *Scheduler) runMapper(store *tree.Store, view View) (bool, error) {
	invalidated, err := store.Keys(InvalidatedTreeName(view.Name))
	if err != nil {
		return false, fmt.Errorf("scanning invalidated entries for view %s: %w", view.Name, err)
	}
	if len(invalidated) == 0 {
		return false, nil
	}

	var mapped int
	for _, docID := range invalidated {
		docValue, err := store.Get(view.DocumentTree, docID)
		if err != nil {
			return false, fmt.Errorf("reading document %x for view %s: %w", docID, view.Name, err)
		}

		err = store.Transaction([]string{DocumentMapTreeName(view.Name), InvalidatedTreeName(view.Name)}, func(txn *tree.Txn) error {
			if docValue == nil {
				// Document was deleted since being queued: drop any
				// stale entry it may have left behind.
				if err := txn.Delete(DocumentMapTreeName(view.Name), docID); err != nil {
					return err
				}
			} else if entryKey, entryValue, ok := view.Map(docID, docValue); ok {
				if err := txn.Set(DocumentMapTreeName(view.Name), docID, encodeMapped(entryKey, entryValue)); err != nil {
					return err
				}
			} else {
				if err := txn.Delete(DocumentMapTreeName(view.Name), docID); err != nil {
					return err
				}
			}
			return txn.Delete(InvalidatedTreeName(view.Name), docID)
		})
		if err != nil {
			return false, fmt.Errorf("mapping document %x for view %s: %w", docID, view.Name, err)
		}
		mapped++
	}

	metrics.ViewDocumentsMapped.WithLabelValues(view.Name).Add(float64(mapped))
	return true, nil
}

// ScanView walks view's document-map tree in document-ID order, decoding
// each stored entry and invoking fn. Stopping is controlled by fn's
// return error (a sentinel like errStopScan can be used by callers that
// only want the first N entries, by wrapping fn).
func ScanView(store *tree.Store, view View, fn func(MappedEntry) error) error {
	return store.Scan(DocumentMapTreeName(view.Name), nil, func(docID, raw []byte) error {
		entryKey, entryValue, err := decodeMapped(raw)
		if err != nil {
			return fmt.Errorf("decoding mapped entry for view %s: %w", view.Name, err)
		}
		return fn(MappedEntry{DocumentID: docID, EntryKey: entryKey, EntryValue: entryValue})
	})
}

// encodeMapped packs an entry's emitted key and value into the single
// blob stored in the document-map tree, keyed by document ID.
func encodeMapped(entryKey, entryValue []byte) []byte {
	buf := make([]byte, 4, 4+len(entryKey)+len(entryValue))
	buf[0], buf[1], buf[2], buf[3] = byte(len(entryKey)>>24), byte(len(entryKey)>>16), byte(len(entryKey)>>8), byte(len(entryKey))
	buf = append(buf, entryKey...)
	buf = append(buf, entryValue...)
	return buf
}

func decodeMapped(raw []byte) (entryKey, entryValue []byte, err error) {
	if len(raw) < 4 {
		return nil, nil, fmt.Errorf("truncated mapped entry")
	}
	n := int(raw[0])<<24 | int(raw[1])<<16 | int(raw[2])<<8 | int(raw[3])
	if len(raw) < 4+n {
		return nil, nil, fmt.Errorf("truncated mapped entry key")
	}
	return raw[4 : 4+n], raw[4+n:], nil
}

func beBytes(v uint64) []byte {
	return []byte{
		byte(v >> 56), byte(v >> 48), byte(v >> 40), byte(v >> 32),
		byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v),
	}
}

func beUint64(b []byte) uint64 {
	return uint64(b[0])<<56 | uint64(b[1])<<48 | uint64(b[2])<<40 | uint64(b[3])<<32 |
		uint64(b[4])<<24 | uint64(b[5])<<16 | uint64(b[6])<<8 | uint64(b[7])
}

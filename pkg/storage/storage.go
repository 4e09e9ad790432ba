// Package storage implements the storage core: the process-wide,
// reference-countable root object owning a storage instance's directory,
// its persisted storage id, the encryption vault, the registry of open
// per-database tree stores, the session table, and the admin database
// that records every other database's name and schema. Grounded on the
// teacher's pkg/storage/store.go Store interface shape (CRUD-per-entity
// over a bbolt-backed registry) and the original implementation's
// storage.rs (load-or-create storage id, cache_available_databases,
// create_admin_database_if_needed).
package storage

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"

	"github.com/cuemby/kiln/pkg/codec"
	"github.com/cuemby/kiln/pkg/kilnerr"
	"github.com/cuemby/kiln/pkg/log"
	"github.com/cuemby/kiln/pkg/pubsub"
	"github.com/cuemby/kiln/pkg/tree"
	"github.com/cuemby/kiln/pkg/types"
	"github.com/cuemby/kiln/pkg/vault"
	"github.com/cuemby/kiln/pkg/views"
)

// adminName is the fixed database and schema name reserved for the admin
// collection (users, roles, database records).
const adminName = "_admin"

const (
	treeDatabases   = "databases"
	treeUsers       = "users"
	treeUsersByName = "users_by_name"
	treeRoles       = "roles"
	treeCounters    = "counters"
)

const counterNextUserID = "next_user_id"

// Config configures Open.
type Config struct {
	// Path is the storage instance's root directory, created if absent.
	Path string
	// WorkerCount bounds background view-maintenance job concurrency. 0
	// defaults to runtime.NumCPU().
	WorkerCount int
	// Encrypted enables AES-256-GCM page sealing via pkg/vault.
	Encrypted bool
}

// Instance is a storage instance's root object: one directory, one
// storage id, one vault, and the registries every database and session
// within it shares.
type Instance struct {
	dir   string
	id    types.StorageID
	codec *codec.Codec

	adminStore *tree.Store

	rootsMu sync.Mutex
	roots   map[string]*tree.Store

	schemasMu sync.RWMutex
	schemas   map[string]struct{}

	availableMu sync.RWMutex
	available   map[string]string // database name -> schema name

	sessionsMu    sync.RWMutex
	sessions      map[types.SessionID]*types.Session
	nextSessionID types.SessionID

	relay *pubsub.Relay
	views *views.Scheduler
}

// Open creates dir if needed and performs the storage instance's
// initialization sequence: load-or-create the storage id, initialize the
// vault (if configured), build the view-maintenance worker pool, rebuild
// available_databases from the admin database's on-disk record, and
// ensure the admin database itself exists.
func Open(cfg Config) (*Instance, error) {
	if cfg.Path == "" {
		return nil, kilnerr.New(kilnerr.KindInvalidName, "storage path must not be empty")
	}
	if err := os.MkdirAll(cfg.Path, 0o700); err != nil {
		return nil, fmt.Errorf("creating storage directory %s: %w", cfg.Path, err)
	}

	id, err := lookupOrCreateStorageID(cfg.Path)
	if err != nil {
		return nil, err
	}

	pageCodec := codec.New()
	if cfg.Encrypted {
		v, err := vault.Open(cfg.Path, uint64(id))
		if err != nil {
			return nil, err
		}
		pageCodec = codec.NewEncrypted(v)
	}

	workerCount := cfg.WorkerCount
	if workerCount <= 0 {
		workerCount = runtime.NumCPU()
	}

	adminDir := filepath.Join(cfg.Path, adminName)
	if err := os.MkdirAll(adminDir, 0o700); err != nil {
		return nil, fmt.Errorf("creating admin database directory: %w", err)
	}
	adminStore, err := tree.Open(filepath.Join(adminDir, "data.db"), pageCodec)
	if err != nil {
		return nil, fmt.Errorf("opening admin database: %w", err)
	}
	for _, name := range []string{treeDatabases, treeUsers, treeUsersByName, treeRoles, treeCounters} {
		if err := adminStore.EnsureTree(name); err != nil {
			return nil, fmt.Errorf("ensuring admin tree %s: %w", name, err)
		}
	}

	inst := &Instance{
		dir:        cfg.Path,
		id:         id,
		codec:      pageCodec,
		adminStore: adminStore,
		roots:      make(map[string]*tree.Store),
		schemas:    make(map[string]struct{}),
		available:  make(map[string]string),
		sessions:   make(map[types.SessionID]*types.Session),
		relay:      pubsub.NewRelay(),
		views:      views.NewScheduler(workerCount),
	}
	inst.roots[adminName] = adminStore
	inst.schemas[adminName] = struct{}{}

	if err := inst.cacheAvailableDatabases(); err != nil {
		return nil, err
	}
	if err := inst.createAdminDatabaseIfNeeded(); err != nil {
		return nil, err
	}

	log.WithStorage(uint64(id)).Info().Msg("storage instance opened")
	return inst, nil
}

// Close closes every open tree store, the admin store included. It does
// not destroy on-disk data.
func (inst *Instance) Close() error {
	inst.rootsMu.Lock()
	defer inst.rootsMu.Unlock()

	var firstErr error
	for name, store := range inst.roots {
		if err := store.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing database %s: %w", name, err)
		}
	}
	inst.roots = make(map[string]*tree.Store)
	return firstErr
}

// ID returns the storage instance's persisted storage id.
func (inst *Instance) ID() types.StorageID { return inst.id }

// Relay returns the pub/sub relay shared by every session against this
// instance.
func (inst *Instance) Relay() *pubsub.Relay { return inst.relay }

// Views returns the view-maintenance scheduler shared by every database
// opened against this instance.
func (inst *Instance) Views() *views.Scheduler { return inst.views }

// lookupOrCreateStorageID reads dir/server-id (ASCII decimal of a u64),
// creating it with a fresh random id on first open.
func lookupOrCreateStorageID(dir string) (types.StorageID, error) {
	path := filepath.Join(dir, "server-id")

	raw, err := os.ReadFile(path)
	if err == nil {
		id, parseErr := strconv.ParseUint(strings.TrimSpace(string(raw)), 10, 64)
		if parseErr != nil {
			return 0, fmt.Errorf("corrupt server-id file %s: %w", path, parseErr)
		}
		return types.StorageID(id), nil
	}
	if !os.IsNotExist(err) {
		return 0, fmt.Errorf("reading server-id file %s: %w", path, err)
	}

	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, fmt.Errorf("generating storage id: %w", err)
	}
	id := binary.BigEndian.Uint64(buf[:])
	if err := os.WriteFile(path, []byte(strconv.FormatUint(id, 10)), 0o600); err != nil {
		return 0, fmt.Errorf("writing server-id file %s: %w", path, err)
	}
	return types.StorageID(id), nil
}

// OpenRoots returns the tree store backing database name, opening and
// caching it on first access. The database must already be registered
// (created via CreateDatabaseWithSchema) or be the reserved admin name.
func (inst *Instance) OpenRoots(name string) (*tree.Store, error) {
	inst.rootsMu.Lock()
	defer inst.rootsMu.Unlock()

	if store, ok := inst.roots[name]; ok {
		return store, nil
	}

	if name != adminName {
		inst.availableMu.RLock()
		_, known := inst.available[name]
		inst.availableMu.RUnlock()
		if !known {
			return nil, kilnerr.New(kilnerr.KindNotFound, fmt.Sprintf("database %q does not exist", name))
		}
	}

	dbDir := filepath.Join(inst.dir, name)
	if err := os.MkdirAll(dbDir, 0o700); err != nil {
		return nil, fmt.Errorf("creating database directory %s: %w", name, err)
	}
	store, err := tree.Open(filepath.Join(dbDir, "data.db"), inst.codec)
	if err != nil {
		return nil, fmt.Errorf("opening database %s: %w", name, err)
	}
	inst.roots[name] = store
	return store, nil
}

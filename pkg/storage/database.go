package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/kiln/pkg/kilnerr"
	"github.com/cuemby/kiln/pkg/metrics"
	"github.com/cuemby/kiln/pkg/types"
)

// RegisterSchema records name as an openable schema. A schema can be
// registered at most once.
func (inst *Instance) RegisterSchema(name string) error {
	if err := validateName(name); err != nil {
		return err
	}

	inst.schemasMu.Lock()
	defer inst.schemasMu.Unlock()
	if _, exists := inst.schemas[name]; exists {
		return kilnerr.New(kilnerr.KindAlreadyExists, fmt.Sprintf("schema %q is already registered", name))
	}
	inst.schemas[name] = struct{}{}
	return nil
}

// ListAvailableSchemas returns every registered schema name, sorted.
func (inst *Instance) ListAvailableSchemas() []string {
	inst.schemasMu.RLock()
	defer inst.schemasMu.RUnlock()

	names := make([]string, 0, len(inst.schemas))
	for name := range inst.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CreateDatabaseWithSchema records a new database under name, backed by
// schemaName. If onlyIfNeeded is set and the database already exists,
// this is a no-op rather than an error.
func (inst *Instance) CreateDatabaseWithSchema(name, schemaName string, onlyIfNeeded bool) error {
	if err := validateName(name); err != nil {
		return err
	}

	inst.schemasMu.RLock()
	_, schemaKnown := inst.schemas[schemaName]
	inst.schemasMu.RUnlock()
	if !schemaKnown {
		return kilnerr.New(kilnerr.KindNotFound, fmt.Sprintf("schema %q is not registered", schemaName))
	}

	inst.availableMu.Lock()
	if _, exists := inst.available[name]; exists {
		inst.availableMu.Unlock()
		if onlyIfNeeded {
			return nil
		}
		return kilnerr.New(kilnerr.KindAlreadyExists, fmt.Sprintf("database %q already exists", name))
	}
	inst.available[name] = schemaName
	inst.availableMu.Unlock()

	rec := types.Database{Name: name, SchemaName: schemaName, CreatedAt: time.Now()}
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding database record: %w", err)
	}
	if err := inst.adminStore.Set(treeDatabases, []byte(name), raw); err != nil {
		inst.availableMu.Lock()
		delete(inst.available, name)
		inst.availableMu.Unlock()
		return fmt.Errorf("recording database %s: %w", name, err)
	}

	metrics.DatabasesTotal.Inc()
	return nil
}

// DeleteDatabase removes name's record, closes its cached tree store if
// open, and deletes its on-disk directory. Deleting the admin database is
// rejected.
func (inst *Instance) DeleteDatabase(name string) error {
	if name == adminName {
		return kilnerr.New(kilnerr.KindPermissionDenied, "the admin database cannot be deleted")
	}

	inst.availableMu.Lock()
	if _, exists := inst.available[name]; !exists {
		inst.availableMu.Unlock()
		return kilnerr.New(kilnerr.KindNotFound, fmt.Sprintf("database %q does not exist", name))
	}
	delete(inst.available, name)
	inst.availableMu.Unlock()

	if err := inst.adminStore.Delete(treeDatabases, []byte(name)); err != nil {
		return fmt.Errorf("removing database record %s: %w", name, err)
	}

	inst.rootsMu.Lock()
	store, open := inst.roots[name]
	delete(inst.roots, name)
	inst.rootsMu.Unlock()
	if open {
		if err := store.Close(); err != nil {
			return fmt.Errorf("closing database %s before delete: %w", name, err)
		}
	}

	if err := inst.trashDirectory(name); err != nil {
		return err
	}

	metrics.DatabasesTotal.Dec()
	return nil
}

// trashDirectory moves a deleted database's directory aside into a
// uuid-named entry under .trash before removing it, so a crash between
// the rename and the removal leaves recoverable debris instead of a
// half-deleted live database directory (the rename within the same
// filesystem is atomic; the subsequent recursive delete is not).
func (inst *Instance) trashDirectory(name string) error {
	live := filepath.Join(inst.dir, name)
	if _, err := os.Stat(live); os.IsNotExist(err) {
		return nil
	}

	trash := filepath.Join(inst.dir, ".trash")
	if err := os.MkdirAll(trash, 0o700); err != nil {
		return fmt.Errorf("creating trash directory: %w", err)
	}

	staged := filepath.Join(trash, uuid.NewString())
	if err := os.Rename(live, staged); err != nil {
		return fmt.Errorf("staging database %s for delete: %w", name, err)
	}
	if err := os.RemoveAll(staged); err != nil {
		return fmt.Errorf("removing staged database directory for %s: %w", name, err)
	}
	return nil
}

// ListDatabases returns every registered database, sorted by name.
func (inst *Instance) ListDatabases() ([]types.Database, error) {
	var out []types.Database
	err := inst.adminStore.Scan(treeDatabases, nil, func(_ []byte, raw []byte) error {
		var rec types.Database
		if err := json.Unmarshal(raw, &rec); err != nil {
			return fmt.Errorf("decoding database record: %w", err)
		}
		out = append(out, rec)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing databases: %w", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// DatabaseExists reports whether name is a currently registered database.
func (inst *Instance) DatabaseExists(name string) bool {
	inst.availableMu.RLock()
	defer inst.availableMu.RUnlock()
	_, ok := inst.available[name]
	return ok
}

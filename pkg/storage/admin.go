package storage

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/cuemby/kiln/pkg/metrics"
	"github.com/cuemby/kiln/pkg/types"
)

// cacheAvailableDatabases rebuilds the in-memory available_databases map
// from the admin database's databases tree. This plays the role of the
// original's admin `database::ByName` view, simplified to a direct tree
// scan: the admin collection is a small, flat system table, so a
// key-presence index adds no value pkg/views' general integrity-scan
// machinery would otherwise provide.
func (inst *Instance) cacheAvailableDatabases() error {
	available := make(map[string]string)

	err := inst.adminStore.Scan(treeDatabases, nil, func(_ []byte, raw []byte) error {
		var rec types.Database
		if err := json.Unmarshal(raw, &rec); err != nil {
			return fmt.Errorf("decoding database record: %w", err)
		}
		available[rec.Name] = rec.SchemaName
		return nil
	})
	if err != nil {
		return fmt.Errorf("caching available databases: %w", err)
	}

	inst.availableMu.Lock()
	inst.available = available
	inst.availableMu.Unlock()
	metrics.DatabasesTotal.Set(float64(len(available)))
	return nil
}

// createAdminDatabaseIfNeeded registers the admin schema and, on first
// open, records the admin database itself in the databases tree so
// subsequent opens find it via cacheAvailableDatabases like any other
// database.
func (inst *Instance) createAdminDatabaseIfNeeded() error {
	inst.schemasMu.Lock()
	inst.schemas[adminName] = struct{}{}
	inst.schemasMu.Unlock()

	inst.availableMu.RLock()
	_, exists := inst.available[adminName]
	inst.availableMu.RUnlock()
	if exists {
		return nil
	}

	rec := types.Database{Name: adminName, SchemaName: adminName, CreatedAt: time.Now()}
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding admin database record: %w", err)
	}
	if err := inst.adminStore.Set(treeDatabases, []byte(adminName), raw); err != nil {
		return fmt.Errorf("recording admin database: %w", err)
	}

	inst.availableMu.Lock()
	inst.available[adminName] = adminName
	inst.availableMu.Unlock()
	metrics.DatabasesTotal.Set(float64(len(inst.available)))
	return nil
}

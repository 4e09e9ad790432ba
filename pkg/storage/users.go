package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cuemby/kiln/pkg/kilnerr"
	"github.com/cuemby/kiln/pkg/tree"
	"github.com/cuemby/kiln/pkg/types"
)

// userRecord is the JSON shape stored for each admin user.
type userRecord struct {
	ID           uint64
	Username     string
	PasswordHash []byte
	RoleID       uint64
}

// roleRecord is the JSON shape stored for each admin role.
type roleRecord struct {
	ID      uint64
	Name    string
	Actions []types.Action
}

func normalizeUsername(username string) string { return strings.ToLower(username) }

// CreateUser registers a new user with the given password, returning the
// assigned user id. Usernames are case-insensitively unique.
func (inst *Instance) CreateUser(username, password string) (uint64, error) {
	if err := validateName(username); err != nil {
		return 0, err
	}

	key := []byte(normalizeUsername(username))
	if existing, err := inst.adminStore.Get(treeUsersByName, key); err != nil {
		return 0, fmt.Errorf("checking existing user %s: %w", username, err)
	} else if existing != nil {
		return 0, kilnerr.New(kilnerr.KindAlreadyExists, fmt.Sprintf("user %q already exists", username))
	}

	hash, err := hashPassword(password)
	if err != nil {
		return 0, fmt.Errorf("hashing password for user %s: %w", username, err)
	}

	id, err := inst.nextUserID()
	if err != nil {
		return 0, err
	}

	rec := userRecord{ID: id, Username: username, PasswordHash: hash}
	raw, err := json.Marshal(rec)
	if err != nil {
		return 0, fmt.Errorf("encoding user record: %w", err)
	}

	idKey := make([]byte, 8)
	binary.BigEndian.PutUint64(idKey, id)

	err = inst.adminStore.Transaction([]string{treeUsers, treeUsersByName}, func(txn *tree.Txn) error {
		if err := txn.Set(treeUsers, idKey, raw); err != nil {
			return err
		}
		return txn.Set(treeUsersByName, key, idKey)
	})
	if err != nil {
		return 0, fmt.Errorf("recording user %s: %w", username, err)
	}
	return id, nil
}

// DeleteUser removes username, if it exists.
func (inst *Instance) DeleteUser(username string) error {
	key := []byte(normalizeUsername(username))
	idKey, err := inst.adminStore.Get(treeUsersByName, key)
	if err != nil {
		return fmt.Errorf("looking up user %s: %w", username, err)
	}
	if idKey == nil {
		return kilnerr.New(kilnerr.KindNotFound, fmt.Sprintf("user %q does not exist", username))
	}

	return inst.adminStore.Transaction([]string{treeUsers, treeUsersByName}, func(txn *tree.Txn) error {
		if err := txn.Delete(treeUsers, idKey); err != nil {
			return err
		}
		return txn.Delete(treeUsersByName, key)
	})
}

// SetUserPassword replaces username's stored password hash.
func (inst *Instance) SetUserPassword(username, newPassword string) error {
	rec, idKey, err := inst.loadUserByName(username)
	if err != nil {
		return err
	}

	hash, err := hashPassword(newPassword)
	if err != nil {
		return fmt.Errorf("hashing password for user %s: %w", username, err)
	}
	rec.PasswordHash = hash

	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding user record: %w", err)
	}
	return inst.adminStore.Set(treeUsers, idKey, raw)
}

// CreateRole registers a role granting actions, returning its assigned id.
func (inst *Instance) CreateRole(name string, actions []types.Action) (uint64, error) {
	if err := validateName(name); err != nil {
		return 0, err
	}

	id, err := inst.nextCounter("next_role_id")
	if err != nil {
		return 0, err
	}

	rec := roleRecord{ID: id, Name: name, Actions: actions}
	raw, err := json.Marshal(rec)
	if err != nil {
		return 0, fmt.Errorf("encoding role record: %w", err)
	}

	idKey := make([]byte, 8)
	binary.BigEndian.PutUint64(idKey, id)
	if err := inst.adminStore.Set(treeRoles, idKey, raw); err != nil {
		return 0, fmt.Errorf("recording role %s: %w", name, err)
	}
	return id, nil
}

// AssignRole attaches roleID to username, replacing any previously
// assigned role.
func (inst *Instance) AssignRole(username string, roleID uint64) error {
	rec, idKey, err := inst.loadUserByName(username)
	if err != nil {
		return err
	}
	rec.RoleID = roleID

	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding user record: %w", err)
	}
	return inst.adminStore.Set(treeUsers, idKey, raw)
}

// Authenticate verifies username's password and, on success, creates and
// registers a new session carrying the permissions granted by the user's
// assigned role.
func (inst *Instance) Authenticate(username, password string) (*types.Session, error) {
	rec, _, err := inst.loadUserByName(username)
	if err != nil {
		return nil, err
	}
	if !verifyPassword(rec.PasswordHash, password) {
		return nil, kilnerr.New(kilnerr.KindUnauthenticated, "invalid username or password")
	}

	perms, err := inst.permissionsForRole(rec.RoleID)
	if err != nil {
		return nil, err
	}

	identity := &types.Identity{Kind: types.IdentityKindUser, UserID: rec.ID, Username: rec.Username}
	return inst.CreateSession(identity, perms), nil
}

// AssumeIdentity builds a session for userID without verifying
// credentials. Callers (pkg/wire's dispatcher) must permission-gate this
// themselves before calling it.
func (inst *Instance) AssumeIdentity(userID uint64) (*types.Session, error) {
	idKey := make([]byte, 8)
	binary.BigEndian.PutUint64(idKey, userID)
	raw, err := inst.adminStore.Get(treeUsers, idKey)
	if err != nil {
		return nil, fmt.Errorf("looking up user %d: %w", userID, err)
	}
	if raw == nil {
		return nil, kilnerr.New(kilnerr.KindNotFound, fmt.Sprintf("user %d does not exist", userID))
	}
	var rec userRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decoding user record: %w", err)
	}

	perms, err := inst.permissionsForRole(rec.RoleID)
	if err != nil {
		return nil, err
	}

	identity := &types.Identity{Kind: types.IdentityKindUser, UserID: rec.ID, Username: rec.Username}
	return inst.CreateSession(identity, perms), nil
}

func (inst *Instance) permissionsForRole(roleID uint64) (*types.Permissions, error) {
	perms := types.NewPermissions()
	if roleID == 0 {
		return perms, nil
	}

	idKey := make([]byte, 8)
	binary.BigEndian.PutUint64(idKey, roleID)
	raw, err := inst.adminStore.Get(treeRoles, idKey)
	if err != nil {
		return nil, fmt.Errorf("looking up role %d: %w", roleID, err)
	}
	if raw == nil {
		return perms, nil
	}
	var rec roleRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decoding role record: %w", err)
	}
	for _, action := range rec.Actions {
		perms.Grant(action, "")
	}
	return perms, nil
}

func (inst *Instance) loadUserByName(username string) (userRecord, []byte, error) {
	key := []byte(normalizeUsername(username))
	idKey, err := inst.adminStore.Get(treeUsersByName, key)
	if err != nil {
		return userRecord{}, nil, fmt.Errorf("looking up user %s: %w", username, err)
	}
	if idKey == nil {
		return userRecord{}, nil, kilnerr.New(kilnerr.KindNotFound, fmt.Sprintf("user %q does not exist", username))
	}

	raw, err := inst.adminStore.Get(treeUsers, idKey)
	if err != nil {
		return userRecord{}, nil, fmt.Errorf("reading user %s: %w", username, err)
	}
	if raw == nil {
		return userRecord{}, nil, kilnerr.New(kilnerr.KindNotFound, fmt.Sprintf("user %q does not exist", username))
	}

	var rec userRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return userRecord{}, nil, fmt.Errorf("decoding user record: %w", err)
	}
	return rec, idKey, nil
}

func (inst *Instance) nextUserID() (uint64, error) {
	return inst.nextCounter(counterNextUserID)
}

// nextCounter atomically increments the named counter in the admin
// counters tree, retrying its compare-and-swap until it wins the race,
// and returns the freshly assigned value (1-based).
func (inst *Instance) nextCounter(name string) (uint64, error) {
	key := []byte(name)
	for {
		raw, err := inst.adminStore.Get(treeCounters, key)
		if err != nil {
			return 0, fmt.Errorf("reading counter %s: %w", name, err)
		}
		var current uint64
		if raw != nil {
			current = binary.BigEndian.Uint64(raw)
		}
		next := current + 1

		newRaw := make([]byte, 8)
		binary.BigEndian.PutUint64(newRaw, next)

		result, err := inst.adminStore.CompareAndSwap(treeCounters, key, raw, newRaw)
		if err != nil {
			return 0, fmt.Errorf("advancing counter %s: %w", name, err)
		}
		if result.OK {
			return next, nil
		}
	}
}

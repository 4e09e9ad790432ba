package storage

import (
	"time"

	"github.com/cuemby/kiln/pkg/metrics"
	"github.com/cuemby/kiln/pkg/types"
)

// CreateSession registers a new session carrying identity and
// permissions, assigning it the next monotonic session id. identity may
// be nil for an anonymous session.
func (inst *Instance) CreateSession(identity *types.Identity, permissions *types.Permissions) *types.Session {
	inst.sessionsMu.Lock()
	defer inst.sessionsMu.Unlock()

	inst.nextSessionID++
	session := &types.Session{
		ID:          inst.nextSessionID,
		Identity:    identity,
		Permissions: permissions,
		CreatedAt:   time.Now(),
	}
	inst.sessions[session.ID] = session
	metrics.SessionsTotal.Set(float64(len(inst.sessions)))
	return session
}

// Session returns the session registered under id, or nil if none.
func (inst *Instance) Session(id types.SessionID) *types.Session {
	inst.sessionsMu.RLock()
	defer inst.sessionsMu.RUnlock()
	return inst.sessions[id]
}

// CloseSession removes id from the session table and tears down every
// subscriber it owns, matching the original's session-drop semantics.
func (inst *Instance) CloseSession(id types.SessionID) {
	inst.sessionsMu.Lock()
	_, existed := inst.sessions[id]
	delete(inst.sessions, id)
	metrics.SessionsTotal.Set(float64(len(inst.sessions)))
	inst.sessionsMu.Unlock()

	if existed {
		inst.relay.DropSession(id)
	}
}

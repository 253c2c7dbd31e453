// Package roster maps call participants to their [types.Role].
//
// Roles are seeded from configuration and updated live from participant
// events on the ingest channel. Speakers that were never assigned a role get
// the roster's default role; a roster without a default reports them as
// unknown so that callers can fail closed.
package roster

import (
	"sync"

	"github.com/MrWong99/cadence/pkg/types"
)

// Roster is a concurrency-safe speaker → role table.
type Roster struct {
	mu          sync.RWMutex
	roles       map[types.SpeakerID]types.Role
	defaultRole types.Role
}

// New creates a Roster. defaultRole may be empty, in which case unlisted
// speakers have no role.
func New(defaultRole types.Role) *Roster {
	return &Roster{
		roles:       make(map[types.SpeakerID]types.Role),
		defaultRole: defaultRole,
	}
}

// Set assigns role to speaker, replacing any previous assignment.
func (r *Roster) Set(speaker types.SpeakerID, role types.Role) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.roles[speaker] = role
}

// Remove forgets the explicit role of speaker. Subsequent lookups fall back
// to the default role.
func (r *Roster) Remove(speaker types.SpeakerID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.roles, speaker)
}

// Role returns the role of speaker and whether one could be determined.
func (r *Roster) Role(speaker types.SpeakerID) (types.Role, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if role, ok := r.roles[speaker]; ok {
		return role, true
	}
	if r.defaultRole != "" {
		return r.defaultRole, true
	}
	return "", false
}

// Speakers returns every speaker with an explicit role assignment.
func (r *Roster) Speakers() map[types.SpeakerID]types.Role {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[types.SpeakerID]types.Role, len(r.roles))
	for id, role := range r.roles {
		out[id] = role
	}
	return out
}

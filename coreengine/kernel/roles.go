// Package kernel provides the role registry - agent templates.
//
// Features:
//   - Dynamic role creation with creator attribution
//   - Soft deletion (roles are marked inactive, never removed)
//   - Resolution by id or by active name
package kernel

import (
	"sync"
)

// =============================================================================
// Role Registry
// =============================================================================

// RoleRegistry manages role records. Thread-safe implementation; clones are
// returned so callers never observe concurrent mutation.
//
// Usage:
//
//	roles := NewRoleRegistry(logger)
//
//	role, err := roles.Create("researcher", prompt, "user", nil)
//
//	// Resolution accepts an id or an active role name
//	role = roles.Resolve("researcher")
type RoleRegistry struct {
	logger Logger

	// Role table keyed by id
	roles map[string]*Role

	// Active name -> id index
	nameIndex map[string]string

	mu sync.RWMutex
}

// NewRoleRegistry creates a new role registry.
func NewRoleRegistry(logger Logger) *RoleRegistry {
	return &RoleRegistry{
		logger:    logger,
		roles:     make(map[string]*Role),
		nameIndex: make(map[string]string),
	}
}

// Create registers a new active role. Fails with RoleExistsError when an
// active role already carries the name.
func (rr *RoleRegistry) Create(name, prompt, createdBy string, capabilities []string) (*Role, error) {
	rr.mu.Lock()
	defer rr.mu.Unlock()

	if _, taken := rr.nameIndex[name]; taken {
		if rr.logger != nil {
			rr.logger.Warn("duplicate_role_name", "name", name)
		}
		return nil, NewRoleExistsError(name)
	}

	role := NewRole(name, prompt, createdBy, capabilities)
	rr.roles[role.ID] = role
	rr.nameIndex[name] = role.ID

	if rr.logger != nil {
		rr.logger.Info("role_created",
			"role_id", role.ID,
			"name", name,
			"created_by", createdBy,
		)
	}
	return role.Clone(), nil
}

// Add registers a restored role record as-is. Name collisions among active
// roles keep the newest entry and log a warning.
func (rr *RoleRegistry) Add(role *Role) {
	rr.mu.Lock()
	defer rr.mu.Unlock()

	rr.roles[role.ID] = role.Clone()
	if role.Active {
		if prev, taken := rr.nameIndex[role.Name]; taken && prev != role.ID && rr.logger != nil {
			rr.logger.Warn("role_name_collision_on_restore", "name", role.Name, "kept", role.ID)
		}
		rr.nameIndex[role.Name] = role.ID
	}
}

// Delete soft-deletes a role: it is marked inactive and its name is freed,
// but the record remains resolvable by id.
func (rr *RoleRegistry) Delete(roleID string) error {
	rr.mu.Lock()
	defer rr.mu.Unlock()

	role, exists := rr.roles[roleID]
	if !exists {
		return NewRoleNotFoundError(roleID)
	}
	if !role.Active {
		return nil
	}

	role.Active = false
	if rr.nameIndex[role.Name] == roleID {
		delete(rr.nameIndex, role.Name)
	}

	if rr.logger != nil {
		rr.logger.Info("role_deleted", "role_id", roleID, "name", role.Name)
	}
	return nil
}

// =============================================================================
// Lookup
// =============================================================================

// Get returns a copy of the role with the given id, or nil.
func (rr *RoleRegistry) Get(roleID string) *Role {
	rr.mu.RLock()
	defer rr.mu.RUnlock()

	if role, exists := rr.roles[roleID]; exists {
		return role.Clone()
	}
	return nil
}

// GetByName returns a copy of the active role with the given name, or nil.
func (rr *RoleRegistry) GetByName(name string) *Role {
	rr.mu.RLock()
	defer rr.mu.RUnlock()

	if id, exists := rr.nameIndex[name]; exists {
		return rr.roles[id].Clone()
	}
	return nil
}

// Resolve looks a role up by id first, then by active name.
func (rr *RoleRegistry) Resolve(ref string) *Role {
	rr.mu.RLock()
	defer rr.mu.RUnlock()

	if role, exists := rr.roles[ref]; exists {
		return role.Clone()
	}
	if id, exists := rr.nameIndex[ref]; exists {
		return rr.roles[id].Clone()
	}
	return nil
}

// List returns copies of all roles, optionally restricted to active ones.
func (rr *RoleRegistry) List(activeOnly bool) []*Role {
	rr.mu.RLock()
	defer rr.mu.RUnlock()

	result := make([]*Role, 0, len(rr.roles))
	for _, role := range rr.roles {
		if activeOnly && !role.Active {
			continue
		}
		result = append(result, role.Clone())
	}
	return result
}

// =============================================================================
// Statistics
// =============================================================================

// GetStats returns role counts.
func (rr *RoleRegistry) GetStats() map[string]int {
	rr.mu.RLock()
	defer rr.mu.RUnlock()

	active := 0
	for _, role := range rr.roles {
		if role.Active {
			active++
		}
	}
	return map[string]int{
		"total":  len(rr.roles),
		"active": active,
	}
}

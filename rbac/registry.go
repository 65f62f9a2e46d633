package rbac

import (
	"errors"
	"fmt"
	"sync"
)

// ErrRoleNotFound is returned when a referenced role is not registered.
var ErrRoleNotFound = errors.New("role not found")

// ErrRoleCycle is returned when a registration or update would create an
// inheritance cycle.
var ErrRoleCycle = errors.New("role inheritance cycle")

// ErrSystemRoleImmutable is returned on attempts to modify a built-in role.
var ErrSystemRoleImmutable = errors.New("system role immutable")

// ErrRoleExists is returned when registering a role ID that is taken.
var ErrRoleExists = errors.New("role already exists")

// Registry holds the role graph. All mutations re-validate acyclicity, so a
// lookup can walk Parents without cycle guards.
type Registry struct {
	mu    sync.RWMutex
	roles map[string]Role
}

// NewRegistry creates a [Registry] seeded with the given roles, typically
// [SystemRoles] plus custom ones.
func NewRegistry(seed []Role) (*Registry, error) {
	r := &Registry{
		roles: make(map[string]Role, len(seed)),
	}

	for _, role := range seed {
		if role.ID == "" {
			return nil, errors.New("role without ID")
		}
		if _, exists := r.roles[role.ID]; exists {
			return nil, fmt.Errorf("%w: %s", ErrRoleExists, role.ID)
		}
		r.roles[role.ID] = role.Clone()
	}

	for id := range r.roles {
		if err := r.validateGraphLocked(id); err != nil {
			return nil, err
		}
	}

	return r, nil
}

// Register adds a new role. Parents must already exist and must not produce
// a cycle.
func (r *Registry) Register(role Role) error {
	if role.ID == "" {
		return errors.New("role without ID")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.roles[role.ID]; exists {
		return fmt.Errorf("%w: %s", ErrRoleExists, role.ID)
	}

	r.roles[role.ID] = role.Clone()
	if err := r.validateGraphLocked(role.ID); err != nil {
		delete(r.roles, role.ID)
		return err
	}

	return nil
}

// Update replaces an existing non-system role.
func (r *Registry) Update(role Role) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	previous, exists := r.roles[role.ID]
	if !exists {
		return fmt.Errorf("%w: %s", ErrRoleNotFound, role.ID)
	}
	if previous.System {
		return fmt.Errorf("%w: %s", ErrSystemRoleImmutable, role.ID)
	}

	r.roles[role.ID] = role.Clone()
	if err := r.validateGraphLocked(role.ID); err != nil {
		r.roles[role.ID] = previous
		return err
	}

	return nil
}

// Get returns a copy of the role.
func (r *Registry) Get(id string) (Role, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	role, ok := r.roles[id]
	if !ok {
		return Role{}, false
	}
	return role.Clone(), true
}

// List returns copies of all registered roles.
func (r *Registry) List() []Role {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Role, 0, len(r.roles))
	for _, role := range r.roles {
		out = append(out, role.Clone())
	}
	return out
}

// Ancestors returns every role inherited by id, direct and transitive,
// excluding id itself.
func (r *Registry) Ancestors(id string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, ok := r.roles[id]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrRoleNotFound, id)
	}

	seen := map[string]bool{id: true}
	var out []string
	queue := append([]string(nil), r.roles[id].Parents...)
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		if seen[next] {
			continue
		}
		seen[next] = true

		role, ok := r.roles[next]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrRoleNotFound, next)
		}
		out = append(out, next)
		queue = append(queue, role.Parents...)
	}

	return out, nil
}

// validateGraphLocked checks that every parent reachable from id exists and
// that no inheritance cycle passes through it.
func (r *Registry) validateGraphLocked(id string) error {
	const (
		visiting = 1
		done     = 2
	)
	state := make(map[string]int)

	var visit func(string) error
	visit = func(current string) error {
		switch state[current] {
		case visiting:
			return fmt.Errorf("%w: via %s", ErrRoleCycle, current)
		case done:
			return nil
		}
		state[current] = visiting

		role, ok := r.roles[current]
		if !ok {
			return fmt.Errorf("%w: %s", ErrRoleNotFound, current)
		}
		for _, parent := range role.Parents {
			if err := visit(parent); err != nil {
				return err
			}
		}

		state[current] = done
		return nil
	}

	return visit(id)
}

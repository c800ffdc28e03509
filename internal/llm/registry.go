package llm

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

var ErrUnknownBackend = errors.New("llm: backend is not registered")

// Role names a single-backend duty inside a workflow.
type Role string

const (
	RoleClarifier Role = "clarifier"
	RolePlanner   Role = "planner"
	RoleReviewer  Role = "reviewer"
	RoleRefiner   Role = "refiner"
)

// Registry maps team names to backends. Teams keep their registration order,
// which is the deterministic order used for sequential generation.
type Registry struct {
	mu    sync.RWMutex
	order []string
	byKey map[string]Backend
	roles map[Role]string
}

func NewRegistry() *Registry {
	return &Registry{
		byKey: map[string]Backend{},
		roles: map[Role]string{},
	}
}

func normalizeTeam(team string) string {
	return strings.ToLower(strings.TrimSpace(team))
}

// Register adds a backend under team, wrapped with mws (left-to-right as in Wrap).
func (r *Registry) Register(team string, b Backend, mws ...Middleware) error {
	key := normalizeTeam(team)
	if key == "" {
		return fmt.Errorf("llm: team name is required")
	}
	if b == nil {
		return fmt.Errorf("llm: backend for %s is nil", key)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byKey[key]; exists {
		return fmt.Errorf("llm: team %s already registered", key)
	}
	r.byKey[key] = &tagged{team: key, next: Wrap(b, mws...)}
	r.order = append(r.order, key)
	return nil
}

// Assign pins a role to a registered team.
func (r *Registry) Assign(role Role, team string) error {
	key := normalizeTeam(team)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byKey[key]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownBackend, key)
	}
	r.roles[role] = key
	return nil
}

// Get returns the backend registered for team.
func (r *Registry) Get(team string) (Backend, error) {
	key := normalizeTeam(team)
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.byKey[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownBackend, key)
	}
	return b, nil
}

// ForRole resolves the team and backend for role. Unassigned roles fall back
// to the first registered team.
func (r *Registry) ForRole(role Role) (string, Backend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	key, ok := r.roles[role]
	if !ok {
		if len(r.order) == 0 {
			return "", nil, fmt.Errorf("%w: no backends registered", ErrUnknownBackend)
		}
		key = r.order[0]
	}
	return key, r.byKey[key], nil
}

// Teams returns the registered team names in registration order.
func (r *Registry) Teams() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Select filters wanted down to registered teams, keeping registration order.
// An empty wanted list selects every team.
func (r *Registry) Select(wanted []string) ([]string, error) {
	if len(wanted) == 0 {
		return r.Teams(), nil
	}
	want := map[string]bool{}
	for _, w := range wanted {
		key := normalizeTeam(w)
		if key == "" {
			continue
		}
		want[key] = true
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	var missing []string
	for key := range want {
		if _, ok := r.byKey[key]; !ok {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, fmt.Errorf("%w: %s", ErrUnknownBackend, strings.Join(missing, ", "))
	}
	out := make([]string, 0, len(want))
	for _, key := range r.order {
		if want[key] {
			out = append(out, key)
		}
	}
	return out, nil
}

// CatalogEntry describes one registered team.
type CatalogEntry struct {
	Team  string   `json:"team"`
	Name  string   `json:"name"`
	Model string   `json:"model"`
	Roles []string `json:"roles,omitempty"`
}

func (r *Registry) Catalog() []CatalogEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rolesByTeam := map[string][]string{}
	for role, team := range r.roles {
		rolesByTeam[team] = append(rolesByTeam[team], string(role))
	}
	out := make([]CatalogEntry, 0, len(r.order))
	for _, key := range r.order {
		b := r.byKey[key]
		roles := rolesByTeam[key]
		sort.Strings(roles)
		out = append(out, CatalogEntry{Team: key, Name: b.Name(), Model: b.Model(), Roles: roles})
	}
	return out
}

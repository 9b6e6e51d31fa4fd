// Package iamtest provides an in-memory implementation of the iam store
// interfaces for tests.
package iamtest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/platinummonkey/permengine/pkg/iam"
)

// Store is a thread-safe in-memory iam.Reader. Mutators bump perm_version the
// same way the SQL admin API does.
type Store struct {
	mu sync.RWMutex

	users        map[string]iam.User
	tenants      map[string]iam.Tenant
	owners       map[string]bool
	catalog      iam.Catalog
	roles        map[string]iam.Role
	userRoles    map[string][]string
	rolePerms    map[string][]iam.RolePermission
	overrides    map[string][]iam.UserPermissionOverride
	entitlements map[string][]iam.Entitlement

	// Err, when set, is returned by every tenant-scoped read
	err error

	UserReads   atomic.Int64
	TenantReads atomic.Int64
	GrantReads  atomic.Int64
}

// NewStore creates an empty store
func NewStore() *Store {
	return &Store{
		users:        make(map[string]iam.User),
		tenants:      make(map[string]iam.Tenant),
		owners:       make(map[string]bool),
		roles:        make(map[string]iam.Role),
		userRoles:    make(map[string][]string),
		rolePerms:    make(map[string][]iam.RolePermission),
		overrides:    make(map[string][]iam.UserPermissionOverride),
		entitlements: make(map[string][]iam.Entitlement),
	}
}

func pair(a, b string) string { return a + "|" + b }

// SetError makes every tenant-scoped read fail with err. Pass nil to clear.
func (s *Store) SetError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// AddUser registers a user
func (s *Store) AddUser(u iam.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = u
}

// AddTenant registers a tenant
func (s *Store) AddTenant(t iam.Tenant) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.Status == "" {
		t.Status = iam.TenantStatusActive
	}
	s.tenants[t.ID] = t
}

// SetTenantStatus changes the tenant status and bumps its version
func (s *Store) SetTenantStatus(tenantID string, status iam.TenantStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.tenants[tenantID]
	t.Status = status
	s.tenants[tenantID] = t
	s.bumpLocked(tenantID)
}

// SetOwner marks the user as owner of the tenant
func (s *Store) SetOwner(tenantID, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.owners[pair(tenantID, userID)] = true
	s.bumpLocked(tenantID)
}

// SetCatalog replaces the catalog
func (s *Store) SetCatalog(c iam.Catalog) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.catalog = c
}

// AddRole registers a role with its allowed feature/action pairs
func (s *Store) AddRole(r iam.Role, perms ...iam.RolePermission) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roles[r.ID] = r
	for i := range perms {
		perms[i].RoleID = r.ID
	}
	s.rolePerms[r.ID] = perms
}

// AssignRole gives the user a role in the tenant and bumps its version
func (s *Store) AssignRole(tenantID, userID, roleID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := pair(tenantID, userID)
	s.userRoles[k] = append(s.userRoles[k], roleID)
	s.bumpLocked(tenantID)
}

// SetOverride records a per-user override and bumps the tenant version
func (s *Store) SetOverride(o iam.UserPermissionOverride) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := pair(o.TenantID, o.UserID)
	list := s.overrides[k][:0:0]
	for _, existing := range s.overrides[k] {
		if existing.FeatureID != o.FeatureID || existing.ActionID != o.ActionID {
			list = append(list, existing)
		}
	}
	s.overrides[k] = append(list, o)
	s.bumpLocked(o.TenantID)
}

// SetEntitlement records an entitlement and bumps the tenant version
func (s *Store) SetEntitlement(e iam.Entitlement) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.entitlements[e.TenantID][:0:0]
	for _, existing := range s.entitlements[e.TenantID] {
		if existing.EntityType != e.EntityType || existing.EntityID != e.EntityID {
			list = append(list, existing)
		}
	}
	s.entitlements[e.TenantID] = append(list, e)
	s.bumpLocked(e.TenantID)
}

// Bump increments the tenant's perm_version
func (s *Store) Bump(tenantID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bumpLocked(tenantID)
}

func (s *Store) bumpLocked(tenantID string) {
	if t, ok := s.tenants[tenantID]; ok {
		t.PermVersion++
		s.tenants[tenantID] = t
	}
}

func (s *Store) GetUser(ctx context.Context, userID string) (*iam.User, error) {
	s.UserReads.Add(1)
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[userID]
	if !ok {
		return nil, iam.ErrUserNotFound
	}
	return &u, nil
}

func (s *Store) LoadCatalog(ctx context.Context) (*iam.Catalog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.err != nil {
		return nil, s.err
	}
	c := s.catalog
	return &c, nil
}

func (s *Store) TenantVersion(ctx context.Context, tenantID string) (int64, error) {
	t, err := s.GetTenant(ctx, tenantID)
	if err != nil {
		return 0, err
	}
	return t.PermVersion, nil
}

func (s *Store) GetTenant(ctx context.Context, tenantID string) (*iam.Tenant, error) {
	s.TenantReads.Add(1)
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.err != nil {
		return nil, s.err
	}
	t, ok := s.tenants[tenantID]
	if !ok {
		return nil, iam.ErrTenantNotFound
	}
	return &t, nil
}

func (s *Store) IsOwner(ctx context.Context, tenantID, userID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.err != nil {
		return false, s.err
	}
	return s.owners[pair(tenantID, userID)], nil
}

func (s *Store) ListUserRoles(ctx context.Context, tenantID, userID string) ([]iam.Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.err != nil {
		return nil, s.err
	}
	var roles []iam.Role
	for _, id := range s.userRoles[pair(tenantID, userID)] {
		if r, ok := s.roles[id]; ok {
			roles = append(roles, r)
		}
	}
	return roles, nil
}

func (s *Store) FindRoles(ctx context.Context, tenantID, key string) ([]iam.Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.err != nil {
		return nil, s.err
	}
	var roles []iam.Role
	for _, r := range s.roles {
		if r.Key != key {
			continue
		}
		if r.TenantID == nil || *r.TenantID == tenantID {
			roles = append(roles, r)
		}
	}
	sort.Slice(roles, func(i, j int) bool { return roles[i].ID < roles[j].ID })
	return roles, nil
}

func (s *Store) ListRoleGrants(ctx context.Context, roleIDs []string) ([]iam.RoleGrant, error) {
	s.GrantReads.Add(1)
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.err != nil {
		return nil, s.err
	}
	var grants []iam.RoleGrant
	for _, id := range roleIDs {
		role, ok := s.roles[id]
		if !ok {
			return nil, fmt.Errorf("unknown role %s", id)
		}
		for _, p := range s.rolePerms[id] {
			grants = append(grants, iam.RoleGrant{
				RoleKey:   role.Key,
				FeatureID: p.FeatureID,
				ActionID:  p.ActionID,
				Allowed:   p.Allowed,
			})
		}
	}
	return grants, nil
}

func (s *Store) ListOverrides(ctx context.Context, tenantID, userID string) ([]iam.UserPermissionOverride, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.err != nil {
		return nil, s.err
	}
	return append([]iam.UserPermissionOverride(nil), s.overrides[pair(tenantID, userID)]...), nil
}

func (s *Store) ListEntitlements(ctx context.Context, tenantID string) ([]iam.Entitlement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.err != nil {
		return nil, s.err
	}
	return append([]iam.Entitlement(nil), s.entitlements[tenantID]...), nil
}

var _ iam.Reader = (*Store)(nil)

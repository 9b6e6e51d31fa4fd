package iam

import (
	"sort"
	"strconv"
	"sync"
	"time"
)

// FeatureEntry is a catalog feature with its entitlement lock already applied
type FeatureEntry struct {
	ID          string `json:"id"`
	Key         string `json:"key"`
	Name        string `json:"name"`
	SubmoduleID string `json:"submodule_id"`
	ModuleID    string `json:"module_id"`
	SortOrder   int    `json:"sort_order"`
	Locked      bool   `json:"locked"`
}

// Snapshot is the resolved permission state of one user in one tenant at one
// perm_version. It is read-only once built: decisions are computed lazily and
// memoized, but the inputs never change. Invalidation replaces the whole value.
type Snapshot struct {
	TenantID     string    `json:"tenant_id"`
	UserID       string    `json:"user_id"`
	PermVersion  int64     `json:"perm_version"`
	IsSuperAdmin bool      `json:"is_superadmin"`
	IsOwner      bool      `json:"is_owner"`
	TenantActive bool      `json:"tenant_active"`
	BuiltAt      time.Time `json:"built_at"`

	// Roles held in the tenant, explicit and implicit, sorted by key.
	Roles []string `json:"roles"`

	Modules    []Module       `json:"modules,omitempty"`
	Submodules []Submodule    `json:"submodules,omitempty"`
	Features   []FeatureEntry `json:"features,omitempty"`
	Actions    []Action       `json:"actions,omitempty"`

	// Overrides and Grants are keyed by GrantKey(featureID, actionID).
	Overrides map[string]bool     `json:"overrides,omitempty"`
	Grants    map[string][]string `json:"grants,omitempty"`

	indexOnce    sync.Once
	featureIndex map[string]FeatureEntry
	actionIndex  map[string]int64
	memo         sync.Map
}

// GrantKey is the map key used for override and role grant lookups
func GrantKey(featureID string, actionID int64) string {
	return featureID + "#" + strconv.FormatInt(actionID, 10)
}

// SuperAdminSnapshot returns the snapshot every superadmin resolves to
func SuperAdminSnapshot(tenantID, userID string) *Snapshot {
	return &Snapshot{
		TenantID:     tenantID,
		UserID:       userID,
		IsSuperAdmin: true,
		TenantActive: true,
		BuiltAt:      time.Now(),
	}
}

// InactiveSnapshot returns a snapshot that denies everything with tenant-inactive
func InactiveSnapshot(tenantID, userID string, version int64) *Snapshot {
	return &Snapshot{
		TenantID:    tenantID,
		UserID:      userID,
		PermVersion: version,
		BuiltAt:     time.Now(),
	}
}

func (s *Snapshot) buildIndex() {
	s.indexOnce.Do(func() {
		s.featureIndex = make(map[string]FeatureEntry, len(s.Features))
		for _, f := range s.Features {
			s.featureIndex[f.Key] = f
		}
		s.actionIndex = make(map[string]int64, len(s.Actions))
		for _, a := range s.Actions {
			s.actionIndex[a.Key] = a.ID
		}
	})
}

// Decide resolves a feature/action pair. Results are memoized per pair.
func (s *Snapshot) Decide(featureKey, actionKey string) Decision {
	if s.IsSuperAdmin {
		return allow(ReasonSuperAdmin)
	}
	if !s.TenantActive {
		return deny(ReasonTenantInactive)
	}

	memoKey := featureKey + "\x00" + actionKey
	if d, ok := s.memo.Load(memoKey); ok {
		return d.(Decision)
	}

	d := s.resolve(featureKey, actionKey)
	s.memo.Store(memoKey, d)
	return d
}

func (s *Snapshot) resolve(featureKey, actionKey string) Decision {
	s.buildIndex()

	feature, ok := s.featureIndex[featureKey]
	if !ok {
		return deny(ReasonFeatureNotFound)
	}
	actionID, ok := s.actionIndex[actionKey]
	if !ok {
		return deny(ReasonActionNotFound)
	}

	// Entitlement reflects billing state and beats even an explicit override.
	if feature.Locked {
		return Decision{Effect: Locked, Reason: Reason{Code: ReasonFeatureLocked}}
	}

	key := GrantKey(feature.ID, actionID)
	if allowed, ok := s.Overrides[key]; ok {
		if allowed {
			return allow(ReasonOverride)
		}
		return deny(ReasonOverride)
	}

	if len(s.Roles) == 0 && !s.IsOwner {
		return deny(ReasonNoRole)
	}

	if granting := s.Grants[key]; len(granting) > 0 {
		return Decision{Effect: Allowed, Reason: Reason{Code: ReasonRole, RoleKey: granting[0]}}
	}

	return deny(ReasonNoGrant)
}

// ActionView is one resolved action inside a FeatureView
type ActionView struct {
	Key     string `json:"key"`
	Allowed bool   `json:"allowed"`
	Reason  Reason `json:"reason"`
}

// FeatureView is one feature with every action resolved
type FeatureView struct {
	Key     string       `json:"key"`
	Name    string       `json:"name"`
	Locked  bool         `json:"locked"`
	Actions []ActionView `json:"actions"`
}

// SubmoduleView groups FeatureViews under their submodule
type SubmoduleView struct {
	Key      string        `json:"key"`
	Name     string        `json:"name"`
	Features []FeatureView `json:"features"`
}

// ModuleView is the top of the resolved tree returned by Effective
type ModuleView struct {
	Key        string          `json:"key"`
	Name       string          `json:"name"`
	Submodules []SubmoduleView `json:"submodules"`
}

// Effective resolves every feature × action in catalog order. It goes through
// Decide, so it always agrees with per-key lookups.
func (s *Snapshot) Effective() []ModuleView {
	modules := append([]Module(nil), s.Modules...)
	sort.SliceStable(modules, func(i, j int) bool { return modules[i].SortOrder < modules[j].SortOrder })

	subsByModule := make(map[string][]Submodule)
	for _, sm := range s.Submodules {
		subsByModule[sm.ModuleID] = append(subsByModule[sm.ModuleID], sm)
	}
	featuresBySub := make(map[string][]FeatureEntry)
	for _, f := range s.Features {
		featuresBySub[f.SubmoduleID] = append(featuresBySub[f.SubmoduleID], f)
	}

	views := make([]ModuleView, 0, len(modules))
	for _, m := range modules {
		mv := ModuleView{Key: m.Key, Name: m.Name}
		subs := subsByModule[m.ID]
		sort.SliceStable(subs, func(i, j int) bool { return subs[i].SortOrder < subs[j].SortOrder })
		for _, sm := range subs {
			sv := SubmoduleView{Key: sm.Key, Name: sm.Name}
			features := featuresBySub[sm.ID]
			sort.SliceStable(features, func(i, j int) bool { return features[i].SortOrder < features[j].SortOrder })
			for _, f := range features {
				fv := FeatureView{Key: f.Key, Name: f.Name, Locked: f.Locked}
				for _, a := range s.Actions {
					d := s.Decide(f.Key, a.Key)
					fv.Actions = append(fv.Actions, ActionView{Key: a.Key, Allowed: d.Allowed(), Reason: d.Reason})
				}
				sv.Features = append(sv.Features, fv)
			}
			mv.Submodules = append(mv.Submodules, sv)
		}
		views = append(views, mv)
	}
	return views
}

package iam

import (
	"bytes"
	_ "embed"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

//go:embed seed_default.yaml
var defaultSeed []byte

// Seed describes the catalog, global roles and plans to install
type Seed struct {
	Actions []string     `yaml:"actions"`
	Modules []SeedModule `yaml:"modules"`
	Roles   []SeedRole   `yaml:"roles"`
	Plans   []SeedPlan   `yaml:"plans"`
}

// SeedModule is a module with its nested submodules
type SeedModule struct {
	Key        string          `yaml:"key"`
	Name       string          `yaml:"name"`
	Submodules []SeedSubmodule `yaml:"submodules"`
}

// SeedSubmodule is a submodule with its nested features
type SeedSubmodule struct {
	Key      string        `yaml:"key"`
	Name     string        `yaml:"name"`
	Features []SeedFeature `yaml:"features"`
}

// SeedFeature is a leaf feature
type SeedFeature struct {
	Key  string `yaml:"key"`
	Name string `yaml:"name"`
}

// SeedRole is a global system role and its grants
type SeedRole struct {
	Key    string      `yaml:"key"`
	Name   string      `yaml:"name"`
	Grants []SeedGrant `yaml:"grants"`
}

// SeedGrant allows a list of actions on one feature. "*" expands to every action.
type SeedGrant struct {
	Feature string   `yaml:"feature"`
	Actions []string `yaml:"actions"`
}

// SeedPlan lists the catalog entities a plan keeps locked
type SeedPlan struct {
	Key    string          `yaml:"key"`
	Name   string          `yaml:"name"`
	Locked []SeedEntityRef `yaml:"locked"`
}

// SeedEntityRef points at a module, submodule or feature by key
type SeedEntityRef struct {
	Type EntityType `yaml:"type"`
	Key  string     `yaml:"key"`
}

// LoadSeed decodes and validates a seed document
func LoadSeed(r io.Reader) (*Seed, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var seed Seed
	if err := dec.Decode(&seed); err != nil {
		return nil, fmt.Errorf("%w: decode seed: %v", ErrInvalidArgument, err)
	}
	if err := seed.Validate(); err != nil {
		return nil, err
	}
	return &seed, nil
}

// DefaultSeed returns the built-in catalog
func DefaultSeed() (*Seed, error) {
	return LoadSeed(bytes.NewReader(defaultSeed))
}

// Validate checks that every reference in the seed resolves
func (s *Seed) Validate() error {
	actions := make(map[string]bool, len(s.Actions))
	for _, a := range s.Actions {
		if a == "" || actions[a] {
			return fmt.Errorf("%w: duplicate or empty action %q", ErrInvalidArgument, a)
		}
		actions[a] = true
	}

	refs := map[EntityType]map[string]bool{
		EntityModule:    {},
		EntitySubmodule: {},
		EntityFeature:   {},
	}
	for _, m := range s.Modules {
		if m.Key == "" || refs[EntityModule][m.Key] {
			return fmt.Errorf("%w: duplicate or empty module %q", ErrInvalidArgument, m.Key)
		}
		refs[EntityModule][m.Key] = true
		for _, sm := range m.Submodules {
			if sm.Key == "" || refs[EntitySubmodule][sm.Key] {
				return fmt.Errorf("%w: duplicate or empty submodule %q", ErrInvalidArgument, sm.Key)
			}
			refs[EntitySubmodule][sm.Key] = true
			for _, f := range sm.Features {
				if f.Key == "" || refs[EntityFeature][f.Key] {
					return fmt.Errorf("%w: duplicate or empty feature %q", ErrInvalidArgument, f.Key)
				}
				refs[EntityFeature][f.Key] = true
			}
		}
	}

	for _, r := range s.Roles {
		if r.Key == "" {
			return fmt.Errorf("%w: role without key", ErrInvalidArgument)
		}
		for _, g := range r.Grants {
			if !refs[EntityFeature][g.Feature] {
				return fmt.Errorf("%w: role %s grants unknown feature %q", ErrInvalidArgument, r.Key, g.Feature)
			}
			for _, a := range g.Actions {
				if a != "*" && !actions[a] {
					return fmt.Errorf("%w: role %s grants unknown action %q", ErrInvalidArgument, r.Key, a)
				}
			}
		}
	}

	for _, p := range s.Plans {
		for _, ref := range p.Locked {
			known, ok := refs[ref.Type]
			if !ok || !known[ref.Key] {
				return fmt.Errorf("%w: plan %s locks unknown %s %q", ErrInvalidArgument, p.Key, ref.Type, ref.Key)
			}
		}
	}
	return nil
}

// Plan returns the plan with the given key
func (s *Seed) Plan(key string) (SeedPlan, bool) {
	for _, p := range s.Plans {
		if p.Key == key {
			return p, true
		}
	}
	return SeedPlan{}, false
}

// ExpandActions resolves "*" against the seed's action list
func (s *Seed) ExpandActions(actions []string) []string {
	for _, a := range actions {
		if a == "*" {
			return append([]string(nil), s.Actions...)
		}
	}
	return actions
}

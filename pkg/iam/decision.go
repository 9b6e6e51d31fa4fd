package iam

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Effect is the outcome of resolving one feature/action pair
type Effect int

const (
	Denied Effect = iota
	Allowed
	Locked
)

func (e Effect) String() string {
	switch e {
	case Allowed:
		return "allowed"
	case Locked:
		return "locked"
	default:
		return "denied"
	}
}

// MarshalJSON encodes the effect as its string form
func (e Effect) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.String())
}

// UnmarshalJSON parses the string form produced by MarshalJSON
func (e *Effect) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	switch s {
	case "allowed":
		*e = Allowed
	case "locked":
		*e = Locked
	case "denied":
		*e = Denied
	default:
		return fmt.Errorf("%w: unknown effect %q", ErrInvalidArgument, s)
	}
	return nil
}

// ReasonCode is the closed set of causes behind a decision
type ReasonCode int

const (
	ReasonNoGrant ReasonCode = iota
	ReasonSuperAdmin
	ReasonTenantInactive
	ReasonFeatureNotFound
	ReasonActionNotFound
	ReasonFeatureLocked
	ReasonOverride
	ReasonRole
	ReasonNoRole
	ReasonStoreUnavailable
	ReasonFailOpen
)

var reasonNames = map[ReasonCode]string{
	ReasonNoGrant:          "no-grant",
	ReasonSuperAdmin:       "superadmin",
	ReasonTenantInactive:   "tenant-inactive",
	ReasonFeatureNotFound:  "feature-not-found",
	ReasonActionNotFound:   "action-not-found",
	ReasonFeatureLocked:    "feature-locked",
	ReasonOverride:         "override",
	ReasonRole:             "role",
	ReasonNoRole:           "no-role",
	ReasonStoreUnavailable: "store-unavailable",
	ReasonFailOpen:         "fail-open",
}

func (c ReasonCode) String() string {
	if name, ok := reasonNames[c]; ok {
		return name
	}
	return fmt.Sprintf("reason(%d)", int(c))
}

// Reason pairs a code with the role key when the code is ReasonRole
type Reason struct {
	Code    ReasonCode
	RoleKey string
}

// String renders the wire form, e.g. "override" or "role:owner"
func (r Reason) String() string {
	if r.Code == ReasonRole {
		return "role:" + r.RoleKey
	}
	return r.Code.String()
}

// MarshalJSON encodes the reason as its wire form
func (r Reason) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.String())
}

// UnmarshalJSON parses the wire form produced by MarshalJSON
func (r *Reason) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseReason(s)
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// ParseReason converts a wire form back into a Reason
func ParseReason(s string) (Reason, error) {
	if key, ok := strings.CutPrefix(s, "role:"); ok {
		return Reason{Code: ReasonRole, RoleKey: key}, nil
	}
	for code, name := range reasonNames {
		if name == s {
			return Reason{Code: code}, nil
		}
	}
	return Reason{}, fmt.Errorf("%w: unknown reason %q", ErrInvalidArgument, s)
}

// Decision is the resolved answer for one feature/action pair
type Decision struct {
	Effect Effect `json:"effect"`
	Reason Reason `json:"reason"`
}

// Allowed reports whether the decision grants access
func (d Decision) Allowed() bool {
	return d.Effect == Allowed
}

// Locked reports whether the decision comes from an entitlement lock
func (d Decision) Locked() bool {
	return d.Effect == Locked
}

func allow(code ReasonCode) Decision {
	return Decision{Effect: Allowed, Reason: Reason{Code: code}}
}

func deny(code ReasonCode) Decision {
	return Decision{Effect: Denied, Reason: Reason{Code: code}}
}

// DenyFor builds a denied decision for the given code
func DenyFor(code ReasonCode) Decision {
	return deny(code)
}

// AllowFor builds an allowed decision for the given code
func AllowFor(code ReasonCode) Decision {
	return allow(code)
}

package iam

import "errors"

var (
	// ErrTenantNotFound indicates the tenant id does not exist
	ErrTenantNotFound = errors.New("iam: tenant not found")
	// ErrTenantInactive indicates the tenant exists but is not active
	ErrTenantInactive = errors.New("iam: tenant inactive")
	// ErrFeatureNotFound indicates the feature key is not in the catalog
	ErrFeatureNotFound = errors.New("iam: feature not found")
	// ErrActionNotFound indicates the action key is not in the catalog
	ErrActionNotFound = errors.New("iam: action not found")
	// ErrUserNotFound indicates the user id does not exist
	ErrUserNotFound = errors.New("iam: user not found")
	// ErrRoleNotFound indicates the role id or key does not exist
	ErrRoleNotFound = errors.New("iam: role not found")
	// ErrStoreUnavailable wraps any failure reading the catalog or grant store
	ErrStoreUnavailable = errors.New("iam: store unavailable")
	// ErrCacheUnavailable wraps any failure talking to the shared cache
	ErrCacheUnavailable = errors.New("iam: cache unavailable")
	// ErrBusUnavailable wraps any failure talking to the invalidation bus
	ErrBusUnavailable = errors.New("iam: bus unavailable")
	// ErrInvalidArgument indicates malformed input
	ErrInvalidArgument = errors.New("iam: invalid argument")
)

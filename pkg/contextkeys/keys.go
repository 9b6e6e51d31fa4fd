// Package contextkeys provides centralized context key definitions
//
// IMPORTANT: All context keys used across the application must be defined here.
// This prevents typos, documents dependencies, and makes key usage discoverable.
//
// USAGE PATTERN:
//
//	import "github.com/platinummonkey/permengine/pkg/contextkeys"
//	ctx = contextkeys.WithIdentity(ctx, tenantID, userID)
//	tenantID, userID, ok := contextkeys.GetIdentity(ctx)
package contextkeys

import "context"

// Key is the type for context keys to prevent collisions
type Key string

const (
	// TenantIDKey contains the tenant (restaurant) id string
	// Set by: the authentication layer in front of the engine
	// Required by: authz.RequirePermission
	// Type: string
	TenantIDKey Key = "tenant_id"

	// UserIDKey contains user ID string
	// Set by: the authentication layer in front of the engine
	// Required by: authz.RequirePermission, logging
	// Type: string
	UserIDKey Key = "user_id"

	// RequestIDKey contains request ID string (UUID)
	// Set by: httputil.RequestIDMiddleware
	// Used by: Logger, distributed tracing
	// Type: string
	RequestIDKey Key = "request_id"

	// LoggerKey contains *observability.Logger
	// Set by: httputil.LoggingMiddleware, async.SafeGo callers
	// Used by: Handlers and background tasks that need structured logging
	// Type: *observability.Logger
	LoggerKey Key = "logger"
)

// WithTenantID adds tenant ID to the context
func WithTenantID(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, TenantIDKey, tenantID)
}

// WithUserID adds user ID to the context
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}

// WithIdentity adds both tenant and user ids
func WithIdentity(ctx context.Context, tenantID, userID string) context.Context {
	return WithUserID(WithTenantID(ctx, tenantID), userID)
}

// GetTenantID retrieves tenant ID from context
func GetTenantID(ctx context.Context) string {
	if tenantID, ok := ctx.Value(TenantIDKey).(string); ok {
		return tenantID
	}
	return ""
}

// GetUserID retrieves user ID from context
func GetUserID(ctx context.Context) string {
	if userID, ok := ctx.Value(UserIDKey).(string); ok {
		return userID
	}
	return ""
}

// GetIdentity returns the tenant and user ids, and whether both are set
func GetIdentity(ctx context.Context) (tenantID, userID string, ok bool) {
	tenantID, userID = GetTenantID(ctx), GetUserID(ctx)
	return tenantID, userID, tenantID != "" && userID != ""
}

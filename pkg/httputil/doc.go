// Package httputil provides HTTP utilities for standardized request/response handling.
//
// # Response Helpers
//
//	httputil.WriteJSON(w, http.StatusOK, data)
//	httputil.WriteBadRequest(w, "feature is required")
//	httputil.WriteServiceUnavailable(w, "permission store unavailable")
//
// # Request Parsing
//
//	tenantID, ok := httputil.ParsePathStringOrError(w, r, "tenantID")
//	if !ok {
//		return // Error response already written
//	}
//	feature := httputil.ParseQueryString(r, "feature", "")
//
// # Middleware
//
//	httputil.Chain(
//		httputil.RequestIDMiddleware,
//		httputil.LoggingMiddleware(logger),
//		httputil.RecoveryMiddleware,
//		httputil.IdentityHeadersMiddleware,
//	)
//
// # Related Packages
//
//   - pkg/authz: permission middleware and handlers built on these helpers
//   - pkg/contextkeys: identity carried from IdentityHeadersMiddleware
package httputil

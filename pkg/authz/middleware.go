package authz

import (
	"context"
	"net/http"

	"github.com/platinummonkey/permengine/pkg/contextkeys"
	"github.com/platinummonkey/permengine/pkg/httputil"
	"github.com/platinummonkey/permengine/pkg/observability"
)

// Checker is the subset of Service used by the middleware
type Checker interface {
	CheckPermission(ctx context.Context, tenantID, userID, featureKey, actionKey string) (Result, error)
}

// DeniedResponse is the 403 body written by RequirePermission
type DeniedResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason"`
	Locked bool   `json:"locked"`
}

// RequirePermission creates middleware that requires the feature/action pair.
// The tenant and user ids are read from the request context.
func RequirePermission(checker Checker, featureKey, actionKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tenantID, userID, ok := contextkeys.GetIdentity(r.Context())
			if !ok {
				httputil.WriteUnauthorized(w, "Authentication required")
				return
			}

			result, err := checker.CheckPermission(r.Context(), tenantID, userID, featureKey, actionKey)
			if err != nil {
				observability.FromContext(r.Context()).WithError(err).Debug("Permission check abandoned")
				httputil.WriteServiceUnavailable(w, "permission check aborted")
				return
			}

			if !result.Allowed {
				msg := "Insufficient permissions"
				if result.Locked {
					msg = "Feature not included in plan"
				}
				httputil.WriteJSON(w, http.StatusForbidden, DeniedResponse{
					Error:  msg,
					Reason: result.Reason.String(),
					Locked: result.Locked,
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

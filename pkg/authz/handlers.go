package authz

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/permengine/pkg/httputil"
	"github.com/platinummonkey/permengine/pkg/iam"
	"github.com/platinummonkey/permengine/pkg/observability"
)

// Handlers exposes snapshot inspection and cache control over HTTP
type Handlers struct {
	service *Service
}

// NewHandlers creates new authz handlers
func NewHandlers(service *Service) *Handlers {
	return &Handlers{service: service}
}

// RegisterRoutes registers the authz HTTP routes
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/v1/tenants/{tenantID}/users/{userID}/snapshot", h.getSnapshot).Methods("GET")
	router.HandleFunc("/v1/tenants/{tenantID}/users/{userID}/check", h.check).Methods("GET")
	router.HandleFunc("/v1/tenants/{tenantID}/cache", h.purgeCache).Methods("DELETE")
}

// SnapshotResponse is the resolved permission tree of one user
type SnapshotResponse struct {
	TenantID     string           `json:"tenant_id"`
	UserID       string           `json:"user_id"`
	PermVersion  int64            `json:"perm_version"`
	IsSuperAdmin bool             `json:"is_superadmin"`
	IsOwner      bool             `json:"is_owner"`
	TenantActive bool             `json:"tenant_active"`
	Roles        []string         `json:"roles"`
	BuiltAt      time.Time        `json:"built_at"`
	Modules      []iam.ModuleView `json:"modules"`
}

// PurgeResponse reports how many cached snapshots were dropped
type PurgeResponse struct {
	LocalEvicted  int `json:"local_evicted"`
	SharedEvicted int `json:"shared_evicted"`
}

func pathIDs(w http.ResponseWriter, r *http.Request) (tenantID, userID string, ok bool) {
	if tenantID, ok = httputil.ParsePathStringOrError(w, r, "tenantID"); !ok {
		return "", "", false
	}
	if userID, ok = httputil.ParsePathStringOrError(w, r, "userID"); !ok {
		return "", "", false
	}
	return tenantID, userID, true
}

// getSnapshot handles GET /v1/tenants/{tenantID}/users/{userID}/snapshot
func (h *Handlers) getSnapshot(w http.ResponseWriter, r *http.Request) {
	tenantID, userID, ok := pathIDs(w, r)
	if !ok {
		return
	}

	snap, err := h.service.BuildSnapshot(r.Context(), tenantID, userID)
	if err != nil {
		observability.FromContext(r.Context()).WithError(err).Error("Failed to build permission snapshot")
		if errors.Is(err, iam.ErrStoreUnavailable) {
			httputil.WriteServiceUnavailable(w, "permission store unavailable")
			return
		}
		httputil.WriteInternalError(w, errors.New("failed to build snapshot"))
		return
	}

	httputil.WriteSuccess(w, SnapshotResponse{
		TenantID:     snap.TenantID,
		UserID:       snap.UserID,
		PermVersion:  snap.PermVersion,
		IsSuperAdmin: snap.IsSuperAdmin,
		IsOwner:      snap.IsOwner,
		TenantActive: snap.TenantActive,
		Roles:        snap.Roles,
		BuiltAt:      snap.BuiltAt,
		Modules:      snap.Effective(),
	})
}

// check handles GET /v1/tenants/{tenantID}/users/{userID}/check?feature=&action=
func (h *Handlers) check(w http.ResponseWriter, r *http.Request) {
	tenantID, userID, ok := pathIDs(w, r)
	if !ok {
		return
	}

	feature := httputil.ParseQueryString(r, "feature", "")
	action := httputil.ParseQueryString(r, "action", "")
	if !httputil.ValidateAll(w,
		func(w http.ResponseWriter) bool { return httputil.RequireNonEmpty(w, feature, "feature") },
		func(w http.ResponseWriter) bool { return httputil.RequireNonEmpty(w, action, "action") },
	) {
		return
	}

	result, err := h.service.CheckPermission(r.Context(), tenantID, userID, feature, action)
	if err != nil {
		httputil.WriteServiceUnavailable(w, "permission check aborted")
		return
	}
	httputil.WriteSuccess(w, result)
}

// purgeCache handles DELETE /v1/tenants/{tenantID}/cache
func (h *Handlers) purgeCache(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := httputil.ParsePathStringOrError(w, r, "tenantID")
	if !ok {
		return
	}

	local, shared, err := h.service.PurgeTenant(r.Context(), tenantID)
	if errors.Is(err, iam.ErrInvalidArgument) {
		httputil.WriteBadRequest(w, "invalid tenant id")
		return
	}
	if err != nil {
		observability.FromContext(r.Context()).WithError(err).WithField("tenant_id", tenantID).
			Warn("Shared cache purge failed")
		httputil.WriteServiceUnavailable(w, "shared cache unavailable")
		return
	}

	httputil.WriteSuccess(w, PurgeResponse{LocalEvicted: local, SharedEvicted: shared})
}

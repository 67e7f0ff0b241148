// Package handlers implements the HTTP handlers of the developer-portal API.
// Handlers are thin: they normalise identities, call the orchestrator and
// shape the response; all backend coordination lives in internal/orchestrator.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/eumetnet/apikey-manager/internal/api/middleware"
	"github.com/eumetnet/apikey-manager/internal/apisix"
	"github.com/eumetnet/apikey-manager/internal/keycloak"
	"github.com/eumetnet/apikey-manager/internal/limits"
	"github.com/eumetnet/apikey-manager/internal/metrics"
	"github.com/eumetnet/apikey-manager/internal/orchestrator"
	"github.com/eumetnet/apikey-manager/internal/vault"
)

// Handlers holds all handler dependencies.
type Handlers struct {
	Orch  *orchestrator.Orchestrator
	Admin *orchestrator.Admin
}

// New creates a Handlers instance.
func New(orch *orchestrator.Orchestrator, admin *orchestrator.Admin) *Handlers {
	return &Handlers{Orch: orch, Admin: admin}
}

// GetAPIKey issues (or re-issues) the caller's API key, creating missing
// records on every backend instance on the way.
func (h *Handlers) GetAPIKey(w http.ResponseWriter, r *http.Request) {
	token := middleware.GetAccessToken(r.Context())
	id, err := orchestrator.CompactID(token.Sub)
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid subject identifier")
		return
	}

	log.Debug().Str("user", id).Msg("API key requested")

	record, err := h.Orch.EnsureUser(r.Context(), id, token.Groups)
	if err != nil {
		respondBackendError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"apiKey": record.AuthKey})
}

// DeleteAPIKey removes the caller's key material from every backend instance.
func (h *Handlers) DeleteAPIKey(w http.ResponseWriter, r *http.Request) {
	token := middleware.GetAccessToken(r.Context())
	id, err := orchestrator.CompactID(token.Sub)
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid subject identifier")
		return
	}

	log.Debug().Str("user", id).Msg("API key deletion requested")

	if err := h.Orch.DeleteUser(r.Context(), id); err != nil {
		respondBackendError(w, err)
		return
	}
	respondError(w, http.StatusOK, "OK")
}

// GetRoutes lists the authenticated routes with the caller's effective
// rate limits.
func (h *Handlers) GetRoutes(w http.ResponseWriter, r *http.Request) {
	token := middleware.GetAccessToken(r.Context())
	id, err := orchestrator.CompactID(token.Sub)
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid subject identifier")
		return
	}

	routes, err := limits.Collect(r.Context(), h.Orch.Gateways(), id)
	if err != nil {
		respondBackendError(w, err)
		return
	}
	if routes == nil {
		routes = []limits.RouteLimits{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"routes": routes})
}

// Health reports whether every backend instance is reachable.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.Orch.Health(r.Context()); err != nil {
		log.Error().Err(err).Msg("health check failed")
		respondError(w, http.StatusServiceUnavailable, "Vault and/or APISIX instances are not healthy")
		return
	}
	respondError(w, http.StatusOK, "OK")
}

// DeleteUser removes a user and their key material everywhere. Admin only.
func (h *Handlers) DeleteUser(w http.ResponseWriter, r *http.Request) {
	userUUID := chi.URLParam(r, "userUUID")
	admin := middleware.GetAccessToken(r.Context())
	log.Info().Str("admin", admin.Sub).Str("user", userUUID).Msg("admin requested user deletion")

	if err := h.Admin.DeleteUser(r.Context(), userUUID); err != nil {
		respondBackendError(w, err)
		return
	}
	respondError(w, http.StatusOK, "OK")
}

// DisableUser disables a user and removes their key material. Admin only.
func (h *Handlers) DisableUser(w http.ResponseWriter, r *http.Request) {
	userUUID := chi.URLParam(r, "userUUID")
	admin := middleware.GetAccessToken(r.Context())
	log.Info().Str("admin", admin.Sub).Str("user", userUUID).Msg("admin requested disabling a user")

	if err := h.Admin.DisableUser(r.Context(), userUUID); err != nil {
		respondBackendError(w, err)
		return
	}
	respondError(w, http.StatusOK, "OK")
}

// EnableUser re-enables a disabled user. Admin only.
func (h *Handlers) EnableUser(w http.ResponseWriter, r *http.Request) {
	userUUID := chi.URLParam(r, "userUUID")
	admin := middleware.GetAccessToken(r.Context())
	log.Info().Str("admin", admin.Sub).Str("user", userUUID).Msg("admin requested enabling a user")

	if err := h.Admin.EnableUser(r.Context(), userUUID); err != nil {
		respondBackendError(w, err)
		return
	}
	respondError(w, http.StatusOK, "OK")
}

type groupRequest struct {
	GroupName string `json:"groupName"`
}

// UpdateGroup adds a user to a group. Admin only.
func (h *Handlers) UpdateGroup(w http.ResponseWriter, r *http.Request) {
	h.modifyGroup(w, r, true)
}

// RemoveGroup removes a user from a group. Admin only.
func (h *Handlers) RemoveGroup(w http.ResponseWriter, r *http.Request) {
	h.modifyGroup(w, r, false)
}

func (h *Handlers) modifyGroup(w http.ResponseWriter, r *http.Request, add bool) {
	userUUID := chi.URLParam(r, "userUUID")
	admin := middleware.GetAccessToken(r.Context())

	var req groupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.GroupName == "" {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	log.Info().Str("admin", admin.Sub).Str("user", userUUID).Str("group", req.GroupName).
		Bool("add", add).Msg("admin requested a group membership change")

	var err error
	if add {
		err = h.Admin.AddUserToGroup(r.Context(), userUUID, req.GroupName)
	} else {
		err = h.Admin.RemoveUserFromGroup(r.Context(), userUUID, req.GroupName)
	}
	if err != nil {
		respondBackendError(w, err)
		return
	}
	respondError(w, http.StatusOK, "OK")
}

// respondBackendError maps orchestrator errors to the API contract: 404 for
// unknown users and groups, 503 with a stable message naming the first
// faulting backend for everything else.
func respondBackendError(w http.ResponseWriter, err error) {
	var (
		userNotFound  *orchestrator.UserNotFoundError
		groupNotFound *orchestrator.GroupNotFoundError
		apisixErr     *apisix.Error
		vaultErr      *vault.Error
		keycloakErr   *keycloak.Error
	)
	switch {
	case errors.As(err, &userNotFound):
		respondError(w, http.StatusNotFound, userNotFound.Error())
	case errors.As(err, &groupNotFound):
		respondError(w, http.StatusNotFound, groupNotFound.Error())
	case errors.As(err, &apisixErr):
		metrics.BackendErrors.WithLabelValues("apisix").Inc()
		respondError(w, http.StatusServiceUnavailable, "APISIX service error")
	case errors.As(err, &vaultErr):
		metrics.BackendErrors.WithLabelValues("vault").Inc()
		respondError(w, http.StatusServiceUnavailable, "Vault service error")
	case errors.As(err, &keycloakErr):
		metrics.BackendErrors.WithLabelValues("keycloak").Inc()
		respondError(w, http.StatusServiceUnavailable, "Keycloak service error")
	default:
		log.Error().Err(err).Msg("unexpected error")
		respondError(w, http.StatusServiceUnavailable, "An unexpected error occurred.")
	}
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"message": message})
}

package ops

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/linkrelay/linkrelay/internal/abuse"
	"github.com/linkrelay/linkrelay/internal/quota"
	"github.com/linkrelay/linkrelay/internal/recovery"
)

// Handler serves the ops API from read-only snapshots and admin
// operations exposed by the core components.
type Handler struct {
	version string
	manager *recovery.Manager
	guard   *abuse.Guard
	uploads *quota.Bucket
}

// HandlerConfig holds the components the ops API fronts.
type HandlerConfig struct {
	Version string
	Manager *recovery.Manager
	Guard   *abuse.Guard
	Uploads *quota.Bucket
}

// NewHandler creates the ops handler.
func NewHandler(cfg HandlerConfig) *Handler {
	return &Handler{
		version: cfg.Version,
		manager: cfg.Manager,
		guard:   cfg.Guard,
		uploads: cfg.Uploads,
	}
}

// Healthz is the liveness probe.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": h.version,
	})
}

// Health returns the recovery manager's health snapshot.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.manager.HealthStatus())
}

// statsResponse aggregates per-component statistics.
type statsResponse struct {
	Recovery recovery.Statistics `json:"recovery"`
	Abuse    abuse.Stats         `json:"abuse"`
	Quota    quotaStats          `json:"quota"`
}

type quotaStats struct {
	TrackedBuckets int `json:"tracked_buckets"`
}

// Stats returns aggregate bridge statistics.
func (h *Handler) Stats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, statsResponse{
		Recovery: h.manager.Statistics(),
		Abuse:    h.guard.Stats(),
		Quota:    quotaStats{TrackedBuckets: h.uploads.Len()},
	})
}

// Blocked lists users inside an active block window.
func (h *Handler) Blocked(w http.ResponseWriter, _ *http.Request) {
	blocked := h.guard.BlockedUsers()
	if blocked == nil {
		blocked = []abuse.BlockedUser{}
	}
	writeJSON(w, http.StatusOK, blocked)
}

type userRequest struct {
	UserID string `json:"user_id"`
}

// Unblock lifts a user's block.
func (h *Handler) Unblock(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeUserRequest(w, r)
	if !ok {
		return
	}

	if !h.guard.UnblockUser(req.UserID) {
		NewNotFound(GetRequestID(r.Context()), "unknown user").Write(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"user_id": req.UserID, "status": "unblocked"})
}

// ClearWarnings resets a user's warning count.
func (h *Handler) ClearWarnings(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeUserRequest(w, r)
	if !ok {
		return
	}

	if !h.guard.ClearWarnings(req.UserID) {
		NewNotFound(GetRequestID(r.Context()), "unknown user").Write(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"user_id": req.UserID, "status": "warnings cleared"})
}

// ResetAbuse drops all abuse-guard state.
func (h *Handler) ResetAbuse(w http.ResponseWriter, _ *http.Request) {
	h.guard.ResetAllUsers()
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

type serviceRequest struct {
	Service string `json:"service"`
}

// ForceRecovery manually triggers a recovery run.
func (h *Handler) ForceRecovery(w http.ResponseWriter, r *http.Request) {
	traceID := GetRequestID(r.Context())

	var req serviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Service == "" {
		NewBadRequest(traceID, "service is required").Write(w)
		return
	}

	if err := h.manager.ForceRecovery(req.Service); err != nil {
		if errors.Is(err, recovery.ErrRecoveryActive) {
			NewConflict(traceID, "a recovery run is already in progress").Write(w)
			return
		}
		NewInternalError(traceID, err.Error()).Write(w)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"service": req.Service, "status": "recovery started"})
}

// ResetBreaker clears a service's circuit breaker.
func (h *Handler) ResetBreaker(w http.ResponseWriter, r *http.Request) {
	traceID := GetRequestID(r.Context())

	var req serviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Service == "" {
		NewBadRequest(traceID, "service is required").Write(w)
		return
	}

	h.manager.ResetCircuitBreaker(req.Service)
	writeJSON(w, http.StatusOK, map[string]string{"service": req.Service, "status": "breaker reset"})
}

// ResetQuota clears a user's upload quota bucket.
func (h *Handler) ResetQuota(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeUserRequest(w, r)
	if !ok {
		return
	}

	h.uploads.ResetKey(req.UserID)
	writeJSON(w, http.StatusOK, map[string]string{"user_id": req.UserID, "status": "quota reset"})
}

func decodeUserRequest(w http.ResponseWriter, r *http.Request) (userRequest, bool) {
	var req userRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		NewBadRequest(GetRequestID(r.Context()), "user_id is required").Write(w)
		return req, false
	}
	return req, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

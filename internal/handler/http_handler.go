// Package handler maps HTTP requests onto the approval services and the
// error taxonomy onto HTTP statuses.
package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/buildops/be-approvals/internal/authz"
	"github.com/buildops/be-approvals/internal/errors"
	"github.com/buildops/be-approvals/internal/logger"
	"github.com/buildops/be-approvals/internal/repository"
	"github.com/buildops/be-approvals/internal/service"
)

// UserDirectory resolves the acting user from their id. Implemented by
// client.IdentityClient.
type UserDirectory interface {
	GetUser(ctx context.Context, userID string) (*authz.User, error)
}

// UserIDHeader carries the authenticated caller's id, set by the API gateway
// after token verification.
const UserIDHeader = "X-User-ID"

// HTTPHandler handles HTTP requests.
type HTTPHandler struct {
	flows     *service.FlowService
	approvals *service.ApprovalService
	users     UserDirectory
	log       *logger.Logger
}

// NewHTTPHandler creates a new HTTP handler.
func NewHTTPHandler(flows *service.FlowService, approvals *service.ApprovalService, users UserDirectory, log *logger.Logger) *HTTPHandler {
	return &HTTPHandler{
		flows:     flows,
		approvals: approvals,
		users:     users,
		log:       log,
	}
}

// actor resolves the calling user from the request header. A missing header
// yields a nil user, which the guard rejects as unauthenticated.
func (h *HTTPHandler) actor(r *http.Request) (*authz.User, error) {
	userID := r.Header.Get(UserIDHeader)
	if userID == "" {
		return nil, nil
	}
	return h.users.GetUser(r.Context(), userID)
}

// ── Flows ────────────────────────────────────────────────────────────────────

// CreateFlow handles POST /api/v1/flows.
func (h *HTTPHandler) CreateFlow(w http.ResponseWriter, r *http.Request) {
	var input service.FlowInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		h.writeError(w, errors.InvalidInput("body", "invalid request body"))
		return
	}

	actor, err := h.actor(r)
	if err != nil {
		h.writeError(w, err)
		return
	}

	flow, err := h.flows.CreateFlow(r.Context(), actor, &input)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, flow)
}

// UpdateFlow handles POST /api/v1/flows/update.
func (h *HTTPHandler) UpdateFlow(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID string `json:"id"`
		service.FlowInput
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, errors.InvalidInput("body", "invalid request body"))
		return
	}

	actor, err := h.actor(r)
	if err != nil {
		h.writeError(w, err)
		return
	}

	flow, err := h.flows.UpdateFlow(r.Context(), actor, req.ID, &req.FlowInput)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, flow)
}

// DeleteFlow handles DELETE /api/v1/flows/delete?id=….
func (h *HTTPHandler) DeleteFlow(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		h.writeError(w, errors.InvalidInput("id", "flow id is required"))
		return
	}

	actor, err := h.actor(r)
	if err != nil {
		h.writeError(w, err)
		return
	}

	if err := h.flows.DeleteFlow(r.Context(), actor, id); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetFlow handles GET /api/v1/flows/get?id=….
func (h *HTTPHandler) GetFlow(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		h.writeError(w, errors.InvalidInput("id", "flow id is required"))
		return
	}

	flow, err := h.flows.GetFlow(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, flow)
}

// ListFlows handles GET /api/v1/flows?resource_type=….
func (h *HTTPHandler) ListFlows(w http.ResponseWriter, r *http.Request) {
	resourceType := r.URL.Query().Get("resource_type")
	if resourceType == "" {
		h.writeError(w, errors.InvalidInput("resource_type", "resource type is required"))
		return
	}

	flows, err := h.flows.ListFlows(r.Context(), resourceType)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"flows": flows})
}

// ── Approval requests ────────────────────────────────────────────────────────

// CreateRequest handles POST /api/v1/approval-requests.
func (h *HTTPHandler) CreateRequest(w http.ResponseWriter, r *http.Request) {
	var input service.CreateRequestInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		h.writeError(w, errors.InvalidInput("body", "invalid request body"))
		return
	}

	actor, err := h.actor(r)
	if err != nil {
		h.writeError(w, err)
		return
	}

	req, err := h.approvals.CreateRequest(r.Context(), actor, &input)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, req)
}

type decisionRequest struct {
	ID      string  `json:"id"`
	Comment *string `json:"comment"`
}

// Approve handles POST /api/v1/approval-requests/approve.
func (h *HTTPHandler) Approve(w http.ResponseWriter, r *http.Request) {
	var body decisionRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(w, errors.InvalidInput("body", "invalid request body"))
		return
	}

	actor, err := h.actor(r)
	if err != nil {
		h.writeError(w, err)
		return
	}

	req, err := h.approvals.Approve(r.Context(), actor, body.ID, body.Comment)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, req)
}

// Reject handles POST /api/v1/approval-requests/reject.
func (h *HTTPHandler) Reject(w http.ResponseWriter, r *http.Request) {
	h.resolveWithComment(w, r, h.approvals.Reject)
}

// Return handles POST /api/v1/approval-requests/return.
func (h *HTTPHandler) Return(w http.ResponseWriter, r *http.Request) {
	h.resolveWithComment(w, r, h.approvals.Return)
}

func (h *HTTPHandler) resolveWithComment(
	w http.ResponseWriter,
	r *http.Request,
	fn func(ctx context.Context, actor *authz.User, requestID, comment string) (*repository.ApprovalRequest, error),
) {
	var body decisionRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(w, errors.InvalidInput("body", "invalid request body"))
		return
	}

	actor, err := h.actor(r)
	if err != nil {
		h.writeError(w, err)
		return
	}

	comment := ""
	if body.Comment != nil {
		comment = *body.Comment
	}

	req, err := fn(r.Context(), actor, body.ID, comment)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, req)
}

// Cancel handles POST /api/v1/approval-requests/cancel.
func (h *HTTPHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(w, errors.InvalidInput("body", "invalid request body"))
		return
	}

	actor, err := h.actor(r)
	if err != nil {
		h.writeError(w, err)
		return
	}

	req, err := h.approvals.Cancel(r.Context(), actor, body.ID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, req)
}

// GetRequest handles GET /api/v1/approval-requests/get?id=….
func (h *HTTPHandler) GetRequest(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		h.writeError(w, errors.InvalidInput("id", "request id is required"))
		return
	}

	req, err := h.approvals.GetRequest(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, req)
}

// ListRequests handles GET /api/v1/approval-requests?resource_type=…&resource_id=….
func (h *HTTPHandler) ListRequests(w http.ResponseWriter, r *http.Request) {
	resourceType := r.URL.Query().Get("resource_type")
	resourceID := r.URL.Query().Get("resource_id")
	if resourceType == "" || resourceID == "" {
		h.writeError(w, errors.InvalidInput("resource", "resource type and id are required"))
		return
	}

	reqs, err := h.approvals.ListRequestsByResource(r.Context(), resourceType, resourceID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"requests": reqs})
}

// GetHistory handles GET /api/v1/approval-requests/history?id=….
func (h *HTTPHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		h.writeError(w, errors.InvalidInput("id", "request id is required"))
		return
	}

	entries, err := h.approvals.GetHistory(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"history": entries})
}

// ListPending handles GET /api/v1/approval-requests/pending. Returns the
// pending requests awaiting action from the calling user.
func (h *HTTPHandler) ListPending(w http.ResponseWriter, r *http.Request) {
	actor, err := h.actor(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if actor == nil {
		h.writeError(w, errors.New(errors.ErrCodeUnauthenticated, "authentication required"))
		return
	}

	reqs, err := h.approvals.ListPendingForApprover(r.Context(), actor)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"requests": reqs})
}

// ── Response helpers ─────────────────────────────────────────────────────────

func (h *HTTPHandler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode response")
	}
}

// writeError renders the structured failure body: a stable code, a
// caller-safe message, and the category tag the frontends key off.
func (h *HTTPHandler) writeError(w http.ResponseWriter, err error) {
	code := errors.CodeOf(err)
	status := errors.HTTPStatus(code)

	if status >= http.StatusInternalServerError {
		h.log.Error().Err(err).Msg("Request failed")
	}

	h.writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"code":     code,
			"message":  errors.MessageOf(err),
			"category": errors.CategoryOf(code),
		},
	})
}

// internal/membership/handler.go
package membership

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"creditcore/internal/apperr"
	"creditcore/internal/ledger"
)

type Handler struct {
	service Service
}

func NewHandler(service Service) *Handler {
	return &Handler{service: service}
}

// Routes returns the membership API, to be mounted under /api/v1/members.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.HandleEnroll)
	r.Get("/{number}", h.HandleGetMember)
	r.Put("/{number}/status", h.HandleUpdateStatus)
	r.Put("/{number}/limit", h.HandleUpdateLimit)
	return r
}

type errorResponse struct {
	Kind      apperr.Kind       `json:"error_kind"`
	Message   string            `json:"error_message"`
	Details   map[string]string `json:"details,omitempty"`
	Retryable bool              `json:"retryable,omitempty"`
}

func writeError(w http.ResponseWriter, err error) {
	resp := errorResponse{Kind: apperr.KindOf(err), Message: err.Error(), Retryable: apperr.IsRetryable(err)}
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		resp.Message = appErr.Message
		resp.Details = appErr.Fields
	}
	writeJSON(w, apperr.HTTPStatus(err), resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

const maxBodyBytes = 64 << 10

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, apperr.Validation("body", "malformed request body: "+err.Error()))
		return false
	}
	return true
}

func (h *Handler) HandleEnroll(w http.ResponseWriter, r *http.Request) {
	var req EnrollInput
	if !decode(w, r, &req) {
		return
	}

	member, err := h.service.Enroll(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, member)
}

func (h *Handler) HandleGetMember(w http.ResponseWriter, r *http.Request) {
	member, err := h.service.GetMember(r.Context(), chi.URLParam(r, "number"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, member)
}

func (h *Handler) HandleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status ledger.MemberStatus `json:"status"`
	}
	if !decode(w, r, &req) {
		return
	}

	member, err := h.service.UpdateStatus(r.Context(), chi.URLParam(r, "number"), req.Status)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, member)
}

func (h *Handler) HandleUpdateLimit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CreditLimit int64 `json:"credit_limit"`
	}
	if !decode(w, r, &req) {
		return
	}

	member, err := h.service.UpdateCreditLimit(r.Context(), chi.URLParam(r, "number"), req.CreditLimit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, member)
}

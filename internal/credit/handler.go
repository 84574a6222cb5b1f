// internal/credit/handler.go
package credit

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"creditcore/internal/apperr"
	"creditcore/internal/logging"
)

// IdempotencyKeyHeader carries the caller's idempotency key.
const IdempotencyKeyHeader = "Idempotency-Key"

type Handler struct {
	service Service
	logger  *zap.Logger
}

func NewHandler(service Service, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{service: service, logger: logger}
}

// Routes returns the credit API, to be mounted under /api/v1/credit.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/authorize", h.HandleAuthorize)
	r.Post("/capture", h.HandleCapture)
	r.Post("/void", h.HandleVoid)
	r.Post("/chargeback", h.HandleChargeback)
	r.Get("/transactions/{id}", h.HandleGetTransaction)
	r.Get("/transactions/{id}/events", h.HandleTransactionEvents)
	r.Get("/members/{number}/transactions", h.HandleListTransactions)
	return r
}

func (h *Handler) HandleAuthorize(w http.ResponseWriter, r *http.Request) {
	var req AuthorizationRequest
	if !h.decode(w, r, &req) {
		return
	}
	in, err := req.Input(r.Header.Get(IdempotencyKeyHeader))
	if err != nil {
		h.respond(w, r, NewResponse(nil, err), err)
		return
	}

	tx, err := h.service.Authorize(r.Context(), in)
	h.respond(w, r, NewResponse(tx, err), err)
}

func (h *Handler) HandleCapture(w http.ResponseWriter, r *http.Request) {
	var req CaptureRequest
	if !h.decode(w, r, &req) {
		return
	}
	in, err := req.Input(r.Header.Get(IdempotencyKeyHeader))
	if err != nil {
		h.respond(w, r, NewResponse(nil, err), err)
		return
	}

	tx, err := h.service.Capture(r.Context(), in)
	h.respond(w, r, NewResponse(tx, err), err)
}

func (h *Handler) HandleVoid(w http.ResponseWriter, r *http.Request) {
	var req TransactionRequest
	if !h.decode(w, r, &req) {
		return
	}

	tx, err := h.service.Void(r.Context(), req.TransactionID)
	h.respond(w, r, NewResponse(tx, err), err)
}

func (h *Handler) HandleChargeback(w http.ResponseWriter, r *http.Request) {
	var req TransactionRequest
	if !h.decode(w, r, &req) {
		return
	}

	tx, err := h.service.Chargeback(r.Context(), ChargebackInput{
		TransactionID:  req.TransactionID,
		IdempotencyKey: r.Header.Get(IdempotencyKeyHeader),
	})
	h.respond(w, r, NewResponse(tx, err), err)
}

func (h *Handler) HandleGetTransaction(w http.ResponseWriter, r *http.Request) {
	tx, err := h.service.GetTransaction(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.respond(w, r, NewResponse(nil, err), err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

func (h *Handler) HandleTransactionEvents(w http.ResponseWriter, r *http.Request) {
	events, err := h.service.TransactionEvents(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.respond(w, r, NewResponse(nil, err), err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (h *Handler) HandleListTransactions(w http.ResponseWriter, r *http.Request) {
	txs, err := h.service.ListTransactions(r.Context(), chi.URLParam(r, "number"))
	if err != nil {
		h.respond(w, r, NewResponse(nil, err), err)
		return
	}
	writeJSON(w, http.StatusOK, txs)
}

// maxBodyBytes caps request bodies; every credit message is far smaller.
const maxBodyBytes = 64 << 10

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		verr := apperr.Validation("body", "malformed request body: "+err.Error())
		h.respond(w, r, NewResponse(nil, verr), verr)
		return false
	}
	return true
}

func (h *Handler) respond(w http.ResponseWriter, r *http.Request, resp Response, err error) {
	status := apperr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		logging.WithContext(r.Context(), h.logger).Error("credit request failed",
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

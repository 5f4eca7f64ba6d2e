/*
handlers.go - HTTP API handlers for the tuition ledger engine

PURPOSE:
  Exposes the billing, payment, settlement, and integrity operations via
  REST. Handles HTTP request/response, JSON serialization, and delegates
  to domain logic.

ENDPOINTS:
  Auth:
    POST   /api/auth/token                 Mint a dev bearer token

  Billing:
    GET    /api/students/{id}/tuition      Monthly tuition breakdown
    GET    /api/students/{id}/ledger       Full ledger entry history

  Payments:
    POST   /api/payments                   Post a payment
    POST   /api/payments/{id}/modify       Correct via reverse + repost
    DELETE /api/payments/{id}              Delete via reverse + remove

  Settlements:
    POST   /api/settlements                Resolve a leftover balance

  Integrity:
    GET    /api/integrity/scan             Run the integrity scan

ERROR HANDLING:
  Domain errors map to HTTP status via their sentinel:
  - 400: Validation errors, malformed input
  - 401: Missing/invalid token
  - 403: Non-admin attempting a mutation
  - 404: Unknown student, payment, or invoice
  - 409: State conflicts (double-modify, wrong balance sign, duplicate key)
  - 500: Everything else

SEE ALSO:
  - dto.go: Request/response data structures
  - auth.go: Bearer-token middleware
  - server.go: Router setup
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/classhub/tuition-ledger/billing"
	"github.com/classhub/tuition-ledger/integrity"
	"github.com/classhub/tuition-ledger/ledger"
	"github.com/classhub/tuition-ledger/payments"
	"github.com/classhub/tuition-ledger/store/sqlite"
	"github.com/shopspring/decimal"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store   *sqlite.Store
	Calc    *billing.Calculator
	Poster  *payments.Poster
	Engine  *payments.Engine
	Auditor *integrity.Auditor
	Auth    *Auth

	// DevTokens enables the token-minting endpoint. Never in production.
	DevTokens bool

	validate *validator.Validate
}

// NewHandler wires the domain services around the store.
func NewHandler(store *sqlite.Store, auth *Auth, devTokens bool) *Handler {
	calc := billing.NewCalculator(store, store, store)
	recalc := billing.NewRecalculator(calc, store)
	// One lock set: a concurrent Modify and Settle against the same
	// (student, month) must serialize against each other.
	locks := payments.NewPairLocks()
	return &Handler{
		Store:     store,
		Calc:      calc,
		Poster:    payments.NewPoster(store, recalc, locks),
		Engine:    payments.NewEngine(store, recalc, locks),
		Auditor:   integrity.NewAuditor(store),
		Auth:      auth,
		DevTokens: devTokens,
		validate:  validator.New(),
	}
}

// =============================================================================
// AUTH HANDLERS
// =============================================================================

// MintToken signs a development bearer token.
// POST /api/auth/token
func (h *Handler) MintToken(w http.ResponseWriter, r *http.Request) {
	if !h.DevTokens {
		writeError(w, http.StatusNotFound, "Not found", nil)
		return
	}
	var req TokenRequest
	if !h.decode(w, r, &req) {
		return
	}
	token, err := h.Auth.Mint(req.UserID, req.Role)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to mint token", err)
		return
	}
	writeJSON(w, http.StatusOK, TokenResponse{Token: token})
}

// =============================================================================
// BILLING HANDLERS
// =============================================================================

// GetTuition returns the monthly tuition breakdown for a student.
// GET /api/students/{id}/tuition?month=YYYY-MM
func (h *Handler) GetTuition(w http.ResponseWriter, r *http.Request) {
	studentID := chi.URLParam(r, "id")
	month, err := ledger.ParseMonth(r.URL.Query().Get("month"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid month, expected YYYY-MM", err)
		return
	}

	snap, err := h.Calc.Calculate(r.Context(), studentID, month)
	if err != nil {
		writeDomainError(w, "Failed to calculate tuition", err)
		return
	}
	inv, err := h.Store.InvoiceFor(r.Context(), studentID, month)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load invoice", err)
		return
	}
	writeJSON(w, http.StatusOK, toTuitionDTO(snap, inv))
}

// GetLedger returns a student's full entry history.
// GET /api/students/{id}/ledger
func (h *Handler) GetLedger(w http.ResponseWriter, r *http.Request) {
	studentID := chi.URLParam(r, "id")
	entries, err := h.Store.EntriesByStudent(r.Context(), studentID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load ledger", err)
		return
	}
	writeJSON(w, http.StatusOK, toLedgerDTO(studentID, entries))
}

// =============================================================================
// PAYMENT HANDLERS
// =============================================================================

// PostPayment posts a new payment.
// POST /api/payments
func (h *Handler) PostPayment(w http.ResponseWriter, r *http.Request) {
	var req PostPaymentRequest
	if !h.decode(w, r, &req) {
		return
	}
	occurredAt, err := time.Parse(time.RFC3339, req.OccurredAt)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid occurred_at, expected RFC3339", err)
		return
	}

	in := payments.PostInput{
		StudentID:  req.StudentID,
		FamilyID:   req.FamilyID,
		Amount:     decimal.NewFromFloat(req.Amount),
		Method:     payments.PaymentMethod(req.Method),
		OccurredAt: occurredAt,
		Memo:       req.Memo,
	}
	for _, a := range req.Allocations {
		in.Allocations = append(in.Allocations, payments.PaymentAllocation{
			StudentID: a.StudentID,
			Amount:    decimal.NewFromFloat(a.Amount),
		})
	}

	res, err := h.Poster.Post(r.Context(), principalFrom(r.Context()), in)
	if err != nil {
		writeDomainError(w, "Failed to post payment", err)
		return
	}
	writeJSON(w, http.StatusCreated, PostPaymentResponse{PaymentID: res.PaymentID, Month: res.Month.String()})
}

// ModifyPayment corrects a payment via reverse + repost.
// POST /api/payments/{id}/modify
func (h *Handler) ModifyPayment(w http.ResponseWriter, r *http.Request) {
	var req ModifyPaymentRequest
	if !h.decode(w, r, &req) {
		return
	}
	occurredAt, err := time.Parse(time.RFC3339, req.OccurredAt)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid occurred_at, expected RFC3339", err)
		return
	}

	res, err := h.Poster.Modify(r.Context(), principalFrom(r.Context()), payments.ModifyInput{
		PaymentID:  chi.URLParam(r, "id"),
		StudentID:  req.StudentID,
		Amount:     decimal.NewFromFloat(req.Amount),
		Method:     payments.PaymentMethod(req.Method),
		OccurredAt: occurredAt,
		Memo:       req.Memo,
		Reason:     req.Reason,
	})
	if err != nil {
		writeDomainError(w, "Failed to modify payment", err)
		return
	}
	writeJSON(w, http.StatusOK, ModifyPaymentResponse{
		ReversalPaymentID: res.ReversalPaymentID,
		NewPaymentID:      res.NewPaymentID,
		AffectedStudents:  res.AffectedStudents,
		AffectedMonths:    res.AffectedMonths,
	})
}

// DeletePayment reverses a payment's ledger effect and removes its row.
// DELETE /api/payments/{id}
func (h *Handler) DeletePayment(w http.ResponseWriter, r *http.Request) {
	var req DeletePaymentRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.Poster.Delete(r.Context(), principalFrom(r.Context()), chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		writeDomainError(w, "Failed to delete payment", err)
		return
	}
	writeJSON(w, http.StatusOK, DeletePaymentResponse{
		AffectedStudents: res.AffectedStudents,
		AffectedMonths:   res.AffectedMonths,
		ReversalTxCount:  res.ReversalTxCount,
	})
}

// =============================================================================
// SETTLEMENT HANDLERS
// =============================================================================

// Settle resolves a leftover invoice balance.
// POST /api/settlements
func (h *Handler) Settle(w http.ResponseWriter, r *http.Request) {
	var req SettleRequest
	if !h.decode(w, r, &req) {
		return
	}
	month, err := ledger.ParseMonth(req.Month)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid month, expected YYYY-MM", err)
		return
	}

	res, err := h.Engine.Settle(r.Context(), principalFrom(r.Context()), payments.SettleInput{
		StudentID:    req.StudentID,
		Month:        month,
		Type:         payments.SettlementType(req.Type),
		Amount:       decimal.NewFromFloat(req.Amount),
		Reason:       req.Reason,
		ConsentGiven: req.ConsentGiven,
		ApproverName: req.ApproverName,
	})
	if err != nil {
		writeDomainError(w, "Failed to settle balance", err)
		return
	}
	writeJSON(w, http.StatusOK, toSettleResponse(res))
}

// =============================================================================
// INTEGRITY HANDLERS
// =============================================================================

// ScanIntegrity runs the read-only integrity scan.
// GET /api/integrity/scan
func (h *Handler) ScanIntegrity(w http.ResponseWriter, r *http.Request) {
	if !principalFrom(r.Context()).IsAdmin() {
		writeError(w, http.StatusForbidden, "Admin role required", nil)
		return
	}
	report, err := h.Auditor.Scan(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to run integrity scan", err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// =============================================================================
// HELPERS
// =============================================================================

// decode parses and validates the JSON body, writing 400 on failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body", err)
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Validation failed", err)
		return false
	}
	return true
}

// writeDomainError maps domain sentinels to HTTP status.
func writeDomainError(w http.ResponseWriter, message string, err error) {
	switch {
	case errors.Is(err, ledger.ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, message, err)
	case errors.Is(err, ledger.ErrForbidden):
		writeError(w, http.StatusForbidden, message, err)
	case errors.Is(err, ledger.ErrValidation):
		writeError(w, http.StatusBadRequest, message, err)
	case errors.Is(err, ledger.ErrNotFound):
		writeError(w, http.StatusNotFound, message, err)
	case errors.Is(err, ledger.ErrStateConflict),
		errors.Is(err, ledger.ErrDuplicateTxKey),
		errors.Is(err, ledger.ErrUnbalanced):
		writeError(w, http.StatusConflict, message, err)
	default:
		writeError(w, http.StatusInternalServerError, message, err)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

/*
dto.go - Request/response data structures for the HTTP API

PURPOSE:
  Boundary types between HTTP/JSON and the domain. Amounts cross the wire
  as JSON numbers (float64) and are converted to decimals at the edge;
  months are "YYYY-MM" strings. Request structs carry validator tags and
  are checked before any domain call.

SEE ALSO:
  - handlers.go: The handlers consuming these
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/classhub/tuition-ledger/billing"
	"github.com/classhub/tuition-ledger/ledger"
	"github.com/classhub/tuition-ledger/payments"
)

// =============================================================================
// REQUESTS
// =============================================================================

// TokenRequest mints a development bearer token. Enabled only when the
// server runs with dev tokens switched on.
type TokenRequest struct {
	UserID string `json:"user_id" validate:"required"`
	Role   string `json:"role" validate:"required,oneof=admin staff"`
}

// AllocationRequest is one explicit split of a family payment.
type AllocationRequest struct {
	StudentID string  `json:"student_id" validate:"required"`
	Amount    float64 `json:"amount" validate:"gt=0"`
}

// PostPaymentRequest posts a new payment. Exactly one of student_id and
// family_id must be set; the handler enforces the exclusivity.
type PostPaymentRequest struct {
	StudentID   string              `json:"student_id"`
	FamilyID    string              `json:"family_id"`
	Amount      float64             `json:"amount" validate:"gt=0"`
	Method      string              `json:"method" validate:"required,oneof=cash bank"`
	OccurredAt  string              `json:"occurred_at" validate:"required"` // RFC3339
	Memo        string              `json:"memo"`
	Allocations []AllocationRequest `json:"allocations" validate:"dive"`
}

// ModifyPaymentRequest corrects a payment via reverse + repost.
type ModifyPaymentRequest struct {
	StudentID  string  `json:"student_id" validate:"required"`
	Amount     float64 `json:"amount" validate:"gt=0"`
	Method     string  `json:"method" validate:"required,oneof=cash bank"`
	OccurredAt string  `json:"occurred_at" validate:"required"`
	Memo       string  `json:"memo"`
	Reason     string  `json:"reason" validate:"required"`
}

// DeletePaymentRequest carries the mandatory deletion reason.
type DeletePaymentRequest struct {
	Reason string `json:"reason" validate:"required"`
}

// SettleRequest resolves a leftover invoice balance.
type SettleRequest struct {
	StudentID    string  `json:"student_id" validate:"required"`
	Month        string  `json:"month" validate:"required"`
	Type         string  `json:"settlement_type" validate:"required,oneof=discount voluntary_contribution unapplied_cash"`
	Amount       float64 `json:"amount" validate:"gt=0"`
	Reason       string  `json:"reason" validate:"required"`
	ConsentGiven bool    `json:"consent_given"`
	ApproverName string  `json:"approver_name"`
}

// =============================================================================
// RESPONSES
// =============================================================================

type TokenResponse struct {
	Token string `json:"token"`
}

// DiscountLineDTO is one named discount contribution.
type DiscountLineDTO struct {
	Source string  `json:"source"`
	Label  string  `json:"label"`
	Amount float64 `json:"amount"`
}

// SessionDTO is one billable session in a tuition breakdown.
type SessionDTO struct {
	SessionID  string  `json:"session_id"`
	ClassName  string  `json:"class_name"`
	Date       string  `json:"date"`
	Attendance string  `json:"attendance"`
	Rate       float64 `json:"rate"`
}

// TuitionDTO is the full (student, month) billing breakdown.
type TuitionDTO struct {
	StudentID     string            `json:"student_id"`
	Month         string            `json:"month"`
	BaseAmount    float64           `json:"base_amount"`
	Discounts     []DiscountLineDTO `json:"discounts"`
	TotalDiscount float64           `json:"total_discount"`
	TotalAmount   float64           `json:"total_amount"`
	PaidAmount    float64           `json:"paid_amount"`
	Balance       float64           `json:"balance"`
	Status        string            `json:"status"`
	Sessions      []SessionDTO      `json:"sessions"`
}

// EntryDTO is one ledger entry in a student's history.
type EntryDTO struct {
	ID         string  `json:"id"`
	TxID       string  `json:"tx_id"`
	Account    string  `json:"account"`
	Debit      float64 `json:"debit"`
	Credit     float64 `json:"credit"`
	OccurredAt string  `json:"occurred_at"`
	Month      string  `json:"month"`
	Memo       string  `json:"memo,omitempty"`
}

// LedgerDTO is a student's full entry history with running totals.
type LedgerDTO struct {
	StudentID   string     `json:"student_id"`
	Entries     []EntryDTO `json:"entries"`
	TotalDebit  float64    `json:"total_debit"`
	TotalCredit float64    `json:"total_credit"`
}

type PostPaymentResponse struct {
	PaymentID string `json:"payment_id"`
	Month     string `json:"month"`
}

type ModifyPaymentResponse struct {
	ReversalPaymentID string   `json:"reversal_payment_id"`
	NewPaymentID      string   `json:"new_payment_id"`
	AffectedStudents  []string `json:"affected_students"`
	AffectedMonths    []string `json:"affected_months"`
}

type DeletePaymentResponse struct {
	AffectedStudents []string `json:"affected_students"`
	AffectedMonths   []string `json:"affected_months"`
	ReversalTxCount  int      `json:"reversal_tx_count"`
}

type SettleResponse struct {
	TxID          string  `json:"tx_id"`
	BeforeBalance float64 `json:"before_balance"`
	AfterBalance  float64 `json:"after_balance"`
}

// ErrorResponse is the JSON shape of every error.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toTuitionDTO(snap *billing.Snapshot, inv *billing.Invoice) TuitionDTO {
	dto := TuitionDTO{
		StudentID:     snap.StudentID,
		Month:         snap.Month.String(),
		BaseAmount:    snap.BaseAmount.InexactFloat64(),
		Discounts:     make([]DiscountLineDTO, len(snap.Discounts)),
		TotalDiscount: snap.TotalDiscount.InexactFloat64(),
		TotalAmount:   snap.TotalAmount.InexactFloat64(),
		Status:        string(billing.InvoiceDraft),
		Sessions:      make([]SessionDTO, len(snap.Sessions)),
	}
	for i, d := range snap.Discounts {
		dto.Discounts[i] = DiscountLineDTO{Source: d.Source, Label: d.Label, Amount: d.Amount.InexactFloat64()}
	}
	for i, s := range snap.Sessions {
		dto.Sessions[i] = SessionDTO{
			SessionID:  s.SessionID,
			ClassName:  s.ClassName,
			Date:       s.Date.Format("2006-01-02"),
			Attendance: string(s.Attendance),
			Rate:       s.Rate.InexactFloat64(),
		}
	}
	if inv != nil {
		dto.PaidAmount = inv.PaidAmount.InexactFloat64()
		dto.Balance = snap.TotalAmount.Sub(inv.PaidAmount).InexactFloat64()
		dto.Status = string(billing.DeriveStatus(inv.PaidAmount, snap.TotalAmount))
	} else {
		dto.Balance = snap.TotalAmount.InexactFloat64()
	}
	return dto
}

func toLedgerDTO(studentID string, entries []ledger.Entry) LedgerDTO {
	dto := LedgerDTO{StudentID: studentID, Entries: make([]EntryDTO, len(entries))}
	totalDebit, totalCredit := decimal.Zero, decimal.Zero
	for i, e := range entries {
		dto.Entries[i] = EntryDTO{
			ID:         e.ID,
			TxID:       e.TxID,
			Account:    string(e.Code),
			Debit:      e.Debit.InexactFloat64(),
			Credit:     e.Credit.InexactFloat64(),
			OccurredAt: e.OccurredAt.Format(time.RFC3339),
			Month:      e.Month.String(),
			Memo:       e.Memo,
		}
		totalDebit = totalDebit.Add(e.Debit)
		totalCredit = totalCredit.Add(e.Credit)
	}
	dto.TotalDebit = totalDebit.InexactFloat64()
	dto.TotalCredit = totalCredit.InexactFloat64()
	return dto
}

func toSettleResponse(res *payments.SettleResult) SettleResponse {
	return SettleResponse{
		TxID:          res.TxID,
		BeforeBalance: res.BeforeBalance.InexactFloat64(),
		AfterBalance:  res.AfterBalance.InexactFloat64(),
	}
}

package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/classhub/tuition-ledger/ledger"
)

// =============================================================================
// RECALCULATOR - Persists snapshots into the Invoice row
// =============================================================================

// Recalculator turns a pure snapshot into the durable (student, month)
// invoice row. PaidAmount is never touched here - it belongs to the payment
// and settlement paths - so recomputing after any ledger mutation is safe
// to retry any number of times.
type Recalculator struct {
	Calc     *Calculator
	Invoices InvoiceStore
}

func NewRecalculator(calc *Calculator, invoices InvoiceStore) *Recalculator {
	return &Recalculator{Calc: calc, Invoices: invoices}
}

// Recompute recalculates (student, month) and upserts the invoice row,
// preserving the existing paid amount and re-deriving status. Failures are
// wrapped in ledger.ErrUpstream: the caller's ledger write has already
// committed, so the recompute is logged and retried, never rolled back.
func (r *Recalculator) Recompute(ctx context.Context, studentID string, month ledger.Month) error {
	snap, err := r.Calc.Calculate(ctx, studentID, month)
	if err != nil {
		return fmt.Errorf("%w: calculate %s %s: %v", ledger.ErrUpstream, studentID, month, err)
	}

	inv, err := r.Invoices.InvoiceFor(ctx, studentID, month)
	if err != nil {
		return fmt.Errorf("%w: load invoice %s %s: %v", ledger.ErrUpstream, studentID, month, err)
	}
	if inv == nil {
		inv = &Invoice{
			ID:        uuid.NewString(),
			StudentID: studentID,
			Month:     month,
		}
	}

	inv.BaseAmount = snap.BaseAmount
	inv.DiscountAmount = snap.TotalDiscount
	inv.TotalAmount = snap.TotalAmount
	inv.Status = DeriveStatus(inv.PaidAmount, inv.TotalAmount)
	inv.UpdatedAt = time.Now().UTC()

	if err := r.Invoices.UpsertInvoice(ctx, inv); err != nil {
		return fmt.Errorf("%w: upsert invoice %s %s: %v", ledger.ErrUpstream, studentID, month, err)
	}
	return nil
}

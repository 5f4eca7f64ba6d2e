/*
settlement.go - Resolving leftover invoice balances

PURPOSE:
  An invoice rarely lands on zero. The settlement engine resolves the
  residue with one of three admin actions, each a balanced ledger pair:

  discount               balance > 0 (owed): debit DISCOUNT / credit AR.
                         The shortfall is written off; paid amount rises
                         by the clamped write-off.
  voluntary_contribution balance < 0 (overpaid): debit AR / credit REVENUE.
                         Requires explicit consent - a family is never
                         auto-converted to donating their credit. Kept
                         deliberately separate from a payment so the
                         credit can not be mistaken for recorded payment.
  unapplied_cash         balance < 0: debit AR / credit CREDIT, carrying
                         the money as a liability for a future month
                         instead of recognizing it as revenue.

  The balance is read inside the same transaction that acts on it, the
  requested amount is clamped to the open balance, and every branch writes
  an immutable Settlement row with before/after balances plus an audit
  entry. The invoice recompute afterwards is best-effort.

SEE ALSO:
  - poster.go: Shared invoice adjustment and locking discipline
*/
package payments

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/classhub/tuition-ledger/billing"
	"github.com/classhub/tuition-ledger/ledger"
)

// =============================================================================
// SETTLEMENT ENGINE
// =============================================================================

// Engine settles leftover invoice balances.
type Engine struct {
	Store  TxStore
	Recalc Recalculator
	Locks  *PairLocks
}

// NewEngine builds a settlement Engine. Locks must be shared with the
// Poster acting on the same store; nil allocates a private set.
func NewEngine(store TxStore, recalc Recalculator, locks *PairLocks) *Engine {
	if locks == nil {
		locks = NewPairLocks()
	}
	return &Engine{Store: store, Recalc: recalc, Locks: locks}
}

// Settle resolves the invoice balance for (student, month).
func (e *Engine) Settle(ctx context.Context, principal Principal, in SettleInput) (*SettleResult, error) {
	if !principal.IsAdmin() {
		return nil, ledger.ErrForbidden
	}
	if in.StudentID == "" {
		return nil, &ledger.ValidationError{Field: "student_id", Message: "required"}
	}
	if in.Month.IsZero() {
		return nil, &ledger.ValidationError{Field: "month", Message: "required"}
	}
	if !in.Type.Valid() {
		return nil, &ledger.ValidationError{Field: "settlement_type", Message: "unknown settlement type"}
	}
	if !in.Amount.IsPositive() {
		return nil, &ledger.ValidationError{Field: "amount", Message: "must be positive"}
	}
	if in.Reason == "" {
		return nil, &ledger.ValidationError{Field: "reason", Message: "required"}
	}
	if in.Type == SettleContribution && !in.ConsentGiven {
		return nil, &ledger.ValidationError{Field: "consent_given", Message: "voluntary contribution requires explicit consent"}
	}

	pair := Pair{StudentID: in.StudentID, Month: in.Month}
	release := e.Locks.Acquire([]Pair{pair})
	defer release()

	settlementID := uuid.NewString()
	var result SettleResult

	err := e.Store.WithTx(ctx, func(s Store) error {
		inv, err := s.InvoiceFor(ctx, in.StudentID, in.Month)
		if err != nil {
			return err
		}
		if inv == nil {
			return fmt.Errorf("invoice for %s %s: %w", in.StudentID, in.Month, ledger.ErrNotFound)
		}

		balance := inv.Balance()
		var debit, credit ledger.AccountCode
		var amount decimal.Decimal

		switch in.Type {
		case SettleDiscount:
			if !balance.IsPositive() {
				return &ledger.StateConflictError{StudentID: in.StudentID, Month: in.Month, Balance: balance,
					Message: "discount settlement requires a debit (owed) balance"}
			}
			amount = decimal.Min(in.Amount, balance)
			debit, credit = ledger.AccountDiscount, ledger.AccountAR

		case SettleContribution:
			if !balance.IsNegative() {
				return &ledger.StateConflictError{StudentID: in.StudentID, Month: in.Month, Balance: balance,
					Message: "voluntary contribution requires a credit (overpaid) balance"}
			}
			amount = decimal.Min(in.Amount, balance.Neg())
			debit, credit = ledger.AccountAR, ledger.AccountRevenue

		case SettleUnappliedCash:
			if !balance.IsNegative() {
				return &ledger.StateConflictError{StudentID: in.StudentID, Month: in.Month, Balance: balance,
					Message: "unapplied cash requires a credit (overpaid) balance"}
			}
			amount = decimal.Min(in.Amount, balance.Neg())
			debit, credit = ledger.AccountAR, ledger.AccountCredit
		}

		led := ledger.New(s)
		if _, err := led.EnsureAccounts(ctx, in.StudentID, []ledger.AccountCode{debit, credit}); err != nil {
			return err
		}

		now := time.Now().UTC()
		memo := string(in.Type) + ": " + in.Reason
		entries := ledger.Pair(in.StudentID, debit, credit, amount,
			"settlement-"+settlementID, memo, now, in.Month, principal.UserID)
		txID, err := led.PostTransaction(ctx, entries)
		if err != nil {
			return err
		}

		// A discount write-off covers the shortfall, raising paid toward
		// total; consuming overpaid credit walks paid back toward total.
		// Either way paid is never inflated past what was actually covered.
		if in.Type == SettleDiscount {
			inv.PaidAmount = inv.PaidAmount.Add(amount)
		} else {
			inv.PaidAmount = inv.PaidAmount.Sub(amount)
		}
		inv.Status = billing.DeriveStatus(inv.PaidAmount, inv.TotalAmount)
		inv.UpdatedAt = now
		if err := s.UpsertInvoice(ctx, inv); err != nil {
			return err
		}
		after := inv.Balance()

		if err := s.CreateSettlement(ctx, Settlement{
			ID:            settlementID,
			StudentID:     in.StudentID,
			Month:         in.Month,
			Type:          in.Type,
			Amount:        amount,
			Reason:        in.Reason,
			ConsentGiven:  in.ConsentGiven,
			ApproverID:    principal.UserID,
			ApproverName:  in.ApproverName,
			TxID:          txID,
			BeforeBalance: balance,
			AfterBalance:  after,
		}); err != nil {
			return err
		}

		if err := s.AppendAudit(ctx, ledger.AuditRecord{
			ID:       uuid.NewString(),
			Entity:   "settlement",
			EntityID: settlementID,
			Action:   "settle",
			ActorID:  principal.UserID,
			Diff: map[string]any{
				"type":           string(in.Type),
				"amount":         amount.String(),
				"before_balance": balance.String(),
				"after_balance":  after.String(),
				"reason":         in.Reason,
			},
		}); err != nil {
			return err
		}

		result = SettleResult{TxID: txID, BeforeBalance: balance, AfterBalance: after}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if e.Recalc != nil {
		if err := e.Recalc.Recompute(ctx, in.StudentID, in.Month); err != nil {
			log.Printf("recompute failed for %s %s: %v", in.StudentID, in.Month, err)
		}
	}
	return &result, nil
}

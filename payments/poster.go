/*
poster.go - Posting and correcting payments

PURPOSE:
  Three admin operations over the payment lifecycle:

  Post:   Payment row + one balanced debit CASH|BANK / credit AR pair per
          allocated student, tagged "payment-{id}-{student}".
  Modify: Reverse-then-repost. A reversal transaction dated at the
          ORIGINAL occurred_at (debit/credit swapped), a reversal Payment
          row (negative amount, linked to the origin), a fresh posting for
          the corrected values, and a PaymentModification audit record.
  Delete: Reverse-and-remove. One reversal per affected student dated NOW
          (deletion is an administrative correction, not a backdated fix),
          invoice paid amounts walked back, and a PaymentDeletion snapshot
          written BEFORE the row is removed so the delete stays
          recoverable by inspection.

  All writes of one operation run inside a single store transaction, and
  mutations are serialized per (student, month). After commit, the invoice
  recompute for every affected pair is fired best-effort: its failure is
  logged, never unwinds the committed ledger write.

SEE ALSO:
  - settlement.go: Balance resolution, same discipline
  - ledger/ledger.go: Balance enforcement and reversal building
*/
package payments

import (
	"context"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/classhub/tuition-ledger/billing"
	"github.com/classhub/tuition-ledger/ledger"
)

// =============================================================================
// POSTER
// =============================================================================

// Poster posts and corrects payments.
type Poster struct {
	Store  TxStore
	Recalc Recalculator
	Locks  *PairLocks
}

// NewPoster builds a Poster. Pass the same PairLocks to every service that
// mutates invoices (see NewEngine) so their mutations serialize in-process;
// nil allocates a private set.
func NewPoster(store TxStore, recalc Recalculator, locks *PairLocks) *Poster {
	if locks == nil {
		locks = NewPairLocks()
	}
	return &Poster{Store: store, Recalc: recalc, Locks: locks}
}

func paymentTxKey(paymentID, studentID string) string {
	return "payment-" + paymentID + "-" + studentID
}

// =============================================================================
// POST
// =============================================================================

// Post records a new payment and its ledger legs.
func (p *Poster) Post(ctx context.Context, principal Principal, in PostInput) (*PostResult, error) {
	if !principal.IsAdmin() {
		return nil, ledger.ErrForbidden
	}
	if !in.Amount.IsPositive() {
		return nil, &ledger.ValidationError{Field: "amount", Message: "must be positive"}
	}
	if !in.Method.Valid() {
		return nil, &ledger.ValidationError{Field: "method", Message: "must be cash or bank"}
	}
	if (in.StudentID == "") == (in.FamilyID == "") {
		return nil, &ledger.ValidationError{Field: "student_id", Message: "exactly one of student_id or family_id is required"}
	}
	if in.OccurredAt.IsZero() {
		in.OccurredAt = time.Now().UTC()
	}
	month := ledger.MonthOf(in.OccurredAt)
	paymentID := uuid.NewString()

	allocs, err := p.resolveAllocations(ctx, paymentID, in)
	if err != nil {
		return nil, err
	}

	pairs := make([]Pair, len(allocs))
	for i, a := range allocs {
		pairs[i] = Pair{StudentID: a.StudentID, Month: month}
	}
	release := p.Locks.Acquire(pairs)
	defer release()

	err = p.Store.WithTx(ctx, func(s Store) error {
		if err := s.CreatePayment(ctx, Payment{
			ID:         paymentID,
			StudentID:  in.StudentID,
			FamilyID:   in.FamilyID,
			Amount:     in.Amount,
			Method:     in.Method,
			OccurredAt: in.OccurredAt,
			Memo:       in.Memo,
			CreatedBy:  principal.UserID,
		}); err != nil {
			return err
		}
		if in.FamilyID != "" {
			if err := s.CreateAllocations(ctx, allocs); err != nil {
				return err
			}
		}

		led := ledger.New(s)
		for _, a := range allocs {
			if _, err := led.EnsureAccounts(ctx, a.StudentID, []ledger.AccountCode{in.Method.DebitAccount(), ledger.AccountAR}); err != nil {
				return err
			}
			entries := ledger.Pair(a.StudentID, in.Method.DebitAccount(), ledger.AccountAR, a.Amount,
				paymentTxKey(paymentID, a.StudentID), in.Memo, in.OccurredAt, month, principal.UserID)
			if _, err := led.PostTransaction(ctx, entries); err != nil {
				return err
			}
			if err := adjustInvoicePaid(ctx, s, a.StudentID, month, a.Amount); err != nil {
				return err
			}
		}

		return s.AppendAudit(ctx, ledger.AuditRecord{
			ID:       uuid.NewString(),
			Entity:   "payment",
			EntityID: paymentID,
			Action:   "post",
			ActorID:  principal.UserID,
			Diff: map[string]any{
				"amount": in.Amount.String(),
				"method": string(in.Method),
				"month":  month.String(),
			},
		})
	})
	if err != nil {
		return nil, err
	}

	p.recompute(ctx, pairs)
	return &PostResult{PaymentID: paymentID, Month: month}, nil
}

// resolveAllocations validates and materializes the per-student split.
func (p *Poster) resolveAllocations(ctx context.Context, paymentID string, in PostInput) ([]PaymentAllocation, error) {
	if in.StudentID != "" {
		return []PaymentAllocation{{PaymentID: paymentID, StudentID: in.StudentID, Amount: in.Amount}}, nil
	}

	allocs := in.Allocations
	if len(allocs) == 0 {
		students, err := p.Store.FamilyStudents(ctx, in.FamilyID)
		if err != nil {
			return nil, err
		}
		if len(students) == 0 {
			return nil, &ledger.ValidationError{Field: "family_id", Message: "family has no students"}
		}
		allocs = SplitEvenly(in.Amount, students)
	}

	sum := decimal.Zero
	for i := range allocs {
		if !allocs[i].Amount.IsPositive() {
			return nil, &ledger.ValidationError{Field: "allocations", Message: "allocation amounts must be positive"}
		}
		allocs[i].PaymentID = paymentID
		sum = sum.Add(allocs[i].Amount)
	}
	if !sum.Equal(in.Amount) {
		return nil, &ledger.ValidationError{Field: "allocations", Message: "allocations must sum to the payment amount"}
	}
	return allocs, nil
}

// =============================================================================
// MODIFY - Reverse then repost
// =============================================================================

// Modify corrects a payment: reversal dated at the original occurred_at,
// repost dated at the new one, both linked to the origin.
func (p *Poster) Modify(ctx context.Context, principal Principal, in ModifyInput) (*ModifyResult, error) {
	if !principal.IsAdmin() {
		return nil, ledger.ErrForbidden
	}
	if in.Reason == "" {
		return nil, &ledger.ValidationError{Field: "reason", Message: "required"}
	}
	if in.StudentID == "" {
		return nil, &ledger.ValidationError{Field: "student_id", Message: "required"}
	}
	if !in.Amount.IsPositive() {
		return nil, &ledger.ValidationError{Field: "amount", Message: "must be positive"}
	}
	if !in.Method.Valid() {
		return nil, &ledger.ValidationError{Field: "method", Message: "must be cash or bank"}
	}
	if in.OccurredAt.IsZero() {
		in.OccurredAt = time.Now().UTC()
	}

	orig, err := p.Store.PaymentByID(ctx, in.PaymentID)
	if err != nil {
		return nil, err
	}
	if orig == nil {
		return nil, fmt.Errorf("payment %s: %w", in.PaymentID, ledger.ErrNotFound)
	}

	origEntries, err := p.Store.EntriesByTxKeyPrefix(ctx, "payment-"+in.PaymentID+"-")
	if err != nil {
		return nil, err
	}

	newMonth := ledger.MonthOf(in.OccurredAt)
	pairs := entryPairs(origEntries)
	pairs = append(pairs, Pair{StudentID: in.StudentID, Month: newMonth})
	release := p.Locks.Acquire(pairs)
	defer release()

	reversalPaymentID := uuid.NewString()
	newPaymentID := uuid.NewString()

	err = p.Store.WithTx(ctx, func(s Store) error {
		entries, err := s.EntriesByTxKeyPrefix(ctx, "payment-"+in.PaymentID+"-")
		if err != nil {
			return err
		}
		if len(entries) == 0 || allNetZero(entries) {
			return &ledger.StateConflictError{StudentID: in.StudentID, Month: newMonth,
				Message: "payment has already been reversed"}
		}

		led := ledger.New(s)

		// Reversal dated at the ORIGINAL occurred_at, legs swapped.
		reversal := make([]ledger.Entry, len(entries))
		for i, e := range entries {
			inv := e.Inverted()
			inv.TxKey = paymentTxKey(in.PaymentID, e.StudentID) + "-reversal"
			inv.OccurredAt = orig.OccurredAt
			inv.Memo = "Reversal: " + in.Reason
			inv.CreatedBy = principal.UserID
			reversal[i] = inv
		}
		if _, err := led.PostTransaction(ctx, reversal); err != nil {
			return err
		}
		if err := s.CreatePayment(ctx, Payment{
			ID:              reversalPaymentID,
			StudentID:       orig.StudentID,
			FamilyID:        orig.FamilyID,
			Amount:          orig.Amount.Neg(),
			Method:          orig.Method,
			OccurredAt:      orig.OccurredAt,
			Memo:            "Reversal: " + in.Reason,
			ParentPaymentID: orig.ID,
			CreatedBy:       principal.UserID,
		}); err != nil {
			return err
		}

		// Walk back the original AR credit per (student, month).
		for pair, credit := range arCreditByPair(entries) {
			if err := adjustInvoicePaid(ctx, s, pair.StudentID, pair.Month, credit.Neg()); err != nil {
				return err
			}
		}

		// Repost with the corrected values.
		if err := s.CreatePayment(ctx, Payment{
			ID:              newPaymentID,
			StudentID:       in.StudentID,
			Amount:          in.Amount,
			Method:          in.Method,
			OccurredAt:      in.OccurredAt,
			Memo:            in.Memo,
			ParentPaymentID: orig.ID,
			CreatedBy:       principal.UserID,
		}); err != nil {
			return err
		}
		if _, err := led.EnsureAccounts(ctx, in.StudentID, []ledger.AccountCode{in.Method.DebitAccount(), ledger.AccountAR}); err != nil {
			return err
		}
		repost := ledger.Pair(in.StudentID, in.Method.DebitAccount(), ledger.AccountAR, in.Amount,
			paymentTxKey(newPaymentID, in.StudentID), in.Memo, in.OccurredAt, newMonth, principal.UserID)
		if _, err := led.PostTransaction(ctx, repost); err != nil {
			return err
		}
		if err := adjustInvoicePaid(ctx, s, in.StudentID, newMonth, in.Amount); err != nil {
			return err
		}

		if err := s.CreateModification(ctx, PaymentModification{
			ID:                uuid.NewString(),
			PaymentID:         orig.ID,
			ReversalPaymentID: reversalPaymentID,
			NewPaymentID:      newPaymentID,
			Before: map[string]any{
				"student_id":  orig.StudentID,
				"family_id":   orig.FamilyID,
				"amount":      orig.Amount.String(),
				"method":      string(orig.Method),
				"occurred_at": orig.OccurredAt.Format(time.RFC3339),
				"memo":        orig.Memo,
			},
			After: map[string]any{
				"student_id":  in.StudentID,
				"amount":      in.Amount.String(),
				"method":      string(in.Method),
				"occurred_at": in.OccurredAt.Format(time.RFC3339),
				"memo":        in.Memo,
			},
			Reason:  in.Reason,
			ActorID: principal.UserID,
		}); err != nil {
			return err
		}

		return s.AppendAudit(ctx, ledger.AuditRecord{
			ID:       uuid.NewString(),
			Entity:   "payment",
			EntityID: orig.ID,
			Action:   "modify",
			ActorID:  principal.UserID,
			Diff:     map[string]any{"reason": in.Reason, "new_payment_id": newPaymentID},
		})
	})
	if err != nil {
		return nil, err
	}

	p.recompute(ctx, pairs)
	students, months := pairSets(pairs)
	return &ModifyResult{
		ReversalPaymentID: reversalPaymentID,
		NewPaymentID:      newPaymentID,
		AffectedStudents:  students,
		AffectedMonths:    months,
	}, nil
}

// =============================================================================
// DELETE - Reverse and remove
// =============================================================================

// Delete reverses a payment's ledger effect and removes the payment row,
// snapshotting everything into a PaymentDeletion record first.
func (p *Poster) Delete(ctx context.Context, principal Principal, paymentID, reason string) (*DeleteResult, error) {
	if !principal.IsAdmin() {
		return nil, ledger.ErrForbidden
	}
	if reason == "" {
		return nil, &ledger.ValidationError{Field: "reason", Message: "required"}
	}

	payment, err := p.Store.PaymentByID(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if payment == nil {
		return nil, fmt.Errorf("payment %s: %w", paymentID, ledger.ErrNotFound)
	}

	preEntries, err := p.Store.EntriesByTxKeyPrefix(ctx, "payment-"+paymentID+"-")
	if err != nil {
		return nil, err
	}
	pairs := entryPairs(preEntries)
	release := p.Locks.Acquire(pairs)
	defer release()

	var reversalTxIDs []string
	err = p.Store.WithTx(ctx, func(s Store) error {
		entries, err := s.EntriesByTxKeyPrefix(ctx, "payment-"+paymentID+"-")
		if err != nil {
			return err
		}
		allocs, err := s.AllocationsByPayment(ctx, paymentID)
		if err != nil {
			return err
		}

		// Walk back each invoice by the AR credit those entries carried.
		for pair, credit := range arCreditByPair(entries) {
			if err := adjustInvoicePaid(ctx, s, pair.StudentID, pair.Month, credit.Neg()); err != nil {
				return err
			}
		}

		// One reversal transaction per affected student, dated now.
		led := ledger.New(s)
		now := time.Now().UTC()
		byStudent := map[string][]ledger.Entry{}
		var studentOrder []string
		for _, e := range entries {
			if _, ok := byStudent[e.StudentID]; !ok {
				studentOrder = append(studentOrder, e.StudentID)
			}
			byStudent[e.StudentID] = append(byStudent[e.StudentID], e)
		}
		for _, studentID := range studentOrder {
			group := byStudent[studentID]
			if allNetZero(group) {
				continue
			}
			reversal := make([]ledger.Entry, len(group))
			for i, e := range group {
				inv := e.Inverted()
				inv.TxKey = paymentTxKey(paymentID, studentID) + "-delete"
				inv.OccurredAt = now
				inv.Memo = "Deleted: " + reason
				inv.CreatedBy = principal.UserID
				reversal[i] = inv
			}
			txID, err := led.PostTransaction(ctx, reversal)
			if err != nil {
				return err
			}
			reversalTxIDs = append(reversalTxIDs, txID)
		}

		students, months := pairSets(pairs)
		payload := map[string]any{
			"id":          payment.ID,
			"student_id":  payment.StudentID,
			"family_id":   payment.FamilyID,
			"amount":      payment.Amount.String(),
			"method":      string(payment.Method),
			"occurred_at": payment.OccurredAt.Format(time.RFC3339),
			"memo":        payment.Memo,
		}
		if len(allocs) > 0 {
			allocPayload := make([]map[string]any, len(allocs))
			for i, a := range allocs {
				allocPayload[i] = map[string]any{"student_id": a.StudentID, "amount": a.Amount.String()}
			}
			payload["allocations"] = allocPayload
		}

		// Snapshot BEFORE the row disappears.
		if err := s.CreateDeletion(ctx, PaymentDeletion{
			ID:               uuid.NewString(),
			PaymentID:        payment.ID,
			Payload:          payload,
			ReversalTxIDs:    reversalTxIDs,
			AffectedStudents: students,
			AffectedMonths:   months,
			Reason:           reason,
			ActorID:          principal.UserID,
		}); err != nil {
			return err
		}
		if err := s.DeletePaymentRow(ctx, payment.ID); err != nil {
			return err
		}

		return s.AppendAudit(ctx, ledger.AuditRecord{
			ID:       uuid.NewString(),
			Entity:   "payment",
			EntityID: payment.ID,
			Action:   "delete",
			ActorID:  principal.UserID,
			Diff:     map[string]any{"reason": reason, "reversal_tx_count": len(reversalTxIDs)},
		})
	})
	if err != nil {
		return nil, err
	}

	p.recompute(ctx, pairs)
	students, months := pairSets(pairs)
	return &DeleteResult{
		AffectedStudents: students,
		AffectedMonths:   months,
		ReversalTxCount:  len(reversalTxIDs),
	}, nil
}

// =============================================================================
// SHARED HELPERS
// =============================================================================

// adjustInvoicePaid shifts an invoice's paid amount and re-derives status.
// A missing invoice row is created with zero totals; the post-commit
// recompute fills in the calculated amounts.
func adjustInvoicePaid(ctx context.Context, s Store, studentID string, month ledger.Month, delta decimal.Decimal) error {
	inv, err := s.InvoiceFor(ctx, studentID, month)
	if err != nil {
		return err
	}
	if inv == nil {
		inv = &billing.Invoice{
			ID:        uuid.NewString(),
			StudentID: studentID,
			Month:     month,
		}
	}
	inv.PaidAmount = inv.PaidAmount.Add(delta)
	inv.Status = billing.DeriveStatus(inv.PaidAmount, inv.TotalAmount)
	inv.UpdatedAt = time.Now().UTC()
	return s.UpsertInvoice(ctx, inv)
}

// arCreditByPair sums the net AR credit of the entries per (student, month).
func arCreditByPair(entries []ledger.Entry) map[Pair]decimal.Decimal {
	out := map[Pair]decimal.Decimal{}
	for _, e := range entries {
		if e.Code != ledger.AccountAR {
			continue
		}
		pair := Pair{StudentID: e.StudentID, Month: e.Month}
		out[pair] = out[pair].Add(e.Credit).Sub(e.Debit)
	}
	return out
}

// allNetZero reports whether the entries net to zero on every account,
// i.e. the posting has already been fully reversed.
func allNetZero(entries []ledger.Entry) bool {
	nets := map[string]decimal.Decimal{}
	for _, e := range entries {
		key := e.StudentID + "|" + string(e.Code)
		nets[key] = nets[key].Add(e.Debit).Sub(e.Credit)
	}
	for _, n := range nets {
		if !n.IsZero() {
			return false
		}
	}
	return true
}

// entryPairs collects the distinct (student, month) pairs of the entries.
func entryPairs(entries []ledger.Entry) []Pair {
	seen := map[Pair]bool{}
	var pairs []Pair
	for _, e := range entries {
		pair := Pair{StudentID: e.StudentID, Month: e.Month}
		if !seen[pair] {
			seen[pair] = true
			pairs = append(pairs, pair)
		}
	}
	return pairs
}

// pairSets splits pairs into sorted, deduplicated student and month lists.
func pairSets(pairs []Pair) (students, months []string) {
	seenS := map[string]bool{}
	seenM := map[string]bool{}
	for _, p := range pairs {
		if !seenS[p.StudentID] {
			seenS[p.StudentID] = true
			students = append(students, p.StudentID)
		}
		m := p.Month.String()
		if !seenM[m] {
			seenM[m] = true
			months = append(months, m)
		}
	}
	sort.Strings(students)
	sort.Strings(months)
	return students, months
}

// recompute fires the invoice recompute for each pair, best-effort.
func (p *Poster) recompute(ctx context.Context, pairs []Pair) {
	if p.Recalc == nil {
		return
	}
	seen := map[string]bool{}
	for _, pair := range pairs {
		if seen[pair.Key()] {
			continue
		}
		seen[pair.Key()] = true
		if err := p.Recalc.Recompute(ctx, pair.StudentID, pair.Month); err != nil {
			log.Printf("recompute failed for %s %s: %v", pair.StudentID, pair.Month, err)
		}
	}
}

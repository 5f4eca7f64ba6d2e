/*
payments.go - Payment rows, correction records, and settlements

PURPOSE:
  Implements payments.PaymentStore. Payment rows are the only mutable money
  records in the system (a delete removes the row after its PaymentDeletion
  snapshot is written); the ledger entries they produced stay forever.
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/classhub/tuition-ledger/ledger"
	"github.com/classhub/tuition-ledger/payments"
)

// =============================================================================
// PAYMENTS (payments.PaymentStore interface)
// =============================================================================

func (s *Store) CreatePayment(ctx context.Context, p payments.Payment) error {
	createdAt := p.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO payments
		(id, student_id, family_id, amount, method, occurred_at, memo,
		 parent_payment_id, created_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		p.ID, nullString(p.StudentID), nullString(p.FamilyID),
		p.Amount.String(), string(p.Method), formatTime(p.OccurredAt),
		p.Memo, nullString(p.ParentPaymentID), p.CreatedBy, formatTime(createdAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create payment: %w", err)
	}
	return nil
}

// PaymentByID returns the payment, or ErrNotFound when no row exists.
func (s *Store) PaymentByID(ctx context.Context, id string) (*payments.Payment, error) {
	row := s.q.QueryRowContext(ctx, `
		SELECT id, COALESCE(student_id, ''), COALESCE(family_id, ''), amount, method,
		       occurred_at, COALESCE(memo, ''), COALESCE(parent_payment_id, ''),
		       COALESCE(created_by, ''), created_at
		FROM payments WHERE id = ?
	`, id)

	var p payments.Payment
	var amount, occurredAt, createdAt string
	err := row.Scan(&p.ID, &p.StudentID, &p.FamilyID, &amount, (*string)(&p.Method),
		&occurredAt, &p.Memo, &p.ParentPaymentID, &p.CreatedBy, &createdAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("payment %s: %w", id, ledger.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query payment: %w", err)
	}
	p.Amount = mustDecimal(amount)
	p.OccurredAt = parseTime(occurredAt)
	p.CreatedAt = parseTime(createdAt)
	return &p, nil
}

// DeletePaymentRow removes the payment and its allocations. Callers must
// have written the PaymentDeletion snapshot first.
func (s *Store) DeletePaymentRow(ctx context.Context, id string) error {
	if _, err := s.q.ExecContext(ctx, `DELETE FROM payment_allocations WHERE payment_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete allocations: %w", err)
	}
	res, err := s.q.ExecContext(ctx, `DELETE FROM payments WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete payment: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("payment %s: %w", id, ledger.ErrNotFound)
	}
	return nil
}

func (s *Store) CreateAllocations(ctx context.Context, allocs []payments.PaymentAllocation) error {
	for _, a := range allocs {
		_, err := s.q.ExecContext(ctx, `
			INSERT INTO payment_allocations (payment_id, student_id, allocated_amount)
			VALUES (?, ?, ?)
		`, a.PaymentID, a.StudentID, a.Amount.String())
		if err != nil {
			return fmt.Errorf("failed to create allocation: %w", err)
		}
	}
	return nil
}

func (s *Store) AllocationsByPayment(ctx context.Context, paymentID string) ([]payments.PaymentAllocation, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT payment_id, student_id, allocated_amount
		FROM payment_allocations WHERE payment_id = ? ORDER BY student_id ASC
	`, paymentID)
	if err != nil {
		return nil, fmt.Errorf("failed to query allocations: %w", err)
	}
	defer rows.Close()

	var allocs []payments.PaymentAllocation
	for rows.Next() {
		var a payments.PaymentAllocation
		var amount string
		if err := rows.Scan(&a.PaymentID, &a.StudentID, &amount); err != nil {
			return nil, err
		}
		a.Amount = mustDecimal(amount)
		allocs = append(allocs, a)
	}
	return allocs, rows.Err()
}

// =============================================================================
// CORRECTION RECORDS
// =============================================================================

func (s *Store) CreateModification(ctx context.Context, m payments.PaymentModification) error {
	createdAt := m.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO payment_modifications
		(id, payment_id, reversal_payment_id, new_payment_id, before_json, after_json,
		 reason, actor_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		m.ID, m.PaymentID, m.ReversalPaymentID, m.NewPaymentID,
		marshalJSON(m.Before), marshalJSON(m.After),
		m.Reason, nullString(m.ActorID), formatTime(createdAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create modification record: %w", err)
	}
	return nil
}

func (s *Store) CreateDeletion(ctx context.Context, d payments.PaymentDeletion) error {
	createdAt := d.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO payment_deletions
		(id, payment_id, payload_json, reversal_tx_ids_json, affected_students_json,
		 affected_months_json, reason, actor_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		d.ID, d.PaymentID, marshalJSON(d.Payload), marshalJSON(d.ReversalTxIDs),
		marshalJSON(d.AffectedStudents), marshalJSON(d.AffectedMonths),
		d.Reason, nullString(d.ActorID), formatTime(createdAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create deletion record: %w", err)
	}
	return nil
}

// DeletionByPayment returns the deletion snapshot for a removed payment,
// or nil when none exists.
func (s *Store) DeletionByPayment(ctx context.Context, paymentID string) (*payments.PaymentDeletion, error) {
	row := s.q.QueryRowContext(ctx, `
		SELECT id, payment_id, payload_json, reversal_tx_ids_json,
		       affected_students_json, affected_months_json, reason,
		       COALESCE(actor_id, ''), created_at
		FROM payment_deletions WHERE payment_id = ?
		ORDER BY created_at DESC LIMIT 1
	`, paymentID)

	var d payments.PaymentDeletion
	var payload, txIDs, students, months, createdAt string
	err := row.Scan(&d.ID, &d.PaymentID, &payload, &txIDs, &students, &months,
		&d.Reason, &d.ActorID, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query deletion record: %w", err)
	}
	d.Payload = unmarshalJSON[map[string]any](payload)
	d.ReversalTxIDs = unmarshalJSON[[]string](txIDs)
	d.AffectedStudents = unmarshalJSON[[]string](students)
	d.AffectedMonths = unmarshalJSON[[]string](months)
	d.CreatedAt = parseTime(createdAt)
	return &d, nil
}

// =============================================================================
// SETTLEMENTS
// =============================================================================

func (s *Store) CreateSettlement(ctx context.Context, set payments.Settlement) error {
	createdAt := set.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	consent := 0
	if set.ConsentGiven {
		consent = 1
	}
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO settlements
		(id, student_id, month, settlement_type, amount, reason, consent_given,
		 approver_id, approver_name, tx_id, before_balance, after_balance, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		set.ID, set.StudentID, set.Month.String(), string(set.Type),
		set.Amount.String(), set.Reason, consent,
		nullString(set.ApproverID), nullString(set.ApproverName), set.TxID,
		set.BeforeBalance.String(), set.AfterBalance.String(), formatTime(createdAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create settlement: %w", err)
	}
	return nil
}

// =============================================================================
// FAMILIES
// =============================================================================

// FamilyStudents returns the family's student ids in stable order.
func (s *Store) FamilyStudents(ctx context.Context, familyID string) ([]string, error) {
	return s.scanIDsWith(ctx, `SELECT id FROM students WHERE family_id = ? ORDER BY id ASC`, familyID)
}

func (s *Store) scanIDsWith(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

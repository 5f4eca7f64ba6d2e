/*
store.go - Store contract for payment and settlement operations

PURPOSE:
  One interface bundling everything a mutating operation touches: ledger
  accounts/entries, invoices, payment rows, correction records, and the
  audit log. TxStore adds WithTx so a whole operation - reversal insert,
  repost insert, invoice update, audit row - commits together or not at
  all. A failure at any step leaves no partial ledger state.

SEE ALSO:
  - store/sqlite: The production implementation
  - poster.go, settlement.go: The operations running against this
*/
package payments

import (
	"context"

	"github.com/classhub/tuition-ledger/billing"
	"github.com/classhub/tuition-ledger/ledger"
)

// PaymentStore persists payments and their correction records.
type PaymentStore interface {
	CreatePayment(ctx context.Context, p Payment) error
	PaymentByID(ctx context.Context, id string) (*Payment, error)

	// DeletePaymentRow removes the payment and its allocations. Only the
	// delete operation calls this, after snapshotting into PaymentDeletion.
	DeletePaymentRow(ctx context.Context, id string) error

	CreateAllocations(ctx context.Context, allocs []PaymentAllocation) error
	AllocationsByPayment(ctx context.Context, paymentID string) ([]PaymentAllocation, error)

	CreateModification(ctx context.Context, m PaymentModification) error
	CreateDeletion(ctx context.Context, d PaymentDeletion) error
	CreateSettlement(ctx context.Context, s Settlement) error

	// FamilyStudents returns the student ids belonging to a family,
	// for even-split allocation of family payments.
	FamilyStudents(ctx context.Context, familyID string) ([]string, error)
}

// Store is everything one operation reads and writes.
type Store interface {
	ledger.Store
	ledger.AuditLog
	billing.InvoiceStore
	PaymentStore
}

// TxStore runs an operation's writes inside a single database transaction.
type TxStore interface {
	Store

	// WithTx executes fn against a transaction-scoped Store. If fn returns
	// an error the transaction is rolled back, otherwise committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// Recalculator triggers the idempotent invoice recompute after a ledger
// mutation. Failures are logged by the caller, never rolled back - the
// ledger write already succeeded and the recompute is safe to retry.
type Recalculator interface {
	Recompute(ctx context.Context, studentID string, month ledger.Month) error
}

/*
Package payments posts, corrects, and settles tuition payments.

PURPOSE:
  Every money mutation in the system lives here:
  - Poster: post new payments, modify (reverse + repost), delete
    (reverse + remove) with full audit lineage
  - Engine: settle a leftover invoice balance into a discount write-off,
    a voluntary contribution, or carried credit

  Both follow the same discipline: never edit ledger history, always post
  a reversal; wrap every operation's writes in one store transaction; and
  serialize mutations per (student, month).

KEY CONCEPTS IN THIS FILE (types.go):
  - Payment: a root payment, or a reversal/repost linked to its origin
  - PaymentAllocation: a family payment split across siblings
  - PaymentModification / PaymentDeletion: audit records of corrections
  - Settlement: an immutable record of a balance resolution
  - Principal: the authenticated caller; mutations require admin

SEE ALSO:
  - poster.go: Post / Modify / Delete
  - settlement.go: Settle
  - store.go: Store contract the operations run against
*/
package payments

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/classhub/tuition-ledger/ledger"
)

// =============================================================================
// PRINCIPAL - Authenticated caller
// =============================================================================

// Principal is the authenticated identity performing an operation.
type Principal struct {
	UserID string
	Role   string
}

func (p Principal) IsAdmin() bool { return p.Role == "admin" }

// =============================================================================
// PAYMENT - Root payments and their correction lineage
// =============================================================================

type PaymentMethod string

const (
	MethodCash PaymentMethod = "cash"
	MethodBank PaymentMethod = "bank"
)

func (m PaymentMethod) Valid() bool { return m == MethodCash || m == MethodBank }

// DebitAccount returns the asset account the method books into.
func (m PaymentMethod) DebitAccount() ledger.AccountCode {
	if m == MethodBank {
		return ledger.AccountBank
	}
	return ledger.AccountCash
}

// Payment is a posted payment. A root payment has no ParentPaymentID; a
// reversal or corrected repost links back to its origin, forming a lineage
// chain that makes every correction discoverable.
type Payment struct {
	ID              string
	StudentID       string // empty for family payments
	FamilyID        string // empty for single-student payments
	Amount          decimal.Decimal
	Method          PaymentMethod
	OccurredAt      time.Time
	Memo            string
	ParentPaymentID string
	CreatedBy       string
	CreatedAt       time.Time
}

// PaymentAllocation splits a family payment across siblings.
type PaymentAllocation struct {
	PaymentID string
	StudentID string
	Amount    decimal.Decimal
}

// SplitEvenly divides amount across the students, assigning any indivisible
// remainder to the first student so the parts always sum to the whole.
func SplitEvenly(amount decimal.Decimal, studentIDs []string) []PaymentAllocation {
	n := int64(len(studentIDs))
	if n == 0 {
		return nil
	}
	share := amount.Div(decimal.NewFromInt(n)).Floor()
	allocs := make([]PaymentAllocation, len(studentIDs))
	assigned := decimal.Zero
	for i, id := range studentIDs {
		allocs[i] = PaymentAllocation{StudentID: id, Amount: share}
		assigned = assigned.Add(share)
	}
	allocs[0].Amount = allocs[0].Amount.Add(amount.Sub(assigned))
	return allocs
}

// =============================================================================
// CORRECTION RECORDS
// =============================================================================

// PaymentModification records a modify operation: the reversal + repost
// pair, the before/after payloads, and the operator's reason.
type PaymentModification struct {
	ID                string
	PaymentID         string
	ReversalPaymentID string
	NewPaymentID      string
	Before            map[string]any
	After             map[string]any
	Reason            string
	ActorID           string
	CreatedAt         time.Time
}

// PaymentDeletion snapshots a payment before its row is removed, with
// enough data (payload, reversal tx ids, affected pairs) to reconstruct
// the payment by inspection even though the row itself is gone.
type PaymentDeletion struct {
	ID               string
	PaymentID        string
	Payload          map[string]any
	ReversalTxIDs    []string
	AffectedStudents []string
	AffectedMonths   []string
	Reason           string
	ActorID          string
	CreatedAt        time.Time
}

// =============================================================================
// SETTLEMENT
// =============================================================================

type SettlementType string

const (
	SettleDiscount      SettlementType = "discount"               // debit balance written off
	SettleContribution  SettlementType = "voluntary_contribution" // credit donated, with consent
	SettleUnappliedCash SettlementType = "unapplied_cash"         // credit carried as liability
)

func (t SettlementType) Valid() bool {
	return t == SettleDiscount || t == SettleContribution || t == SettleUnappliedCash
}

// Settlement is the immutable record of one balance resolution.
type Settlement struct {
	ID            string
	StudentID     string
	Month         ledger.Month
	Type          SettlementType
	Amount        decimal.Decimal
	Reason        string
	ConsentGiven  bool
	ApproverID    string
	ApproverName  string
	TxID          string
	BeforeBalance decimal.Decimal
	AfterBalance  decimal.Decimal
	CreatedAt     time.Time
}

// =============================================================================
// OPERATION INPUTS AND RESULTS
// =============================================================================

// PostInput posts a new payment. Exactly one of StudentID/FamilyID is set.
// For family payments, Allocations splits the amount; when omitted the
// poster splits evenly across the family's students.
type PostInput struct {
	StudentID   string
	FamilyID    string
	Amount      decimal.Decimal
	Method      PaymentMethod
	OccurredAt  time.Time
	Memo        string
	Allocations []PaymentAllocation
}

type PostResult struct {
	PaymentID string
	Month     ledger.Month
}

// ModifyInput corrects an existing payment via reverse + repost.
type ModifyInput struct {
	PaymentID  string
	StudentID  string
	Amount     decimal.Decimal
	Method     PaymentMethod
	OccurredAt time.Time
	Memo       string
	Reason     string
}

type ModifyResult struct {
	ReversalPaymentID string
	NewPaymentID      string
	AffectedStudents  []string
	AffectedMonths    []string
}

type DeleteResult struct {
	AffectedStudents []string
	AffectedMonths   []string
	ReversalTxCount  int
}

// SettleInput resolves a leftover invoice balance.
type SettleInput struct {
	StudentID    string
	Month        ledger.Month
	Type         SettlementType
	Amount       decimal.Decimal
	Reason       string
	ConsentGiven bool
	ApproverName string
}

type SettleResult struct {
	TxID          string
	BeforeBalance decimal.Decimal
	AfterBalance  decimal.Decimal
}

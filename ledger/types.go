/*
Package ledger provides the double-entry accounting core.

PURPOSE:
  This package contains the durable bookkeeping model for student tuition:
  accounts, entries, and balanced transactions. Every charge, payment,
  discount write-off, and correction in the system flows through here as a
  set of debit/credit rows sharing one transaction id.

KEY CONCEPTS IN THIS FILE (types.go):
  - AccountCode: The fixed, domain-specific chart of accounts
  - Account: One ledger account per (student, code), created lazily
  - Entry: An immutable debit-or-credit row belonging to a transaction
  - Month: A billing month (YYYY-MM), the unit invoices are cut at

DESIGN PRINCIPLES:
  1. Immutability: Entries are never modified, only reversed
  2. Precision: Uses decimal.Decimal to avoid floating-point errors
  3. Balance: For every transaction id, sum(debit) == sum(credit)
  4. Auditability: Every entry carries memo, month, actor, and an
     idempotency key so a correction can always be traced

SEE ALSO:
  - ledger.go: Transaction posting with balance enforcement
  - store.go: Persistence interfaces
  - errors.go: Error taxonomy shared by the whole engine
*/
package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// ACCOUNT CODES - Fixed chart of accounts
// =============================================================================

// AccountCode identifies one of the fixed tuition accounts.
// The account set is domain-specific and not editable at runtime.
type AccountCode string

const (
	AccountAR       AccountCode = "AR"       // Accounts Receivable: what the student owes
	AccountCash     AccountCode = "CASH"     // Cash payments received
	AccountBank     AccountCode = "BANK"     // Bank transfer payments received
	AccountDiscount AccountCode = "DISCOUNT" // Discount write-offs against AR
	AccountRevenue  AccountCode = "REVENUE"  // Recognized revenue (voluntary contributions)
	AccountCredit   AccountCode = "CREDIT"   // Liability: prepaid credit carried to future months
)

// AllAccountCodes lists every valid code, in a stable order.
var AllAccountCodes = []AccountCode{
	AccountAR, AccountCash, AccountBank, AccountDiscount, AccountRevenue, AccountCredit,
}

// Valid reports whether the code belongs to the fixed account set.
func (c AccountCode) Valid() bool {
	switch c {
	case AccountAR, AccountCash, AccountBank, AccountDiscount, AccountRevenue, AccountCredit:
		return true
	}
	return false
}

// Account is one ledger account owned by a student.
// There is exactly one account per (student, code); accounts are created
// lazily on first use and never deleted while entries reference them.
type Account struct {
	ID        string
	StudentID string
	Code      AccountCode
	CreatedAt time.Time
}

// =============================================================================
// ENTRY - One immutable debit-or-credit row
// =============================================================================

// Entry is a single ledger row. Exactly one of Debit/Credit is non-zero.
// Entries sharing a TxID form one atomic, balanced transaction.
//
// StudentID and Code identify the owning account; AccountID is resolved by
// the store when the entry is persisted (accounts are created lazily) and
// populated on load.
type Entry struct {
	ID         string
	TxID       string
	TxKey      string // idempotency token, e.g. "payment-{id}-{student}"; empty = none
	AccountID  string
	StudentID  string
	Code       AccountCode
	Debit      decimal.Decimal
	Credit     decimal.Decimal
	OccurredAt time.Time
	Memo       string
	Month      Month
	CreatedBy  string
	CreatedAt  time.Time
}

// Amount returns the entry's magnitude regardless of side.
func (e Entry) Amount() decimal.Decimal {
	if e.Debit.IsPositive() {
		return e.Debit
	}
	return e.Credit
}

// IsDebit reports whether the entry is a debit row.
func (e Entry) IsDebit() bool { return e.Debit.IsPositive() }

// Inverted returns a copy with debit and credit swapped. ID, TxID, and TxKey
// are cleared; the caller stamps the reversal transaction's own identifiers.
func (e Entry) Inverted() Entry {
	inv := e
	inv.ID = ""
	inv.TxID = ""
	inv.TxKey = ""
	inv.Debit = e.Credit
	inv.Credit = e.Debit
	return inv
}

// =============================================================================
// STUDENT TOTALS - Aggregate debit/credit per student
// =============================================================================

// StudentTotals is the summed debit and credit across every account a
// student owns. Used by the integrity auditor's global balance check.
type StudentTotals struct {
	StudentID string
	Debit     decimal.Decimal
	Credit    decimal.Decimal
}

// Diff returns the signed imbalance (debit minus credit). Zero means the
// student's ledger is globally balanced.
func (t StudentTotals) Diff() decimal.Decimal { return t.Debit.Sub(t.Credit) }

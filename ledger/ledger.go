/*
ledger.go - Balanced transaction posting

PURPOSE:
  The Ledger is the write path into the double-entry store. It validates
  the core invariant before anything touches the database:

      for every transaction id, sum(debit) == sum(credit)

  and that each row carries exactly one non-zero side. An unbalanced set
  is rejected outright with no partial write.

CRITICAL INVARIANTS:
  1. APPEND-ONLY: No update, no delete. Ever.
  2. BALANCED: Every transaction nets to zero.
  3. IDEMPOTENT: A TxKey that already exists rejects the posting.

CORRECTIONS:
  A mistake is never edited. Instead:
  1. Post a reversal transaction (debit/credit swapped)
  2. Both original and reversal remain in the ledger
  3. Net effect is the correction; history is preserved

EXAMPLE FLOW:
  1. Payment 756,000 posted: debit CASH 756,000 / credit AR 756,000
  2. Operator corrects to 700,000:
     reversal: debit AR 756,000 / credit CASH 756,000
     repost:   debit CASH 700,000 / credit AR 700,000
  Net AR effect: -700,000, exactly as if the original never happened.

SEE ALSO:
  - store.go: Persistence interface
  - payments/poster.go: Reversal-based payment corrections
*/
package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// LEDGER - Validated write path
// =============================================================================

// Ledger posts balanced transactions into a Store.
type Ledger struct {
	store Store
}

func New(store Store) *Ledger {
	return &Ledger{store: store}
}

// EnsureAccounts idempotently creates the student's accounts for codes.
func (l *Ledger) EnsureAccounts(ctx context.Context, studentID string, codes []AccountCode) (map[AccountCode]Account, error) {
	for _, c := range codes {
		if !c.Valid() {
			return nil, &ValidationError{Field: "code", Message: "unknown account code " + string(c)}
		}
	}
	return l.store.EnsureAccounts(ctx, studentID, codes)
}

// PostTransaction validates and persists one atomic transaction.
// All entries are stamped with a fresh shared TxID; entry ids are assigned.
// Fails fast on any of:
//   - empty entry set
//   - a row with both sides set, neither set, or a negative side
//   - sum(debit) != sum(credit)
//   - an entry TxKey that already exists in the store
func (l *Ledger) PostTransaction(ctx context.Context, entries []Entry) (string, error) {
	if len(entries) == 0 {
		return "", &ValidationError{Field: "entries", Message: "transaction has no entries"}
	}

	totalDebit := decimal.Zero
	totalCredit := decimal.Zero
	for _, e := range entries {
		if e.Debit.IsNegative() || e.Credit.IsNegative() {
			return "", &ValidationError{Field: "amount", Message: "negative debit or credit"}
		}
		if e.Debit.IsPositive() == e.Credit.IsPositive() {
			return "", &ValidationError{Field: "amount", Message: "exactly one of debit/credit must be non-zero"}
		}
		if !e.Code.Valid() {
			return "", &ValidationError{Field: "code", Message: "unknown account code " + string(e.Code)}
		}
		totalDebit = totalDebit.Add(e.Debit)
		totalCredit = totalCredit.Add(e.Credit)
	}
	if !totalDebit.Equal(totalCredit) {
		return "", &UnbalancedError{TotalDebit: totalDebit, TotalCredit: totalCredit}
	}

	// Idempotency: a key that already exists means this posting (or a retry
	// of it) already landed. Checked per distinct key before insert; the
	// store's unique index backs this up under races.
	seen := map[string]bool{}
	for _, e := range entries {
		if e.TxKey == "" || seen[e.TxKey] {
			continue
		}
		seen[e.TxKey] = true
		existing, err := l.store.EntriesByTxKeyPrefix(ctx, e.TxKey)
		if err != nil {
			return "", err
		}
		for _, ex := range existing {
			if ex.TxKey == e.TxKey {
				return "", ErrDuplicateTxKey
			}
		}
	}

	txID := uuid.NewString()
	now := time.Now().UTC()
	stamped := make([]Entry, len(entries))
	for i, e := range entries {
		e.ID = uuid.NewString()
		e.TxID = txID
		if e.CreatedAt.IsZero() {
			e.CreatedAt = now
		}
		stamped[i] = e
	}

	if err := l.store.InsertEntries(ctx, stamped); err != nil {
		return "", err
	}
	return txID, nil
}

// EntriesByTxKeyPrefix exposes the store lookup for reversal handling.
func (l *Ledger) EntriesByTxKeyPrefix(ctx context.Context, prefix string) ([]Entry, error) {
	return l.store.EntriesByTxKeyPrefix(ctx, prefix)
}

// EntriesByStudent exposes a student's full history.
func (l *Ledger) EntriesByStudent(ctx context.Context, studentID string) ([]Entry, error) {
	return l.store.EntriesByStudent(ctx, studentID)
}

// =============================================================================
// TRANSACTION BUILDERS
// =============================================================================

// Pair builds the two legs of a simple balanced transaction:
// debit `debitCode` / credit `creditCode` for `amount`.
func Pair(studentID string, debitCode, creditCode AccountCode, amount decimal.Decimal, txKey, memo string, occurredAt time.Time, month Month, createdBy string) []Entry {
	return []Entry{
		{
			TxKey:      txKey,
			StudentID:  studentID,
			Code:       debitCode,
			Debit:      amount,
			Credit:     decimal.Zero,
			OccurredAt: occurredAt,
			Memo:       memo,
			Month:      month,
			CreatedBy:  createdBy,
		},
		{
			TxKey:      txKey,
			StudentID:  studentID,
			Code:       creditCode,
			Debit:      decimal.Zero,
			Credit:     amount,
			OccurredAt: occurredAt,
			Memo:       memo,
			Month:      month,
			CreatedBy:  createdBy,
		},
	}
}

// Reversal builds the inverse of the given entries: every debit becomes a
// credit and vice versa. The reversal rows keep each source row's month and
// are stamped with the supplied key, memo, date, and actor.
func Reversal(entries []Entry, txKey, memo string, occurredAt time.Time, createdBy string) []Entry {
	rev := make([]Entry, len(entries))
	for i, e := range entries {
		inv := e.Inverted()
		inv.TxKey = txKey
		inv.Memo = memo
		inv.OccurredAt = occurredAt
		inv.CreatedBy = createdBy
		inv.CreatedAt = time.Time{}
		rev[i] = inv
	}
	return rev
}

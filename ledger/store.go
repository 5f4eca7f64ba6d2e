/*
store.go - Persistence interfaces for the double-entry ledger

PURPOSE:
  Defines the interface between the accounting logic and the database.
  The Store maintains append-only semantics: entries are inserted, never
  updated or deleted. Corrections are new reversal transactions.

KEY INTERFACES:
  Store:    Account + entry persistence (ensure, insert, query)
  AuditLog: Append-only record of who did what

APPEND-ONLY CONTRACT:
  - InsertEntries(): the ONLY entry write; one call = one atomic batch
  - NO update or delete methods exist for entries

IDEMPOTENCY:
  Entries carry a TxKey. Callers locate prior postings with
  EntriesByTxKeyPrefix before writing; the store additionally enforces
  uniqueness on (tx_key, account_id) so a retried posting cannot land twice.

IMPLEMENTATIONS:
  - store/sqlite: production SQLite (same patterns apply to PostgreSQL)

SEE ALSO:
  - ledger.go: Balance enforcement on top of Store
*/
package ledger

import (
	"context"
	"time"
)

// =============================================================================
// STORE - Account and entry persistence (append-only)
// =============================================================================

// Store persists accounts and entries.
// IMPORTANT: entries are APPEND-ONLY. No update, no delete. Ever.
type Store interface {
	// EnsureAccounts idempotently creates any missing accounts for the
	// student and returns all requested accounts, keyed by code.
	EnsureAccounts(ctx context.Context, studentID string, codes []AccountCode) (map[AccountCode]Account, error)

	// InsertEntries persists a balanced batch of entries atomically.
	// Either all rows are written or none are. Account ids are resolved
	// from (StudentID, Code), creating accounts lazily.
	InsertEntries(ctx context.Context, entries []Entry) error

	// EntriesByTxKeyPrefix returns entries whose TxKey starts with prefix,
	// ordered by occurrence. Supports idempotency checks and reversal lookup.
	EntriesByTxKeyPrefix(ctx context.Context, prefix string) ([]Entry, error)

	// EntriesByStudent returns all of a student's entries, ordered by
	// occurrence, across every account they own.
	EntriesByStudent(ctx context.Context, studentID string) ([]Entry, error)

	// AccountsByStudent returns the accounts a student owns.
	AccountsByStudent(ctx context.Context, studentID string) ([]Account, error)

	// LedgerTotals returns per-student aggregate debit/credit sums across
	// every account. Used by the integrity auditor.
	LedgerTotals(ctx context.Context) ([]StudentTotals, error)
}

// =============================================================================
// AUDIT LOG - Separate from the ledger, tracks who did what when
// =============================================================================

// AuditRecord is one append-only audit row, written by every mutating
// operation alongside its ledger writes.
type AuditRecord struct {
	ID        string
	Entity    string // "payment", "invoice", "settlement", ...
	EntityID  string
	Action    string // "post", "modify", "delete", "settle", ...
	ActorID   string
	Diff      map[string]any // before/after or operation payload
	CreatedAt time.Time
}

// AuditLog stores audit records. Also append-only.
type AuditLog interface {
	AppendAudit(ctx context.Context, rec AuditRecord) error
}

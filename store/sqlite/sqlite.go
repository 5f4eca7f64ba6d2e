/*
Package sqlite provides the SQLite-backed implementation of every storage
interface in the engine.

PURPOSE:
  Implements ledger.Store, ledger.AuditLog, billing.InvoiceStore, the
  billing feeds, payments.PaymentStore, payments.TxStore, and
  integrity.Source against one SQLite database. The same patterns apply
  to PostgreSQL - only minor SQL dialect differences.

APPEND-ONLY ENFORCEMENT:
  - No UPDATE or DELETE statements ever touch ledger_entries
  - Corrections are reversal transactions posted through the ledger

IDEMPOTENCY:
  ledger_entries carries a unique index on (tx_key, account_id) where
  tx_key is set, so a retried posting cannot land twice even if the
  caller's pre-insert check races.

TRANSACTIONS:
  WithTx runs a callback against a transaction-scoped Store sharing the
  same methods, so domain code is transaction-agnostic. The pool is
  capped at one connection: SQLite has a single writer anyway, and the
  cap makes ":memory:" databases safe to share across the pool.

KEY TABLES:
  ledger_accounts, ledger_entries:  the double-entry core
  invoices:                         one row per (student, month)
  payments, payment_allocations:    payment rows + family splits
  payment_modifications/_deletions: correction audit records
  settlements, audit_log:           settlement + audit trails
  students, families, users, classes, enrollments, class_sessions,
  attendance, discount_assignments, referral_bonuses, sibling_discounts:
  the externally-owned read feeds the portal populates

SEE ALSO:
  - ledger/store.go, payments/store.go: Interface definitions
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/classhub/tuition-ledger/ledger"
	"github.com/classhub/tuition-ledger/payments"
)

// queryer abstracts *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	q  queryer
}

var _ payments.TxStore = (*Store)(nil)

// New opens (or creates) the database at dbPath and migrates the schema.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// Single writer; also keeps ":memory:" databases on one connection.
	db.SetMaxOpenConns(1)

	store := &Store{db: db, q: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// WithTx executes fn against a transaction-scoped Store.
func (s *Store) WithTx(ctx context.Context, fn func(payments.Store) error) error {
	if _, ok := s.q.(*sql.Tx); ok {
		// Already inside a transaction; nesting reuses it.
		return fn(s)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&Store{db: s.db, q: tx}); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) migrate() error {
	schema := `
	-- Double-entry core -------------------------------------------------

	CREATE TABLE IF NOT EXISTS ledger_accounts (
		id TEXT PRIMARY KEY,
		student_id TEXT NOT NULL,
		code TEXT NOT NULL,
		created_at TEXT NOT NULL,
		UNIQUE(student_id, code)
	);

	CREATE TABLE IF NOT EXISTS ledger_entries (
		id TEXT PRIMARY KEY,
		tx_id TEXT NOT NULL,
		tx_key TEXT,
		account_id TEXT NOT NULL REFERENCES ledger_accounts(id),
		student_id TEXT NOT NULL,
		code TEXT NOT NULL,
		debit TEXT NOT NULL,
		credit TEXT NOT NULL,
		occurred_at TEXT NOT NULL,
		memo TEXT,
		month TEXT NOT NULL,
		created_by TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_entries_student ON ledger_entries(student_id);
	CREATE INDEX IF NOT EXISTS idx_entries_tx_id ON ledger_entries(tx_id);
	CREATE INDEX IF NOT EXISTS idx_entries_tx_key ON ledger_entries(tx_key)
		WHERE tx_key IS NOT NULL;

	-- A retried posting cannot land twice: the two legs of a pair hit
	-- different accounts, so (tx_key, account_id) is unique per posting.
	CREATE UNIQUE INDEX IF NOT EXISTS idx_entries_tx_key_account
		ON ledger_entries(tx_key, account_id)
		WHERE tx_key IS NOT NULL AND tx_key != '';

	-- Billing ------------------------------------------------------------

	CREATE TABLE IF NOT EXISTS invoices (
		id TEXT PRIMARY KEY,
		student_id TEXT NOT NULL,
		month TEXT NOT NULL,
		base_amount TEXT NOT NULL,
		discount_amount TEXT NOT NULL,
		total_amount TEXT NOT NULL,
		paid_amount TEXT NOT NULL,
		status TEXT NOT NULL,
		confirmation_status TEXT NOT NULL DEFAULT '',
		updated_at TEXT NOT NULL,
		UNIQUE(student_id, month)
	);

	-- Payments -----------------------------------------------------------

	CREATE TABLE IF NOT EXISTS payments (
		id TEXT PRIMARY KEY,
		student_id TEXT,
		family_id TEXT,
		amount TEXT NOT NULL,
		method TEXT NOT NULL,
		occurred_at TEXT NOT NULL,
		memo TEXT,
		parent_payment_id TEXT,
		created_by TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_payments_student ON payments(student_id);
	CREATE INDEX IF NOT EXISTS idx_payments_parent ON payments(parent_payment_id)
		WHERE parent_payment_id IS NOT NULL;

	CREATE TABLE IF NOT EXISTS payment_allocations (
		payment_id TEXT NOT NULL,
		student_id TEXT NOT NULL,
		allocated_amount TEXT NOT NULL,
		PRIMARY KEY (payment_id, student_id)
	);

	CREATE TABLE IF NOT EXISTS payment_modifications (
		id TEXT PRIMARY KEY,
		payment_id TEXT NOT NULL,
		reversal_payment_id TEXT NOT NULL,
		new_payment_id TEXT NOT NULL,
		before_json TEXT NOT NULL,
		after_json TEXT NOT NULL,
		reason TEXT NOT NULL,
		actor_id TEXT,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS payment_deletions (
		id TEXT PRIMARY KEY,
		payment_id TEXT NOT NULL,
		payload_json TEXT NOT NULL,
		reversal_tx_ids_json TEXT NOT NULL,
		affected_students_json TEXT NOT NULL,
		affected_months_json TEXT NOT NULL,
		reason TEXT NOT NULL,
		actor_id TEXT,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS settlements (
		id TEXT PRIMARY KEY,
		student_id TEXT NOT NULL,
		month TEXT NOT NULL,
		settlement_type TEXT NOT NULL,
		amount TEXT NOT NULL,
		reason TEXT NOT NULL,
		consent_given INTEGER NOT NULL DEFAULT 0,
		approver_id TEXT,
		approver_name TEXT,
		tx_id TEXT NOT NULL,
		before_balance TEXT NOT NULL,
		after_balance TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS audit_log (
		id TEXT PRIMARY KEY,
		entity TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		action TEXT NOT NULL,
		actor_user_id TEXT,
		diff_json TEXT,
		created_at TEXT NOT NULL
	);

	-- External read feeds (owned by the portal, read-only here) ----------

	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		role TEXT NOT NULL DEFAULT 'staff',
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS families (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS students (
		id TEXT PRIMARY KEY,
		family_id TEXT,
		name TEXT NOT NULL,
		linked_user_id TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_students_family ON students(family_id);

	CREATE TABLE IF NOT EXISTS classes (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		rate TEXT NOT NULL,
		teacher_id TEXT
	);

	CREATE TABLE IF NOT EXISTS enrollments (
		id TEXT PRIMARY KEY,
		student_id TEXT NOT NULL,
		class_id TEXT NOT NULL,
		active INTEGER NOT NULL DEFAULT 1,
		started_at TEXT NOT NULL,
		discount_kind TEXT,
		discount_value TEXT,
		discount_cadence TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_enrollments_student ON enrollments(student_id);

	CREATE TABLE IF NOT EXISTS class_sessions (
		id TEXT PRIMARY KEY,
		class_id TEXT NOT NULL,
		date TEXT NOT NULL,
		ends_at TEXT NOT NULL,
		status TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_class_date ON class_sessions(class_id, date);

	CREATE TABLE IF NOT EXISTS attendance (
		session_id TEXT NOT NULL,
		student_id TEXT NOT NULL,
		status TEXT NOT NULL,
		PRIMARY KEY (session_id, student_id)
	);

	CREATE TABLE IF NOT EXISTS discount_assignments (
		id TEXT PRIMARY KEY,
		student_id TEXT NOT NULL,
		name TEXT NOT NULL,
		kind TEXT NOT NULL,
		value TEXT NOT NULL,
		from_date TEXT,
		to_date TEXT
	);

	CREATE TABLE IF NOT EXISTS referral_bonuses (
		id TEXT PRIMARY KEY,
		student_id TEXT NOT NULL,
		name TEXT NOT NULL,
		kind TEXT NOT NULL,
		value TEXT NOT NULL,
		from_date TEXT,
		to_date TEXT
	);

	CREATE TABLE IF NOT EXISTS sibling_discounts (
		family_id TEXT NOT NULL,
		month TEXT NOT NULL,
		status TEXT NOT NULL,
		winner_student_id TEXT,
		sibling_percent TEXT NOT NULL DEFAULT '0',
		reason TEXT,
		PRIMARY KEY (family_id, month)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// LEDGER STORE (ledger.Store interface)
// =============================================================================

// EnsureAccounts idempotently creates missing accounts for the student.
func (s *Store) EnsureAccounts(ctx context.Context, studentID string, codes []ledger.AccountCode) (map[ledger.AccountCode]ledger.Account, error) {
	out := make(map[ledger.AccountCode]ledger.Account, len(codes))
	for _, code := range codes {
		acct, err := s.ensureAccount(ctx, studentID, code)
		if err != nil {
			return nil, err
		}
		out[code] = acct
	}
	return out, nil
}

func (s *Store) ensureAccount(ctx context.Context, studentID string, code ledger.AccountCode) (ledger.Account, error) {
	id := accountID(studentID, code)
	now := time.Now().UTC()
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO ledger_accounts (id, student_id, code, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(student_id, code) DO NOTHING
	`, id, studentID, string(code), formatTime(now))
	if err != nil {
		return ledger.Account{}, fmt.Errorf("failed to ensure account: %w", err)
	}

	var acct ledger.Account
	var createdAt string
	err = s.q.QueryRowContext(ctx, `
		SELECT id, student_id, code, created_at FROM ledger_accounts
		WHERE student_id = ? AND code = ?
	`, studentID, string(code)).Scan(&acct.ID, &acct.StudentID, (*string)(&acct.Code), &createdAt)
	if err != nil {
		return ledger.Account{}, fmt.Errorf("failed to load account: %w", err)
	}
	acct.CreatedAt = parseTime(createdAt)
	return acct, nil
}

func accountID(studentID string, code ledger.AccountCode) string {
	return "acct-" + studentID + "-" + string(code)
}

// InsertEntries persists a batch of entries atomically. Account ids are
// resolved from (student, code), creating accounts lazily.
func (s *Store) InsertEntries(ctx context.Context, entries []ledger.Entry) error {
	insert := func(scoped *Store) error {
		for _, e := range entries {
			acct, err := scoped.ensureAccount(ctx, e.StudentID, e.Code)
			if err != nil {
				return err
			}
			createdAt := e.CreatedAt
			if createdAt.IsZero() {
				createdAt = time.Now().UTC()
			}
			_, err = scoped.q.ExecContext(ctx, `
				INSERT INTO ledger_entries
				(id, tx_id, tx_key, account_id, student_id, code, debit, credit,
				 occurred_at, memo, month, created_by, created_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			`,
				e.ID, e.TxID, nullString(e.TxKey), acct.ID, e.StudentID, string(e.Code),
				e.Debit.String(), e.Credit.String(), formatTime(e.OccurredAt),
				e.Memo, e.Month.String(), e.CreatedBy, formatTime(createdAt),
			)
			if err != nil {
				if isUniqueConstraintError(err) {
					return ledger.ErrDuplicateTxKey
				}
				return fmt.Errorf("failed to insert entry: %w", err)
			}
		}
		return nil
	}

	// Already transaction-scoped: insert directly. Otherwise open a short
	// transaction so the batch is all-or-nothing.
	if _, ok := s.q.(*sql.Tx); ok {
		return insert(s)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()
	if err := insert(&Store{db: s.db, q: tx}); err != nil {
		return err
	}
	return tx.Commit()
}

const entryColumns = `id, tx_id, COALESCE(tx_key, ''), account_id, student_id, code,
	debit, credit, occurred_at, COALESCE(memo, ''), month, COALESCE(created_by, ''), created_at`

// EntriesByTxKeyPrefix returns entries whose tx_key starts with prefix.
func (s *Store) EntriesByTxKeyPrefix(ctx context.Context, prefix string) ([]ledger.Entry, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT `+entryColumns+` FROM ledger_entries
		WHERE tx_key LIKE ? || '%'
		ORDER BY occurred_at ASC, created_at ASC, id ASC
	`, prefix)
	if err != nil {
		return nil, fmt.Errorf("failed to query entries: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// EntriesByStudent returns all of a student's entries.
func (s *Store) EntriesByStudent(ctx context.Context, studentID string) ([]ledger.Entry, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT `+entryColumns+` FROM ledger_entries
		WHERE student_id = ?
		ORDER BY occurred_at ASC, created_at ASC, id ASC
	`, studentID)
	if err != nil {
		return nil, fmt.Errorf("failed to query entries: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// AccountsByStudent returns the accounts a student owns.
func (s *Store) AccountsByStudent(ctx context.Context, studentID string) ([]ledger.Account, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, student_id, code, created_at FROM ledger_accounts
		WHERE student_id = ? ORDER BY code ASC
	`, studentID)
	if err != nil {
		return nil, fmt.Errorf("failed to query accounts: %w", err)
	}
	defer rows.Close()

	var accounts []ledger.Account
	for rows.Next() {
		var a ledger.Account
		var createdAt string
		if err := rows.Scan(&a.ID, &a.StudentID, (*string)(&a.Code), &createdAt); err != nil {
			return nil, err
		}
		a.CreatedAt = parseTime(createdAt)
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

// LedgerTotals returns per-student aggregate debit/credit sums across all
// accounts, computed in decimal to stay exact.
func (s *Store) LedgerTotals(ctx context.Context) ([]ledger.StudentTotals, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT student_id, debit, credit FROM ledger_entries ORDER BY student_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger totals: %w", err)
	}
	defer rows.Close()

	sums := map[string]*ledger.StudentTotals{}
	var order []string
	for rows.Next() {
		var studentID, debit, credit string
		if err := rows.Scan(&studentID, &debit, &credit); err != nil {
			return nil, err
		}
		t, ok := sums[studentID]
		if !ok {
			t = &ledger.StudentTotals{StudentID: studentID}
			sums[studentID] = t
			order = append(order, studentID)
		}
		t.Debit = t.Debit.Add(mustDecimal(debit))
		t.Credit = t.Credit.Add(mustDecimal(credit))
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	totals := make([]ledger.StudentTotals, len(order))
	for i, id := range order {
		totals[i] = *sums[id]
	}
	return totals, nil
}

func scanEntries(rows *sql.Rows) ([]ledger.Entry, error) {
	var entries []ledger.Entry
	for rows.Next() {
		var e ledger.Entry
		var debit, credit, occurredAt, month, createdAt string
		err := rows.Scan(&e.ID, &e.TxID, &e.TxKey, &e.AccountID, &e.StudentID, (*string)(&e.Code),
			&debit, &credit, &occurredAt, &e.Memo, &month, &e.CreatedBy, &createdAt)
		if err != nil {
			return nil, err
		}
		e.Debit = mustDecimal(debit)
		e.Credit = mustDecimal(credit)
		e.OccurredAt = parseTime(occurredAt)
		e.CreatedAt = parseTime(createdAt)
		if m, err := ledger.ParseMonth(month); err == nil {
			e.Month = m
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// =============================================================================
// AUDIT LOG (ledger.AuditLog interface)
// =============================================================================

// AppendAudit writes one append-only audit row.
func (s *Store) AppendAudit(ctx context.Context, rec ledger.AuditRecord) error {
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO audit_log (id, entity, entity_id, action, actor_user_id, diff_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.Entity, rec.EntityID, rec.Action, rec.ActorID, marshalJSON(rec.Diff), formatTime(createdAt))
	if err != nil {
		return fmt.Errorf("failed to append audit record: %w", err)
	}
	return nil
}

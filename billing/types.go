/*
Package billing computes what a student owes for a month.

PURPOSE:
  The calculator turns externally-owned scheduling and discount data into a
  canonical invoice snapshot: base amount from billable sessions, a fixed
  stack of discount line items, and a floored total. The calculation is
  pure - it never writes - so recomputing after any ledger mutation is
  always safe and always idempotent.

KEY CONCEPTS IN THIS FILE (types.go):
  - BillableSession: a class session that is charged (Present or Absent)
  - Enrollment / DiscountAssignment / ReferralBonus / SiblingDiscountState:
    effective-dated discount inputs, owned by the scheduling side
  - Invoice: the persisted (student, month) row with derived status
  - Snapshot: the pure calculation result

SEE ALSO:
  - calculator.go: The calculation itself
  - discounts.go: The ordered discount rule variants
*/
package billing

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/classhub/tuition-ledger/ledger"
)

// =============================================================================
// SESSIONS - External scheduling/attendance feed
// =============================================================================

type SessionStatus string

const (
	SessionScheduled SessionStatus = "scheduled"
	SessionHeld      SessionStatus = "held"
	SessionCanceled  SessionStatus = "canceled"
)

type AttendanceStatus string

const (
	AttendancePresent AttendanceStatus = "present"
	AttendanceAbsent  AttendanceStatus = "absent"
	AttendanceExcused AttendanceStatus = "excused" // never billed
)

// BillableSession is one session that counts toward the month's charge.
// The feed pre-filters to status Scheduled/Held and attendance
// Present/Absent; the rate is the class's per-session rate.
type BillableSession struct {
	SessionID  string
	ClassID    string
	ClassName  string
	Date       time.Time
	Status     SessionStatus
	Attendance AttendanceStatus
	Rate       decimal.Decimal
}

// Billable reports whether the session is charged: Scheduled or Held, with
// attendance Present or Absent. Excused sessions are never billed.
func (s BillableSession) Billable() bool {
	if s.Status != SessionScheduled && s.Status != SessionHeld {
		return false
	}
	return s.Attendance == AttendancePresent || s.Attendance == AttendanceAbsent
}

// =============================================================================
// DISCOUNT INPUTS - External enrollment/discount feeds
// =============================================================================

type DiscountCadence string

const (
	CadenceMonthly DiscountCadence = "monthly"
	CadenceOnce    DiscountCadence = "once"
)

type DiscountKind string

const (
	DiscountPercent DiscountKind = "percent"
	DiscountFixed   DiscountKind = "fixed"
)

// EnrollmentDiscount is the optional discount attached to an enrollment.
type EnrollmentDiscount struct {
	Kind    DiscountKind
	Value   decimal.Decimal // percent (0-100) or fixed amount
	Cadence DiscountCadence
}

// Enrollment links a student to a class, with an optional discount.
type Enrollment struct {
	ID        string
	StudentID string
	ClassID   string
	ClassName string
	Active    bool
	StartedAt time.Time
	Discount  *EnrollmentDiscount
}

// DiscountAssignment is an ad-hoc discount effective over a date range.
type DiscountAssignment struct {
	ID        string
	StudentID string
	Name      string
	Kind      DiscountKind
	Value     decimal.Decimal
	From      time.Time
	To        time.Time // zero = open-ended
}

// ActiveDuring reports whether the assignment overlaps the month.
func (d DiscountAssignment) ActiveDuring(m ledger.Month) bool {
	return activeDuring(d.From, d.To, m)
}

// ReferralBonus is a discount earned by referring another family.
type ReferralBonus struct {
	ID        string
	StudentID string
	Name      string
	Kind      DiscountKind
	Value     decimal.Decimal
	From      time.Time
	To        time.Time
}

func (r ReferralBonus) ActiveDuring(m ledger.Month) bool {
	return activeDuring(r.From, r.To, m)
}

func activeDuring(from, to time.Time, m ledger.Month) bool {
	if !from.IsZero() && !from.Before(m.End()) {
		return false
	}
	if !to.IsZero() && to.Before(m.Start()) {
		return false
	}
	return true
}

// SiblingDiscountStatus is the per-family sibling discount state for a month.
type SiblingDiscountStatus string

const (
	SiblingAssigned SiblingDiscountStatus = "assigned"
	SiblingPending  SiblingDiscountStatus = "pending"
	SiblingNone     SiblingDiscountStatus = "none"
)

// SiblingDiscountState designates at most one sibling per family per month
// to receive the sibling percentage. Only the winner gets the reduction.
type SiblingDiscountState struct {
	FamilyID        string
	Month           ledger.Month
	Status          SiblingDiscountStatus
	WinnerStudentID string
	Percent         decimal.Decimal
	Reason          string
}

// =============================================================================
// INVOICE - Persisted (student, month) billing row
// =============================================================================

type InvoiceStatus string

const (
	InvoiceDraft   InvoiceStatus = "draft"
	InvoicePartial InvoiceStatus = "partial"
	InvoicePaid    InvoiceStatus = "paid"
)

// DeriveStatus computes the invoice status from paid vs total:
// draft if nothing paid, paid if covered, partial otherwise.
func DeriveStatus(paid, total decimal.Decimal) InvoiceStatus {
	switch {
	case paid.IsZero():
		return InvoiceDraft
	case paid.GreaterThanOrEqual(total):
		return InvoicePaid
	default:
		return InvoicePartial
	}
}

// Invoice is the persisted billing row for one (student, month).
type Invoice struct {
	ID                 string
	StudentID          string
	Month              ledger.Month
	BaseAmount         decimal.Decimal
	DiscountAmount     decimal.Decimal
	TotalAmount        decimal.Decimal
	PaidAmount         decimal.Decimal
	Status             InvoiceStatus
	ConfirmationStatus string
	UpdatedAt          time.Time
}

// Balance returns total minus paid: positive = owed, negative = overpaid.
func (i Invoice) Balance() decimal.Decimal { return i.TotalAmount.Sub(i.PaidAmount) }

// InvoiceStore persists invoices. Satisfied by store/sqlite.
type InvoiceStore interface {
	// InvoiceFor returns the invoice for (student, month), or nil if none.
	InvoiceFor(ctx context.Context, studentID string, month ledger.Month) (*Invoice, error)

	// UpsertInvoice inserts or replaces the (student, month) invoice row.
	UpsertInvoice(ctx context.Context, inv *Invoice) error
}

// =============================================================================
// SNAPSHOT - Pure calculation result
// =============================================================================

// DiscountLine is one named discount contribution.
type DiscountLine struct {
	Source string          `json:"source"` // "enrollment", "assignment", "referral", "sibling"
	Label  string          `json:"label"`
	Amount decimal.Decimal `json:"amount"`
}

// Snapshot is the canonical invoice calculation for (student, month).
// It is a pure value: calling Calculate twice with unchanged inputs yields
// an identical snapshot.
type Snapshot struct {
	StudentID     string
	Month         ledger.Month
	BaseAmount    decimal.Decimal
	Discounts     []DiscountLine
	TotalDiscount decimal.Decimal
	TotalAmount   decimal.Decimal
	Sessions      []BillableSession
	Sibling       *SiblingDiscountState
}

/*
calculator.go - Monthly tuition calculation

PURPOSE:
  Computes a student's canonical invoice snapshot for one month:

    base   = sum of the class rate over billable sessions
    lines  = each discount rule applied to the ORIGINAL base
    total  = max(0, base - sum(lines))

  The calculation is pure: it reads the feeds and returns a value. Callers
  (the recalculator, the payment poster after a correction, the UI) decide
  when to persist the snapshot as the Invoice row. Because nothing is
  written here, recomputation is naturally idempotent.

EDGE CASES:
  - Zero billable sessions: base 0, every discount computed against 0,
    total 0.
  - A discount larger than the base is NOT clamped per line; the stack can
    push total discount above the base. Only the final total is floored.

SEE ALSO:
  - discounts.go: Rule variants and stacking order
  - recalc.go: Snapshot persistence into the Invoice row
*/
package billing

import (
	"context"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/classhub/tuition-ledger/ledger"
)

// =============================================================================
// FEEDS - Read-only inputs owned outside the billing core
// =============================================================================

// SessionFeed supplies a student's sessions for a month. The implementation
// filters to attendance Present/Absent and status Scheduled/Held; the
// calculator re-checks Billable() defensively.
type SessionFeed interface {
	BillableSessions(ctx context.Context, studentID string, month ledger.Month) ([]BillableSession, error)
}

// EnrollmentFeed supplies a student's active enrollments.
type EnrollmentFeed interface {
	ActiveEnrollments(ctx context.Context, studentID string) ([]Enrollment, error)
}

// DiscountFeed supplies effective-dated discount modifiers.
type DiscountFeed interface {
	DiscountAssignments(ctx context.Context, studentID string) ([]DiscountAssignment, error)
	ReferralBonuses(ctx context.Context, studentID string) ([]ReferralBonus, error)

	// SiblingState returns the family state for the student's family and
	// month, or nil when the student has no family or no state exists.
	SiblingState(ctx context.Context, studentID string, month ledger.Month) (*SiblingDiscountState, error)
}

// =============================================================================
// CALCULATOR
// =============================================================================

// Calculator computes invoice snapshots from the external feeds.
type Calculator struct {
	Sessions    SessionFeed
	Enrollments EnrollmentFeed
	Discounts   DiscountFeed
}

func NewCalculator(sessions SessionFeed, enrollments EnrollmentFeed, discounts DiscountFeed) *Calculator {
	return &Calculator{Sessions: sessions, Enrollments: enrollments, Discounts: discounts}
}

// Calculate returns the snapshot for (student, month). Pure: no writes.
func (c *Calculator) Calculate(ctx context.Context, studentID string, month ledger.Month) (*Snapshot, error) {
	if studentID == "" {
		return nil, &ledger.ValidationError{Field: "student_id", Message: "required"}
	}
	if month.IsZero() {
		return nil, &ledger.ValidationError{Field: "month", Message: "required"}
	}

	sessions, err := c.Sessions.BillableSessions(ctx, studentID, month)
	if err != nil {
		return nil, fmt.Errorf("load billable sessions: %w", err)
	}

	base := decimal.Zero
	billable := make([]BillableSession, 0, len(sessions))
	for _, s := range sessions {
		if !s.Billable() {
			continue
		}
		billable = append(billable, s)
		base = base.Add(s.Rate)
	}
	// Stable ordering so repeated calculations are bit-identical.
	sort.Slice(billable, func(i, j int) bool {
		if !billable[i].Date.Equal(billable[j].Date) {
			return billable[i].Date.Before(billable[j].Date)
		}
		return billable[i].SessionID < billable[j].SessionID
	})

	enrollments, err := c.Enrollments.ActiveEnrollments(ctx, studentID)
	if err != nil {
		return nil, fmt.Errorf("load enrollments: %w", err)
	}
	assignments, err := c.Discounts.DiscountAssignments(ctx, studentID)
	if err != nil {
		return nil, fmt.Errorf("load discount assignments: %w", err)
	}
	referrals, err := c.Discounts.ReferralBonuses(ctx, studentID)
	if err != nil {
		return nil, fmt.Errorf("load referral bonuses: %w", err)
	}
	sibling, err := c.Discounts.SiblingState(ctx, studentID, month)
	if err != nil {
		return nil, fmt.Errorf("load sibling state: %w", err)
	}

	rules := buildRules(studentID, month, enrollments, assignments, referrals, sibling)

	lines := make([]DiscountLine, 0, len(rules))
	totalDiscount := decimal.Zero
	for _, rule := range rules {
		amount := rule.Apply(base)
		lines = append(lines, DiscountLine{Source: rule.Source(), Label: rule.Label(), Amount: amount})
		totalDiscount = totalDiscount.Add(amount)
	}

	total := base.Sub(totalDiscount)
	if total.IsNegative() {
		total = decimal.Zero
	}

	return &Snapshot{
		StudentID:     studentID,
		Month:         month,
		BaseAmount:    base,
		Discounts:     lines,
		TotalDiscount: totalDiscount,
		TotalAmount:   total,
		Sessions:      billable,
		Sibling:       sibling,
	}, nil
}

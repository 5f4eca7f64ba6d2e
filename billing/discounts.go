/*
discounts.go - Ordered discount rule variants

PURPOSE:
  Discounts stack additively, each computed against the ORIGINAL base
  amount (never the running remainder), in a fixed order:

    1. Enrollment discount (cadence monthly or once)
    2. Active discount assignments
    3. Active referral bonuses
    4. Sibling discount (only the family's designated winner)

  Each variant is a pure Rule with Apply(base) -> amount, so the stacking
  order is explicit data rather than buried control flow. An individual
  discount is NOT clamped to the base; only the final total amount is
  floored at zero by the calculator.

SEE ALSO:
  - calculator.go: Applies the rules and floors the total
*/
package billing

import (
	"github.com/shopspring/decimal"

	"github.com/classhub/tuition-ledger/ledger"
)

var hundred = decimal.NewFromInt(100)

// Rule is one discount in the stack. Apply is pure.
type Rule interface {
	Source() string
	Label() string
	Apply(base decimal.Decimal) decimal.Decimal
}

// =============================================================================
// RULE VARIANTS
// =============================================================================

type enrollmentRule struct {
	className string
	discount  EnrollmentDiscount
}

func (r enrollmentRule) Source() string { return "enrollment" }
func (r enrollmentRule) Label() string  { return "Enrollment Discount (" + r.className + ")" }

func (r enrollmentRule) Apply(base decimal.Decimal) decimal.Decimal {
	if r.discount.Kind == DiscountPercent {
		return base.Mul(r.discount.Value).Div(hundred)
	}
	return r.discount.Value
}

type assignmentRule struct {
	assignment DiscountAssignment
}

func (r assignmentRule) Source() string { return "assignment" }
func (r assignmentRule) Label() string  { return r.assignment.Name }

func (r assignmentRule) Apply(base decimal.Decimal) decimal.Decimal {
	if r.assignment.Kind == DiscountPercent {
		return base.Mul(r.assignment.Value).Div(hundred)
	}
	return r.assignment.Value
}

type referralRule struct {
	bonus ReferralBonus
}

func (r referralRule) Source() string { return "referral" }
func (r referralRule) Label() string  { return r.bonus.Name }

func (r referralRule) Apply(base decimal.Decimal) decimal.Decimal {
	if r.bonus.Kind == DiscountPercent {
		return base.Mul(r.bonus.Value).Div(hundred)
	}
	return r.bonus.Value
}

type siblingRule struct {
	percent decimal.Decimal
}

func (r siblingRule) Source() string { return "sibling" }
func (r siblingRule) Label() string  { return "Sibling Discount" }

func (r siblingRule) Apply(base decimal.Decimal) decimal.Decimal {
	return base.Mul(r.percent).Div(hundred)
}

// =============================================================================
// RULE ASSEMBLY
// =============================================================================

// buildRules assembles the student's discount stack for the month, in the
// fixed order the engine always applies.
func buildRules(studentID string, month ledger.Month, enrollments []Enrollment, assignments []DiscountAssignment, referrals []ReferralBonus, sibling *SiblingDiscountState) []Rule {
	var rules []Rule

	for _, e := range enrollments {
		if !e.Active || e.Discount == nil {
			continue
		}
		// "once" cadence applies only in the month the enrollment started.
		if e.Discount.Cadence == CadenceOnce && !month.Contains(e.StartedAt) {
			continue
		}
		rules = append(rules, enrollmentRule{className: e.ClassName, discount: *e.Discount})
	}

	for _, a := range assignments {
		if a.ActiveDuring(month) {
			rules = append(rules, assignmentRule{assignment: a})
		}
	}

	for _, r := range referrals {
		if r.ActiveDuring(month) {
			rules = append(rules, referralRule{bonus: r})
		}
	}

	if sibling != nil &&
		sibling.Status == SiblingAssigned &&
		sibling.WinnerStudentID == studentID &&
		sibling.Month.Equal(month) {
		rules = append(rules, siblingRule{percent: sibling.Percent})
	}

	return rules
}

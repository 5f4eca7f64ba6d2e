package billing_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/classhub/tuition-ledger/billing"
	"github.com/classhub/tuition-ledger/ledger"
	"github.com/classhub/tuition-ledger/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestCalculator(t *testing.T) (*billing.Calculator, *sqlite.Store) {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	return billing.NewCalculator(store, store, store), store
}

func month(s string) ledger.Month {
	m, err := ledger.ParseMonth(s)
	if err != nil {
		panic(err)
	}
	return m
}

// seedMathClass sets up stu-1 enrolled in a math class at 210,000 per
// session, with n held sessions in January 2026 attended as given.
func seedMathClass(t *testing.T, store *sqlite.Store, n int, attendance billing.AttendanceStatus, discount *billing.EnrollmentDiscount) {
	ctx := context.Background()
	require.NoError(t, store.SaveStudent(ctx, "stu-1", "", "An", ""))
	require.NoError(t, store.SaveClass(ctx, "class-math", "Math 8", "210000", ""))
	require.NoError(t, store.SaveEnrollment(ctx, billing.Enrollment{
		ID:        "enr-1",
		StudentID: "stu-1",
		ClassID:   "class-math",
		Active:    true,
		StartedAt: time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC),
		Discount:  discount,
	}))
	for i := 0; i < n; i++ {
		date := time.Date(2026, time.January, 5+7*i, 18, 0, 0, 0, time.UTC)
		sessionID := "sess-" + string(rune('a'+i))
		require.NoError(t, store.SaveSession(ctx, sessionID, "class-math", date, date.Add(90*time.Minute), billing.SessionHeld))
		require.NoError(t, store.SaveAttendance(ctx, sessionID, "stu-1", attendance))
	}
}

// =============================================================================
// BASE AMOUNT TESTS
// =============================================================================

func TestCalculate_FourSessions_MonthlyPercentDiscount(t *testing.T) {
	// GIVEN: 4 held sessions at 210,000 and a 10% monthly enrollment discount
	// WHEN: Calculating January 2026
	// THEN: base 840,000, discount 84,000, total 756,000

	calc, store := newTestCalculator(t)
	seedMathClass(t, store, 4, billing.AttendancePresent, &billing.EnrollmentDiscount{
		Kind:    billing.DiscountPercent,
		Value:   decimal.NewFromInt(10),
		Cadence: billing.CadenceMonthly,
	})

	snap, err := calc.Calculate(context.Background(), "stu-1", month("2026-01"))
	require.NoError(t, err)

	assert.True(t, snap.BaseAmount.Equal(decimal.NewFromInt(840000)), "base = 4 x 210,000")
	require.Len(t, snap.Discounts, 1)
	assert.Equal(t, "enrollment", snap.Discounts[0].Source)
	assert.True(t, snap.Discounts[0].Amount.Equal(decimal.NewFromInt(84000)))
	assert.True(t, snap.TotalAmount.Equal(decimal.NewFromInt(756000)))
	assert.Len(t, snap.Sessions, 4)
}

func TestCalculate_AbsentStillBilled_ExcusedIsNot(t *testing.T) {
	// Absent sessions are billed; excused sessions are not.
	calc, store := newTestCalculator(t)
	seedMathClass(t, store, 2, billing.AttendanceAbsent, nil)

	ctx := context.Background()
	date := time.Date(2026, time.January, 26, 18, 0, 0, 0, time.UTC)
	require.NoError(t, store.SaveSession(ctx, "sess-x", "class-math", date, date.Add(time.Hour), billing.SessionHeld))
	require.NoError(t, store.SaveAttendance(ctx, "sess-x", "stu-1", billing.AttendanceExcused))

	snap, err := calc.Calculate(ctx, "stu-1", month("2026-01"))
	require.NoError(t, err)
	assert.True(t, snap.BaseAmount.Equal(decimal.NewFromInt(420000)))
	assert.Len(t, snap.Sessions, 2)
}

func TestCalculate_CanceledSessions_NotBilled(t *testing.T) {
	calc, store := newTestCalculator(t)
	seedMathClass(t, store, 1, billing.AttendancePresent, nil)

	ctx := context.Background()
	date := time.Date(2026, time.January, 20, 18, 0, 0, 0, time.UTC)
	require.NoError(t, store.SaveSession(ctx, "sess-c", "class-math", date, date.Add(time.Hour), billing.SessionCanceled))
	require.NoError(t, store.SaveAttendance(ctx, "sess-c", "stu-1", billing.AttendancePresent))

	snap, err := calc.Calculate(ctx, "stu-1", month("2026-01"))
	require.NoError(t, err)
	assert.True(t, snap.BaseAmount.Equal(decimal.NewFromInt(210000)))
}

func TestCalculate_ZeroSessions_ZeroTotal(t *testing.T) {
	// GIVEN: A student with no sessions but a percent discount in place
	// WHEN: Calculating
	// THEN: Everything is zero, no error

	calc, store := newTestCalculator(t)
	seedMathClass(t, store, 0, billing.AttendancePresent, &billing.EnrollmentDiscount{
		Kind:    billing.DiscountPercent,
		Value:   decimal.NewFromInt(10),
		Cadence: billing.CadenceMonthly,
	})

	snap, err := calc.Calculate(context.Background(), "stu-1", month("2026-01"))
	require.NoError(t, err)
	assert.True(t, snap.BaseAmount.IsZero())
	assert.True(t, snap.TotalAmount.IsZero())
}

// =============================================================================
// DISCOUNT STACKING TESTS
// =============================================================================

func TestCalculate_DiscountsStackAgainstOriginalBase(t *testing.T) {
	// GIVEN: Base 840,000 with a 10% enrollment discount and a 10% assignment
	// WHEN: Calculating
	// THEN: Each line is 84,000 (both computed against 840,000), total 672,000

	calc, store := newTestCalculator(t)
	seedMathClass(t, store, 4, billing.AttendancePresent, &billing.EnrollmentDiscount{
		Kind:    billing.DiscountPercent,
		Value:   decimal.NewFromInt(10),
		Cadence: billing.CadenceMonthly,
	})
	require.NoError(t, store.SaveDiscountAssignment(context.Background(), billing.DiscountAssignment{
		ID:        "disc-1",
		StudentID: "stu-1",
		Name:      "Scholarship",
		Kind:      billing.DiscountPercent,
		Value:     decimal.NewFromInt(10),
	}))

	snap, err := calc.Calculate(context.Background(), "stu-1", month("2026-01"))
	require.NoError(t, err)

	require.Len(t, snap.Discounts, 2)
	assert.True(t, snap.Discounts[0].Amount.Equal(decimal.NewFromInt(84000)))
	assert.True(t, snap.Discounts[1].Amount.Equal(decimal.NewFromInt(84000)))
	assert.True(t, snap.TotalAmount.Equal(decimal.NewFromInt(672000)))
}

func TestCalculate_DiscountsExceedBase_TotalFlooredAtZero(t *testing.T) {
	// GIVEN: A fixed discount larger than the base
	// WHEN: Calculating
	// THEN: The line keeps its full amount; only the total is floored at 0

	calc, store := newTestCalculator(t)
	seedMathClass(t, store, 1, billing.AttendancePresent, nil)
	require.NoError(t, store.SaveDiscountAssignment(context.Background(), billing.DiscountAssignment{
		ID:        "disc-big",
		StudentID: "stu-1",
		Name:      "Full Ride",
		Kind:      billing.DiscountFixed,
		Value:     decimal.NewFromInt(500000),
	}))

	snap, err := calc.Calculate(context.Background(), "stu-1", month("2026-01"))
	require.NoError(t, err)

	assert.True(t, snap.BaseAmount.Equal(decimal.NewFromInt(210000)))
	assert.True(t, snap.TotalDiscount.Equal(decimal.NewFromInt(500000)), "line amount is not clamped")
	assert.True(t, snap.TotalAmount.IsZero(), "total floors at zero")
}

func TestCalculate_OnceCadence_OnlyInStartMonth(t *testing.T) {
	// A "once" discount applies only in the month the enrollment started.
	calc, store := newTestCalculator(t)
	seedMathClass(t, store, 4, billing.AttendancePresent, &billing.EnrollmentDiscount{
		Kind:    billing.DiscountFixed,
		Value:   decimal.NewFromInt(100000),
		Cadence: billing.CadenceOnce,
	})

	ctx := context.Background()
	jan, err := calc.Calculate(ctx, "stu-1", month("2026-01"))
	require.NoError(t, err)
	require.Len(t, jan.Discounts, 1)
	assert.True(t, jan.TotalAmount.Equal(decimal.NewFromInt(740000)))

	// February: enrollment started in January, so no discount.
	date := time.Date(2026, time.February, 2, 18, 0, 0, 0, time.UTC)
	require.NoError(t, store.SaveSession(ctx, "sess-feb", "class-math", date, date.Add(time.Hour), billing.SessionHeld))
	require.NoError(t, store.SaveAttendance(ctx, "sess-feb", "stu-1", billing.AttendancePresent))

	feb, err := calc.Calculate(ctx, "stu-1", month("2026-02"))
	require.NoError(t, err)
	assert.Empty(t, feb.Discounts)
	assert.True(t, feb.TotalAmount.Equal(decimal.NewFromInt(210000)))
}

func TestCalculate_ExpiredAssignment_NotApplied(t *testing.T) {
	calc, store := newTestCalculator(t)
	seedMathClass(t, store, 1, billing.AttendancePresent, nil)
	require.NoError(t, store.SaveDiscountAssignment(context.Background(), billing.DiscountAssignment{
		ID:        "disc-old",
		StudentID: "stu-1",
		Name:      "Expired",
		Kind:      billing.DiscountPercent,
		Value:     decimal.NewFromInt(50),
		From:      time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC),
		To:        time.Date(2025, time.December, 31, 0, 0, 0, 0, time.UTC),
	}))

	snap, err := calc.Calculate(context.Background(), "stu-1", month("2026-01"))
	require.NoError(t, err)
	assert.Empty(t, snap.Discounts)
}

// =============================================================================
// SIBLING DISCOUNT TESTS
// =============================================================================

func TestCalculate_SiblingDiscount_OnlyWinnerGetsIt(t *testing.T) {
	// GIVEN: A family where stu-1 is the designated sibling winner for January
	// WHEN: Calculating both siblings
	// THEN: Only stu-1 carries the sibling line

	calc, store := newTestCalculator(t)
	ctx := context.Background()
	seedMathClass(t, store, 4, billing.AttendancePresent, nil)

	require.NoError(t, store.SaveFamily(ctx, "fam-1", "Nguyen"))
	require.NoError(t, store.SaveStudent(ctx, "stu-1", "fam-1", "An", ""))
	require.NoError(t, store.SaveStudent(ctx, "stu-2", "fam-1", "Binh", ""))
	require.NoError(t, store.SaveEnrollment(ctx, billing.Enrollment{
		ID: "enr-2", StudentID: "stu-2", ClassID: "class-math", Active: true,
		StartedAt: time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC),
	}))
	require.NoError(t, store.SaveAttendance(ctx, "sess-a", "stu-2", billing.AttendancePresent))

	require.NoError(t, store.SaveSiblingState(ctx, billing.SiblingDiscountState{
		FamilyID:        "fam-1",
		Month:           month("2026-01"),
		Status:          billing.SiblingAssigned,
		WinnerStudentID: "stu-1",
		Percent:         decimal.NewFromInt(5),
	}))

	winner, err := calc.Calculate(ctx, "stu-1", month("2026-01"))
	require.NoError(t, err)
	require.Len(t, winner.Discounts, 1)
	assert.Equal(t, "sibling", winner.Discounts[0].Source)
	assert.True(t, winner.Discounts[0].Amount.Equal(decimal.NewFromInt(42000)))

	other, err := calc.Calculate(ctx, "stu-2", month("2026-01"))
	require.NoError(t, err)
	assert.Empty(t, other.Discounts, "non-winning sibling gets no sibling discount")
}

func TestCalculate_SiblingPending_NotApplied(t *testing.T) {
	calc, store := newTestCalculator(t)
	ctx := context.Background()
	seedMathClass(t, store, 4, billing.AttendancePresent, nil)
	require.NoError(t, store.SaveFamily(ctx, "fam-1", "Nguyen"))
	require.NoError(t, store.SaveStudent(ctx, "stu-1", "fam-1", "An", ""))
	require.NoError(t, store.SaveSiblingState(ctx, billing.SiblingDiscountState{
		FamilyID:        "fam-1",
		Month:           month("2026-01"),
		Status:          billing.SiblingPending,
		WinnerStudentID: "stu-1",
		Percent:         decimal.NewFromInt(5),
	}))

	snap, err := calc.Calculate(ctx, "stu-1", month("2026-01"))
	require.NoError(t, err)
	assert.Empty(t, snap.Discounts)
}

// =============================================================================
// IDEMPOTENCE
// =============================================================================

func TestCalculate_Idempotent(t *testing.T) {
	// Calculating twice with unchanged inputs yields identical snapshots.
	calc, store := newTestCalculator(t)
	seedMathClass(t, store, 4, billing.AttendancePresent, &billing.EnrollmentDiscount{
		Kind:    billing.DiscountPercent,
		Value:   decimal.NewFromInt(10),
		Cadence: billing.CadenceMonthly,
	})

	first, err := calc.Calculate(context.Background(), "stu-1", month("2026-01"))
	require.NoError(t, err)
	second, err := calc.Calculate(context.Background(), "stu-1", month("2026-01"))
	require.NoError(t, err)

	assert.True(t, first.BaseAmount.Equal(second.BaseAmount))
	assert.True(t, first.TotalAmount.Equal(second.TotalAmount))
	assert.Equal(t, len(first.Sessions), len(second.Sessions))
	for i := range first.Sessions {
		assert.Equal(t, first.Sessions[i].SessionID, second.Sessions[i].SessionID)
	}
}

// =============================================================================
// RECALCULATOR
// =============================================================================

func TestRecompute_PreservesPaidAmount(t *testing.T) {
	// GIVEN: An invoice with 500,000 already paid
	// WHEN: Recomputing after the schedule changed
	// THEN: Totals refresh, paid amount survives, status re-derives

	calc, store := newTestCalculator(t)
	ctx := context.Background()
	seedMathClass(t, store, 4, billing.AttendancePresent, nil)

	recalc := billing.NewRecalculator(calc, store)
	require.NoError(t, recalc.Recompute(ctx, "stu-1", month("2026-01")))

	inv, err := store.InvoiceFor(ctx, "stu-1", month("2026-01"))
	require.NoError(t, err)
	require.NotNil(t, inv)
	assert.True(t, inv.TotalAmount.Equal(decimal.NewFromInt(840000)))
	assert.Equal(t, billing.InvoiceDraft, inv.Status)

	inv.PaidAmount = decimal.NewFromInt(500000)
	require.NoError(t, store.UpsertInvoice(ctx, inv))

	require.NoError(t, recalc.Recompute(ctx, "stu-1", month("2026-01")))
	inv, err = store.InvoiceFor(ctx, "stu-1", month("2026-01"))
	require.NoError(t, err)
	assert.True(t, inv.PaidAmount.Equal(decimal.NewFromInt(500000)), "recompute never touches paid")
	assert.Equal(t, billing.InvoicePartial, inv.Status)
}

func TestRecompute_StoreFailure_ReportsUpstream(t *testing.T) {
	// GIVEN: A store that can no longer serve the calculation feeds
	// WHEN: Recomputing
	// THEN: The failure carries ErrUpstream so callers log it as a
	//       post-commit recompute problem, not a ledger one

	calc, store := newTestCalculator(t)
	recalc := billing.NewRecalculator(calc, store)
	require.NoError(t, store.Close())

	err := recalc.Recompute(context.Background(), "stu-1", month("2026-01"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ledger.ErrUpstream)
}

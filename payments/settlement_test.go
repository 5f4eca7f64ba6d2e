package payments_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/classhub/tuition-ledger/billing"
	"github.com/classhub/tuition-ledger/ledger"
	"github.com/classhub/tuition-ledger/payments"
	"github.com/classhub/tuition-ledger/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestEngine(t *testing.T) (*payments.Engine, *sqlite.Store) {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	return payments.NewEngine(store, nil, nil), store
}

// seedInvoicePaid creates an invoice with both a total and a paid amount.
func seedInvoicePaid(t *testing.T, store *sqlite.Store, studentID string, m ledger.Month, total, paid int64) {
	require.NoError(t, store.UpsertInvoice(context.Background(), &billing.Invoice{
		ID:          uuid.NewString(),
		StudentID:   studentID,
		Month:       m,
		BaseAmount:  vnd(total),
		TotalAmount: vnd(total),
		PaidAmount:  vnd(paid),
		Status:      billing.DeriveStatus(vnd(paid), vnd(total)),
	}))
}

// =============================================================================
// DISCOUNT SETTLEMENT - Writing off a shortfall
// =============================================================================

func TestSettle_Discount_WritesOffShortfall(t *testing.T) {
	// GIVEN: 756,000 owed, 456,000 paid (balance +300,000)
	// WHEN: Settling a 300,000 discount
	// THEN: Debit DISCOUNT / credit AR, balance lands on zero, invoice paid

	engine, store := newTestEngine(t)
	ctx := context.Background()
	seedInvoicePaid(t, store, "stu-1", month("2026-01"), 756000, 456000)

	res, err := engine.Settle(ctx, admin, payments.SettleInput{
		StudentID: "stu-1",
		Month:     month("2026-01"),
		Type:      payments.SettleDiscount,
		Amount:    vnd(300000),
		Reason:    "hardship write-off",
	})
	require.NoError(t, err)
	assert.True(t, res.BeforeBalance.Equal(vnd(300000)))
	assert.True(t, res.AfterBalance.IsZero())

	entries, err := store.EntriesByStudent(ctx, "stu-1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	for _, e := range entries {
		if e.IsDebit() {
			assert.Equal(t, ledger.AccountDiscount, e.Code)
		} else {
			assert.Equal(t, ledger.AccountAR, e.Code)
		}
		assert.True(t, e.Amount().Equal(vnd(300000)))
	}

	inv, err := store.InvoiceFor(ctx, "stu-1", month("2026-01"))
	require.NoError(t, err)
	assert.True(t, inv.PaidAmount.Equal(vnd(756000)))
	assert.Equal(t, billing.InvoicePaid, inv.Status)
}

func TestSettle_Discount_ClampedToOpenBalance(t *testing.T) {
	// Asking to write off more than is owed only writes off the balance.
	engine, store := newTestEngine(t)
	ctx := context.Background()
	seedInvoicePaid(t, store, "stu-1", month("2026-01"), 756000, 456000)

	res, err := engine.Settle(ctx, admin, payments.SettleInput{
		StudentID: "stu-1",
		Month:     month("2026-01"),
		Type:      payments.SettleDiscount,
		Amount:    vnd(500000),
		Reason:    "generous operator",
	})
	require.NoError(t, err)
	assert.True(t, res.AfterBalance.IsZero(), "clamped to the 300,000 balance")

	entries, err := store.EntriesByStudent(ctx, "stu-1")
	require.NoError(t, err)
	for _, e := range entries {
		assert.True(t, e.Amount().Equal(vnd(300000)))
	}
}

func TestSettle_Discount_RequiresOwedBalance(t *testing.T) {
	// GIVEN: An overpaid invoice (balance negative)
	// WHEN: Settling a discount
	// THEN: Rejected with a state conflict

	engine, store := newTestEngine(t)
	seedInvoicePaid(t, store, "stu-1", month("2026-01"), 756000, 800000)

	_, err := engine.Settle(context.Background(), admin, payments.SettleInput{
		StudentID: "stu-1",
		Month:     month("2026-01"),
		Type:      payments.SettleDiscount,
		Amount:    vnd(1000),
		Reason:    "should not apply",
	})
	assert.ErrorIs(t, err, ledger.ErrStateConflict)
}

// =============================================================================
// VOLUNTARY CONTRIBUTION - Donated credit, consent required
// =============================================================================

func TestSettle_Contribution_RecognizesRevenue(t *testing.T) {
	// GIVEN: 756,000 owed, 800,000 paid (balance -44,000), consent given
	// WHEN: Settling the overpayment as a voluntary contribution
	// THEN: Debit AR / credit REVENUE, balance lands on zero

	engine, store := newTestEngine(t)
	ctx := context.Background()
	seedInvoicePaid(t, store, "stu-1", month("2026-01"), 756000, 800000)

	res, err := engine.Settle(ctx, admin, payments.SettleInput{
		StudentID:    "stu-1",
		Month:        month("2026-01"),
		Type:         payments.SettleContribution,
		Amount:       vnd(44000),
		Reason:       "family donated the overpayment",
		ConsentGiven: true,
		ApproverName: "Director",
	})
	require.NoError(t, err)
	assert.True(t, res.BeforeBalance.Equal(vnd(-44000)))
	assert.True(t, res.AfterBalance.IsZero())

	entries, err := store.EntriesByStudent(ctx, "stu-1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	for _, e := range entries {
		if e.IsDebit() {
			assert.Equal(t, ledger.AccountAR, e.Code)
		} else {
			assert.Equal(t, ledger.AccountRevenue, e.Code)
		}
	}

	inv, err := store.InvoiceFor(ctx, "stu-1", month("2026-01"))
	require.NoError(t, err)
	assert.True(t, inv.PaidAmount.Equal(vnd(756000)), "credit consumed, paid never inflated")
	assert.Equal(t, billing.InvoicePaid, inv.Status)
}

func TestSettle_Contribution_RequiresConsent(t *testing.T) {
	// A family's credit is never converted to revenue without explicit consent.
	engine, store := newTestEngine(t)
	seedInvoicePaid(t, store, "stu-1", month("2026-01"), 756000, 800000)

	_, err := engine.Settle(context.Background(), admin, payments.SettleInput{
		StudentID: "stu-1",
		Month:     month("2026-01"),
		Type:      payments.SettleContribution,
		Amount:    vnd(44000),
		Reason:    "no consent recorded",
	})
	assert.ErrorIs(t, err, ledger.ErrValidation)
}

func TestSettle_Contribution_RequiresOverpaidBalance(t *testing.T) {
	engine, store := newTestEngine(t)
	seedInvoicePaid(t, store, "stu-1", month("2026-01"), 756000, 456000)

	_, err := engine.Settle(context.Background(), admin, payments.SettleInput{
		StudentID:    "stu-1",
		Month:        month("2026-01"),
		Type:         payments.SettleContribution,
		Amount:       vnd(1000),
		Reason:       "nothing to donate",
		ConsentGiven: true,
	})
	assert.ErrorIs(t, err, ledger.ErrStateConflict)
}

// =============================================================================
// UNAPPLIED CASH - Credit carried as a liability
// =============================================================================

func TestSettle_UnappliedCash_CarriesLiability(t *testing.T) {
	// GIVEN: An overpaid invoice
	// WHEN: Settling as unapplied cash
	// THEN: Debit AR / credit CREDIT; the money stays a liability, not revenue

	engine, store := newTestEngine(t)
	ctx := context.Background()
	seedInvoicePaid(t, store, "stu-1", month("2026-01"), 756000, 900000)

	res, err := engine.Settle(ctx, admin, payments.SettleInput{
		StudentID: "stu-1",
		Month:     month("2026-01"),
		Type:      payments.SettleUnappliedCash,
		Amount:    vnd(144000),
		Reason:    "carry to February",
	})
	require.NoError(t, err)
	assert.True(t, res.AfterBalance.IsZero())

	entries, err := store.EntriesByStudent(ctx, "stu-1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	for _, e := range entries {
		if !e.IsDebit() {
			assert.Equal(t, ledger.AccountCredit, e.Code)
		}
	}
}

// =============================================================================
// GUARDS
// =============================================================================

func TestSettle_Guards(t *testing.T) {
	engine, store := newTestEngine(t)
	ctx := context.Background()

	_, err := engine.Settle(ctx, staff, payments.SettleInput{
		StudentID: "stu-1", Month: month("2026-01"),
		Type: payments.SettleDiscount, Amount: vnd(1000), Reason: "r",
	})
	assert.ErrorIs(t, err, ledger.ErrForbidden)

	_, err = engine.Settle(ctx, admin, payments.SettleInput{
		StudentID: "stu-1", Month: month("2026-01"),
		Type: "haircut", Amount: vnd(1000), Reason: "r",
	})
	assert.ErrorIs(t, err, ledger.ErrValidation)

	_, err = engine.Settle(ctx, admin, payments.SettleInput{
		StudentID: "stu-1", Month: month("2026-01"),
		Type: payments.SettleDiscount, Amount: vnd(-5), Reason: "r",
	})
	assert.ErrorIs(t, err, ledger.ErrValidation)

	_, err = engine.Settle(ctx, admin, payments.SettleInput{
		StudentID: "stu-1", Month: month("2026-01"),
		Type: payments.SettleDiscount, Amount: vnd(1000),
	})
	assert.ErrorIs(t, err, ledger.ErrValidation, "reason is mandatory")

	// No invoice for the pair.
	_, err = engine.Settle(ctx, admin, payments.SettleInput{
		StudentID: "stu-none", Month: month("2026-01"),
		Type: payments.SettleDiscount, Amount: vnd(1000), Reason: "r",
	})
	assert.ErrorIs(t, err, ledger.ErrNotFound)

	// The settlement ledger pair still balances globally.
	seedInvoicePaid(t, store, "stu-1", month("2026-01"), 756000, 456000)
	_, err = engine.Settle(ctx, admin, payments.SettleInput{
		StudentID: "stu-1", Month: month("2026-01"),
		Type: payments.SettleDiscount, Amount: vnd(300000), Reason: "write-off",
	})
	require.NoError(t, err)

	totals, err := store.LedgerTotals(ctx)
	require.NoError(t, err)
	require.Len(t, totals, 1)
	assert.True(t, totals[0].Diff().IsZero())
}

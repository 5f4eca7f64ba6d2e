package integrity_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/classhub/tuition-ledger/billing"
	"github.com/classhub/tuition-ledger/integrity"
	"github.com/classhub/tuition-ledger/ledger"
	"github.com/classhub/tuition-ledger/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var scanTime = time.Date(2026, time.January, 15, 12, 0, 0, 0, time.UTC)

func newTestAuditor(t *testing.T) (*integrity.Auditor, *sqlite.Store) {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	auditor := integrity.NewAuditor(store)
	auditor.Now = func() time.Time { return scanTime }
	return auditor, store
}

func month(s string) ledger.Month {
	m, err := ledger.ParseMonth(s)
	if err != nil {
		panic(err)
	}
	return m
}

// =============================================================================
// CLEAN DATABASE
// =============================================================================

func TestScan_CleanDatabase_NoIssues(t *testing.T) {
	auditor, store := newTestAuditor(t)
	ctx := context.Background()

	require.NoError(t, store.SaveUser(ctx, "user-1", "Operator", "admin"))
	require.NoError(t, store.SaveUser(ctx, "user-t", "Teacher", "staff"))
	require.NoError(t, store.SaveStudent(ctx, "stu-1", "", "An", "user-1"))
	require.NoError(t, store.SaveClass(ctx, "class-1", "Math 8", "210000", "user-t"))
	require.NoError(t, store.SaveEnrollment(ctx, billing.Enrollment{
		ID: "enr-1", StudentID: "stu-1", ClassID: "class-1", Active: true,
		StartedAt: scanTime.AddDate(0, -1, 0),
	}))
	held := scanTime.AddDate(0, 0, -7)
	require.NoError(t, store.SaveSession(ctx, "sess-1", "class-1", held, held.Add(time.Hour), billing.SessionHeld))
	require.NoError(t, store.SaveAttendance(ctx, "sess-1", "stu-1", billing.AttendancePresent))

	report, err := auditor.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Summary["total"])
	assert.Equal(t, scanTime, report.ScannedAt)
	assert.Empty(t, report.Issues.Orphans)
	assert.Empty(t, report.Issues.LedgerUnbalanced)
}

// =============================================================================
// ORPHAN DETECTION
// =============================================================================

func TestScan_OrphanedEnrollmentAndSession(t *testing.T) {
	// GIVEN: An enrollment pointing at a missing student and a missing class,
	//        and a session pointing at a missing class
	// WHEN: Scanning
	// THEN: Three orphan issues, each naming the missing reference

	auditor, store := newTestAuditor(t)
	ctx := context.Background()

	require.NoError(t, store.SaveEnrollment(ctx, billing.Enrollment{
		ID: "enr-orphan", StudentID: "stu-ghost", ClassID: "class-ghost", Active: true,
		StartedAt: scanTime,
	}))
	require.NoError(t, store.SaveSession(ctx, "sess-orphan", "class-ghost",
		scanTime.AddDate(0, 0, -7), scanTime.AddDate(0, 0, -7).Add(time.Hour), billing.SessionHeld))

	report, err := auditor.Scan(ctx)
	require.NoError(t, err)
	require.Len(t, report.Issues.Orphans, 3)

	refs := map[string]bool{}
	for _, o := range report.Issues.Orphans {
		refs[o.Kind+"/"+o.MissingRef] = true
	}
	assert.True(t, refs["enrollment/student:stu-ghost"])
	assert.True(t, refs["enrollment/class:class-ghost"])
	assert.True(t, refs["session/class:class-ghost"])
}

func TestScan_OrphanedAttendance(t *testing.T) {
	// GIVEN: An attendance mark pointing at a missing session and a missing
	//        student, next to a fully linked one
	// WHEN: Scanning
	// THEN: Two orphan issues, one per dangling reference
	auditor, store := newTestAuditor(t)
	ctx := context.Background()

	require.NoError(t, store.SaveStudent(ctx, "stu-1", "", "An", ""))
	require.NoError(t, store.SaveClass(ctx, "class-1", "Math 8", "210000", ""))
	held := scanTime.AddDate(0, 0, -7)
	require.NoError(t, store.SaveSession(ctx, "sess-1", "class-1", held, held.Add(time.Hour), billing.SessionHeld))
	require.NoError(t, store.SaveAttendance(ctx, "sess-1", "stu-1", billing.AttendancePresent))
	require.NoError(t, store.SaveAttendance(ctx, "sess-ghost", "stu-ghost", billing.AttendancePresent))

	report, err := auditor.Scan(ctx)
	require.NoError(t, err)
	require.Len(t, report.Issues.Orphans, 2)

	refs := map[string]bool{}
	for _, o := range report.Issues.Orphans {
		assert.Equal(t, "attendance", o.Kind)
		assert.Equal(t, "sess-ghost/stu-ghost", o.ID)
		refs[o.MissingRef] = true
	}
	assert.True(t, refs["session:sess-ghost"])
	assert.True(t, refs["student:stu-ghost"])
}

func TestScan_ClassWithMissingTeacher(t *testing.T) {
	// A class assigned to a deleted user is flagged; an unassigned class
	// is not.
	auditor, store := newTestAuditor(t)
	ctx := context.Background()

	require.NoError(t, store.SaveUser(ctx, "user-t", "Teacher", "staff"))
	require.NoError(t, store.SaveClass(ctx, "class-ok", "Math 8", "210000", "user-t"))
	require.NoError(t, store.SaveClass(ctx, "class-open", "Lit 7", "180000", ""))
	require.NoError(t, store.SaveClass(ctx, "class-bad", "Physics 9", "250000", "user-gone"))

	report, err := auditor.Scan(ctx)
	require.NoError(t, err)
	require.Len(t, report.Issues.Orphans, 1)
	assert.Equal(t, "class", report.Issues.Orphans[0].Kind)
	assert.Equal(t, "class-bad", report.Issues.Orphans[0].ID)
	assert.Equal(t, "teacher:user-gone", report.Issues.Orphans[0].MissingRef)
}

// =============================================================================
// DUPLICATE ENROLLMENTS
// =============================================================================

func TestScan_DuplicateActiveEnrollments(t *testing.T) {
	// Two active enrollments for the same (student, class) is corruption;
	// an inactive duplicate is fine.
	auditor, store := newTestAuditor(t)
	ctx := context.Background()

	require.NoError(t, store.SaveStudent(ctx, "stu-1", "", "An", ""))
	require.NoError(t, store.SaveClass(ctx, "class-1", "Math 8", "210000", ""))
	for _, id := range []string{"enr-1", "enr-2"} {
		require.NoError(t, store.SaveEnrollment(ctx, billing.Enrollment{
			ID: id, StudentID: "stu-1", ClassID: "class-1", Active: true, StartedAt: scanTime,
		}))
	}
	require.NoError(t, store.SaveEnrollment(ctx, billing.Enrollment{
		ID: "enr-old", StudentID: "stu-1", ClassID: "class-1", Active: false, StartedAt: scanTime,
	}))

	report, err := auditor.Scan(ctx)
	require.NoError(t, err)
	require.Len(t, report.Issues.DuplicateEnrollments, 1)
	dup := report.Issues.DuplicateEnrollments[0]
	assert.Equal(t, "stu-1", dup.StudentID)
	assert.Equal(t, "class-1", dup.ClassID)
	assert.Equal(t, 2, dup.Count, "inactive duplicates do not count")
}

// =============================================================================
// SESSION STATUS
// =============================================================================

func TestScan_HeldBeforeEnd_Flagged(t *testing.T) {
	// GIVEN: A session marked held whose end time is still in the future
	// WHEN: Scanning
	// THEN: Flagged; a properly finished held session is not

	auditor, store := newTestAuditor(t)
	ctx := context.Background()
	require.NoError(t, store.SaveClass(ctx, "class-1", "Math 8", "210000", ""))

	future := scanTime.Add(2 * time.Hour)
	require.NoError(t, store.SaveSession(ctx, "sess-early", "class-1", scanTime, future, billing.SessionHeld))

	past := scanTime.Add(-2 * time.Hour)
	require.NoError(t, store.SaveSession(ctx, "sess-done", "class-1", past.Add(-time.Hour), past, billing.SessionHeld))
	require.NoError(t, store.SaveSession(ctx, "sess-sched", "class-1", scanTime, future, billing.SessionScheduled))

	report, err := auditor.Scan(ctx)
	require.NoError(t, err)
	require.Len(t, report.Issues.SessionStatus, 1)
	assert.Equal(t, "sess-early", report.Issues.SessionStatus[0].SessionID)
}

// =============================================================================
// BROKEN USER LINKS
// =============================================================================

func TestScan_BrokenUserLink(t *testing.T) {
	auditor, store := newTestAuditor(t)
	ctx := context.Background()

	require.NoError(t, store.SaveUser(ctx, "user-1", "Parent", "staff"))
	require.NoError(t, store.SaveStudent(ctx, "stu-linked", "", "An", "user-1"))
	require.NoError(t, store.SaveStudent(ctx, "stu-broken", "", "Binh", "user-gone"))
	require.NoError(t, store.SaveStudent(ctx, "stu-unlinked", "", "Chi", ""))

	report, err := auditor.Scan(ctx)
	require.NoError(t, err)
	require.Len(t, report.Issues.BrokenUserLinks, 1)
	assert.Equal(t, "stu-broken", report.Issues.BrokenUserLinks[0].StudentID)
	assert.Equal(t, "user-gone", report.Issues.BrokenUserLinks[0].UserID)
}

// =============================================================================
// LEDGER BALANCE
// =============================================================================

func TestScan_UnbalancedLedger_SignedDiff(t *testing.T) {
	// GIVEN: stu-1 with a lone 100,000 debit (no matching credit) and
	//        stu-2 with a properly balanced pair
	// WHEN: Scanning
	// THEN: Exactly one imbalance issue with diff +100,000

	auditor, store := newTestAuditor(t)
	ctx := context.Background()
	require.NoError(t, store.SaveStudent(ctx, "stu-1", "", "An", ""))
	require.NoError(t, store.SaveStudent(ctx, "stu-2", "", "Binh", ""))

	// Bypass the posting validation to simulate corruption.
	require.NoError(t, store.InsertEntries(ctx, []ledger.Entry{{
		ID:         "bad-entry",
		TxID:       "bad-tx",
		StudentID:  "stu-1",
		Code:       ledger.AccountCash,
		Debit:      decimal.NewFromInt(100000),
		Credit:     decimal.Zero,
		OccurredAt: scanTime,
		Month:      month("2026-01"),
	}}))

	led := ledger.New(store)
	_, err := led.PostTransaction(ctx, ledger.Pair("stu-2", ledger.AccountCash, ledger.AccountAR,
		decimal.NewFromInt(500000), "payment-ok-stu-2", "", scanTime, month("2026-01"), "admin-1"))
	require.NoError(t, err)

	report, err := auditor.Scan(ctx)
	require.NoError(t, err)
	require.Len(t, report.Issues.LedgerUnbalanced, 1)

	issue := report.Issues.LedgerUnbalanced[0]
	assert.Equal(t, "stu-1", issue.StudentID)
	assert.True(t, issue.Diff.Equal(decimal.NewFromInt(100000)), "diff is signed debit minus credit")
	assert.Equal(t, 1, report.Summary["ledger_unbalanced"])
	assert.Equal(t, 1, report.Summary["total"])
}

func TestScan_ReversedPayment_StillBalanced(t *testing.T) {
	// A payment plus its reversal nets to zero and must not be flagged.
	auditor, store := newTestAuditor(t)
	ctx := context.Background()
	require.NoError(t, store.SaveStudent(ctx, "stu-1", "", "An", ""))

	led := ledger.New(store)
	pair := ledger.Pair("stu-1", ledger.AccountCash, ledger.AccountAR,
		decimal.NewFromInt(756000), "payment-p1-stu-1", "", scanTime, month("2026-01"), "admin-1")
	_, err := led.PostTransaction(ctx, pair)
	require.NoError(t, err)

	posted, err := led.EntriesByTxKeyPrefix(ctx, "payment-p1-stu-1")
	require.NoError(t, err)
	reversal := ledger.Reversal(posted, "payment-p1-stu-1-reversal", "Reversal: test", scanTime, "admin-1")
	_, err = led.PostTransaction(ctx, reversal)
	require.NoError(t, err)

	report, err := auditor.Scan(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Issues.LedgerUnbalanced)
}

/*
Package integrity detects structural corruption for operator review.

PURPOSE:
  A read-only scan across the portal's records and the ledger, producing a
  categorized issue report:

  - Orphaned enrollments, sessions, and attendance (references to missing
    rows), and classes whose teacher points at a missing user
  - Duplicate currently-active (student, class) enrollments
  - Sessions whose status disagrees with time (held before ending, or
    held in the future)
  - Students linked to a deleted auth identity
  - Per-student ledger imbalance: total debit != total credit across
    every account the student owns, reported as a signed difference

  The scan is deliberately side-effect-free. Repair tools consume its
  output and apply fixes transactionally with an audit trail, using the
  same reverse-and-repost discipline as payment corrections.

SEE ALSO:
  - ledger/types.go: StudentTotals and the global balance invariant
  - store/sqlite: The Source implementation
*/
package integrity

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SOURCE - Read-only scan inputs
// =============================================================================

// StudentRef is the slice of a student row the scan needs.
type StudentRef struct {
	ID           string
	Name         string
	LinkedUserID string // empty = no auth identity
}

// ClassRef is the slice of a class row the scan needs.
type ClassRef struct {
	ID        string
	TeacherID string // empty = no assigned teacher
}

// EnrollmentRef links a student to a class.
type EnrollmentRef struct {
	ID        string
	StudentID string
	ClassID   string
	Active    bool
}

// SessionRef is one scheduled class session.
type SessionRef struct {
	ID      string
	ClassID string
	Status  string // "scheduled", "held", "canceled"
	EndsAt  time.Time
}

// AttendanceRef is one recorded attendance mark.
type AttendanceRef struct {
	SessionID string
	StudentID string
}

// LedgerTotalsRef is a student's aggregate debit/credit.
type LedgerTotalsRef struct {
	StudentID string
	Debit     decimal.Decimal
	Credit    decimal.Decimal
}

// Source supplies everything the scan reads. Satisfied by store/sqlite.
type Source interface {
	ScanStudents(ctx context.Context) ([]StudentRef, error)
	ScanClasses(ctx context.Context) ([]ClassRef, error)
	ScanUserIDs(ctx context.Context) ([]string, error)
	ScanEnrollments(ctx context.Context) ([]EnrollmentRef, error)
	ScanSessions(ctx context.Context) ([]SessionRef, error)
	ScanAttendance(ctx context.Context) ([]AttendanceRef, error)
	ScanLedgerTotals(ctx context.Context) ([]LedgerTotalsRef, error)
}

// =============================================================================
// REPORT
// =============================================================================

// OrphanIssue is a row whose foreign key points at a missing record.
type OrphanIssue struct {
	Kind       string `json:"kind"` // "enrollment", "session", "attendance", "class"
	ID         string `json:"id"`
	MissingRef string `json:"missing_ref"` // e.g. "student:stu-9"
}

// DuplicateEnrollmentIssue is a (student, class) pair active more than once.
type DuplicateEnrollmentIssue struct {
	StudentID string `json:"student_id"`
	ClassID   string `json:"class_id"`
	Count     int    `json:"count"`
}

// SessionStatusIssue is a session whose status disagrees with the clock.
type SessionStatusIssue struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
	Detail    string `json:"detail"`
}

// BrokenUserLinkIssue is a student pointing at a deleted auth identity.
type BrokenUserLinkIssue struct {
	StudentID string `json:"student_id"`
	UserID    string `json:"user_id"`
}

// LedgerImbalanceIssue is a student whose ledger does not globally balance.
type LedgerImbalanceIssue struct {
	StudentID string          `json:"student_id"`
	Debit     decimal.Decimal `json:"debit"`
	Credit    decimal.Decimal `json:"credit"`
	Diff      decimal.Decimal `json:"diff"` // signed: debit - credit
}

// Issues is the categorized scan output.
type Issues struct {
	Orphans              []OrphanIssue              `json:"orphans"`
	DuplicateEnrollments []DuplicateEnrollmentIssue `json:"duplicate_enrollments"`
	SessionStatus        []SessionStatusIssue       `json:"session_status"`
	BrokenUserLinks      []BrokenUserLinkIssue      `json:"broken_user_links"`
	LedgerUnbalanced     []LedgerImbalanceIssue     `json:"ledger_unbalanced"`
}

// Report is the full scan result.
type Report struct {
	Issues    Issues         `json:"issues"`
	Summary   map[string]int `json:"summary"`
	ScannedAt time.Time      `json:"scanned_at"`
}

// =============================================================================
// AUDITOR
// =============================================================================

// Auditor runs the integrity scan. Now is injectable for tests and
// defaults to time.Now.
type Auditor struct {
	Source Source
	Now    func() time.Time
}

func NewAuditor(source Source) *Auditor {
	return &Auditor{Source: source, Now: time.Now}
}

// Scan walks every check and returns the categorized report. Read-only.
func (a *Auditor) Scan(ctx context.Context) (*Report, error) {
	now := a.Now().UTC()

	students, err := a.Source.ScanStudents(ctx)
	if err != nil {
		return nil, err
	}
	classes, err := a.Source.ScanClasses(ctx)
	if err != nil {
		return nil, err
	}
	userIDs, err := a.Source.ScanUserIDs(ctx)
	if err != nil {
		return nil, err
	}
	enrollments, err := a.Source.ScanEnrollments(ctx)
	if err != nil {
		return nil, err
	}
	sessions, err := a.Source.ScanSessions(ctx)
	if err != nil {
		return nil, err
	}
	attendance, err := a.Source.ScanAttendance(ctx)
	if err != nil {
		return nil, err
	}
	totals, err := a.Source.ScanLedgerTotals(ctx)
	if err != nil {
		return nil, err
	}

	studentSet := make(map[string]bool, len(students))
	for _, s := range students {
		studentSet[s.ID] = true
	}
	classSet := make(map[string]bool, len(classes))
	for _, c := range classes {
		classSet[c.ID] = true
	}
	userSet := make(map[string]bool, len(userIDs))
	for _, id := range userIDs {
		userSet[id] = true
	}
	sessionSet := make(map[string]bool, len(sessions))
	for _, s := range sessions {
		sessionSet[s.ID] = true
	}

	issues := Issues{
		Orphans:              []OrphanIssue{},
		DuplicateEnrollments: []DuplicateEnrollmentIssue{},
		SessionStatus:        []SessionStatusIssue{},
		BrokenUserLinks:      []BrokenUserLinkIssue{},
		LedgerUnbalanced:     []LedgerImbalanceIssue{},
	}

	// Orphans + duplicate active enrollments.
	activeCount := map[[2]string]int{}
	for _, e := range enrollments {
		if !studentSet[e.StudentID] {
			issues.Orphans = append(issues.Orphans, OrphanIssue{Kind: "enrollment", ID: e.ID, MissingRef: "student:" + e.StudentID})
		}
		if !classSet[e.ClassID] {
			issues.Orphans = append(issues.Orphans, OrphanIssue{Kind: "enrollment", ID: e.ID, MissingRef: "class:" + e.ClassID})
		}
		if e.Active {
			activeCount[[2]string{e.StudentID, e.ClassID}]++
		}
	}
	for key, n := range activeCount {
		if n > 1 {
			issues.DuplicateEnrollments = append(issues.DuplicateEnrollments, DuplicateEnrollmentIssue{
				StudentID: key[0], ClassID: key[1], Count: n,
			})
		}
	}

	// Classes whose teacher no longer exists.
	for _, c := range classes {
		if c.TeacherID != "" && !userSet[c.TeacherID] {
			issues.Orphans = append(issues.Orphans, OrphanIssue{Kind: "class", ID: c.ID, MissingRef: "teacher:" + c.TeacherID})
		}
	}

	// Session orphans and time-inconsistent statuses.
	for _, s := range sessions {
		if !classSet[s.ClassID] {
			issues.Orphans = append(issues.Orphans, OrphanIssue{Kind: "session", ID: s.ID, MissingRef: "class:" + s.ClassID})
		}
		if s.Status == "held" && s.EndsAt.After(now) {
			issues.SessionStatus = append(issues.SessionStatus, SessionStatusIssue{
				SessionID: s.ID,
				Status:    s.Status,
				Detail:    "marked held before its end time",
			})
		}
	}

	// Attendance rows feed billing directly, so a dangling mark silently
	// distorts the invoice it lands in.
	for _, att := range attendance {
		id := att.SessionID + "/" + att.StudentID
		if !sessionSet[att.SessionID] {
			issues.Orphans = append(issues.Orphans, OrphanIssue{Kind: "attendance", ID: id, MissingRef: "session:" + att.SessionID})
		}
		if !studentSet[att.StudentID] {
			issues.Orphans = append(issues.Orphans, OrphanIssue{Kind: "attendance", ID: id, MissingRef: "student:" + att.StudentID})
		}
	}

	// Broken auth identity links.
	for _, s := range students {
		if s.LinkedUserID != "" && !userSet[s.LinkedUserID] {
			issues.BrokenUserLinks = append(issues.BrokenUserLinks, BrokenUserLinkIssue{
				StudentID: s.ID, UserID: s.LinkedUserID,
			})
		}
	}

	// Global per-student balance: sum(debit) must equal sum(credit).
	for _, t := range totals {
		diff := t.Debit.Sub(t.Credit)
		if !diff.IsZero() {
			issues.LedgerUnbalanced = append(issues.LedgerUnbalanced, LedgerImbalanceIssue{
				StudentID: t.StudentID, Debit: t.Debit, Credit: t.Credit, Diff: diff,
			})
		}
	}

	return &Report{
		Issues: issues,
		Summary: map[string]int{
			"orphans":               len(issues.Orphans),
			"duplicate_enrollments": len(issues.DuplicateEnrollments),
			"session_status":        len(issues.SessionStatus),
			"broken_user_links":     len(issues.BrokenUserLinks),
			"ledger_unbalanced":     len(issues.LedgerUnbalanced),
			"total": len(issues.Orphans) + len(issues.DuplicateEnrollments) +
				len(issues.SessionStatus) + len(issues.BrokenUserLinks) + len(issues.LedgerUnbalanced),
		},
		ScannedAt: now,
	}, nil
}

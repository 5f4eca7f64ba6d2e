/*
billing.go - Invoice persistence, calculation feeds, and integrity scans

PURPOSE:
  Implements billing.InvoiceStore plus the three read feeds the calculator
  consumes (sessions, enrollments, discounts) and the integrity.Source
  scan queries. The feed tables are owned by the portal's scheduling side;
  this engine only reads them, so the Save* helpers below exist for seeding
  and for tests, not for the serving path.
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/classhub/tuition-ledger/billing"
	"github.com/classhub/tuition-ledger/integrity"
	"github.com/classhub/tuition-ledger/ledger"
)

// =============================================================================
// INVOICES (billing.InvoiceStore interface)
// =============================================================================

// InvoiceFor returns the invoice for (student, month), or nil when none exists.
func (s *Store) InvoiceFor(ctx context.Context, studentID string, month ledger.Month) (*billing.Invoice, error) {
	row := s.q.QueryRowContext(ctx, `
		SELECT id, student_id, month, base_amount, discount_amount, total_amount,
		       paid_amount, status, confirmation_status, updated_at
		FROM invoices WHERE student_id = ? AND month = ?
	`, studentID, month.String())

	var inv billing.Invoice
	var monthStr, base, discount, total, paid, updatedAt string
	err := row.Scan(&inv.ID, &inv.StudentID, &monthStr, &base, &discount, &total,
		&paid, (*string)(&inv.Status), &inv.ConfirmationStatus, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query invoice: %w", err)
	}
	if m, err := ledger.ParseMonth(monthStr); err == nil {
		inv.Month = m
	}
	inv.BaseAmount = mustDecimal(base)
	inv.DiscountAmount = mustDecimal(discount)
	inv.TotalAmount = mustDecimal(total)
	inv.PaidAmount = mustDecimal(paid)
	inv.UpdatedAt = parseTime(updatedAt)
	return &inv, nil
}

// UpsertInvoice inserts or replaces the (student, month) invoice row.
func (s *Store) UpsertInvoice(ctx context.Context, inv *billing.Invoice) error {
	updatedAt := inv.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO invoices
		(id, student_id, month, base_amount, discount_amount, total_amount,
		 paid_amount, status, confirmation_status, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(student_id, month) DO UPDATE SET
			base_amount = excluded.base_amount,
			discount_amount = excluded.discount_amount,
			total_amount = excluded.total_amount,
			paid_amount = excluded.paid_amount,
			status = excluded.status,
			confirmation_status = excluded.confirmation_status,
			updated_at = excluded.updated_at
	`,
		inv.ID, inv.StudentID, inv.Month.String(),
		inv.BaseAmount.String(), inv.DiscountAmount.String(), inv.TotalAmount.String(),
		inv.PaidAmount.String(), string(inv.Status), inv.ConfirmationStatus,
		formatTime(updatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert invoice: %w", err)
	}
	return nil
}

// =============================================================================
// CALCULATION FEEDS (billing.SessionFeed / EnrollmentFeed / DiscountFeed)
// =============================================================================

// BillableSessions returns the student's sessions for the month where the
// session is scheduled or held and attendance is present or absent.
func (s *Store) BillableSessions(ctx context.Context, studentID string, month ledger.Month) ([]billing.BillableSession, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT cs.id, cs.class_id, c.name, cs.date, cs.status, a.status, c.rate
		FROM enrollments e
		JOIN class_sessions cs ON cs.class_id = e.class_id
		JOIN classes c ON c.id = cs.class_id
		JOIN attendance a ON a.session_id = cs.id AND a.student_id = e.student_id
		WHERE e.student_id = ?
		  AND cs.date >= ? AND cs.date < ?
		  AND cs.status IN ('scheduled', 'held')
		  AND a.status IN ('present', 'absent')
		ORDER BY cs.date ASC, cs.id ASC
	`, studentID, formatTime(month.Start()), formatTime(month.End()))
	if err != nil {
		return nil, fmt.Errorf("failed to query billable sessions: %w", err)
	}
	defer rows.Close()

	var sessions []billing.BillableSession
	for rows.Next() {
		var bs billing.BillableSession
		var date, rate string
		err := rows.Scan(&bs.SessionID, &bs.ClassID, &bs.ClassName, &date,
			(*string)(&bs.Status), (*string)(&bs.Attendance), &rate)
		if err != nil {
			return nil, err
		}
		bs.Date = parseTime(date)
		bs.Rate = mustDecimal(rate)
		sessions = append(sessions, bs)
	}
	return sessions, rows.Err()
}

// ActiveEnrollments returns the student's active enrollments with their
// optional enrollment discounts.
func (s *Store) ActiveEnrollments(ctx context.Context, studentID string) ([]billing.Enrollment, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT e.id, e.student_id, e.class_id, c.name, e.started_at,
		       COALESCE(e.discount_kind, ''), COALESCE(e.discount_value, ''),
		       COALESCE(e.discount_cadence, '')
		FROM enrollments e
		JOIN classes c ON c.id = e.class_id
		WHERE e.student_id = ? AND e.active = 1
		ORDER BY e.started_at ASC, e.id ASC
	`, studentID)
	if err != nil {
		return nil, fmt.Errorf("failed to query enrollments: %w", err)
	}
	defer rows.Close()

	var enrollments []billing.Enrollment
	for rows.Next() {
		var e billing.Enrollment
		var startedAt, kind, value, cadence string
		err := rows.Scan(&e.ID, &e.StudentID, &e.ClassID, &e.ClassName, &startedAt,
			&kind, &value, &cadence)
		if err != nil {
			return nil, err
		}
		e.Active = true
		e.StartedAt = parseTime(startedAt)
		if kind != "" {
			e.Discount = &billing.EnrollmentDiscount{
				Kind:    billing.DiscountKind(kind),
				Value:   mustDecimal(value),
				Cadence: billing.DiscountCadence(cadence),
			}
		}
		enrollments = append(enrollments, e)
	}
	return enrollments, rows.Err()
}

// DiscountAssignments returns the student's ad-hoc discount assignments.
func (s *Store) DiscountAssignments(ctx context.Context, studentID string) ([]billing.DiscountAssignment, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, student_id, name, kind, value,
		       COALESCE(from_date, ''), COALESCE(to_date, '')
		FROM discount_assignments WHERE student_id = ? ORDER BY id ASC
	`, studentID)
	if err != nil {
		return nil, fmt.Errorf("failed to query discount assignments: %w", err)
	}
	defer rows.Close()

	var assignments []billing.DiscountAssignment
	for rows.Next() {
		var d billing.DiscountAssignment
		var value, from, to string
		err := rows.Scan(&d.ID, &d.StudentID, &d.Name, (*string)(&d.Kind), &value, &from, &to)
		if err != nil {
			return nil, err
		}
		d.Value = mustDecimal(value)
		d.From = parseTime(from)
		d.To = parseTime(to)
		assignments = append(assignments, d)
	}
	return assignments, rows.Err()
}

// ReferralBonuses returns the student's referral bonuses.
func (s *Store) ReferralBonuses(ctx context.Context, studentID string) ([]billing.ReferralBonus, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, student_id, name, kind, value,
		       COALESCE(from_date, ''), COALESCE(to_date, '')
		FROM referral_bonuses WHERE student_id = ? ORDER BY id ASC
	`, studentID)
	if err != nil {
		return nil, fmt.Errorf("failed to query referral bonuses: %w", err)
	}
	defer rows.Close()

	var bonuses []billing.ReferralBonus
	for rows.Next() {
		var r billing.ReferralBonus
		var value, from, to string
		err := rows.Scan(&r.ID, &r.StudentID, &r.Name, (*string)(&r.Kind), &value, &from, &to)
		if err != nil {
			return nil, err
		}
		r.Value = mustDecimal(value)
		r.From = parseTime(from)
		r.To = parseTime(to)
		bonuses = append(bonuses, r)
	}
	return bonuses, rows.Err()
}

// SiblingState returns the family sibling-discount state for the student's
// family and month, or nil when the student has no family or no state exists.
func (s *Store) SiblingState(ctx context.Context, studentID string, month ledger.Month) (*billing.SiblingDiscountState, error) {
	var familyID sql.NullString
	err := s.q.QueryRowContext(ctx,
		`SELECT family_id FROM students WHERE id = ?`, studentID).Scan(&familyID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query student family: %w", err)
	}
	if !familyID.Valid || familyID.String == "" {
		return nil, nil
	}

	row := s.q.QueryRowContext(ctx, `
		SELECT family_id, month, status, COALESCE(winner_student_id, ''),
		       sibling_percent, COALESCE(reason, '')
		FROM sibling_discounts WHERE family_id = ? AND month = ?
	`, familyID.String, month.String())

	var st billing.SiblingDiscountState
	var monthStr, percent string
	err = row.Scan(&st.FamilyID, &monthStr, (*string)(&st.Status),
		&st.WinnerStudentID, &percent, &st.Reason)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query sibling state: %w", err)
	}
	if m, err := ledger.ParseMonth(monthStr); err == nil {
		st.Month = m
	}
	st.Percent = mustDecimal(percent)
	return &st, nil
}

// =============================================================================
// INTEGRITY SCANS (integrity.Source interface)
// =============================================================================

func (s *Store) ScanStudents(ctx context.Context) ([]integrity.StudentRef, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT id, name, COALESCE(linked_user_id, '') FROM students ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to scan students: %w", err)
	}
	defer rows.Close()

	var refs []integrity.StudentRef
	for rows.Next() {
		var r integrity.StudentRef
		if err := rows.Scan(&r.ID, &r.Name, &r.LinkedUserID); err != nil {
			return nil, err
		}
		refs = append(refs, r)
	}
	return refs, rows.Err()
}

func (s *Store) ScanClasses(ctx context.Context) ([]integrity.ClassRef, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT id, COALESCE(teacher_id, '') FROM classes ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to scan classes: %w", err)
	}
	defer rows.Close()

	var refs []integrity.ClassRef
	for rows.Next() {
		var r integrity.ClassRef
		if err := rows.Scan(&r.ID, &r.TeacherID); err != nil {
			return nil, err
		}
		refs = append(refs, r)
	}
	return refs, rows.Err()
}

func (s *Store) ScanUserIDs(ctx context.Context) ([]string, error) {
	return s.scanIDsWith(ctx, `SELECT id FROM users ORDER BY id`)
}

func (s *Store) ScanEnrollments(ctx context.Context) ([]integrity.EnrollmentRef, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT id, student_id, class_id, active FROM enrollments ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to scan enrollments: %w", err)
	}
	defer rows.Close()

	var refs []integrity.EnrollmentRef
	for rows.Next() {
		var r integrity.EnrollmentRef
		var active int
		if err := rows.Scan(&r.ID, &r.StudentID, &r.ClassID, &active); err != nil {
			return nil, err
		}
		r.Active = active != 0
		refs = append(refs, r)
	}
	return refs, rows.Err()
}

func (s *Store) ScanSessions(ctx context.Context) ([]integrity.SessionRef, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT id, class_id, status, ends_at FROM class_sessions ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to scan sessions: %w", err)
	}
	defer rows.Close()

	var refs []integrity.SessionRef
	for rows.Next() {
		var r integrity.SessionRef
		var endsAt string
		if err := rows.Scan(&r.ID, &r.ClassID, &r.Status, &endsAt); err != nil {
			return nil, err
		}
		r.EndsAt = parseTime(endsAt)
		refs = append(refs, r)
	}
	return refs, rows.Err()
}

func (s *Store) ScanAttendance(ctx context.Context) ([]integrity.AttendanceRef, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT session_id, student_id FROM attendance ORDER BY session_id, student_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to scan attendance: %w", err)
	}
	defer rows.Close()

	var refs []integrity.AttendanceRef
	for rows.Next() {
		var r integrity.AttendanceRef
		if err := rows.Scan(&r.SessionID, &r.StudentID); err != nil {
			return nil, err
		}
		refs = append(refs, r)
	}
	return refs, rows.Err()
}

func (s *Store) ScanLedgerTotals(ctx context.Context) ([]integrity.LedgerTotalsRef, error) {
	totals, err := s.LedgerTotals(ctx)
	if err != nil {
		return nil, err
	}
	refs := make([]integrity.LedgerTotalsRef, len(totals))
	for i, t := range totals {
		refs[i] = integrity.LedgerTotalsRef{StudentID: t.StudentID, Debit: t.Debit, Credit: t.Credit}
	}
	return refs, nil
}

// =============================================================================
// SEED HELPERS - Populate the externally-owned feed tables
// =============================================================================

func (s *Store) SaveUser(ctx context.Context, id, name, role string) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT OR REPLACE INTO users (id, name, role, created_at) VALUES (?, ?, ?, ?)
	`, id, name, role, formatTime(time.Now().UTC()))
	return err
}

func (s *Store) DeleteUser(ctx context.Context, id string) error {
	_, err := s.q.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, id)
	return err
}

func (s *Store) SaveFamily(ctx context.Context, id, name string) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT OR REPLACE INTO families (id, name) VALUES (?, ?)
	`, id, name)
	return err
}

func (s *Store) SaveStudent(ctx context.Context, id, familyID, name, linkedUserID string) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT OR REPLACE INTO students (id, family_id, name, linked_user_id, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, id, nullString(familyID), name, nullString(linkedUserID), formatTime(time.Now().UTC()))
	return err
}

func (s *Store) SaveClass(ctx context.Context, id, name, rate, teacherID string) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT OR REPLACE INTO classes (id, name, rate, teacher_id) VALUES (?, ?, ?, ?)
	`, id, name, rate, nullString(teacherID))
	return err
}

func (s *Store) SaveEnrollment(ctx context.Context, e billing.Enrollment) error {
	var kind, value, cadence sql.NullString
	if e.Discount != nil {
		kind = nullString(string(e.Discount.Kind))
		value = nullString(e.Discount.Value.String())
		cadence = nullString(string(e.Discount.Cadence))
	}
	active := 0
	if e.Active {
		active = 1
	}
	_, err := s.q.ExecContext(ctx, `
		INSERT OR REPLACE INTO enrollments
		(id, student_id, class_id, active, started_at, discount_kind, discount_value, discount_cadence)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.StudentID, e.ClassID, active, formatTime(e.StartedAt), kind, value, cadence)
	return err
}

func (s *Store) SaveSession(ctx context.Context, id, classID string, date, endsAt time.Time, status billing.SessionStatus) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT OR REPLACE INTO class_sessions (id, class_id, date, ends_at, status)
		VALUES (?, ?, ?, ?, ?)
	`, id, classID, formatTime(date), formatTime(endsAt), string(status))
	return err
}

func (s *Store) SaveAttendance(ctx context.Context, sessionID, studentID string, status billing.AttendanceStatus) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT OR REPLACE INTO attendance (session_id, student_id, status)
		VALUES (?, ?, ?)
	`, sessionID, studentID, string(status))
	return err
}

func (s *Store) SaveDiscountAssignment(ctx context.Context, d billing.DiscountAssignment) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT OR REPLACE INTO discount_assignments
		(id, student_id, name, kind, value, from_date, to_date)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, d.ID, d.StudentID, d.Name, string(d.Kind), d.Value.String(), nullTime(d.From), nullTime(d.To))
	return err
}

func (s *Store) SaveReferralBonus(ctx context.Context, r billing.ReferralBonus) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT OR REPLACE INTO referral_bonuses
		(id, student_id, name, kind, value, from_date, to_date)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.StudentID, r.Name, string(r.Kind), r.Value.String(), nullTime(r.From), nullTime(r.To))
	return err
}

func (s *Store) SaveSiblingState(ctx context.Context, st billing.SiblingDiscountState) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT OR REPLACE INTO sibling_discounts
		(family_id, month, status, winner_student_id, sibling_percent, reason)
		VALUES (?, ?, ?, ?, ?, ?)
	`, st.FamilyID, st.Month.String(), string(st.Status),
		nullString(st.WinnerStudentID), st.Percent.String(), nullString(st.Reason))
	return err
}

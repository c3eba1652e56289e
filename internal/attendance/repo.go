package attendance

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"rollcall/internal/geo"
)

// ErrCourseNotFound is returned when a course id is unknown.
var ErrCourseNotFound = errors.New("course not found")

// Course is the attendance-relevant part of a course record.
type Course struct {
	ID           string
	OwnerID      string
	Reference    geo.Point
	RadiusMeters *float64
}

// Repository reads courses and rosters from Postgres and stores finalized
// attendance.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// Course returns a course by id.
func (r *Repository) Course(ctx context.Context, courseID string) (Course, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, owner_id, latitude, longitude, radius_m
		FROM courses WHERE id = $1
	`, courseID)
	var c Course
	if err := row.Scan(&c.ID, &c.OwnerID, &c.Reference.Latitude, &c.Reference.Longitude, &c.RadiusMeters); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Course{}, ErrCourseNotFound
		}
		return Course{}, err
	}
	return c, nil
}

// Roster returns the students enrolled in a course, ordered by name.
func (r *Repository) Roster(ctx context.Context, courseID string) ([]Student, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT s.id, s.email, s.name
		FROM enrollments e
		JOIN students s ON s.id = e.student_id
		WHERE e.course_id = $1
		ORDER BY s.name, s.id
	`, courseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var students []Student
	for rows.Next() {
		var s Student
		if err := rows.Scan(&s.ID, &s.Email, &s.Name); err != nil {
			return nil, err
		}
		students = append(students, s)
	}
	return students, rows.Err()
}

// SaveRoster upserts the final state of every entry of a finished session.
func (r *Repository) SaveRoster(ctx context.Context, sess *Session, roster []Entry) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO attendance_records
			(session_id, course_id, owner_id, student_id, status, checked_in_at, latitude, longitude, changed_by, opened_at, expires_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (session_id, student_id) DO UPDATE SET
			status = EXCLUDED.status,
			checked_in_at = EXCLUDED.checked_in_at,
			latitude = EXCLUDED.latitude,
			longitude = EXCLUDED.longitude,
			changed_by = EXCLUDED.changed_by
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, e := range roster {
		var lat, lng *float64
		if e.Geolocation != nil {
			lat, lng = &e.Geolocation.Latitude, &e.Geolocation.Longitude
		}
		if _, err := stmt.ExecContext(ctx,
			sess.ID, sess.CourseID, sess.OwnerID, e.StudentID, string(e.Status),
			e.CheckedInAt, lat, lng, e.ChangedBy, sess.OpenedAt, sess.ExpiresAt,
		); err != nil {
			return fmt.Errorf("save %s: %w", e.StudentID, err)
		}
	}
	return tx.Commit()
}

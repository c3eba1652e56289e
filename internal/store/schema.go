package store

import (
	"context"
	"database/sql"
)

const schema = `
CREATE TABLE IF NOT EXISTS students (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	email      TEXT UNIQUE NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS courses (
	id        TEXT PRIMARY KEY,
	owner_id  TEXT NOT NULL,
	title     TEXT NOT NULL DEFAULT '',
	latitude  DOUBLE PRECISION NOT NULL DEFAULT 0,
	longitude DOUBLE PRECISION NOT NULL DEFAULT 0,
	radius_m  DOUBLE PRECISION
);

CREATE TABLE IF NOT EXISTS enrollments (
	course_id  TEXT NOT NULL REFERENCES courses(id),
	student_id TEXT NOT NULL REFERENCES students(id),
	PRIMARY KEY (course_id, student_id)
);

CREATE TABLE IF NOT EXISTS attendance_records (
	session_id    TEXT NOT NULL,
	course_id     TEXT NOT NULL,
	owner_id      TEXT NOT NULL,
	student_id    TEXT NOT NULL,
	status        TEXT NOT NULL,
	checked_in_at TIMESTAMPTZ,
	latitude      DOUBLE PRECISION,
	longitude     DOUBLE PRECISION,
	changed_by    TEXT NOT NULL DEFAULT '',
	opened_at     TIMESTAMPTZ NOT NULL,
	expires_at    TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (session_id, student_id)
);

CREATE INDEX IF NOT EXISTS idx_attendance_course ON attendance_records(course_id, opened_at);
`

// Migrate creates the tables used by the attendance repository.
func Migrate(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, schema)
	return err
}

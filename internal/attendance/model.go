package attendance

import (
	"context"
	"strings"
	"sync"
	"time"

	"rollcall/internal/geo"
)

// Status is the attendance state of one student within a session.
type Status string

const (
	StatusWaiting  Status = "WAITING"
	StatusPresent  Status = "PRESENT"
	StatusLate     Status = "LATE"
	StatusAbsent   Status = "ABSENT"
	StatusRejected Status = "REJECTED"
)

// Terminal reports whether no further transition is allowed out of s.
func (s Status) Terminal() bool { return s != StatusWaiting }

// Method is the credential a student presents at check-in.
type Method string

const (
	MethodCode     Method = "code"
	MethodQR       Method = "qr"
	MethodLocation Method = "location"
)

// Valid reports whether m is a known method.
func (m Method) Valid() bool {
	switch m {
	case MethodCode, MethodQR, MethodLocation:
		return true
	}
	return false
}

// OutcomeKind classifies the result of a check-in or override.
type OutcomeKind string

const (
	OutcomeAccepted         OutcomeKind = "ACCEPTED"
	OutcomeBadCode          OutcomeKind = "BAD_CODE"
	OutcomeOutOfRange       OutcomeKind = "OUT_OF_RANGE"
	OutcomeExpired          OutcomeKind = "EXPIRED"
	OutcomeAlreadyCheckedIn OutcomeKind = "ALREADY_CHECKED_IN"
	OutcomeNotFound         OutcomeKind = "NOT_FOUND"
)

// Outcome is returned by CheckIn and Override. Distance is set whenever the
// geolocation was evaluated; Entry holds the entry state after the call.
type Outcome struct {
	Kind     OutcomeKind `json:"kind"`
	Distance *float64    `json:"distance_m,omitempty"`
	Entry    *Entry      `json:"entry,omitempty"`
}

// Student is an enrolled student as provided by the course roster.
type Student struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
}

// Entry is one student's record within a session.
type Entry struct {
	StudentID   string     `json:"student_id"`
	Email       string     `json:"email"`
	Name        string     `json:"name"`
	OneTimeCode string     `json:"-"`
	QRPayload   string     `json:"-"`
	ExpiresAt   time.Time  `json:"expires_at"`
	CheckedInAt *time.Time `json:"checked_in_at,omitempty"`
	Geolocation *geo.Point `json:"geolocation,omitempty"`
	Status      Status     `json:"status"`
	ChangedBy   string     `json:"changed_by,omitempty"`
}

// Session is the attendance window of one course. Fields other than the
// entries are fixed once the session is registered; entries are guarded by
// the session lock, which is the per-course critical section.
type Session struct {
	ID           string
	CourseID     string
	OwnerID      string
	OpenedAt     time.Time
	ExpiresAt    time.Time
	StrictMode   bool
	Method       Method
	Reference    geo.Point
	RadiusMeters float64

	mu      sync.Mutex
	closed  bool
	entries []*Entry
}

// Expired reports whether the window has elapsed at now.
func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// Closed reports whether the session has been finalized or replaced.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Entries returns a copy of the current roster in enrollment order.
func (s *Session) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot()
}

func (s *Session) snapshot() []Entry {
	out := make([]Entry, len(s.entries))
	for i, e := range s.entries {
		out[i] = e.clone()
	}
	return out
}

// lookup finds an entry by student id or, failing that, by email.
// Callers must hold s.mu.
func (s *Session) lookup(identifier string) *Entry {
	for _, e := range s.entries {
		if e.StudentID == identifier {
			return e
		}
	}
	for _, e := range s.entries {
		if strings.EqualFold(e.Email, identifier) {
			return e
		}
	}
	return nil
}

// finalize marks every WAITING entry ABSENT and closes the session.
// Callers must hold s.mu.
func (s *Session) finalize() {
	for _, e := range s.entries {
		if e.Status == StatusWaiting {
			e.Status = StatusAbsent
			e.ChangedBy = ChangedBySystem
		}
	}
	s.closed = true
}

func (e *Entry) clone() Entry {
	c := *e
	if e.CheckedInAt != nil {
		t := *e.CheckedInAt
		c.CheckedInAt = &t
	}
	if e.Geolocation != nil {
		p := *e.Geolocation
		c.Geolocation = &p
	}
	return c
}

// ChangedBy values.
const (
	ChangedBySystem = "system"
	studentPrefix   = "student:"
	teacherPrefix   = "teacher:"
)

// EventType distinguishes push notifications.
type EventType string

const (
	EventStatus EventType = "status"
	EventClosed EventType = "closed"
)

// Event is published to the course's subscriber group whenever an entry
// changes or the session ends.
type Event struct {
	Type      EventType `json:"type"`
	CourseID  string    `json:"course_id"`
	SessionID string    `json:"session_id"`
	StudentID string    `json:"student_id,omitempty"`
	Status    Status    `json:"status,omitempty"`
	At        time.Time `json:"at"`
}

// Publisher pushes events to the subscribers of a course.
type Publisher interface {
	Publish(ctx context.Context, evt Event) error
}

// Delivery carries one student's credentials to the delivery channel.
type Delivery struct {
	SessionID string    `json:"session_id"`
	CourseID  string    `json:"course_id"`
	StudentID string    `json:"student_id"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	Code      string    `json:"code"`
	QRPayload string    `json:"qr_payload"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Deliverer sends a student's code or QR payload.
type Deliverer interface {
	Deliver(ctx context.Context, d Delivery) error
}

// DeliveryStatus reports the outcome of delivering one student's credentials.
type DeliveryStatus struct {
	StudentID string `json:"student_id"`
	Delivered bool   `json:"delivered"`
	Error     string `json:"error,omitempty"`
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, Event) error { return nil }

type nopDeliverer struct{}

func (nopDeliverer) Deliver(context.Context, Delivery) error { return nil }

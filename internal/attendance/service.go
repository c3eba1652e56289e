package attendance

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log"
	"net/url"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"rollcall/internal/geo"
	"rollcall/internal/metrics"
	"rollcall/internal/otp"
)

var (
	ErrCourseRequired = errors.New("course id required")
	ErrInvalidWindow  = errors.New("session window must be positive")
	ErrUnknownMethod  = errors.New("unknown check-in method")
	ErrInvalidRadius  = errors.New("strict mode requires a positive radius")
	ErrInvalidStatus  = errors.New("override status must be PRESENT, LATE or REJECTED")
)

// Options configures a Service. Zero values fall back to no-op collaborators
// and a UTC wall clock.
type Options struct {
	Secret              string
	Publisher           Publisher
	Deliverer           Deliverer
	Metrics             *metrics.Metrics
	Now                 func() time.Time
	LateAfter           time.Duration
	DeliveryConcurrency int
	QRBaseURL           string
}

// Service drives the attendance session state machine.
type Service struct {
	store     *Store
	codes     *otp.Issuer
	publisher Publisher
	deliverer Deliverer
	metrics   *metrics.Metrics
	now       func() time.Time

	secret              string
	lateAfter           time.Duration
	deliveryConcurrency int
	qrBaseURL           string
}

// NewService creates a service over store. The issuer must share the
// service clock so that codes and expiry agree.
func NewService(store *Store, codes *otp.Issuer, opts Options) *Service {
	if opts.Publisher == nil {
		opts.Publisher = nopPublisher{}
	}
	if opts.Deliverer == nil {
		opts.Deliverer = nopDeliverer{}
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if opts.DeliveryConcurrency <= 0 {
		opts.DeliveryConcurrency = 8
	}
	if opts.QRBaseURL == "" {
		opts.QRBaseURL = "rollcall://checkin"
	}
	return &Service{
		store:               store,
		codes:               codes,
		publisher:           opts.Publisher,
		deliverer:           opts.Deliverer,
		metrics:             opts.Metrics,
		now:                 opts.Now,
		secret:              opts.Secret,
		lateAfter:           opts.LateAfter,
		deliveryConcurrency: opts.DeliveryConcurrency,
		qrBaseURL:           opts.QRBaseURL,
	}
}

// OpenRequest describes a new attendance window.
type OpenRequest struct {
	CourseID     string
	OwnerID      string
	Window       time.Duration
	Method       Method
	StrictMode   bool
	Reference    geo.Point
	RadiusMeters float64
	Students     []Student
}

// OpenSession registers a fresh session for the course, replacing any live
// one, and delivers each student's credentials. Delivery failures are
// reported per student and never undo the session.
func (s *Service) OpenSession(ctx context.Context, req OpenRequest) (*Session, []DeliveryStatus, error) {
	if req.CourseID == "" {
		return nil, nil, ErrCourseRequired
	}
	if req.Window <= 0 {
		return nil, nil, ErrInvalidWindow
	}
	if !req.Method.Valid() {
		return nil, nil, fmt.Errorf("%w: %q", ErrUnknownMethod, req.Method)
	}
	if req.Method == MethodLocation {
		req.StrictMode = true
	}
	if req.StrictMode && req.RadiusMeters <= 0 {
		return nil, nil, ErrInvalidRadius
	}

	now := s.now()
	sess := &Session{
		ID:           uuid.NewString(),
		CourseID:     req.CourseID,
		OwnerID:      req.OwnerID,
		OpenedAt:     now,
		ExpiresAt:    now.Add(req.Window),
		StrictMode:   req.StrictMode,
		Method:       req.Method,
		Reference:    req.Reference,
		RadiusMeters: req.RadiusMeters,
	}

	seed := s.secret + ":" + sess.ID
	seen := make(map[string]bool, len(req.Students))
	for _, st := range req.Students {
		if st.ID == "" || seen[st.ID] {
			continue
		}
		seen[st.ID] = true

		code, err := s.codes.Issue(seed, st.ID, req.Window)
		if err != nil {
			return nil, nil, fmt.Errorf("issue code for %s: %w", st.ID, err)
		}
		sess.entries = append(sess.entries, &Entry{
			StudentID:   st.ID,
			Email:       st.Email,
			Name:        st.Name,
			OneTimeCode: code,
			QRPayload:   s.qrPayload(sess, st.ID, code),
			ExpiresAt:   sess.ExpiresAt,
			Status:      StatusWaiting,
		})
	}

	if prev := s.store.Register(sess); prev != nil {
		log.Printf("attendance: course %s session %s replaced by %s", req.CourseID, prev.ID, sess.ID)
	}
	s.metrics.SessionOpened()
	log.Printf("attendance: opened session %s for course %s (%d students, window %s, method %s, strict %v)",
		sess.ID, sess.CourseID, len(sess.entries), req.Window, sess.Method, sess.StrictMode)

	return sess, s.deliver(ctx, sess), nil
}

func (s *Service) deliver(ctx context.Context, sess *Session) []DeliveryStatus {
	roster := sess.Entries()
	statuses := make([]DeliveryStatus, len(roster))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.deliveryConcurrency)
	for i, e := range roster {
		i, e := i, e
		g.Go(func() error {
			err := s.deliverer.Deliver(gctx, Delivery{
				SessionID: sess.ID,
				CourseID:  sess.CourseID,
				StudentID: e.StudentID,
				Email:     e.Email,
				Name:      e.Name,
				Code:      e.OneTimeCode,
				QRPayload: e.QRPayload,
				ExpiresAt: e.ExpiresAt,
			})
			statuses[i] = DeliveryStatus{StudentID: e.StudentID, Delivered: err == nil}
			if err != nil {
				statuses[i].Error = err.Error()
				log.Printf("attendance: delivery to %s for session %s failed: %v", e.StudentID, sess.ID, err)
			}
			s.metrics.ObserveDelivery(err == nil)
			// per-student failures must not cancel the others
			return nil
		})
	}
	_ = g.Wait()
	return statuses
}

func (s *Service) qrPayload(sess *Session, studentID, code string) string {
	q := url.Values{}
	q.Set("course", sess.CourseID)
	q.Set("session", sess.ID)
	q.Set("student", studentID)
	q.Set("code", code)
	return s.qrBaseURL + "?" + q.Encode()
}

// CheckInRequest is a student's check-in attempt. Identifier is the student
// id or email; Code or QRPayload is required depending on the method.
type CheckInRequest struct {
	CourseID   string
	Identifier string
	Code       string
	QRPayload  string
	Location   *geo.Point
}

// CheckIn validates an attempt and, when accepted, moves the entry out of
// WAITING. Validation and mutation form one critical section so concurrent
// attempts for the same student succeed at most once.
func (s *Service) CheckIn(ctx context.Context, req CheckInRequest) Outcome {
	out, evt := s.checkIn(req)
	s.metrics.ObserveCheckIn(string(out.Kind))
	if evt != nil {
		s.publish(ctx, *evt)
	}
	return out
}

func (s *Service) checkIn(req CheckInRequest) (Outcome, *Event) {
	now := s.now()
	sess, ok := s.store.Get(req.CourseID)
	if !ok {
		return Outcome{Kind: OutcomeExpired}, nil
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	if sess.closed || sess.Expired(now) {
		return Outcome{Kind: OutcomeExpired}, nil
	}
	e := sess.lookup(req.Identifier)
	if e == nil {
		return Outcome{Kind: OutcomeNotFound}, nil
	}
	if e.Status.Terminal() {
		c := e.clone()
		return Outcome{Kind: OutcomeAlreadyCheckedIn, Entry: &c}, nil
	}

	switch sess.Method {
	case MethodCode:
		if !equalSecret(req.Code, e.OneTimeCode) {
			return Outcome{Kind: OutcomeBadCode}, nil
		}
	case MethodQR:
		if !equalSecret(req.QRPayload, e.QRPayload) {
			return Outcome{Kind: OutcomeBadCode}, nil
		}
	}

	var distance *float64
	if sess.StrictMode {
		if req.Location == nil || !req.Location.Valid() {
			return Outcome{Kind: OutcomeOutOfRange}, nil
		}
		ok, d := geo.IsWithinRadius(*req.Location, sess.Reference, sess.RadiusMeters)
		distance = &d
		if !ok {
			return Outcome{Kind: OutcomeOutOfRange, Distance: distance}, nil
		}
	}

	status := StatusPresent
	if s.lateAfter > 0 && now.Sub(sess.OpenedAt) > s.lateAfter {
		status = StatusLate
	}
	at := now
	e.Status = status
	e.CheckedInAt = &at
	e.ChangedBy = studentPrefix + e.StudentID
	if req.Location != nil {
		p := *req.Location
		e.Geolocation = &p
	}

	c := e.clone()
	return Outcome{Kind: OutcomeAccepted, Distance: distance, Entry: &c}, &Event{
		Type:      EventStatus,
		CourseID:  sess.CourseID,
		SessionID: sess.ID,
		StudentID: e.StudentID,
		Status:    status,
		At:        now,
	}
}

// Override lets the teacher settle a WAITING entry manually.
func (s *Service) Override(ctx context.Context, courseID, studentID string, status Status, teacherID string) (Outcome, error) {
	switch status {
	case StatusPresent, StatusLate, StatusRejected:
	default:
		return Outcome{}, ErrInvalidStatus
	}

	now := s.now()
	sess, ok := s.store.Get(courseID)
	if !ok {
		return Outcome{Kind: OutcomeExpired}, nil
	}

	sess.mu.Lock()
	if sess.closed || sess.Expired(now) {
		sess.mu.Unlock()
		return Outcome{Kind: OutcomeExpired}, nil
	}
	e := sess.lookup(studentID)
	if e == nil {
		sess.mu.Unlock()
		return Outcome{Kind: OutcomeNotFound}, nil
	}
	if e.Status.Terminal() {
		c := e.clone()
		sess.mu.Unlock()
		return Outcome{Kind: OutcomeAlreadyCheckedIn, Entry: &c}, nil
	}
	at := now
	e.Status = status
	e.ChangedBy = teacherPrefix + teacherID
	if status != StatusRejected {
		e.CheckedInAt = &at
	}
	c := e.clone()
	sess.mu.Unlock()

	s.publish(ctx, Event{
		Type:      EventStatus,
		CourseID:  courseID,
		SessionID: sess.ID,
		StudentID: c.StudentID,
		Status:    status,
		At:        now,
	})
	return Outcome{Kind: OutcomeAccepted, Entry: &c}, nil
}

// Session returns the live session of a course, if any.
func (s *Service) Session(courseID string) (*Session, bool) {
	sess, ok := s.store.Get(courseID)
	if !ok || sess.Closed() {
		return nil, false
	}
	return sess, true
}

// CloseSession marks remaining WAITING entries ABSENT, evicts the session and
// returns the final roster. Closing a course without a live session returns
// nil.
func (s *Service) CloseSession(ctx context.Context, courseID string) (*Session, []Entry) {
	sess, ok := s.store.Remove(courseID)
	if !ok {
		return nil, nil
	}
	roster := sess.Entries()
	s.metrics.SessionClosed("closed")
	log.Printf("attendance: closed session %s for course %s", sess.ID, courseID)

	s.publish(ctx, Event{
		Type:      EventClosed,
		CourseID:  courseID,
		SessionID: sess.ID,
		At:        s.now(),
	})
	return sess, roster
}

func (s *Service) publish(ctx context.Context, evt Event) {
	if err := s.publisher.Publish(ctx, evt); err != nil {
		log.Printf("attendance: publish %s for course %s failed: %v", evt.Type, evt.CourseID, err)
	}
}

func equalSecret(submitted, expected string) bool {
	if submitted == "" || expected == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(submitted), []byte(expected)) == 1
}

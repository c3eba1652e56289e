package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rollcall/internal/attendance"
	"rollcall/internal/auth"
	"rollcall/internal/geo"
	"rollcall/internal/httpmiddleware"
	"rollcall/internal/otp"
)

var campus = geo.Point{Latitude: 48.8566, Longitude: 2.3522}

type fakeDirectory struct {
	mu      sync.Mutex
	courses map[string]attendance.Course
	rosters map[string][]attendance.Student
	saved   map[string][]attendance.Entry
	saveErr error
}

func (d *fakeDirectory) Course(_ context.Context, id string) (attendance.Course, error) {
	c, ok := d.courses[id]
	if !ok {
		return attendance.Course{}, attendance.ErrCourseNotFound
	}
	return c, nil
}

func (d *fakeDirectory) Roster(_ context.Context, id string) ([]attendance.Student, error) {
	return d.rosters[id], nil
}

func (d *fakeDirectory) SaveRoster(_ context.Context, sess *attendance.Session, roster []attendance.Entry) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.saveErr != nil {
		return d.saveErr
	}
	d.saved[sess.ID] = roster
	return nil
}

type fakeHub struct {
	mu     sync.Mutex
	served []string
}

func (h *fakeHub) ServeWS(w http.ResponseWriter, _ *http.Request, courseID string) error {
	h.mu.Lock()
	h.served = append(h.served, courseID)
	h.mu.Unlock()
	w.WriteHeader(http.StatusSwitchingProtocols)
	return nil
}

type fixture struct {
	t      *testing.T
	router *gin.Engine
	dir    *fakeDirectory
	hub    *fakeHub
	svc    *attendance.Service
	signer auth.Signer
	now    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	f := &fixture{t: t, now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
	clock := func() time.Time { return f.now }
	f.dir = &fakeDirectory{
		courses: map[string]attendance.Course{
			"math-101": {ID: "math-101", OwnerID: "t1", Reference: campus},
		},
		rosters: map[string][]attendance.Student{
			"math-101": {
				{ID: "s1", Email: "s1@school.test", Name: "Ada"},
				{ID: "s2", Email: "s2@school.test", Name: "Grace"},
			},
		},
		saved: map[string][]attendance.Entry{},
	}
	f.hub = &fakeHub{}
	f.svc = attendance.NewService(attendance.NewStore(), otp.NewIssuer(6, clock), attendance.Options{
		Secret: "test-secret-0123456789",
		Now:    clock,
	})
	f.signer = auth.Signer{Issuer: "test", Key: "test-key", AccessTTL: time.Hour, RefreshTTL: 2 * time.Hour, Now: clock}

	f.router = gin.New()
	New(Config{
		Service:   f.svc,
		Directory: f.dir,
		Hub:       f.hub,
		Signer:    f.signer,
		Limits: Limits{
			WindowMin: 5 * time.Second, WindowMax: 59 * time.Minute, WindowDefault: 5 * time.Minute,
			RadiusMin: 30, RadiusMax: 200, RadiusDefault: 50,
		},
		CheckinLimiter: httpmiddleware.NewSimpleTokenBucket(100, 100),
		DevTokens:      true,
	}).Register(f.router)
	return f
}

func (f *fixture) token(subject, role, email string) string {
	pair, err := f.signer.Issue(auth.Identity{Subject: subject, Role: role, Email: email})
	require.NoError(f.t, err)
	return pair.AccessToken
}

func (f *fixture) do(method, path, token string, body any) (*httptest.ResponseRecorder, map[string]any) {
	f.t.Helper()
	var rdr io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(f.t, err)
		rdr = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, rdr)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	var out map[string]any
	if w.Body.Len() > 0 {
		_ = json.Unmarshal(w.Body.Bytes(), &out)
	}
	return w, out
}

func (f *fixture) open(body any) *attendance.Session {
	f.t.Helper()
	w, _ := f.do(http.MethodPost, "/v1/courses/math-101/sessions", f.token("t1", auth.RoleTeacher, ""), body)
	require.Equal(f.t, http.StatusCreated, w.Code, w.Body.String())
	sess, ok := f.svc.Session("math-101")
	require.True(f.t, ok)
	return sess
}

func codeFor(t *testing.T, sess *attendance.Session, studentID string) string {
	t.Helper()
	for _, e := range sess.Entries() {
		if e.StudentID == studentID {
			return e.OneTimeCode
		}
	}
	t.Fatalf("no entry for %s", studentID)
	return ""
}

func TestOpenSessionDefaults(t *testing.T) {
	f := newFixture(t)
	w, body := f.do(http.MethodPost, "/v1/courses/math-101/sessions", f.token("t1", auth.RoleTeacher, ""), nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	session := body["session"].(map[string]any)
	assert.Equal(t, "code", session["method"])
	assert.Len(t, session["entries"], 2)
	assert.NotContains(t, w.Body.String(), "one_time_code")

	sess, ok := f.svc.Session("math-101")
	require.True(t, ok)
	assert.Equal(t, f.now.Add(5*time.Minute), sess.ExpiresAt)
	assert.Len(t, body["deliveries"], 2)
}

func TestOpenSessionRejects(t *testing.T) {
	f := newFixture(t)
	teacher := f.token("t1", auth.RoleTeacher, "")

	w, _ := f.do(http.MethodPost, "/v1/courses/math-101/sessions", teacher, gin.H{"window_seconds": 2})
	assert.Equal(t, http.StatusBadRequest, w.Code, "below window minimum")

	w, _ = f.do(http.MethodPost, "/v1/courses/math-101/sessions", teacher, gin.H{"window_seconds": 3600})
	assert.Equal(t, http.StatusBadRequest, w.Code, "above window maximum")

	w, _ = f.do(http.MethodPost, "/v1/courses/math-101/sessions", teacher, gin.H{"strict_mode": true, "radius_m": 500})
	assert.Equal(t, http.StatusBadRequest, w.Code, "radius above maximum")

	w, _ = f.do(http.MethodPost, "/v1/courses/math-101/sessions", teacher, gin.H{"method": "carrier-pigeon"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = f.do(http.MethodPost, "/v1/courses/nope/sessions", teacher, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, _ = f.do(http.MethodPost, "/v1/courses/math-101/sessions", f.token("t2", auth.RoleTeacher, ""), nil)
	assert.Equal(t, http.StatusForbidden, w.Code, "not the owner")

	w, _ = f.do(http.MethodPost, "/v1/courses/math-101/sessions", f.token("s1", auth.RoleStudent, ""), nil)
	assert.Equal(t, http.StatusForbidden, w.Code, "students cannot open")

	w, _ = f.do(http.MethodPost, "/v1/courses/math-101/sessions", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestCheckInOutcomes(t *testing.T) {
	f := newFixture(t)
	sess := f.open(nil)
	s1 := f.token("s1", auth.RoleStudent, "s1@school.test")
	path := "/v1/courses/math-101/checkins"

	w, body := f.do(http.MethodPost, path, s1, gin.H{"code": "000000x"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "BAD_CODE", body["outcome"])

	w, body = f.do(http.MethodPost, path, s1, gin.H{"identifier": "S1@School.test", "code": codeFor(t, sess, "s1")})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "ACCEPTED", body["outcome"])
	assert.Equal(t, false, body["already"])

	w, body = f.do(http.MethodPost, path, s1, gin.H{"code": codeFor(t, sess, "s1")})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ALREADY_CHECKED_IN", body["outcome"])
	assert.Equal(t, true, body["already"])

	w, _ = f.do(http.MethodPost, path, s1, gin.H{"identifier": "s2", "code": codeFor(t, sess, "s2")})
	assert.Equal(t, http.StatusForbidden, w.Code, "cannot check in someone else")

	w, body = f.do(http.MethodPost, path, f.token("s9", auth.RoleStudent, ""), gin.H{"code": "123456"})
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "NOT_FOUND", body["outcome"])

	f.now = f.now.Add(6 * time.Minute)
	w, body = f.do(http.MethodPost, path, f.token("s2", auth.RoleStudent, ""), gin.H{"code": codeFor(t, sess, "s2")})
	assert.Equal(t, http.StatusGone, w.Code)
	assert.Equal(t, "EXPIRED", body["outcome"])
}

func TestCheckInStrictLocation(t *testing.T) {
	f := newFixture(t)
	sess := f.open(gin.H{"strict_mode": true, "radius_m": 50})
	path := "/v1/courses/math-101/checkins"

	far := geo.Point{Latitude: campus.Latitude + 0.01, Longitude: campus.Longitude}
	w, body := f.do(http.MethodPost, path, f.token("s1", auth.RoleStudent, ""), gin.H{"code": codeFor(t, sess, "s1"), "location": far})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "OUT_OF_RANGE", body["outcome"])
	assert.Greater(t, body["distance_m"], 1000.0)

	near := geo.Point{Latitude: campus.Latitude + 0.0001, Longitude: campus.Longitude}
	w, body = f.do(http.MethodPost, path, f.token("s1", auth.RoleStudent, ""), gin.H{"code": codeFor(t, sess, "s1"), "location": near})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ACCEPTED", body["outcome"])
}

func TestSessionReadOverrideAndClose(t *testing.T) {
	f := newFixture(t)
	sess := f.open(nil)
	teacher := f.token("t1", auth.RoleTeacher, "")

	w, _ := f.do(http.MethodGet, "/v1/courses/math-101/sessions", f.token("t2", auth.RoleTeacher, ""), nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w, body := f.do(http.MethodPut, "/v1/courses/math-101/sessions/entries/s2", teacher, gin.H{"status": "LATE"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	entry := body["entry"].(map[string]any)
	assert.Equal(t, "LATE", entry["status"])
	assert.Equal(t, "teacher:t1", entry["changed_by"])

	w, _ = f.do(http.MethodPut, "/v1/courses/math-101/sessions/entries/s2", teacher, gin.H{"status": "WAITING"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, body = f.do(http.MethodGet, "/v1/courses/math-101/sessions", teacher, nil)
	require.Equal(t, http.StatusOK, w.Code)
	summary := body["session"].(map[string]any)["summary"].(map[string]any)
	assert.Equal(t, 1.0, summary["LATE"])
	assert.Equal(t, 1.0, summary["WAITING"])

	w, body = f.do(http.MethodDelete, "/v1/courses/math-101/sessions", teacher, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, body["persisted"])
	saved := f.dir.saved[sess.ID]
	require.Len(t, saved, 2)
	for _, e := range saved {
		if e.StudentID == "s1" {
			assert.Equal(t, attendance.StatusAbsent, e.Status)
		}
	}

	w, _ = f.do(http.MethodDelete, "/v1/courses/math-101/sessions", teacher, nil)
	assert.Equal(t, http.StatusNotFound, w.Code, "second close finds nothing")
}

func TestCloseReportsAuditFailure(t *testing.T) {
	f := newFixture(t)
	f.open(nil)
	f.dir.saveErr = assert.AnError

	w, body := f.do(http.MethodDelete, "/v1/courses/math-101/sessions", f.token("t1", auth.RoleTeacher, ""), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, body["persisted"])
	_, ok := f.svc.Session("math-101")
	assert.False(t, ok)
}

func TestLiveRequiresOwner(t *testing.T) {
	f := newFixture(t)

	w, _ := f.do(http.MethodGet, "/v1/courses/math-101/live", f.token("t2", auth.RoleTeacher, ""), nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Empty(t, f.hub.served)

	w, _ = f.do(http.MethodGet, "/v1/courses/math-101/live", f.token("t1", auth.RoleTeacher, ""), nil)
	assert.Equal(t, http.StatusSwitchingProtocols, w.Code)
	assert.Equal(t, []string{"math-101"}, f.hub.served)
}

func TestTokens(t *testing.T) {
	f := newFixture(t)

	w, body := f.do(http.MethodPost, "/v1/dev/tokens", "", gin.H{"subject": "s1", "role": "student", "email": "s1@school.test"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	refresh := body["refresh_token"].(string)

	w, body = f.do(http.MethodPost, "/v1/tokens/refresh", "", gin.H{"refresh_token": refresh})
	require.Equal(t, http.StatusOK, w.Code)
	claims, err := f.signer.Parse(body["access_token"].(string))
	require.NoError(t, err)
	assert.Equal(t, "s1", claims.Subject)

	w, _ = f.do(http.MethodPost, "/v1/tokens/refresh", "", gin.H{"refresh_token": body["access_token"]})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w, _ = f.do(http.MethodPost, "/v1/dev/tokens", "", gin.H{"subject": "x", "role": "admin"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestOutcomeStatus(t *testing.T) {
	assert.Equal(t, http.StatusOK, outcomeStatus(attendance.OutcomeAccepted))
	assert.Equal(t, http.StatusOK, outcomeStatus(attendance.OutcomeAlreadyCheckedIn))
	assert.Equal(t, http.StatusUnauthorized, outcomeStatus(attendance.OutcomeBadCode))
	assert.Equal(t, http.StatusForbidden, outcomeStatus(attendance.OutcomeOutOfRange))
	assert.Equal(t, http.StatusNotFound, outcomeStatus(attendance.OutcomeNotFound))
	assert.Equal(t, http.StatusGone, outcomeStatus(attendance.OutcomeExpired))
}

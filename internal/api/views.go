package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"rollcall/internal/attendance"
	"rollcall/internal/geo"
)

type sessionView struct {
	ID           string             `json:"id"`
	CourseID     string             `json:"course_id"`
	OwnerID      string             `json:"owner_id"`
	OpenedAt     time.Time          `json:"opened_at"`
	ExpiresAt    time.Time          `json:"expires_at"`
	Method       attendance.Method  `json:"method"`
	StrictMode   bool               `json:"strict_mode"`
	Reference    *geo.Point         `json:"reference,omitempty"`
	RadiusMeters float64            `json:"radius_m,omitempty"`
	Entries      []attendance.Entry `json:"entries"`
	Summary      map[string]int     `json:"summary"`
}

func newSessionView(sess *attendance.Session, entries []attendance.Entry) sessionView {
	v := sessionView{
		ID:         sess.ID,
		CourseID:   sess.CourseID,
		OwnerID:    sess.OwnerID,
		OpenedAt:   sess.OpenedAt,
		ExpiresAt:  sess.ExpiresAt,
		Method:     sess.Method,
		StrictMode: sess.StrictMode,
		Entries:    entries,
		Summary:    make(map[string]int),
	}
	if sess.StrictMode {
		ref := sess.Reference
		v.Reference = &ref
		v.RadiusMeters = sess.RadiusMeters
	}
	if v.Entries == nil {
		v.Entries = []attendance.Entry{}
	}
	for _, e := range entries {
		v.Summary[string(e.Status)]++
	}
	return v
}

// outcomeStatus maps an outcome to its HTTP status.
func outcomeStatus(kind attendance.OutcomeKind) int {
	switch kind {
	case attendance.OutcomeAccepted, attendance.OutcomeAlreadyCheckedIn:
		return http.StatusOK
	case attendance.OutcomeBadCode:
		return http.StatusUnauthorized
	case attendance.OutcomeOutOfRange:
		return http.StatusForbidden
	case attendance.OutcomeNotFound:
		return http.StatusNotFound
	case attendance.OutcomeExpired:
		return http.StatusGone
	default:
		return http.StatusInternalServerError
	}
}

func writeOutcome(c *gin.Context, out attendance.Outcome) {
	body := gin.H{
		"outcome": out.Kind,
		"already": out.Kind == attendance.OutcomeAlreadyCheckedIn,
	}
	if out.Distance != nil {
		body["distance_m"] = *out.Distance
	}
	if out.Entry != nil {
		body["entry"] = out.Entry
	}
	c.JSON(outcomeStatus(out.Kind), body)
}

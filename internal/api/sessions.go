package api

import (
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"rollcall/internal/attendance"
	"rollcall/internal/auth"
	"rollcall/internal/geo"
)

type openSessionRequest struct {
	WindowSeconds int               `json:"window_seconds" binding:"omitempty,min=1"`
	Method        attendance.Method `json:"method" binding:"omitempty,oneof=code qr location"`
	StrictMode    bool              `json:"strict_mode"`
	RadiusMeters  *float64          `json:"radius_m"`
	Reference     *geo.Point        `json:"reference"`
}

func (s *Server) openSession(c *gin.Context) {
	courseID := c.Param("courseID")
	claims, _ := auth.ClaimsFrom(c)

	var req openSessionRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			abortError(c, http.StatusBadRequest, err.Error())
			return
		}
	}

	ctx := c.Request.Context()
	course, err := s.dir.Course(ctx, courseID)
	if errors.Is(err, attendance.ErrCourseNotFound) {
		abortError(c, http.StatusNotFound, "course not found")
		return
	}
	if err != nil {
		log.Printf("api: load course %s: %v", courseID, err)
		abortError(c, http.StatusInternalServerError, "course lookup failed")
		return
	}
	if course.OwnerID != claims.Subject {
		abortError(c, http.StatusForbidden, "not the course owner")
		return
	}

	window := s.limits.WindowDefault
	if req.WindowSeconds > 0 {
		window = time.Duration(req.WindowSeconds) * time.Second
	}
	if window < s.limits.WindowMin || window > s.limits.WindowMax {
		abortError(c, http.StatusBadRequest, fmt.Sprintf("window must be between %s and %s", s.limits.WindowMin, s.limits.WindowMax))
		return
	}

	method := req.Method
	if method == "" {
		method = attendance.MethodCode
	}
	strict := req.StrictMode || method == attendance.MethodLocation

	reference := course.Reference
	if req.Reference != nil {
		reference = *req.Reference
	}
	radius := s.limits.RadiusDefault
	if course.RadiusMeters != nil {
		radius = *course.RadiusMeters
	}
	if req.RadiusMeters != nil {
		radius = *req.RadiusMeters
	}
	if strict {
		if !reference.Valid() {
			abortError(c, http.StatusBadRequest, "invalid reference point")
			return
		}
		if radius < s.limits.RadiusMin || radius > s.limits.RadiusMax {
			abortError(c, http.StatusBadRequest, fmt.Sprintf("radius must be between %.0f and %.0f meters", s.limits.RadiusMin, s.limits.RadiusMax))
			return
		}
	}

	roster, err := s.dir.Roster(ctx, courseID)
	if err != nil {
		log.Printf("api: load roster %s: %v", courseID, err)
		abortError(c, http.StatusInternalServerError, "roster lookup failed")
		return
	}

	sess, deliveries, err := s.svc.OpenSession(ctx, attendance.OpenRequest{
		CourseID:     courseID,
		OwnerID:      claims.Subject,
		Window:       window,
		Method:       method,
		StrictMode:   strict,
		Reference:    reference,
		RadiusMeters: radius,
		Students:     roster,
	})
	if err != nil {
		abortError(c, http.StatusBadRequest, err.Error())
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"session":    newSessionView(sess, sess.Entries()),
		"deliveries": deliveries,
	})
}

// ownedSession returns the course's live session if the caller owns it,
// writing the error response otherwise.
func (s *Server) ownedSession(c *gin.Context) (*attendance.Session, bool) {
	claims, _ := auth.ClaimsFrom(c)
	sess, ok := s.svc.Session(c.Param("courseID"))
	if !ok {
		abortError(c, http.StatusNotFound, "no open session")
		return nil, false
	}
	if sess.OwnerID != claims.Subject {
		abortError(c, http.StatusForbidden, "not the session owner")
		return nil, false
	}
	return sess, true
}

func (s *Server) getSession(c *gin.Context) {
	sess, ok := s.ownedSession(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": newSessionView(sess, sess.Entries())})
}

func (s *Server) closeSession(c *gin.Context) {
	if _, ok := s.ownedSession(c); !ok {
		return
	}
	ctx := c.Request.Context()
	sess, roster := s.svc.CloseSession(ctx, c.Param("courseID"))
	if sess == nil {
		abortError(c, http.StatusNotFound, "no open session")
		return
	}

	persisted := true
	if err := s.dir.SaveRoster(ctx, sess, roster); err != nil {
		persisted = false
		log.Printf("api: save roster for session %s: %v", sess.ID, err)
	}
	c.JSON(http.StatusOK, gin.H{
		"session":   newSessionView(sess, roster),
		"persisted": persisted,
	})
}

type overrideRequest struct {
	Status attendance.Status `json:"status" binding:"required,oneof=PRESENT LATE REJECTED"`
}

func (s *Server) overrideEntry(c *gin.Context) {
	var req overrideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortError(c, http.StatusBadRequest, err.Error())
		return
	}
	sess, ok := s.ownedSession(c)
	if !ok {
		return
	}
	claims, _ := auth.ClaimsFrom(c)
	out, err := s.svc.Override(c.Request.Context(), sess.CourseID, c.Param("studentID"), req.Status, claims.Subject)
	if err != nil {
		abortError(c, http.StatusBadRequest, err.Error())
		return
	}
	writeOutcome(c, out)
}

func (s *Server) live(c *gin.Context) {
	courseID := c.Param("courseID")
	claims, _ := auth.ClaimsFrom(c)

	course, err := s.dir.Course(c.Request.Context(), courseID)
	if errors.Is(err, attendance.ErrCourseNotFound) {
		abortError(c, http.StatusNotFound, "course not found")
		return
	}
	if err != nil {
		log.Printf("api: load course %s: %v", courseID, err)
		abortError(c, http.StatusInternalServerError, "course lookup failed")
		return
	}
	if course.OwnerID != claims.Subject {
		abortError(c, http.StatusForbidden, "not the course owner")
		return
	}
	// the upgrader has already answered the request on failure
	if err := s.hub.ServeWS(c.Writer, c.Request, courseID); err != nil {
		log.Printf("api: live subscribe %s: %v", courseID, err)
	}
}

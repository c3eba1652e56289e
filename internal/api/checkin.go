package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"rollcall/internal/attendance"
	"rollcall/internal/auth"
	"rollcall/internal/geo"
)

type checkInRequest struct {
	Identifier string     `json:"identifier"`
	Code       string     `json:"code" binding:"omitempty,max=16"`
	QRPayload  string     `json:"qr_payload" binding:"omitempty,max=2048"`
	Location   *geo.Point `json:"location"`
}

func (s *Server) checkIn(c *gin.Context) {
	var req checkInRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortError(c, http.StatusBadRequest, err.Error())
		return
	}
	claims, _ := auth.ClaimsFrom(c)

	// students may only check themselves in, by id or by email
	identifier := strings.TrimSpace(req.Identifier)
	switch {
	case identifier == "":
		identifier = claims.Subject
	case identifier == claims.Subject:
	case claims.Email != "" && strings.EqualFold(identifier, claims.Email):
	default:
		abortError(c, http.StatusForbidden, "identifier does not match token")
		return
	}

	out := s.svc.CheckIn(c.Request.Context(), attendance.CheckInRequest{
		CourseID:   c.Param("courseID"),
		Identifier: identifier,
		Code:       strings.TrimSpace(req.Code),
		QRPayload:  req.QRPayload,
		Location:   req.Location,
	})
	writeOutcome(c, out)
}

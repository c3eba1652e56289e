package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"rollcall/internal/attendance"
	"rollcall/internal/auth"
	"rollcall/internal/httpmiddleware"
)

// CourseDirectory resolves courses and rosters and keeps finalized
// attendance. attendance.Repository implements it.
type CourseDirectory interface {
	Course(ctx context.Context, courseID string) (attendance.Course, error)
	Roster(ctx context.Context, courseID string) ([]attendance.Student, error)
	SaveRoster(ctx context.Context, sess *attendance.Session, roster []attendance.Entry) error
}

// LiveHub attaches a websocket to a course's subscriber group.
type LiveHub interface {
	ServeWS(w http.ResponseWriter, r *http.Request, courseID string) error
}

// Limits bound what a teacher may request when opening a session.
type Limits struct {
	WindowMin     time.Duration
	WindowMax     time.Duration
	WindowDefault time.Duration
	RadiusMin     float64
	RadiusMax     float64
	RadiusDefault float64
}

// Config wires a Server.
type Config struct {
	Service   *attendance.Service
	Directory CourseDirectory
	Hub       LiveHub
	Signer    auth.Signer
	Limits    Limits
	// CheckinLimiter throttles check-in attempts per student. Nil disables it.
	CheckinLimiter *httpmiddleware.SimpleTokenBucket
	// DevTokens exposes an unauthenticated token endpoint for local use.
	DevTokens bool
}

// Server holds the HTTP handlers.
type Server struct {
	svc       *attendance.Service
	dir       CourseDirectory
	hub       LiveHub
	signer    auth.Signer
	limits    Limits
	limiter   *httpmiddleware.SimpleTokenBucket
	devTokens bool
}

// New creates a server.
func New(cfg Config) *Server {
	return &Server{
		svc:       cfg.Service,
		dir:       cfg.Directory,
		hub:       cfg.Hub,
		signer:    cfg.Signer,
		limits:    cfg.Limits,
		limiter:   cfg.CheckinLimiter,
		devTokens: cfg.DevTokens,
	}
}

// Register mounts the /v1 routes on r.
func (s *Server) Register(r gin.IRouter) {
	v1 := r.Group("/v1")
	v1.POST("/tokens/refresh", s.refreshToken)
	if s.devTokens {
		v1.POST("/dev/tokens", s.devToken)
	}

	courses := v1.Group("/courses/:courseID", auth.Bearer(s.signer))

	teacher := courses.Group("", auth.RequireRole(auth.RoleTeacher))
	teacher.POST("/sessions", s.openSession)
	teacher.GET("/sessions", s.getSession)
	teacher.DELETE("/sessions", s.closeSession)
	teacher.PUT("/sessions/entries/:studentID", s.overrideEntry)
	teacher.GET("/live", s.live)

	student := courses.Group("", auth.RequireRole(auth.RoleStudent))
	if s.limiter != nil {
		student.Use(s.limiter.GinMiddleware())
	}
	student.POST("/checkins", s.checkIn)
}

func abortError(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, gin.H{"error": msg})
}

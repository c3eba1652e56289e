package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"rollcall/internal/auth"
)

func tokenResponse(pair auth.TokenPair) gin.H {
	return gin.H{
		"access_token":  pair.AccessToken,
		"refresh_token": pair.RefreshToken,
		"expires_at":    pair.AccessExp.Unix(),
	}
}

func (s *Server) refreshToken(c *gin.Context) {
	var req struct {
		RefreshToken string `json:"refresh_token" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		abortError(c, http.StatusBadRequest, err.Error())
		return
	}
	pair, err := s.signer.Refresh(req.RefreshToken)
	if err != nil {
		abortError(c, http.StatusUnauthorized, "invalid refresh token")
		return
	}
	c.JSON(http.StatusOK, tokenResponse(pair))
}

// devToken mints tokens without credentials. It is only mounted outside
// production.
func (s *Server) devToken(c *gin.Context) {
	var req struct {
		Subject string `json:"subject" binding:"required"`
		Role    string `json:"role" binding:"required,oneof=teacher student"`
		Email   string `json:"email" binding:"omitempty,email"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		abortError(c, http.StatusBadRequest, err.Error())
		return
	}
	pair, err := s.signer.Issue(auth.Identity{Subject: req.Subject, Role: req.Role, Email: req.Email})
	if err != nil {
		abortError(c, http.StatusInternalServerError, "token issue failed")
		return
	}
	c.JSON(http.StatusCreated, tokenResponse(pair))
}

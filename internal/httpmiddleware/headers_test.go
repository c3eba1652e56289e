package httpmiddleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func preflight(r *gin.Engine, origin string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodOptions, "/x", nil)
	if origin != "" {
		req.Header.Set("Origin", origin)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func newRouter(origins ...string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(SecurityHeaders(), CORS(origins...))
	r.POST("/x", func(c *gin.Context) { c.Status(http.StatusOK) })
	return r
}

func TestPreflightCarriesSecurityHeaders(t *testing.T) {
	w := preflight(newRouter(), "https://dash.school.test")

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.Empty(t, w.Header().Get("Strict-Transport-Security"))
}

func TestCORSAllowList(t *testing.T) {
	r := newRouter("https://dash.school.test/")

	w := preflight(r, "https://dash.school.test")
	assert.Equal(t, "https://dash.school.test", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "Origin", w.Header().Get("Vary"))

	w = preflight(r, "https://evil.test")
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

func TestCORSNeverAllowsCredentials(t *testing.T) {
	for _, r := range []*gin.Engine{newRouter(), newRouter("https://dash.school.test")} {
		w := preflight(r, "https://dash.school.test")
		assert.Empty(t, w.Header().Get("Access-Control-Allow-Credentials"))
	}
}

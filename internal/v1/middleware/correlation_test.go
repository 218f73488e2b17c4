package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"github.com/signalmesh/gateway/internal/v1/logging"
)

func newRequestIDRouter(capture *string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(RequestID())
	router.GET("/ping", func(c *gin.Context) {
		*capture = c.GetString(string(logging.RequestIDKey))
		c.Status(http.StatusOK)
	})
	return router
}

func TestRequestID_Generated(t *testing.T) {
	var inContext string
	router := newRequestIDRouter(&inContext)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))

	header := w.Header().Get(HeaderXRequestID)
	assert.True(t, strings.HasPrefix(header, "req_"))
	assert.Equal(t, header, inContext)
}

func TestRequestID_PropagatesIncoming(t *testing.T) {
	var inContext string
	router := newRequestIDRouter(&inContext)

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set(HeaderXRequestID, "req_supplied")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, "req_supplied", w.Header().Get(HeaderXRequestID))
	assert.Equal(t, "req_supplied", inContext)
}

package cors

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func newRouter(origins []string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(New(origins))
	r.POST("/callbacks/approval", func(c *gin.Context) { c.Status(http.StatusOK) })
	return r
}

func TestPreflightAllowsCallbackHeaders(t *testing.T) {
	r := newRouter([]string{"https://console.corp.example/"})

	req := httptest.NewRequest(http.MethodOptions, "/callbacks/approval", nil)
	req.Header.Set("Origin", "https://console.corp.example")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://console.corp.example", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), "X-Callback-Token")
	assert.Equal(t, "GET, POST, OPTIONS", rec.Header().Get("Access-Control-Allow-Methods"))
}

func TestUnknownOriginIsNotEchoed(t *testing.T) {
	r := newRouter([]string{"https://console.corp.example"})

	req := httptest.NewRequest(http.MethodPost, "/callbacks/approval", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestEmptyAllowListAllowsAnyOrigin(t *testing.T) {
	r := newRouter(nil)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/callbacks/approval", nil))

	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

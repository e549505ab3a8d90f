package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// TestRequestID はRequestIDミドルウェアを検証する。
func TestRequestID(t *testing.T) {
	t.Parallel()

	newRouter := func(seen *string) *gin.Engine {
		router := gin.New()
		router.Use(RequestID())
		router.GET("/test", func(c *gin.Context) {
			*seen = GetRequestID(c)
			c.Status(http.StatusOK)
		})
		return router
	}

	t.Run("IDがなければUUIDが採番されること", func(t *testing.T) {
		t.Parallel()

		var seen string
		w := httptest.NewRecorder()
		newRouter(&seen).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/test", nil))

		if _, err := uuid.Parse(seen); err != nil {
			t.Errorf("採番されたID %q がUUIDではない: %v", seen, err)
		}
		if got := w.Header().Get(RequestIDHeader); got != seen {
			t.Errorf("%s = %q, want %q", RequestIDHeader, got, seen)
		}
	})

	t.Run("妥当なIDは引き継がれること", func(t *testing.T) {
		t.Parallel()

		var seen string
		req := httptest.NewRequest(http.MethodGet, "/test", nil)
		req.Header.Set(RequestIDHeader, "trace-123")
		w := httptest.NewRecorder()
		newRouter(&seen).ServeHTTP(w, req)

		if seen != "trace-123" {
			t.Errorf("GetRequestID() = %q, want trace-123", seen)
		}
	})

	t.Run("長すぎるIDや制御文字を含むIDは置き換えられること", func(t *testing.T) {
		t.Parallel()

		for _, id := range []string{strings.Repeat("a", maxRequestIDLen+1), "has space", "tab\tid"} {
			var seen string
			req := httptest.NewRequest(http.MethodGet, "/test", nil)
			req.Header.Set(RequestIDHeader, id)
			newRouter(&seen).ServeHTTP(httptest.NewRecorder(), req)

			if seen == id {
				t.Errorf("不正なID %q が引き継がれた", id)
			}
		}
	})
}

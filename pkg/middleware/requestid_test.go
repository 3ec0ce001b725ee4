package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// TestRequestID はRequestIDミドルウェアを検証する。
func TestRequestID(t *testing.T) {
	t.Parallel()

	t.Run("リクエストIDが無い場合UUIDが生成されること", func(t *testing.T) {
		t.Parallel()

		var fromContext, fromRequest string
		router := gin.New()
		router.Use(RequestID())
		router.GET("/test", func(c *gin.Context) {
			fromContext = GetRequestID(c)
			fromRequest = c.Request.Header.Get(HeaderKeyRequestID)
			c.Status(http.StatusOK)
		})

		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/test", nil))

		got := w.Header().Get(HeaderKeyRequestID)
		if _, err := uuid.Parse(got); err != nil {
			t.Errorf("X-Request-ID = %q, UUIDではない: %v", got, err)
		}
		if fromContext != got {
			t.Errorf("コンテキストのID = %q, want %q", fromContext, got)
		}
		if fromRequest != got {
			t.Errorf("リクエストヘッダーのID = %q, want %q", fromRequest, got)
		}
	})

	t.Run("クライアント指定のリクエストIDが引き継がれること", func(t *testing.T) {
		t.Parallel()

		router := gin.New()
		router.Use(RequestID())
		router.GET("/test", func(c *gin.Context) {
			c.Status(http.StatusOK)
		})

		req := httptest.NewRequest(http.MethodGet, "/test", nil)
		req.Header.Set(HeaderKeyRequestID, "trace-abc")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		if got := w.Header().Get(HeaderKeyRequestID); got != "trace-abc" {
			t.Errorf("X-Request-ID = %q, want %q", got, "trace-abc")
		}
	})

	t.Run("長すぎるリクエストIDは置き換えられること", func(t *testing.T) {
		t.Parallel()

		router := gin.New()
		router.Use(RequestID())
		router.GET("/test", func(c *gin.Context) {
			c.Status(http.StatusOK)
		})

		long := strings.Repeat("x", maxRequestIDLength+1)
		req := httptest.NewRequest(http.MethodGet, "/test", nil)
		req.Header.Set(HeaderKeyRequestID, long)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		if got := w.Header().Get(HeaderKeyRequestID); got == long {
			t.Error("長すぎるリクエストIDがそのまま使われた")
		}
	})
}

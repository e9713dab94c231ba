package middleware_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ErlanBelekov/media-harvester/internal/requestid"
	"github.com/ErlanBelekov/media-harvester/internal/transport/http/middleware"
	"github.com/gin-gonic/gin"
)

func newRequestIDEngine() *gin.Engine {
	r := gin.New()
	r.Use(middleware.RequestID(), middleware.Security())
	r.GET("/id", func(c *gin.Context) {
		c.String(http.StatusOK, requestid.FromContext(c.Request.Context()))
	})
	return r
}

func TestRequestID_KeepsValidIncomingID(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/id", nil)
	req.Header.Set(requestid.Header, "w-1_report-7")
	w := httptest.NewRecorder()
	newRequestIDEngine().ServeHTTP(w, req)

	if w.Body.String() != "w-1_report-7" || w.Header().Get(requestid.Header) != "w-1_report-7" {
		t.Fatalf("ctx id = %q header = %q, want the worker's id", w.Body.String(), w.Header().Get(requestid.Header))
	}
}

func TestRequestID_ReplacesMalformedID(t *testing.T) {
	for _, incoming := range []string{"", "has space", "x\ny"} {
		req := httptest.NewRequest(http.MethodGet, "/id", nil)
		if incoming != "" {
			req.Header[requestid.Header] = []string{incoming}
		}
		w := httptest.NewRecorder()
		newRequestIDEngine().ServeHTTP(w, req)

		got := w.Body.String()
		if got == incoming || !requestid.Valid(got) {
			t.Fatalf("incoming %q gave %q, want a fresh valid id", incoming, got)
		}
		if w.Header().Get(requestid.Header) != got {
			t.Fatalf("response header = %q, want %q", w.Header().Get(requestid.Header), got)
		}
	}
}

func TestSecurity_ResponsesAreNotCached(t *testing.T) {
	w := httptest.NewRecorder()
	newRequestIDEngine().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/id", nil))

	if got := w.Header().Get("Cache-Control"); got != "no-store" {
		t.Fatalf("Cache-Control = %q, want no-store", got)
	}
	if got := w.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Fatalf("X-Content-Type-Options = %q, want nosniff", got)
	}
}

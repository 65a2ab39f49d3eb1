package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/storefront/edge-gateway/internal/variables"
)

func TestRequestID(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		varCtx, ok := variables.FromContext(r.Context())
		if !ok {
			t.Fatal("request context should be attached")
		}
		if varCtx.RequestID == "" {
			t.Error("Request ID should be set in context")
		}
		if GetRequestID(r) != varCtx.RequestID {
			t.Error("GetRequestID should match the context")
		}
		w.WriteHeader(http.StatusOK)
	})

	rr := httptest.NewRecorder()
	RequestID()(handler).ServeHTTP(rr, httptest.NewRequest("GET", "/test", nil))

	if rr.Header().Get("X-Request-ID") == "" {
		t.Error("X-Request-ID header should be set in response")
	}
}

func TestRequestIDTrusted(t *testing.T) {
	existingID := "existing-request-id"

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := GetRequestID(r); got != existingID {
			t.Errorf("Expected request ID %s, got %s", existingID, got)
		}
	})

	req := httptest.NewRequest("GET", "/test", nil)
	req.Header.Set("X-Request-ID", existingID)
	rr := httptest.NewRecorder()
	RequestID()(handler).ServeHTTP(rr, req)

	if rr.Header().Get("X-Request-ID") != existingID {
		t.Errorf("Expected response header %s, got %s", existingID, rr.Header().Get("X-Request-ID"))
	}
}

func TestRequestIDNotTrusted(t *testing.T) {
	cfg := RequestIDConfig{
		TrustHeader: false,
		Generator:   func() string { return "generated" },
	}

	var seen string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r)
	})

	req := httptest.NewRequest("GET", "/test", nil)
	req.Header.Set("X-Request-ID", "client-supplied")
	RequestIDWithConfig(cfg)(handler).ServeHTTP(httptest.NewRecorder(), req)

	if seen != "generated" {
		t.Errorf("expected generated id, got %q", seen)
	}
}

func TestRequestIDReusesAttachedContext(t *testing.T) {
	varCtx := variables.NewContext()
	req := variables.WithContext(httptest.NewRequest("GET", "/", nil), varCtx)

	RequestID()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if c, _ := variables.FromContext(r.Context()); c != varCtx {
			t.Error("expected the already attached context to be reused")
		}
	})).ServeHTTP(httptest.NewRecorder(), req)

	if varCtx.RequestID == "" {
		t.Error("request id should be recorded on the attached context")
	}
}

func TestGetRequestIDWithoutContext(t *testing.T) {
	if id := GetRequestID(httptest.NewRequest("GET", "/", nil)); id != "" {
		t.Errorf("expected empty id, got %q", id)
	}
}

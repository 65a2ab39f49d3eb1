package cors

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/storefront/edge-gateway/internal/config"
	"github.com/storefront/edge-gateway/internal/middleware"
)

const allowedOrigin = "http://localhost:4200"

func newFilter(t *testing.T) *Filter {
	t.Helper()
	f, err := New(config.DefaultConfig().CORS)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return f
}

func serve(f *Filter, r *http.Request, next http.Handler) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	f.Handle(w, r, next)
	return w
}

func corsHeaders(h http.Header) []string {
	var out []string
	for name := range h {
		if strings.HasPrefix(name, "Access-Control-") {
			out = append(out, name)
		}
	}
	return out
}

func TestPreflightAllowedOrigin(t *testing.T) {
	f := newFilter(t)

	r := httptest.NewRequest("OPTIONS", "/api/orders/5", nil)
	r.Header.Set("Origin", allowedOrigin)
	r.Header.Set("Access-Control-Request-Method", "POST")

	reached := false
	w := serve(f, r, http.HandlerFunc(func(http.ResponseWriter, *http.Request) { reached = true }))

	if reached {
		t.Error("preflight must not reach the next stage")
	}
	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}
	if w.Body.Len() != 0 {
		t.Errorf("expected empty body, got %q", w.Body.String())
	}

	want := map[string]string{
		"Access-Control-Allow-Origin":      allowedOrigin,
		"Access-Control-Allow-Methods":     "GET, POST, PUT, DELETE, OPTIONS, PATCH",
		"Access-Control-Allow-Headers":     "*",
		"Access-Control-Allow-Credentials": "true",
		"Access-Control-Max-Age":           "3600",
	}
	for k, v := range want {
		if got := w.Header().Get(k); got != v {
			t.Errorf("%s = %q, want %q", k, got, v)
		}
	}
}

func TestPreflightDisallowedOrigin(t *testing.T) {
	f := newFilter(t)

	r := httptest.NewRequest("OPTIONS", "/api/orders/5", nil)
	r.Header.Set("Origin", "http://evil.example")

	w := serve(f, r, http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Error("preflight must not reach the next stage")
	}))

	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}
	if names := corsHeaders(w.Header()); len(names) != 0 {
		t.Errorf("expected no CORS headers, got %v", names)
	}
}

func TestRegularResponseAllowedOrigin(t *testing.T) {
	f := newFilter(t)

	r := httptest.NewRequest("GET", "/api/products", nil)
	r.Header.Set("Origin", allowedOrigin)

	w := serve(f, r, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("[]"))
	}))

	if got := w.Header().Get("Access-Control-Allow-Origin"); got != allowedOrigin {
		t.Errorf("Allow-Origin = %q, want %q", got, allowedOrigin)
	}
	if got := w.Header().Get("Access-Control-Allow-Credentials"); got != "true" {
		t.Errorf("Allow-Credentials = %q", got)
	}
	if got := w.Header().Get("Vary"); got != "Origin" {
		t.Errorf("Vary = %q, want Origin", got)
	}
	if w.Body.String() != "[]" {
		t.Errorf("body altered: %q", w.Body.String())
	}
}

func TestRegularResponseDisallowedOriginStripsUpstreamHeaders(t *testing.T) {
	f := newFilter(t)

	r := httptest.NewRequest("GET", "/api/products", nil)
	r.Header.Set("Origin", "http://evil.example")

	w := serve(f, r, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Expose-Headers", "X-Secret")
		w.WriteHeader(http.StatusOK)
	}))

	if names := corsHeaders(w.Header()); len(names) != 0 {
		t.Errorf("expected no CORS headers, got %v", names)
	}
}

func TestUpstreamCORSHeadersAreReplaced(t *testing.T) {
	f := newFilter(t)

	r := httptest.NewRequest("GET", "/api/products", nil)
	r.Header.Set("Origin", allowedOrigin)

	w := serve(f, r, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Add("Access-Control-Allow-Origin", "*")
		w.Header().Add("Access-Control-Allow-Origin", "http://other")
		w.Header().Set("Access-Control-Max-Age", "10")
		w.Write([]byte("ok"))
	}))

	values := w.Header().Values("Access-Control-Allow-Origin")
	if len(values) != 1 || values[0] != allowedOrigin {
		t.Errorf("Allow-Origin values = %v, want exactly [%s]", values, allowedOrigin)
	}
	if got := w.Header().Get("Access-Control-Max-Age"); got != "3600" {
		t.Errorf("Max-Age = %q, want 3600", got)
	}
}

func TestHeadersAppliedWhenHandlerWritesNothing(t *testing.T) {
	f := newFilter(t)

	r := httptest.NewRequest("DELETE", "/api/orders/5", nil)
	r.Header.Set("Origin", allowedOrigin)

	w := serve(f, r, http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))

	if got := w.Header().Get("Access-Control-Allow-Origin"); got != allowedOrigin {
		t.Errorf("Allow-Origin = %q, want %q", got, allowedOrigin)
	}
}

func TestNoOriginNoHeaders(t *testing.T) {
	f := newFilter(t)

	r := httptest.NewRequest("GET", "/api/products", nil)
	w := serve(f, r, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.WriteHeader(http.StatusOK)
	}))

	if names := corsHeaders(w.Header()); len(names) != 0 {
		t.Errorf("expected no CORS headers, got %v", names)
	}
	if w.Header().Get("Vary") != "" {
		t.Errorf("unexpected Vary %q", w.Header().Get("Vary"))
	}
}

func TestVaryNotDuplicated(t *testing.T) {
	f := newFilter(t)

	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("Origin", allowedOrigin)
	w := serve(f, r, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Vary", "Accept-Encoding, origin")
		w.WriteHeader(http.StatusOK)
	}))

	if got := w.Header().Values("Vary"); len(got) != 1 {
		t.Errorf("Vary = %v, want a single value", got)
	}
}

func TestFlushFinalizes(t *testing.T) {
	f := newFilter(t)

	r := httptest.NewRequest("GET", "/stream", nil)
	r.Header.Set("Origin", allowedOrigin)
	w := serve(f, r, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		if err := http.NewResponseController(w).Flush(); err != nil {
			t.Errorf("Flush: %v", err)
		}
	}))

	if !w.Flushed {
		t.Error("expected underlying recorder to be flushed")
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != allowedOrigin {
		t.Errorf("Allow-Origin = %q", got)
	}
}

func TestNewRejectsWildcardWithCredentials(t *testing.T) {
	_, err := New(config.CORSConfig{AllowOrigin: "*", AllowCredentials: true})
	if err == nil {
		t.Fatal("expected error for wildcard origin with credentials")
	}
}

func TestWildcardWithoutCredentials(t *testing.T) {
	f, err := New(config.CORSConfig{AllowOrigin: "*", MaxAge: 60})
	if err != nil {
		t.Fatal(err)
	}

	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("Origin", "http://anything.example")
	w := serve(f, r, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Allow-Origin = %q, want *", got)
	}
	if got := w.Header().Get("Access-Control-Allow-Credentials"); got != "" {
		t.Errorf("Allow-Credentials must be absent, got %q", got)
	}
}

func TestFilterIdentity(t *testing.T) {
	f := newFilter(t)
	if f.Name() != "cors" {
		t.Errorf("Name = %q", f.Name())
	}
}

func TestPanicResponseCarriesCORSHeaders(t *testing.T) {
	chain := middleware.NewFilterChain(middleware.NewRecoveryFilter(), newFilter(t))
	h := chain.Then(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	r := httptest.NewRequest("GET", "/api/orders/5", nil)
	r.Header.Set("Origin", allowedOrigin)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != allowedOrigin {
		t.Errorf("Access-Control-Allow-Origin = %q, want %q", got, allowedOrigin)
	}
	if got := w.Header().Get("Access-Control-Allow-Credentials"); got != "true" {
		t.Errorf("Access-Control-Allow-Credentials = %q", got)
	}
}

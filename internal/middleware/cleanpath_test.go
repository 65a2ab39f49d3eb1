package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCleanPath(t *testing.T) {
	tests := []struct {
		target   string
		wantPath string
		wantRaw  string
	}{
		{"/api/orders/1", "/api/orders/1", ""},
		{"/api/orders/", "/api/orders/", ""},
		{"/api/auth/login/../../usuarios/1", "/api/usuarios/1", ""},
		{"/api/auth/login/%2e%2e/%2E%2E/usuarios/1", "/api/usuarios/1", ""},
		{"/api/auth/login/..%2f..%2fusuarios/1", "/api/usuarios/1", ""},
		{"/api//orders/./1/", "/api/orders/1/", ""},
		{"/../../etc/passwd", "/etc/passwd", ""},
		{"/files/a%2Fb", "/files/a/b", "/files/a%2Fb"},
	}

	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			var got *http.Request
			h := CleanPath()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				got = r
			}))

			req := httptest.NewRequest("GET", tt.target, nil)
			h.ServeHTTP(httptest.NewRecorder(), req)

			if got.URL.Path != tt.wantPath {
				t.Errorf("Path = %q, want %q", got.URL.Path, tt.wantPath)
			}
			if got.URL.RawPath != tt.wantRaw {
				t.Errorf("RawPath = %q, want %q", got.URL.RawPath, tt.wantRaw)
			}
		})
	}
}

func TestCleanPathLeavesOriginalRequest(t *testing.T) {
	req := httptest.NewRequest("GET", "/a/../b", nil)
	CleanPath()(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {})).ServeHTTP(httptest.NewRecorder(), req)

	if req.URL.Path != "/a/../b" {
		t.Errorf("caller's request was modified: %q", req.URL.Path)
	}
}

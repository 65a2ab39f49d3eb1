package mock

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/storefront/edge-gateway/internal/auth"
	"github.com/storefront/edge-gateway/internal/config"
)

func newServer(t *testing.T) (*Server, *auth.Verifier) {
	t.Helper()
	v, err := auth.NewVerifier(config.JWTConfig{Secret: "0123456789abcdef0123456789abcdef"})
	if err != nil {
		t.Fatal(err)
	}
	return New(v), v
}

func serve(s *Server, method, path, body string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, vv := range header {
		req.Header[k] = vv
	}
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	return w
}

func TestLoginSuccess(t *testing.T) {
	s, v := newServer(t)

	w := serve(s, "POST", "/api/auth/login", `{"email":"admin@admin.com","password":"123456"}`, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}

	var resp LoginResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Type != "Bearer" || resp.ID != 1 || resp.Email != DemoEmail || resp.Nombre != "Juan Admin" {
		t.Errorf("unexpected login response %+v", resp)
	}
	if len(resp.Roles) != 1 || resp.Roles[0] != "ADMIN" {
		t.Errorf("roles = %v", resp.Roles)
	}

	claims, err := v.Verify(resp.Token)
	if err != nil {
		t.Fatalf("issued token does not verify: %v", err)
	}
	if claims.Subject != DemoEmail {
		t.Errorf("subject = %q", claims.Subject)
	}
	if ttl := claims.ExpiresAt.Sub(claims.IssuedAt); ttl != TokenTTL {
		t.Errorf("token ttl = %v, want %v", ttl, TokenTTL)
	}
}

func TestLoginFailures(t *testing.T) {
	s, _ := newServer(t)

	tests := []struct {
		name string
		body string
		code int
		want string
	}{
		{"wrong password", `{"email":"admin@admin.com","password":"nope"}`, 401, `{"message":"Credenciales incorrectas"}`},
		{"unknown user", `{"email":"someone@admin.com","password":"123456"}`, 401, `{"message":"Credenciales incorrectas"}`},
		{"missing fields", `{}`, 401, `{"message":"Credenciales incorrectas"}`},
		{"not json", `email=admin`, 400, `{"message":"invalid request body"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := serve(s, "POST", "/api/auth/login", tt.body, nil)
			if w.Code != tt.code {
				t.Errorf("status = %d, want %d", w.Code, tt.code)
			}
			if got := strings.TrimSpace(w.Body.String()); got != tt.want {
				t.Errorf("body = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	s, v := newServer(t)
	token, err := v.Issue("admin@admin.com", time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	w := serve(s, "GET", "/api/auth/validate", "", http.Header{"Authorization": {"Bearer " + token}})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if got := strings.TrimSpace(w.Body.String()); got != `{"email":"admin@admin.com","valid":true}` {
		t.Errorf("body = %s", got)
	}

	w = serve(s, "GET", "/api/auth/validate", "", http.Header{"Authorization": {"Bearer garbage"}})
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"valid":false`) {
		t.Errorf("body = %s", w.Body.String())
	}
}

func TestProducts(t *testing.T) {
	s, _ := newServer(t)

	w := serve(s, "GET", "/api/products", "", nil)
	var list []Product
	if err := json.Unmarshal(w.Body.Bytes(), &list); err != nil {
		t.Fatal(err)
	}
	if len(list) != 5 {
		t.Errorf("expected 5 products, got %d", len(list))
	}

	w = serve(s, "GET", "/api/products/3", "", nil)
	var p Product
	if err := json.Unmarshal(w.Body.Bytes(), &p); err != nil {
		t.Fatal(err)
	}
	if p.Nombre != "MacBook Pro M2" || p.Precio != 1999.99 {
		t.Errorf("unexpected product %+v", p)
	}

	for _, path := range []string{"/api/products/99", "/api/products/abc"} {
		if w := serve(s, "GET", path, "", nil); w.Code != http.StatusNotFound {
			t.Errorf("%s: status = %d, want 404", path, w.Code)
		}
	}
}

func TestUserOrders(t *testing.T) {
	s, _ := newServer(t)

	if w := serve(s, "GET", "/api/orders/user/7", "", nil); w.Code != http.StatusUnauthorized {
		t.Errorf("status without bearer = %d, want 401", w.Code)
	}

	w := serve(s, "GET", "/api/orders/user/7", "", http.Header{"Authorization": {"Bearer x"}})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var orders []Order
	if err := json.Unmarshal(w.Body.Bytes(), &orders); err != nil {
		t.Fatal(err)
	}
	if len(orders) != 2 || orders[0].UserID != 7 || len(orders[0].Productos) != 2 {
		t.Errorf("unexpected orders %+v", orders)
	}
}

func TestHealthAndNotFound(t *testing.T) {
	s, _ := newServer(t)
	s.now = func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) }

	w := serve(s, "GET", "/api/health", "", nil)
	want := `{"service":"API Gateway Mock","status":"UP","timestamp":"2024-05-01T12:00:00Z"}`
	if got := strings.TrimSpace(w.Body.String()); got != want {
		t.Errorf("body = %s, want %s", got, want)
	}

	if w := serve(s, "GET", "/api/unknown", "", nil); w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
	if s.Served() != 2 {
		t.Errorf("Served = %d", s.Served())
	}
}

// Package mock serves the demo storefront endpoints in process. Routes reach
// it through mock:// targets.
package mock

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/tidwall/gjson"

	"github.com/storefront/edge-gateway/internal/auth"
)

// Demo credentials accepted by the login endpoint.
const (
	DemoEmail    = "admin@admin.com"
	DemoPassword = "123456"
)

// TokenTTL is the lifetime of tokens issued by login.
const TokenTTL = 24 * time.Hour

const maxBodyBytes = 1 << 20

// Tokens issues and checks bearer tokens.
type Tokens interface {
	Issue(subject string, ttl time.Duration) (string, error)
	Verify(token string) (*auth.Claims, error)
}

// LoginResponse is returned by a successful login.
type LoginResponse struct {
	Token  string   `json:"token"`
	Type   string   `json:"type"`
	ID     int      `json:"id"`
	Email  string   `json:"email"`
	Nombre string   `json:"nombre"`
	Roles  []string `json:"roles"`
}

// Product is a catalog entry.
type Product struct {
	ID          int     `json:"id"`
	Nombre      string  `json:"nombre"`
	Precio      float64 `json:"precio"`
	Descripcion string  `json:"descripcion"`
	Categoria   string  `json:"categoria"`
	Stock       int     `json:"stock"`
	Imagen      string  `json:"imagen"`
}

// OrderLine is one product of an order.
type OrderLine struct {
	ID       int     `json:"id"`
	Nombre   string  `json:"nombre"`
	Cantidad int     `json:"cantidad"`
	Precio   float64 `json:"precio"`
}

// Order is a past purchase.
type Order struct {
	ID        int         `json:"id"`
	UserID    int64       `json:"userId"`
	Total     float64     `json:"total"`
	Fecha     string      `json:"fecha"`
	Estado    string      `json:"estado"`
	Productos []OrderLine `json:"productos"`
}

var products = []Product{
	{1, "iPhone 14 Pro", 1299.99, "Smartphone Apple con chip A16 Bionic", "Smartphones", 25, "https://via.placeholder.com/300x300/007ACC/FFFFFF?text=iPhone+14"},
	{2, "Samsung Galaxy S23", 899.99, "Smartphone Samsung con cámara de 200MP", "Smartphones", 15, "https://via.placeholder.com/300x300/FF6B35/FFFFFF?text=Galaxy+S23"},
	{3, "MacBook Pro M2", 1999.99, "Laptop Apple con chip M2 de alto rendimiento", "Laptops", 10, "https://via.placeholder.com/300x300/28A745/FFFFFF?text=MacBook+Pro"},
	{4, "Dell XPS 13", 1299.99, "Laptop ultrabook con pantalla InfinityEdge", "Laptops", 8, "https://via.placeholder.com/300x300/6C757D/FFFFFF?text=Dell+XPS"},
	{5, "AirPods Pro", 249.99, "Audífonos inalámbricos con cancelación de ruido", "Accesorios", 50, "https://via.placeholder.com/300x300/DC3545/FFFFFF?text=AirPods+Pro"},
}

func ordersFor(userID int64) []Order {
	return []Order{
		{
			ID: 1, UserID: userID, Total: 1549.98, Fecha: "2025-08-20T10:30:00", Estado: "Entregado",
			Productos: []OrderLine{
				{1, "iPhone 14 Pro", 1, 1299.99},
				{5, "AirPods Pro", 1, 249.99},
			},
		},
		{
			ID: 2, UserID: userID, Total: 899.99, Fecha: "2025-08-22T15:45:00", Estado: "En proceso",
			Productos: []OrderLine{
				{2, "Samsung Galaxy S23", 1, 899.99},
			},
		},
	}
}

// Server is the in-process demo upstream.
type Server struct {
	tokens Tokens
	router *httprouter.Router
	now    func() time.Time
	served atomic.Int64
}

// New creates the demo upstream.
func New(tokens Tokens) *Server {
	s := &Server{tokens: tokens, now: time.Now}

	r := httprouter.New()
	r.RedirectTrailingSlash = false
	r.RedirectFixedPath = false
	r.POST("/api/auth/login", s.login)
	r.GET("/api/auth/validate", s.validate)
	r.GET("/api/products", s.listProducts)
	r.GET("/api/products/:id", s.getProduct)
	r.GET("/api/orders/user/:userId", s.userOrders)
	r.GET("/api/health", s.health)
	r.NotFound = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "Not Found"})
	})
	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.served.Add(1)
	s.router.ServeHTTP(w, r)
}

// Served returns the number of requests handled.
func (s *Server) Served() int64 {
	return s.served.Load()
}

func (s *Server) login(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil || !gjson.ValidBytes(body) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "invalid request body"})
		return
	}

	email := gjson.GetBytes(body, "email").String()
	password := gjson.GetBytes(body, "password").String()
	if email != DemoEmail || password != DemoPassword {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "Credenciales incorrectas"})
		return
	}

	token, err := s.tokens.Issue(email, TokenTTL)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"message": "could not issue token"})
		return
	}
	writeJSON(w, http.StatusOK, LoginResponse{
		Token:  token,
		Type:   "Bearer",
		ID:     1,
		Email:  DemoEmail,
		Nombre: "Juan Admin",
		Roles:  []string{"ADMIN"},
	})
}

func (s *Server) validate(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	token, _ := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	claims, err := s.tokens.Verify(token)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"valid": false, "message": "Token inválido"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"valid": true, "email": claims.Subject})
}

func (s *Server) listProducts(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, products)
}

func (s *Server) getProduct(w http.ResponseWriter, _ *http.Request, ps httprouter.Params) {
	id, err := strconv.Atoi(ps.ByName("id"))
	if err == nil {
		for _, p := range products {
			if p.ID == id {
				writeJSON(w, http.StatusOK, p)
				return
			}
		}
	}
	w.WriteHeader(http.StatusNotFound)
}

func (s *Server) userOrders(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	userID, err := strconv.ParseInt(ps.ByName("userId"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "invalid user id"})
		return
	}
	writeJSON(w, http.StatusOK, ordersFor(userID))
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "UP",
		"timestamp": s.now().UTC().Format(time.RFC3339),
		"service":   "API Gateway Mock",
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

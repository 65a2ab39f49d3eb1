// Package fallback renders the degraded-service body returned when an
// upstream cannot serve a request.
package fallback

import (
	"encoding/json"
	stderrors "errors"
	"net/http"
	"strings"
	"time"

	"github.com/storefront/edge-gateway/internal/errors"
)

// Upstream categories with a dedicated message.
const (
	CategoryUser    = "user"
	CategoryProduct = "product"
	CategoryOrder   = "order"
)

const retryMessage = "Please try again later"

// Response is the fallback body. Status is always 503, whatever the HTTP
// status of the response carrying it.
type Response struct {
	Error     string `json:"error"`
	Status    int    `json:"status"`
	Timestamp int64  `json:"timestamp"`
	Message   string `json:"message"`
}

// Responder writes fallback bodies.
type Responder struct {
	now func() time.Time
}

// NewResponder creates a responder using the wall clock.
func NewResponder() *Responder {
	return &Responder{now: time.Now}
}

// WithClock returns a copy of r reading time from now.
func (r *Responder) WithClock(now func() time.Time) *Responder {
	return &Responder{now: now}
}

// Build returns the body for category.
func (r *Responder) Build(category string) Response {
	return Response{
		Error:     errorText(category),
		Status:    http.StatusServiceUnavailable,
		Timestamp: r.now().UnixMilli(),
		Message:   retryMessage,
	}
}

// StatusFor maps a dispatch failure to the HTTP status of the response.
func StatusFor(kind error) int {
	if stderrors.Is(kind, errors.ErrUpstreamTimeout) {
		return http.StatusGatewayTimeout
	}
	return http.StatusServiceUnavailable
}

// Write sends the fallback for category. kind selects the HTTP status.
func (r *Responder) Write(w http.ResponseWriter, category string, kind error) {
	body, err := json.Marshal(r.Build(category))
	if err != nil {
		errors.ErrServiceUnavailable.WriteJSON(w)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(StatusFor(kind))
	w.Write(body)
}

// Handler serves the fallback for category on any method.
func (r *Responder) Handler(category string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		r.Write(w, category, errors.ErrUpstreamUnreachable)
	})
}

func errorText(category string) string {
	switch category {
	case CategoryUser, CategoryProduct, CategoryOrder:
		return strings.ToUpper(category[:1]) + category[1:] + " service is temporarily unavailable"
	default:
		return "Service is temporarily unavailable"
	}
}

package variables

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Identity is the verified caller attached by the authentication filter.
type Identity struct {
	Subject   string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Context is the per-request state shared by the filters and the dispatcher.
// It lives exactly as long as the request.
type Context struct {
	RequestID string
	RouteID   string
	Upstream  string
	StartTime time.Time

	mu       sync.Mutex
	identity *Identity
	outbound http.Header
}

// NewContext creates a new request context
func NewContext() *Context {
	return &Context{
		StartTime: time.Now(),
		outbound:  make(http.Header),
	}
}

// SetIdentity records the verified caller.
func (c *Context) SetIdentity(id *Identity) {
	c.mu.Lock()
	c.identity = id
	c.mu.Unlock()
}

// Identity returns the verified caller, or nil for anonymous requests.
func (c *Context) Identity() *Identity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

// SetOutboundHeader sets a header to be added to the upstream request.
func (c *Context) SetOutboundHeader(name, value string) {
	c.mu.Lock()
	c.outbound.Set(name, value)
	c.mu.Unlock()
}

// OutboundHeaders returns a copy of the headers to add to the upstream request.
func (c *Context) OutboundHeaders() http.Header {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.outbound.Clone()
}

// RequestContextKey is the context key for storing the request context
type RequestContextKey struct{}

// WithContext returns a shallow copy of r carrying c.
func WithContext(r *http.Request, c *Context) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), RequestContextKey{}, c))
}

// FromContext returns the request context stored in ctx, if any.
func FromContext(ctx context.Context) (*Context, bool) {
	c, ok := ctx.Value(RequestContextKey{}).(*Context)
	return c, ok
}

// GetFromRequest extracts the request context from an HTTP request
func GetFromRequest(r *http.Request) *Context {
	if c, ok := FromContext(r.Context()); ok {
		return c
	}
	return NewContext()
}

// ExtractClientIP returns the caller address, preferring forwarding headers.
func ExtractClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		ips := strings.Split(xff, ",")
		if len(ips) > 0 {
			return strings.TrimSpace(ips[0])
		}
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

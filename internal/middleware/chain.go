package middleware

import (
	"net/http"
	"sort"
)

// Middleware is a function that wraps an http.Handler
type Middleware func(http.Handler) http.Handler

// Chain represents a chain of middlewares
type Chain struct {
	middlewares []Middleware
}

// NewChain creates a new middleware chain
func NewChain(middlewares ...Middleware) *Chain {
	return &Chain{
		middlewares: middlewares,
	}
}

// Then chains the middlewares and returns the final handler
func (c *Chain) Then(h http.Handler) http.Handler {
	if h == nil {
		h = http.NotFoundHandler()
	}

	// Apply middlewares in reverse order so first middleware is outermost
	for i := len(c.middlewares) - 1; i >= 0; i-- {
		h = c.middlewares[i](h)
	}

	return h
}

// Append adds middlewares to the chain and returns a new chain
func (c *Chain) Append(middlewares ...Middleware) *Chain {
	newMiddlewares := make([]Middleware, 0, len(c.middlewares)+len(middlewares))
	newMiddlewares = append(newMiddlewares, c.middlewares...)
	newMiddlewares = append(newMiddlewares, middlewares...)
	return &Chain{middlewares: newMiddlewares}
}

// Len returns the number of middlewares in the chain
func (c *Chain) Len() int {
	return len(c.middlewares)
}

// WrapFunc converts a middleware-style function to a Middleware
func WrapFunc(fn func(w http.ResponseWriter, r *http.Request, next http.Handler)) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fn(w, r, next)
		})
	}
}

// Filter precedence. Lower runs first.
const (
	OrderCORS           = 100
	OrderRecovery       = 150
	OrderAuthentication = 200
	OrderLogging        = 300
)

// Filter is a pipeline stage with a fixed precedence. A filter either calls
// next exactly once or writes a terminal response itself.
type Filter interface {
	Name() string
	Order() int
	Handle(w http.ResponseWriter, r *http.Request, next http.Handler)
}

// NewFilterChain orders filters by precedence and returns them as a chain.
// Filters with equal precedence keep their given order.
func NewFilterChain(filters ...Filter) *Chain {
	sorted := make([]Filter, len(filters))
	copy(sorted, filters)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Order() < sorted[j].Order()
	})

	middlewares := make([]Middleware, len(sorted))
	for i, f := range sorted {
		middlewares[i] = WrapFunc(f.Handle)
	}
	return NewChain(middlewares...)
}

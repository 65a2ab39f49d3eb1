package router

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/storefront/edge-gateway/internal/config"
	gwerrors "github.com/storefront/edge-gateway/internal/errors"
)

// Target schemes.
const (
	SchemeLoadBalanced = config.SchemeLoadBalanced
	SchemeMock         = config.SchemeMock
)

// Target is where a route forwards to.
type Target struct {
	Scheme  string   // lb, mock, http or https
	Service string   // upstream or mock name for lb and mock targets
	URL     *url.URL // base URL for http(s) targets
}

// IsLoadBalanced reports whether the target is resolved through discovery.
func (t Target) IsLoadBalanced() bool { return t.Scheme == SchemeLoadBalanced }

// IsMock reports whether the target is served in process.
func (t Target) IsMock() bool { return t.Scheme == SchemeMock }

func (t Target) String() string {
	if t.URL != nil {
		return t.URL.String()
	}
	return t.Scheme + "://" + t.Service
}

// Route is a compiled path rule.
type Route struct {
	ID       string
	Pattern  string
	Target   Target
	Category string
	Timeout  time.Duration
	Debug    bool

	match func(path string) bool
}

// Matches reports whether path satisfies the route pattern.
func (r *Route) Matches(path string) bool {
	return r.match(path)
}

// Table is an ordered, immutable list of routes. The first route whose
// pattern matches wins.
type Table struct {
	routes []*Route
}

// New compiles the route configs in order.
func New(routes []config.RouteConfig) (*Table, error) {
	t := &Table{routes: make([]*Route, 0, len(routes))}
	seen := make(map[string]bool, len(routes))

	for _, rc := range routes {
		if seen[rc.ID] {
			return nil, fmt.Errorf("duplicate route id: %s", rc.ID)
		}
		seen[rc.ID] = true

		route, err := compile(rc)
		if err != nil {
			return nil, fmt.Errorf("route %s: %w", rc.ID, err)
		}
		t.routes = append(t.routes, route)
	}
	return t, nil
}

func compile(rc config.RouteConfig) (*Route, error) {
	if !strings.HasPrefix(rc.Path, "/") {
		return nil, fmt.Errorf("path %q must start with /", rc.Path)
	}
	match, err := compilePattern(rc.Path)
	if err != nil {
		return nil, err
	}
	target, err := parseTarget(rc.URI)
	if err != nil {
		return nil, err
	}
	return &Route{
		ID:       rc.ID,
		Pattern:  rc.Path,
		Target:   target,
		Category: rc.Category,
		Timeout:  rc.Timeout,
		Debug:    rc.Debug,
		match:    match,
	}, nil
}

// compilePattern builds the matcher for a path pattern:
//
//	/x/**   matches /x, /x/ and anything below /x/
//	/x      matches /x only
//	other   doublestar glob semantics
func compilePattern(pattern string) (func(string) bool, error) {
	if prefix, ok := strings.CutSuffix(pattern, "/**"); ok && !hasMeta(prefix) {
		return func(path string) bool {
			if !strings.HasPrefix(path, prefix) {
				return false
			}
			rest := path[len(prefix):]
			return rest == "" || rest[0] == '/'
		}, nil
	}

	if !hasMeta(pattern) {
		return func(path string) bool { return path == pattern }, nil
	}

	if !doublestar.ValidatePattern(pattern) {
		return nil, fmt.Errorf("invalid path pattern %q", pattern)
	}
	return func(path string) bool {
		ok, _ := doublestar.Match(pattern, path)
		return ok
	}, nil
}

func hasMeta(s string) bool {
	return strings.ContainsAny(s, `*?[{\`)
}

func parseTarget(uri string) (Target, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return Target{}, fmt.Errorf("invalid uri %q: %w", uri, err)
	}
	switch u.Scheme {
	case SchemeLoadBalanced, SchemeMock:
		if u.Host == "" {
			return Target{}, fmt.Errorf("uri %q must name a service", uri)
		}
		return Target{Scheme: u.Scheme, Service: u.Host}, nil
	case "http", "https":
		if u.Host == "" {
			return Target{}, fmt.Errorf("uri %q has no host", uri)
		}
		return Target{Scheme: u.Scheme, Service: u.Host, URL: u}, nil
	default:
		return Target{}, fmt.Errorf("unsupported uri scheme %q", u.Scheme)
	}
}

// Resolve returns the first route matching path, or ErrRouteNotFound.
func (t *Table) Resolve(path string) (*Route, error) {
	for _, r := range t.routes {
		if r.match(path) {
			return r, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", gwerrors.ErrRouteNotFound, path)
}

// Routes returns the routes in registration order.
func (t *Table) Routes() []*Route {
	out := make([]*Route, len(t.routes))
	copy(out, t.routes)
	return out
}

// Len returns the number of routes.
func (t *Table) Len() int {
	return len(t.routes)
}

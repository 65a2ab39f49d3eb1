package cors

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/storefront/edge-gateway/internal/config"
	"github.com/storefront/edge-gateway/internal/errors"
	"github.com/storefront/edge-gateway/internal/logging"
	"github.com/storefront/edge-gateway/internal/middleware"
	"go.uber.org/zap"
)

const headerPrefix = "Access-Control-"

// Filter enforces the cross-origin policy. Preflight requests terminate here;
// every other response has its CORS headers replaced by the canonical set
// right before the status line is written.
type Filter struct {
	allowOrigin      string
	allowAll         bool
	allowMethods     string
	allowHeaders     string
	allowCredentials bool
	maxAge           string
}

// New creates a CORS filter from the policy.
func New(cfg config.CORSConfig) (*Filter, error) {
	if err := config.ValidateCORS(cfg); err != nil {
		return nil, err
	}

	f := &Filter{
		allowOrigin:      cfg.AllowOrigin,
		allowAll:         cfg.AllowOrigin == "*",
		allowCredentials: cfg.AllowCredentials,
		maxAge:           strconv.Itoa(cfg.MaxAge),
	}

	if len(cfg.AllowMethods) > 0 {
		f.allowMethods = strings.Join(cfg.AllowMethods, ", ")
	} else {
		f.allowMethods = "GET, POST, PUT, DELETE, OPTIONS, PATCH"
	}

	if len(cfg.AllowHeaders) > 0 {
		f.allowHeaders = strings.Join(cfg.AllowHeaders, ", ")
	} else {
		f.allowHeaders = "*"
	}

	return f, nil
}

// Name implements middleware.Filter.
func (f *Filter) Name() string { return "cors" }

// Order implements middleware.Filter.
func (f *Filter) Order() int { return middleware.OrderCORS }

// Handle implements middleware.Filter.
func (f *Filter) Handle(w http.ResponseWriter, r *http.Request, next http.Handler) {
	origin := r.Header.Get("Origin")
	allowed := f.isOriginAllowed(origin)
	if origin != "" && !allowed {
		logging.Debug("cors origin rejected",
			zap.String("origin", origin),
			zap.Error(errors.ErrOriginNotAllowed),
		)
	}

	// Every OPTIONS request is answered here, so a preflight never meets
	// authentication or routing.
	if r.Method == http.MethodOptions {
		f.finalize(w.Header(), origin, allowed)
		w.WriteHeader(http.StatusOK)
		return
	}

	fw := &finalizingWriter{
		ResponseWriter: w,
		onFinalize: func(h http.Header) {
			f.finalize(h, origin, allowed)
		},
	}
	next.ServeHTTP(fw, r)

	// Nothing was written: the server will send headers after we return.
	fw.finalize()
}

// finalize strips every Access-Control-* header and, for an allowed origin,
// sets the canonical set.
func (f *Filter) finalize(h http.Header, origin string, allowed bool) {
	for name := range h {
		if strings.HasPrefix(http.CanonicalHeaderKey(name), headerPrefix) {
			delete(h, name)
		}
	}
	if origin != "" {
		addVary(h, "Origin")
	}
	if !allowed {
		return
	}

	respOrigin := origin
	if f.allowAll {
		respOrigin = "*"
	}
	h.Set("Access-Control-Allow-Origin", respOrigin)
	h.Set("Access-Control-Allow-Methods", f.allowMethods)
	h.Set("Access-Control-Allow-Headers", f.allowHeaders)
	if f.allowCredentials {
		h.Set("Access-Control-Allow-Credentials", "true")
	}
	h.Set("Access-Control-Max-Age", f.maxAge)
}

func (f *Filter) isOriginAllowed(origin string) bool {
	if origin == "" {
		return false
	}
	return f.allowAll || origin == f.allowOrigin
}

func addVary(h http.Header, value string) {
	for _, v := range h.Values("Vary") {
		for _, part := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(part), value) {
				return
			}
		}
	}
	h.Add("Vary", value)
}

// finalizingWriter runs onFinalize exactly once, immediately before the
// response header is committed.
type finalizingWriter struct {
	http.ResponseWriter
	onFinalize func(http.Header)
	done       bool
}

func (fw *finalizingWriter) finalize() {
	if fw.done {
		return
	}
	fw.done = true
	fw.onFinalize(fw.ResponseWriter.Header())
}

func (fw *finalizingWriter) WriteHeader(code int) {
	fw.finalize()
	fw.ResponseWriter.WriteHeader(code)
}

func (fw *finalizingWriter) Write(b []byte) (int, error) {
	fw.finalize()
	return fw.ResponseWriter.Write(b)
}

// Flush implements http.Flusher
func (fw *finalizingWriter) Flush() {
	fw.finalize()
	if f, ok := fw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap exposes the underlying writer to http.ResponseController.
func (fw *finalizingWriter) Unwrap() http.ResponseWriter {
	return fw.ResponseWriter
}

package accesslog

import (
	"net/http"
	"strings"
	"time"

	"github.com/storefront/edge-gateway/internal/logging"
	"github.com/storefront/edge-gateway/internal/middleware"
	"github.com/storefront/edge-gateway/internal/variables"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// DefaultSensitiveHeaders are always masked in debug header dumps.
var DefaultSensitiveHeaders = []string{"Authorization", "Cookie", "Set-Cookie", "X-API-Key"}

// Recorder receives one observation per completed request.
type Recorder interface {
	RecordRequest(route, method string, statusCode int, duration time.Duration)
}

// Option configures the logging filter.
type Option func(*Filter)

// WithRecorder reports every request to r.
func WithRecorder(r Recorder) Option {
	return func(f *Filter) { f.recorder = r }
}

// WithSensitiveHeaders adds header names masked in debug output.
func WithSensitiveHeaders(names ...string) Option {
	return func(f *Filter) {
		for _, n := range names {
			f.sensitive[http.CanonicalHeaderKey(n)] = true
		}
	}
}

// Filter logs every request before dispatch and its outcome after.
// It observes only; the response passes through unchanged.
type Filter struct {
	recorder  Recorder
	sensitive map[string]bool
	now       func() time.Time
}

// New creates the logging filter.
func New(opts ...Option) *Filter {
	f := &Filter{
		sensitive: make(map[string]bool, len(DefaultSensitiveHeaders)),
		now:       time.Now,
	}
	for _, h := range DefaultSensitiveHeaders {
		f.sensitive[http.CanonicalHeaderKey(h)] = true
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Name implements middleware.Filter.
func (f *Filter) Name() string { return "logging" }

// Order implements middleware.Filter.
func (f *Filter) Order() int { return middleware.OrderLogging }

// Handle implements middleware.Filter.
func (f *Filter) Handle(w http.ResponseWriter, r *http.Request, next http.Handler) {
	start := f.now()
	logger := logging.Global()
	requestID := middleware.GetRequestID(r)

	logger.Info("gateway request",
		zap.String("method", r.Method),
		zap.String("uri", r.URL.RequestURI()),
		zap.String("remote_addr", variables.ExtractClientIP(r)),
		zap.String("request_id", requestID),
	)
	if ce := logger.Check(zapcore.DebugLevel, "gateway request headers"); ce != nil {
		ce.Write(zap.String("request_id", requestID), zap.Any("headers", f.MaskHeaders(r.Header)))
	}

	sw := acquireWriter(w)
	completed := false
	defer func() {
		status := sw.status
		if !completed && !sw.wroteHeader {
			// unwinding from a panic before anything was written
			status = http.StatusInternalServerError
		}
		duration := f.now().Sub(start)

		var routeID, upstream string
		if varCtx, ok := variables.FromContext(r.Context()); ok {
			routeID = varCtx.RouteID
			upstream = varCtx.Upstream
		}

		logger.Info("gateway response",
			zap.String("method", r.Method),
			zap.String("uri", r.URL.RequestURI()),
			zap.Int("status", status),
			zap.Duration("duration", duration),
			zap.String("route_id", routeID),
			zap.String("upstream", upstream),
			zap.Int64("body_bytes", sw.bytes),
			zap.String("request_id", requestID),
		)
		if f.recorder != nil {
			f.recorder.RecordRequest(routeID, r.Method, status, duration)
		}
		releaseWriter(sw)
	}()

	next.ServeHTTP(sw, r)
	completed = true
}

// MaskHeaders flattens h, replacing sensitive values with "***".
func (f *Filter) MaskHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for name, vals := range h {
		canonical := http.CanonicalHeaderKey(name)
		if f.sensitive[canonical] {
			out[canonical] = "***"
			continue
		}
		out[canonical] = strings.Join(vals, ", ")
	}
	return out
}

package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/storefront/edge-gateway/internal/errors"
	"github.com/storefront/edge-gateway/internal/logging"
	"go.uber.org/zap"
)

// RecoveryConfig configures the recovery middleware
type RecoveryConfig struct {
	// PrintStack prints the stack trace when a panic occurs
	PrintStack bool
	// LogFunc is called when a panic occurs
	LogFunc func(err interface{}, stack []byte)
}

// DefaultRecoveryConfig provides default recovery settings
var DefaultRecoveryConfig = RecoveryConfig{
	PrintStack: true,
	LogFunc:    defaultLogFunc,
}

func defaultLogFunc(err interface{}, stack []byte) {
	logging.Error("panic recovered",
		zap.Any("error", err),
		zap.ByteString("stack", stack),
	)
}

// Recovery creates a panic recovery middleware
func Recovery() Middleware {
	return RecoveryWithConfig(DefaultRecoveryConfig)
}

// RecoveryWithConfig creates a recovery middleware with custom config
func RecoveryWithConfig(cfg RecoveryConfig) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer cfg.handlePanic(w)
			next.ServeHTTP(w, r)
		})
	}
}

// RecoveryFilter recovers panics inside the filter chain, after CORS, so
// the 500 response still passes through the CORS writer.
type RecoveryFilter struct {
	cfg RecoveryConfig
}

// NewRecoveryFilter creates a recovery filter with default config.
func NewRecoveryFilter() *RecoveryFilter {
	return &RecoveryFilter{cfg: DefaultRecoveryConfig}
}

// Name implements Filter.
func (f *RecoveryFilter) Name() string { return "recovery" }

// Order implements Filter.
func (f *RecoveryFilter) Order() int { return OrderRecovery }

// Handle implements Filter.
func (f *RecoveryFilter) Handle(w http.ResponseWriter, r *http.Request, next http.Handler) {
	defer f.cfg.handlePanic(w)
	next.ServeHTTP(w, r)
}

// handlePanic must be deferred directly so recover sees the panic.
func (cfg RecoveryConfig) handlePanic(w http.ResponseWriter) {
	err := recover()
	if err == nil {
		return
	}
	if err == http.ErrAbortHandler {
		panic(err)
	}

	var stack []byte
	if cfg.PrintStack {
		stack = debug.Stack()
	}
	if cfg.LogFunc != nil {
		cfg.LogFunc(err, stack)
	}

	gwErr := errors.ErrInternalServer.WithDetails(fmt.Sprintf("panic: %v", err))
	if reqID := w.Header().Get(RequestIDHeader); reqID != "" {
		gwErr = gwErr.WithRequestID(reqID)
	}
	gwErr.WriteJSON(w)
}

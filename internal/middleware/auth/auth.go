package auth

import (
	"crypto/sha256"
	"encoding/hex"
	stderrors "errors"
	"net/http"
	"strings"

	"github.com/storefront/edge-gateway/internal/auth"
	"github.com/storefront/edge-gateway/internal/config"
	"github.com/storefront/edge-gateway/internal/errors"
	"github.com/storefront/edge-gateway/internal/logging"
	"github.com/storefront/edge-gateway/internal/middleware"
	"github.com/storefront/edge-gateway/internal/variables"
	"go.uber.org/zap"
)

const bearerPrefix = "Bearer "

// Verifier turns a bearer token into verified claims.
type Verifier interface {
	Verify(token string) (*auth.Claims, error)
}

// FailureRecorder counts rejected requests by reason.
type FailureRecorder interface {
	RecordAuthFailure(reason string)
}

// Option configures the filter.
type Option func(*Filter)

// WithFailureRecorder reports every rejection to rec.
func WithFailureRecorder(rec FailureRecorder) Option {
	return func(f *Filter) { f.recorder = rec }
}

// Filter authenticates protected requests. Public paths pass untouched;
// everything else needs a valid bearer token.
type Filter struct {
	verifier       Verifier
	publicPaths    []string
	identityHeader string
	challenge      string
	recorder       FailureRecorder
}

// New creates the authentication filter.
func New(v Verifier, cfg config.AuthenticationConfig, opts ...Option) *Filter {
	identity := cfg.IdentityHeader
	if identity == "" {
		identity = "X-User-Email"
	}
	realm := cfg.Realm
	if realm == "" {
		realm = "api"
	}
	f := &Filter{
		verifier:       v,
		publicPaths:    append([]string(nil), cfg.PublicPaths...),
		identityHeader: http.CanonicalHeaderKey(identity),
		challenge:      `Bearer realm="` + realm + `"`,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Name implements middleware.Filter.
func (f *Filter) Name() string { return "authentication" }

// Order implements middleware.Filter.
func (f *Filter) Order() int { return middleware.OrderAuthentication }

// IdentityHeader returns the outbound header carrying the subject.
func (f *Filter) IdentityHeader() string { return f.identityHeader }

// IsPublic reports whether path is exempt from authentication.
func (f *Filter) IsPublic(path string) bool {
	for _, p := range f.publicPaths {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

// Handle implements middleware.Filter.
func (f *Filter) Handle(w http.ResponseWriter, r *http.Request, next http.Handler) {
	if f.IsPublic(r.URL.Path) {
		next.ServeHTTP(w, r)
		return
	}

	token, err := extractToken(r)
	if err != nil {
		f.reject(w, r, token, err)
		return
	}

	claims, err := f.verifier.Verify(token)
	if err != nil {
		f.reject(w, r, token, err)
		return
	}

	varCtx, ok := variables.FromContext(r.Context())
	if !ok {
		varCtx = variables.NewContext()
		r = variables.WithContext(r, varCtx)
	}
	varCtx.SetIdentity(&variables.Identity{
		Subject:   claims.Subject,
		IssuedAt:  claims.IssuedAt,
		ExpiresAt: claims.ExpiresAt,
	})
	varCtx.SetOutboundHeader(f.identityHeader, claims.Subject)
	varCtx.SetOutboundHeader("Authorization", r.Header.Get("Authorization"))

	next.ServeHTTP(w, r)
}

// reject logs the specific failure and writes the single opaque 401 body.
func (f *Filter) reject(w http.ResponseWriter, r *http.Request, token string, err error) {
	reason := Reason(err)
	if f.recorder != nil {
		f.recorder.RecordAuthFailure(reason)
	}

	fields := []zap.Field{
		zap.String("reason", reason),
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.String("request_id", middleware.GetRequestID(r)),
	}
	if token != "" {
		fields = append(fields, zap.String("token_fingerprint", fingerprint(token)))
	}
	fields = append(fields, zap.Error(err))
	logging.Warn("authentication failed", fields...)

	w.Header().Set("WWW-Authenticate", f.challenge)
	errors.ErrUnauthorized.WriteJSON(w)
}

// Reason returns the log label for a token failure.
func Reason(err error) string {
	switch {
	case stderrors.Is(err, errors.ErrTokenMissing):
		return "missing_token"
	case stderrors.Is(err, errors.ErrTokenExpired):
		return "expired"
	case stderrors.Is(err, errors.ErrTokenInvalidSignature):
		return "invalid_signature"
	default:
		return "malformed"
	}
}

func extractToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, bearerPrefix) {
		return "", errors.ErrTokenMissing
	}
	token := strings.TrimSpace(header[len(bearerPrefix):])
	if token == "" {
		return "", errors.ErrTokenMissing
	}
	return token, nil
}

// fingerprint identifies a token in logs without revealing it.
func fingerprint(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:4])
}

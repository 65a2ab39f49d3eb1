package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/storefront/edge-gateway/internal/config"
	gwerrors "github.com/storefront/edge-gateway/internal/errors"
)

// ErrWeakSecret is returned at construction when the shared secret is shorter
// than the digest size of the configured algorithm.
var ErrWeakSecret = errors.New("jwt secret too short for algorithm")

// minSecretLen is the minimum key length in bytes per HMAC algorithm.
var minSecretLen = map[string]int{
	"HS256": 32,
	"HS384": 48,
	"HS512": 64,
}

var signingMethods = map[string]jwt.SigningMethod{
	"HS256": jwt.SigningMethodHS256,
	"HS384": jwt.SigningMethodHS384,
	"HS512": jwt.SigningMethodHS512,
}

// Claims is the verified content of a bearer token.
type Claims struct {
	Subject   string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithClock overrides the time source used for expiry checks and issuing.
func WithClock(now func() time.Time) Option {
	return func(v *Verifier) {
		v.now = now
	}
}

// Verifier checks HMAC-signed bearer tokens against a shared secret.
// It is immutable after construction and safe for concurrent use.
type Verifier struct {
	secret    []byte
	algorithm string
	method    jwt.SigningMethod
	now       func() time.Time
	parser    *jwt.Parser
}

// NewVerifier creates a verifier from the JWT settings.
func NewVerifier(cfg config.JWTConfig, opts ...Option) (*Verifier, error) {
	alg := cfg.Algorithm
	if alg == "" {
		alg = "HS256"
	}
	method, ok := signingMethods[alg]
	if !ok {
		return nil, fmt.Errorf("unsupported jwt algorithm: %s", alg)
	}
	if len(cfg.Secret) < minSecretLen[alg] {
		return nil, fmt.Errorf("%w: %s requires at least %d bytes, got %d",
			ErrWeakSecret, alg, minSecretLen[alg], len(cfg.Secret))
	}

	v := &Verifier{
		secret:    []byte(cfg.Secret),
		algorithm: alg,
		method:    method,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}

	v.parser = jwt.NewParser(
		jwt.WithValidMethods([]string{alg}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	)
	return v, nil
}

// Algorithm returns the configured signing algorithm.
func (v *Verifier) Algorithm() string {
	return v.algorithm
}

func (v *Verifier) keyFunc(token *jwt.Token) (interface{}, error) {
	if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
		return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
	}
	return v.secret, nil
}

// Verify checks the token signature and expiry and returns its claims.
// Failures wrap one of ErrTokenMalformed, ErrTokenExpired or
// ErrTokenInvalidSignature from the errors package.
func (v *Verifier) Verify(tokenString string) (*Claims, error) {
	if tokenString == "" {
		return nil, gwerrors.ErrTokenMissing
	}

	var rc jwt.RegisteredClaims
	token, err := v.parser.ParseWithClaims(tokenString, &rc, v.keyFunc)
	if err != nil {
		return nil, classify(err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("%w: token not valid", gwerrors.ErrTokenMalformed)
	}
	if rc.Subject == "" {
		return nil, fmt.Errorf("%w: subject claim missing", gwerrors.ErrTokenMalformed)
	}

	claims := &Claims{Subject: rc.Subject}
	if rc.IssuedAt != nil {
		claims.IssuedAt = rc.IssuedAt.Time
	}
	if rc.ExpiresAt != nil {
		claims.ExpiresAt = rc.ExpiresAt.Time
	}
	return claims, nil
}

// classify maps library errors onto the gateway's token failure kinds.
// The signature is always checked before the time based claims, so an
// expired token reaching here has a valid signature.
func classify(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		return fmt.Errorf("%w: %v", gwerrors.ErrTokenMalformed, err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid),
		errors.Is(err, jwt.ErrTokenUnverifiable),
		errors.Is(err, jwt.ErrSignatureInvalid):
		return fmt.Errorf("%w: %v", gwerrors.ErrTokenInvalidSignature, err)
	case errors.Is(err, jwt.ErrTokenExpired):
		return fmt.Errorf("%w: %v", gwerrors.ErrTokenExpired, err)
	default:
		return fmt.Errorf("%w: %v", gwerrors.ErrTokenMalformed, err)
	}
}

// Issue signs a token for subject valid for ttl from now.
func (v *Verifier) Issue(subject string, ttl time.Duration) (string, error) {
	return v.IssueWithClaims(subject, ttl, nil)
}

// IssueWithClaims signs a token carrying extra private claims.
func (v *Verifier) IssueWithClaims(subject string, ttl time.Duration, extra map[string]interface{}) (string, error) {
	now := v.now()
	claims := jwt.MapClaims{
		"sub": subject,
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	}
	for k, val := range extra {
		if _, reserved := claims[k]; !reserved {
			claims[k] = val
		}
	}
	return jwt.NewWithClaims(v.method, claims).SignedString(v.secret)
}

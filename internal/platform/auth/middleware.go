package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	firebaseauth "firebase.google.com/go/v4/auth"
	"go.uber.org/zap"

	"github.com/tariky/3S-sub000/internal/platform/httpx"
	"github.com/tariky/3S-sub000/internal/platform/observability"
	"github.com/tariky/3S-sub000/internal/platform/requestctx"
)

var (
	// ErrTokenExpired lets verifiers other than Firebase report an expired token.
	ErrTokenExpired = errors.New("auth: id token expired")
	// ErrTokenInvalid lets verifiers other than Firebase report a rejected token.
	ErrTokenInvalid = errors.New("auth: id token invalid")
)

// TokenVerifier checks an ID token's signature, audience and expiry.
type TokenVerifier interface {
	VerifyIDToken(ctx context.Context, idToken string) (*firebaseauth.Token, error)
}

// Authenticator guards the API with Firebase ID tokens carrying back office roles.
type Authenticator struct {
	verifier  TokenVerifier
	roleClaim string
	timeout   time.Duration
}

// Option customises Authenticator behaviour.
type Option func(*Authenticator)

// WithRoleClaim names the custom claim roles are read from. Defaults to "role".
func WithRoleClaim(claim string) Option {
	return func(a *Authenticator) {
		if claim = strings.TrimSpace(claim); claim != "" {
			a.roleClaim = claim
		}
	}
}

// WithVerificationTimeout bounds each token verification.
func WithVerificationTimeout(d time.Duration) Option {
	return func(a *Authenticator) {
		if d > 0 {
			a.timeout = d
		}
	}
}

// NewAuthenticator constructs a Firebase Authenticator for middleware composition.
func NewAuthenticator(verifier TokenVerifier, opts ...Option) *Authenticator {
	a := &Authenticator{verifier: verifier, roleClaim: "role", timeout: 5 * time.Second}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

// RequireRoles admits requests whose bearer token verifies and names one of roles.
// Missing or bad tokens get 401; a good token without a listed role gets 403.
func (a *Authenticator) RequireRoles(roles ...string) func(http.Handler) http.Handler {
	allowed := make([]string, 0, len(roles))
	for _, role := range roles {
		if role = normaliseRole(role); role != "" {
			allowed = append(allowed, role)
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			raw, ok := bearerToken(r.Header.Get("Authorization"))
			if !ok {
				httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "bearer token required", http.StatusUnauthorized))
				return
			}
			if a == nil || a.verifier == nil {
				httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "token verification is not configured", http.StatusUnauthorized))
				return
			}

			verifyCtx, cancel := context.WithTimeout(ctx, a.timeout)
			token, err := a.verifier.VerifyIDToken(verifyCtx, raw)
			cancel()
			if err != nil {
				requestctx.Logger(ctx).Debug("id token rejected", zap.Error(err))
				httpx.WriteError(ctx, w, verificationError(err))
				return
			}

			identity := identityFromToken(token, a.roleClaim)
			if len(allowed) > 0 && !anyRole(identity, allowed) {
				httpx.WriteError(ctx, w, httpx.NewError("insufficient_role", "a staff or admin role is required", http.StatusForbidden))
				return
			}

			ctx = WithIdentity(ctx, identity)
			logger := requestctx.Logger(ctx).With(zap.String("actor_id", observability.SanitizeIdentifier(identity.UID)))
			next.ServeHTTP(w, r.WithContext(requestctx.WithLogger(ctx, logger)))
		})
	}
}

func anyRole(identity *Identity, roles []string) bool {
	for _, role := range roles {
		if identity.HasRole(role) {
			return true
		}
	}
	return false
}

func bearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func verificationError(err error) httpx.Error {
	switch {
	case errors.Is(err, ErrTokenExpired), firebaseauth.IsIDTokenExpired(err):
		return httpx.NewError("token_expired", "id token expired", http.StatusUnauthorized)
	case errors.Is(err, ErrTokenInvalid), firebaseauth.IsIDTokenInvalid(err):
		return httpx.NewError("invalid_token", "id token invalid", http.StatusUnauthorized)
	default:
		return httpx.NewError("invalid_token", "id token could not be verified", http.StatusUnauthorized)
	}
}

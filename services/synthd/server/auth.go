package server

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"
)

// AdminAuthConfig configures bearer token and mTLS authentication for the
// operator endpoints.
type AdminAuthConfig struct {
	BearerToken string
	AllowMTLS   bool
}

// AdminAuthenticator verifies operator requests before they reach handlers.
type AdminAuthenticator struct {
	bearerToken string
	allowBearer bool
	allowMTLS   bool
}

// Principal describes an authenticated operator.
type Principal struct {
	Method string
}

type principalContextKey struct{}

// PrincipalFromContext extracts the authenticated operator from ctx.
func PrincipalFromContext(ctx context.Context) (*Principal, bool) {
	if ctx == nil {
		return nil, false
	}
	principal, ok := ctx.Value(principalContextKey{}).(*Principal)
	if !ok || principal == nil {
		return nil, false
	}
	return principal, true
}

// NewAdminAuthenticator requires at least one mechanism.
func NewAdminAuthenticator(cfg AdminAuthConfig) (*AdminAuthenticator, error) {
	token := strings.TrimSpace(cfg.BearerToken)
	if token == "" && !cfg.AllowMTLS {
		return nil, fmt.Errorf("at least one admin authentication mechanism must be configured")
	}
	return &AdminAuthenticator{bearerToken: token, allowBearer: token != "", allowMTLS: cfg.AllowMTLS}, nil
}

// Middleware enforces operator authentication.
func (a *AdminAuthenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a == nil {
			http.Error(w, "authentication unavailable", http.StatusInternalServerError)
			return
		}
		principal, ok := a.authenticate(r)
		if !ok {
			http.Error(w, "authentication required", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalContextKey{}, principal)))
	})
}

func (a *AdminAuthenticator) authenticate(r *http.Request) (*Principal, bool) {
	if a.allowBearer {
		token := parseBearerToken(r.Header.Get("Authorization"))
		if token != "" && subtle.ConstantTimeCompare([]byte(token), []byte(a.bearerToken)) == 1 {
			return &Principal{Method: "bearer"}, true
		}
	}
	if a.allowMTLS && r.TLS != nil {
		if len(r.TLS.VerifiedChains) > 0 {
			return &Principal{Method: "mtls"}, true
		}
	}
	return nil, false
}

func parseBearerToken(header string) string {
	parts := strings.SplitN(strings.TrimSpace(header), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(strings.TrimSpace(parts[0]), "bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// Package auth authenticates callers of the query service with static API keys or bearer JWTs.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// contextKey is a custom type for context keys to avoid collisions
type contextKey string

const (
	// APIKeyHeader is the header and metadata key for API key authentication
	APIKeyHeader = "x-api-key"

	// AuthorizationHeader carries "Bearer <jwt>"
	AuthorizationHeader = "authorization"

	principalContextKey contextKey = "principal"
)

var (
	// ErrMissingCredentials is returned when a request carries neither key nor token
	ErrMissingCredentials = errors.New("missing credentials")
	// ErrInvalidCredentials is returned for unknown keys and bad tokens
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrForbidden is returned when a non-admin calls an admin operation
	ErrForbidden = errors.New("admin credentials required")
)

// Principal is the authenticated caller.
type Principal struct {
	Subject string
	Admin   bool
	Method  string // "api_key", "jwt" or "anonymous"
}

// Authenticator validates API keys and bearer tokens.
// With no keys and no JWT manager configured every request is accepted as an anonymous admin.
type Authenticator struct {
	apiKeys  []string
	adminKey string
	jwt      *JWTManager
}

// NewAuthenticator creates an authenticator. Empty keys are ignored; jwtManager may be nil.
func NewAuthenticator(apiKeys []string, adminKey string, jwtManager *JWTManager) *Authenticator {
	keys := make([]string, 0, len(apiKeys))
	for _, k := range apiKeys {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, k)
		}
	}
	return &Authenticator{apiKeys: keys, adminKey: strings.TrimSpace(adminKey), jwt: jwtManager}
}

// Enabled reports whether any credential is configured.
func (a *Authenticator) Enabled() bool {
	return len(a.apiKeys) > 0 || a.adminKey != "" || a.jwt != nil
}

// Authenticate resolves an API key or a bearer token to a Principal.
func (a *Authenticator) Authenticate(apiKey, bearer string) (*Principal, error) {
	if !a.Enabled() {
		return &Principal{Subject: "anonymous", Admin: true, Method: "anonymous"}, nil
	}

	if apiKey != "" {
		if a.adminKey != "" && equal(apiKey, a.adminKey) {
			return &Principal{Subject: "admin", Admin: true, Method: "api_key"}, nil
		}
		for _, k := range a.apiKeys {
			if equal(apiKey, k) {
				return &Principal{Subject: "api_key:" + k[:min(4, len(k))], Method: "api_key"}, nil
			}
		}
		return nil, ErrInvalidCredentials
	}

	if bearer != "" && a.jwt != nil {
		claims, err := a.jwt.ValidateToken(bearer)
		if err != nil {
			return nil, errors.Join(ErrInvalidCredentials, err)
		}
		return &Principal{Subject: claims.Subject, Admin: claims.Role == RoleAdmin, Method: "jwt"}, nil
	}
	if bearer != "" {
		return nil, ErrInvalidCredentials
	}

	return nil, ErrMissingCredentials
}

func equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// bearerToken extracts the token from an "Authorization: Bearer <token>" value.
func bearerToken(value string) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(value), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// WithPrincipal stores p in ctx.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalContextKey, p)
}

// PrincipalFromContext extracts the authenticated caller from context
func PrincipalFromContext(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalContextKey).(*Principal)
	return p, ok
}

// ============================================================================
// HTTP
// ============================================================================

// Middleware rejects unauthenticated HTTP requests with 401.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, err := a.Authenticate(
			strings.TrimSpace(r.Header.Get(APIKeyHeader)),
			bearerToken(r.Header.Get(AuthorizationHeader)),
		)
		if err != nil {
			writeHTTPError(w, http.StatusUnauthorized, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
	})
}

// RequireAdmin rejects non-admin principals with 403. It must run after Middleware.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := PrincipalFromContext(r.Context())
		if !ok {
			writeHTTPError(w, http.StatusUnauthorized, ErrMissingCredentials)
			return
		}
		if !p.Admin {
			writeHTTPError(w, http.StatusForbidden, ErrForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeHTTPError(w http.ResponseWriter, code int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write([]byte(`{"status":"error","message":"` + strings.ReplaceAll(err.Error(), `"`, `'`) + `"}`))
}

// ============================================================================
// gRPC
// ============================================================================

// GRPCInterceptor provides gRPC interceptors for API key and JWT validation
type GRPCInterceptor struct {
	auth         *Authenticator
	skipMethods  map[string]bool
	adminMethods map[string]bool
}

// NewGRPCInterceptor creates a new interceptor. Health checks and reflection are never authenticated.
func NewGRPCInterceptor(a *Authenticator) *GRPCInterceptor {
	return &GRPCInterceptor{
		auth: a,
		skipMethods: map[string]bool{
			"/grpc.health.v1.Health/Check": true,
			"/grpc.health.v1.Health/Watch": true,
		},
		adminMethods: map[string]bool{},
	}
}

// WithSkipMethods adds methods to skip authentication
func (i *GRPCInterceptor) WithSkipMethods(methods ...string) *GRPCInterceptor {
	for _, method := range methods {
		i.skipMethods[method] = true
	}
	return i
}

// WithAdminMethods adds methods that require admin authentication
func (i *GRPCInterceptor) WithAdminMethods(methods ...string) *GRPCInterceptor {
	for _, method := range methods {
		i.adminMethods[method] = true
	}
	return i
}

// UnaryInterceptor returns a gRPC unary interceptor for credential validation
func (i *GRPCInterceptor) UnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		ctx, err := i.authorize(ctx, info.FullMethod)
		if err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

// StreamInterceptor returns a gRPC stream interceptor for credential validation
func (i *GRPCInterceptor) StreamInterceptor() grpc.StreamServerInterceptor {
	return func(
		srv interface{},
		ss grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) error {
		ctx, err := i.authorize(ss.Context(), info.FullMethod)
		if err != nil {
			return err
		}
		return handler(srv, &wrappedServerStream{ServerStream: ss, ctx: ctx})
	}
}

func (i *GRPCInterceptor) authorize(ctx context.Context, method string) (context.Context, error) {
	if i.skipMethods[method] || strings.HasPrefix(method, "/grpc.reflection.") {
		return ctx, nil
	}

	md, _ := metadata.FromIncomingContext(ctx)
	p, err := i.auth.Authenticate(first(md, APIKeyHeader), bearerToken(first(md, AuthorizationHeader)))
	if err != nil {
		return nil, status.Error(codes.Unauthenticated, err.Error())
	}
	if i.adminMethods[method] && !p.Admin {
		return nil, status.Error(codes.PermissionDenied, ErrForbidden.Error())
	}
	return WithPrincipal(ctx, p), nil
}

func first(md metadata.MD, key string) string {
	if values := md.Get(key); len(values) > 0 {
		return strings.TrimSpace(values[0])
	}
	return ""
}

// wrappedServerStream wraps a grpc.ServerStream with a modified context
type wrappedServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

// Context returns the wrapped context
func (w *wrappedServerStream) Context() context.Context {
	return w.ctx
}

// Package middleware provides authentication, authorization and rate limiting
// for the HTTP and gRPC servers
package middleware

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/rizome-dev/conductor/pkg/config"
	"github.com/rizome-dev/conductor/pkg/logging"
)

// Claims represents JWT claims
type Claims struct {
	UserID   string   `json:"user_id"`
	Username string   `json:"username"`
	Roles    []string `json:"roles"`
	jwt.RegisteredClaims
}

type claimsKey struct{}

// AuthService handles authentication and authorization
type AuthService struct {
	config *config.SecurityConfig
	jwtKey []byte
}

// NewAuthService creates a new authentication service
func NewAuthService(cfg *config.SecurityConfig) *AuthService {
	return &AuthService{
		config: cfg,
		jwtKey: []byte(cfg.Authentication.JWTConfig.SecretKey),
	}
}

// HTTPAuthMiddleware validates bearer tokens and enforces role permissions
func (a *AuthService) HTTPAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.config.Authentication.Enabled {
			next.ServeHTTP(w, r)
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			writeError(w, http.StatusUnauthorized, "missing authorization header")
			return
		}

		tokenString, ok := strings.CutPrefix(authHeader, "Bearer ")
		if !ok {
			writeError(w, http.StatusUnauthorized, "invalid authorization header format")
			return
		}

		claims, err := a.ValidateToken(tokenString)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		endpoint := r.Method + " " + r.URL.Path
		if a.config.Authorization.Enabled && !a.checkPermission(endpoint, claims.Roles) {
			writeError(w, http.StatusForbidden, "insufficient permissions")
			return
		}

		ctx := ContextWithClaims(r.Context(), claims)
		ctx = logging.ContextWithUserID(ctx, claims.UserID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GRPCAuthInterceptor validates bearer tokens carried in the authorization metadata
func (a *AuthService) GRPCAuthInterceptor(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	if !a.config.Authentication.Enabled {
		return handler(ctx, req)
	}
	// Health checks stay reachable for load balancers
	if strings.HasPrefix(info.FullMethod, "/grpc.health.v1.Health/") {
		return handler(ctx, req)
	}

	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return nil, status.Error(codes.Unauthenticated, "missing metadata")
	}
	values := md.Get("authorization")
	if len(values) == 0 {
		return nil, status.Error(codes.Unauthenticated, "missing authorization header")
	}

	tokenString, ok := strings.CutPrefix(values[0], "Bearer ")
	if !ok {
		return nil, status.Error(codes.Unauthenticated, "invalid authorization header format")
	}

	claims, err := a.ValidateToken(tokenString)
	if err != nil {
		return nil, status.Error(codes.Unauthenticated, "invalid token")
	}

	if a.config.Authorization.Enabled && !a.checkPermission(info.FullMethod, claims.Roles) {
		return nil, status.Error(codes.PermissionDenied, "insufficient permissions")
	}

	ctx = ContextWithClaims(ctx, claims)
	ctx = logging.ContextWithUserID(ctx, claims.UserID)
	return handler(ctx, req)
}

// ValidateToken parses and validates a signed token
func (a *AuthService) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.jwtKey, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}

	if issuer := a.config.Authentication.JWTConfig.Issuer; issuer != "" && claims.Issuer != issuer {
		return nil, fmt.Errorf("unexpected issuer %q", claims.Issuer)
	}
	return claims, nil
}

// GenerateToken issues a token for the given user and roles
func (a *AuthService) GenerateToken(userID, username string, roles []string) (string, error) {
	if len(a.jwtKey) == 0 {
		return "", fmt.Errorf("jwt secret key is not configured")
	}

	expiry := a.config.Authentication.JWTConfig.ExpiryDuration
	if expiry <= 0 {
		expiry = 24 * time.Hour
	}
	now := time.Now()

	claims := &Claims{
		UserID:   userID,
		Username: username,
		Roles:    roles,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(expiry)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    a.config.Authentication.JWTConfig.Issuer,
			Subject:   userID,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.jwtKey)
}

func (a *AuthService) checkPermission(endpoint string, roles []string) bool {
	for _, role := range roles {
		if contains(a.config.Authorization.AdminRoles, role) {
			return true
		}
	}

	for _, role := range roles {
		for _, pattern := range a.config.Authorization.Permissions[role] {
			if MatchEndpoint(pattern, endpoint) {
				return true
			}
		}
	}
	return false
}

// MatchEndpoint reports whether endpoint matches pattern. A trailing "*"
// matches any suffix; "*" elsewhere matches a single path segment.
func MatchEndpoint(pattern, endpoint string) bool {
	if pattern == "*" || pattern == endpoint {
		return true
	}

	if prefix, ok := strings.CutSuffix(pattern, "*"); ok && !strings.Contains(prefix, "*") {
		return strings.HasPrefix(endpoint, prefix)
	}

	matched, err := path.Match(pattern, endpoint)
	return err == nil && matched
}

// ContextWithClaims stores claims in ctx
func ContextWithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, claimsKey{}, claims)
}

// GetUserFromContext extracts user claims from context
func GetUserFromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(claimsKey{}).(*Claims)
	return claims, ok
}

// RoleReviewer is the role allowed to approve steps waiting for human review
const RoleReviewer = "reviewer"

// RequireRole rejects requests whose token carries none of roles. Admin roles
// always pass. It has no effect while authentication is disabled.
func (a *AuthService) RequireRole(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !a.config.Authentication.Enabled {
				next.ServeHTTP(w, r)
				return
			}
			claims, ok := GetUserFromContext(r.Context())
			if !ok {
				writeError(w, http.StatusUnauthorized, "authentication required")
				return
			}

			for _, role := range claims.Roles {
				if contains(roles, role) || contains(a.config.Authorization.AdminRoles, role) {
					next.ServeHTTP(w, r)
					return
				}
			}
			writeError(w, http.StatusForbidden, "insufficient permissions")
		})
	}
}

func writeError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"code":    code,
		"message": message,
	})
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

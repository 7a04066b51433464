// Package auth validates workspace JWTs on the admin API.
package auth

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const (
	WorkspaceIDKey  contextKey = "workspace_id"
	CapabilitiesKey contextKey = "capabilities"
)

// Claims is what a validated workspace token carries.
type Claims struct {
	WorkspaceID  string
	Capabilities []string
}

// JWTValidator handles JWT token validation
type JWTValidator struct {
	publicKey *rsa.PublicKey
	issuer    string
	audience  string
}

// NewJWTValidator creates a new JWT validator
func NewJWTValidator(publicKeyPEM, issuer, audience string) (*JWTValidator, error) {
	block, _ := pem.Decode([]byte(publicKeyPEM))
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM block")
	}

	publicKey, err := x509.ParsePKCS1PublicKey(block.Bytes)
	if err != nil {
		// Try parsing as PKCS8
		key, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse public key: %v", err)
		}

		var ok bool
		publicKey, ok = key.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("public key is not RSA")
		}
	}

	return &JWTValidator{
		publicKey: publicKey,
		issuer:    issuer,
		audience:  audience,
	}, nil
}

// ValidateToken validates a JWT token and returns its workspace claims
func (v *JWTValidator) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.publicKey, nil
	})

	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %v", err)
	}

	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("invalid claims")
	}

	if iss, ok := claims["iss"].(string); !ok || iss != v.issuer {
		return nil, fmt.Errorf("invalid issuer")
	}

	if aud, ok := claims["aud"].(string); !ok || aud != v.audience {
		return nil, fmt.Errorf("invalid audience")
	}

	workspaceID, ok := claims["workspace_id"].(string)
	if !ok || workspaceID == "" {
		return nil, fmt.Errorf("missing or invalid workspace_id claim")
	}

	out := &Claims{WorkspaceID: workspaceID}
	if raw, ok := claims["capabilities"].([]interface{}); ok {
		for _, c := range raw {
			if s, ok := c.(string); ok {
				out.Capabilities = append(out.Capabilities, s)
			}
		}
	}
	return out, nil
}

// HTTPMiddleware returns an HTTP middleware that validates JWT tokens.
// Paths in optionalPaths pass through without a token; their handlers carry
// their own verification (the signed snapshot callback).
func (v *JWTValidator) HTTPMiddleware(next http.Handler, optionalPaths ...string) http.Handler {
	optional := make(map[string]bool, len(optionalPaths))
	for _, p := range optionalPaths {
		optional[p] = true
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			if optional[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}
			http.Error(w, "Missing Authorization header", http.StatusUnauthorized)
			return
		}

		tokenString := strings.TrimPrefix(authHeader, "Bearer ")
		if tokenString == authHeader {
			http.Error(w, "Invalid Authorization header format", http.StatusUnauthorized)
			return
		}

		claims, err := v.ValidateToken(tokenString)
		if err != nil {
			http.Error(w, fmt.Sprintf("Invalid token: %v", err), http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), WorkspaceIDKey, claims.WorkspaceID)
		ctx = context.WithValue(ctx, CapabilitiesKey, claims.Capabilities)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetWorkspaceIDFromContext extracts the workspace ID from context
func GetWorkspaceIDFromContext(ctx context.Context) (string, bool) {
	workspaceID, ok := ctx.Value(WorkspaceIDKey).(string)
	return workspaceID, ok
}

// HasCapability reports whether the authenticated token carries a capability
func HasCapability(ctx context.Context, capability string) bool {
	caps, ok := ctx.Value(CapabilitiesKey).([]string)
	if !ok {
		return false
	}
	for _, c := range caps {
		if c == capability {
			return true
		}
	}
	return false
}

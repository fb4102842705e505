package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Context key for client data
type contextKey string

const clientContextKey contextKey = "client"

// JWTClaims represents the claims in the JWT token
type JWTClaims struct {
	jwt.RegisteredClaims
	ClientName string `json:"client_name,omitempty"`
}

// AuthClient represents the authenticated API client in request context
type AuthClient struct {
	ID   string
	Name string
}

// withAuth is middleware that requires valid JWT authentication. Browsers
// cannot set headers on WebSocket upgrades, so a token query parameter is
// accepted as well.
func (r *Router) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if r.cfg.JWTSecret == "" {
			http.Error(w, `{"error": "authentication not configured"}`, http.StatusServiceUnavailable)
			return
		}

		tokenString, ok := bearerToken(req)
		if !ok {
			http.Error(w, `{"error": "missing authorization header"}`, http.StatusUnauthorized)
			return
		}

		// Parse and validate JWT
		parser := jwt.NewParser(jwt.WithExpirationRequired())
		token, err := parser.ParseWithClaims(tokenString, &JWTClaims{}, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return []byte(r.cfg.JWTSecret), nil
		})
		if err != nil || !token.Valid {
			http.Error(w, `{"error": "invalid token"}`, http.StatusUnauthorized)
			return
		}

		claims, ok := token.Claims.(*JWTClaims)
		if !ok || claims.Subject == "" {
			http.Error(w, `{"error": "invalid token claims"}`, http.StatusUnauthorized)
			return
		}

		client := &AuthClient{ID: claims.Subject, Name: claims.ClientName}
		ctx := context.WithValue(req.Context(), clientContextKey, client)
		next.ServeHTTP(w, req.WithContext(ctx))
	}
}

func bearerToken(req *http.Request) (string, bool) {
	if authHeader := req.Header.Get("Authorization"); authHeader != "" {
		// Expect "Bearer <token>"
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" || parts[1] == "" {
			return "", false
		}
		return parts[1], true
	}
	if t := req.URL.Query().Get("token"); t != "" {
		return t, true
	}
	return "", false
}

// getAuthClient extracts the authenticated client from context
func getAuthClient(ctx context.Context) *AuthClient {
	client, _ := ctx.Value(clientContextKey).(*AuthClient)
	return client
}

// IssueToken creates a signed token for an API client.
func IssueToken(secret, clientID, name string, ttl time.Duration) (string, error) {
	claims := JWTClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   clientID,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
		ClientName: name,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

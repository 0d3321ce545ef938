/**
 * @description
 * This file contains custom middleware for the HTTP router. The auth middleware
 * validates RS256 bearer tokens against the identity provider's JWKS endpoint
 * and places the resolved requester id on the request context. The engine never
 * sees a raw token, only the owner id extracted here.
 *
 * @dependencies
 * - context, net/http, strings: Standard Go libraries.
 * - github.com/golang-jwt/jwt/v5: JWT parsing and validation.
 */

package api

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// requesterIDContextKey is a custom type for the context key to avoid collisions.
type requesterIDContextKey string

const requesterIDKey requesterIDContextKey = "requesterID"

// jwksCache holds fetched public keys so each request does not hit the JWKS
// endpoint. Keys rotate rarely; a short TTL keeps rotation working.
type jwksCache struct {
	mu        sync.Mutex
	keys      map[string]*rsa.PublicKey
	fetchedAt time.Time
}

var sharedJWKSCache = &jwksCache{keys: map[string]*rsa.PublicKey{}}

const jwksCacheTTL = 15 * time.Minute

// AuthMiddleware creates a middleware that validates JWT bearer tokens against
// the configured JWKS endpoint and requires the subject claim to be the
// requester's UUID.
func AuthMiddleware(jwksURL string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				http.Error(w, "Authorization header required", http.StatusUnauthorized)
				return
			}

			tokenString := strings.TrimPrefix(authHeader, "Bearer ")
			if tokenString == authHeader {
				http.Error(w, "Invalid Authorization header format", http.StatusUnauthorized)
				return
			}

			token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
				if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
					return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
				}

				kid, ok := token.Header["kid"].(string)
				if !ok {
					return nil, fmt.Errorf("kid not found in token header")
				}

				publicKey, err := sharedJWKSCache.publicKey(jwksURL, kid)
				if err != nil {
					return nil, fmt.Errorf("failed to get public key: %w", err)
				}
				return publicKey, nil
			})
			if err != nil || !token.Valid {
				http.Error(w, "Invalid token", http.StatusUnauthorized)
				return
			}

			claims, ok := token.Claims.(jwt.MapClaims)
			if !ok {
				http.Error(w, "Invalid token claims", http.StatusUnauthorized)
				return
			}

			// Optional audience / issuer enforcement via env
			if expectedAud := os.Getenv("AUTH_AUDIENCE"); expectedAud != "" {
				if aud, ok := claims["aud"].(string); !ok || aud != expectedAud {
					http.Error(w, "Invalid audience", http.StatusUnauthorized)
					return
				}
			}
			if expectedIss := os.Getenv("AUTH_ISSUER"); expectedIss != "" {
				if iss, ok := claims["iss"].(string); !ok || iss != expectedIss {
					http.Error(w, "Invalid issuer", http.StatusUnauthorized)
					return
				}
			}

			subject, ok := claims["sub"].(string)
			if !ok {
				http.Error(w, "Subject not found in token", http.StatusUnauthorized)
				return
			}
			requesterID, err := uuid.Parse(subject)
			if err != nil {
				http.Error(w, "Invalid subject in token", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), requesterIDKey, requesterID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func (c *jwksCache) publicKey(jwksURL, kid string) (*rsa.PublicKey, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if key, ok := c.keys[kid]; ok && time.Since(c.fetchedAt) < jwksCacheTTL {
		return key, nil
	}

	keys, err := fetchJWKS(jwksURL)
	if err != nil {
		// Serve a stale key rather than failing every request during a JWKS
		// endpoint outage.
		if key, ok := c.keys[kid]; ok {
			return key, nil
		}
		return nil, err
	}
	c.keys = keys
	c.fetchedAt = time.Now()

	key, ok := c.keys[kid]
	if !ok {
		return nil, fmt.Errorf("key with kid %s not found", kid)
	}
	return key, nil
}

// fetchJWKS downloads and parses the identity provider's key set.
func fetchJWKS(jwksURL string) (map[string]*rsa.PublicKey, error) {
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(jwksURL)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var jwks struct {
		Keys []struct {
			Kid string `json:"kid"`
			Kty string `json:"kty"`
			Use string `json:"use"`
			N   string `json:"n"`
			E   string `json:"e"`
		} `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&jwks); err != nil {
		return nil, err
	}

	keys := make(map[string]*rsa.PublicKey, len(jwks.Keys))
	for _, key := range jwks.Keys {
		if key.Kty != "RSA" {
			continue
		}
		parsed, err := parseRSAPublicKey(key.N, key.E)
		if err != nil {
			return nil, err
		}
		keys[key.Kid] = parsed
	}
	return keys, nil
}

// parseRSAPublicKey parses an RSA public key from base64url modulus and exponent.
func parseRSAPublicKey(n, e string) (*rsa.PublicKey, error) {
	nb, err := base64.RawURLEncoding.DecodeString(n)
	if err != nil {
		return nil, fmt.Errorf("failed to decode modulus: %w", err)
	}
	eb, err := base64.RawURLEncoding.DecodeString(e)
	if err != nil {
		return nil, fmt.Errorf("failed to decode exponent: %w", err)
	}

	var exp uint64
	for _, b := range eb {
		exp = (exp << 8) | uint64(b)
	}

	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(nb),
		E: int(exp),
	}, nil
}

// GetRequesterID retrieves the authenticated requester's id from the request
// context. Handlers should use this to scope every query they make.
func GetRequesterID(ctx context.Context) (uuid.UUID, bool) {
	requesterID, ok := ctx.Value(requesterIDKey).(uuid.UUID)
	return requesterID, ok
}

// WithRequesterID returns a context carrying the requester id; used by tests
// to exercise handlers without a real token.
func WithRequesterID(ctx context.Context, requesterID uuid.UUID) context.Context {
	return context.WithValue(ctx, requesterIDKey, requesterID)
}

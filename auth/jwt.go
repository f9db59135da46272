package auth

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

const bearerPrefix = "Bearer "

// ErrNoToken is returned when a request carries no bearer token.
var ErrNoToken = errors.New("authorization required")

// Verifier validates Neon Auth JWTs. The JWKS is fetched on first use and
// kept refreshed by keyfunc for the life of the process.
type Verifier struct {
	baseURL string
	issuer  string

	once    sync.Once
	keyfunc jwt.Keyfunc
	initErr error
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithKeyfunc replaces the JWKS lookup, e.g. with a static key.
func WithKeyfunc(kf jwt.Keyfunc) Option {
	return func(v *Verifier) {
		v.keyfunc = kf
		v.once.Do(func() {})
	}
}

// NewVerifier creates a Verifier for the Neon Auth base URL
// (e.g. from NEON_AUTH_BASE_URL).
func NewVerifier(baseURL string, opts ...Option) (*Verifier, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("NEON_AUTH_BASE_URL is not set")
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	v := &Verifier{
		baseURL: strings.TrimRight(baseURL, "/"),
		issuer:  u.Scheme + "://" + u.Host,
	}
	for _, o := range opts {
		o(v)
	}
	return v, nil
}

func (v *Verifier) loadKeys() (jwt.Keyfunc, error) {
	v.once.Do(func() {
		jwks, err := keyfunc.NewDefault([]string{v.baseURL + "/.well-known/jwks.json"})
		if err != nil {
			v.initErr = err
			return
		}
		v.keyfunc = jwks.Keyfunc
	})
	return v.keyfunc, v.initErr
}

// ValidateToken validates a JWT and returns its claims.
func (v *Verifier) ValidateToken(tokenString string) (jwt.MapClaims, error) {
	kf, err := v.loadKeys()
	if err != nil {
		return nil, err
	}
	token, err := jwt.Parse(tokenString, kf,
		jwt.WithIssuer(v.issuer),
		jwt.WithValidMethods([]string{"EdDSA"}))
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}
	return claims, nil
}

// Identity is the caller resolved from a token.
type Identity struct {
	UserID      string
	DisplayName string
}

// FromRequest validates the bearer token of r.
func (v *Verifier) FromRequest(r *http.Request) (Identity, error) {
	token := BearerToken(r)
	if token == "" {
		return Identity{}, ErrNoToken
	}
	claims, err := v.ValidateToken(token)
	if err != nil {
		return Identity{}, err
	}
	uid := UserIDFromClaims(claims)
	if uid == "" {
		return Identity{}, fmt.Errorf("token has no subject")
	}
	return Identity{UserID: uid, DisplayName: FirstNameFromClaims(claims)}, nil
}

// BearerToken returns the token from the Authorization header, or from the
// access_token query parameter for WebSocket upgrades.
func BearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, bearerPrefix) {
		return strings.TrimSpace(h[len(bearerPrefix):])
	}
	return strings.TrimSpace(r.URL.Query().Get("access_token"))
}

// FirstNameFromClaims returns the first word of the "name" claim, or a fallback.
func FirstNameFromClaims(claims jwt.MapClaims) string {
	name, _ := claims["name"].(string)
	parts := strings.Fields(name)
	if len(parts) > 0 {
		return parts[0]
	}
	return "Player"
}

// UserIDFromClaims returns the user id from claims ("sub" or "id").
func UserIDFromClaims(claims jwt.MapClaims) string {
	if sub, ok := claims["sub"].(string); ok && sub != "" {
		return sub
	}
	if id, ok := claims["id"].(string); ok && id != "" {
		return id
	}
	return ""
}

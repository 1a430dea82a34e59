// Package auth verifies Firebase id tokens with keys from a JWKS endpoint and carries
// verified claims in the request context.
package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	log "github.com/go-pkgz/lgr"
	"github.com/golang-jwt/jwt/v5"
)

// FirebaseJWKS is the key set used to sign Firebase id tokens
const FirebaseJWKS = "https://www.googleapis.com/service_accounts/v1/jwk/securetoken@system.gserviceaccount.com"

const defaultLeeway = 30 * time.Second

// ErrInvalidToken is returned for tokens failing verification
var ErrInvalidToken = errors.New("invalid token")

// Verifier validates id tokens against a JWKS endpoint
type Verifier struct {
	issuer   string
	audience string
	keyfunc  jwt.Keyfunc
	parser   *jwt.Parser
}

// FirebaseIssuer returns token issuer of the Firebase project
func FirebaseIssuer(project string) string {
	return "https://securetoken.google.com/" + project
}

// NewFirebaseVerifier makes verifier for id tokens of the Firebase project
func NewFirebaseVerifier(project string) (*Verifier, error) {
	if project == "" {
		return nil, errors.New("firebase project must be set")
	}
	return NewVerifier(FirebaseIssuer(project), project, FirebaseJWKS)
}

// NewVerifier makes verifier for the issuer and audience, keys fetched from jwksURL.
// Keys are refreshed in background by keyfunc.
func NewVerifier(issuer, audience, jwksURL string) (*Verifier, error) {
	issuer = strings.TrimSpace(issuer)
	if issuer == "" {
		return nil, errors.New("issuer must be set")
	}
	if audience == "" {
		return nil, errors.New("audience must be set")
	}
	if jwksURL == "" {
		return nil, errors.New("jwks url must be set")
	}

	kf, err := keyfunc.NewDefault([]string{jwksURL})
	if err != nil {
		return nil, fmt.Errorf("failed to init JWKS keyfunc: %w", err)
	}
	return newVerifier(issuer, audience, kf.Keyfunc), nil
}

func newVerifier(issuer, audience string, kf jwt.Keyfunc) *Verifier {
	return &Verifier{
		issuer:   issuer,
		audience: audience,
		keyfunc:  kf,
		parser: jwt.NewParser(
			jwt.WithIssuer(issuer),
			jwt.WithAudience(audience),
			jwt.WithLeeway(defaultLeeway),
			jwt.WithExpirationRequired(),
			jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Name}),
		),
	}
}

// Verify parses and validates a token, returning extracted claims
func (v *Verifier) Verify(tokenString string) (*Claims, error) {
	if tokenString == "" {
		return nil, fmt.Errorf("%w: empty token", ErrInvalidToken)
	}
	token, err := v.parser.Parse(tokenString, v.keyfunc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	mc, ok := token.Claims.(jwt.MapClaims)
	if !token.Valid || !ok {
		return nil, fmt.Errorf("%w: bad claims", ErrInvalidToken)
	}

	claims := &Claims{
		Subject:   readString(mc, "sub"),
		UserID:    readString(mc, "user_id"),
		Email:     readString(mc, "email"),
		ExpiresAt: readExpiry(mc["exp"]),
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing sub", ErrInvalidToken)
	}
	return claims, nil
}

// TokenVerifier verifies a raw token and returns its claims
type TokenVerifier interface {
	Verify(token string) (*Claims, error)
}

// Middleware verifies token returned by tokenFn and puts claims into request context.
// Requests without a valid token get 401 with the given message.
func Middleware(v TokenVerifier, tokenFn func(r *http.Request) string, message string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, err := v.Verify(tokenFn(r))
			if err != nil {
				log.Printf("[WARN] auth failure, path=%s, %v", r.URL.Path, err)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				_ = json.NewEncoder(w).Encode(map[string]string{"message": message})
				return
			}
			next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
		})
	}
}

// ExtractBearer returns token from "Bearer <token>" header value
func ExtractBearer(header string) (string, bool) {
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func readString(claims jwt.MapClaims, key string) string {
	if s, ok := claims[key].(string); ok {
		return s
	}
	return ""
}

func readExpiry(raw any) time.Time {
	switch v := raw.(type) {
	case float64:
		return time.Unix(int64(v), 0)
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return time.Unix(i, 0)
		}
	}
	return time.Time{}
}

package relay

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrNoToken     = errors.New("relay: missing token")
	ErrNoSubject   = errors.New("relay: token has no subject")
	ErrShortSecret = errors.New("relay: jwt secret must be at least 16 bytes")
)

// Claims is the relay bearer token. Subject is the user id.
type Claims struct {
	Name string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// Authenticator issues and verifies HS256 relay tokens.
type Authenticator struct {
	secret []byte
	issuer string
	ttl    time.Duration
}

func NewAuthenticator(secret, issuer string, ttl time.Duration) (*Authenticator, error) {
	if len(secret) < 16 {
		return nil, ErrShortSecret
	}
	return &Authenticator{secret: []byte(secret), issuer: issuer, ttl: ttl}, nil
}

// Issue mints a token for userID valid from now for the configured ttl.
func (a *Authenticator) Issue(now time.Time, userID, name string) (string, error) {
	if strings.TrimSpace(userID) == "" {
		return "", ErrNoSubject
	}
	claims := Claims{
		Name: name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
			ID:        uuid.NewString(),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Verify parses tokenString and checks signature, expiry and issuer at now.
func (a *Authenticator) Verify(tokenString string, now time.Time) (Claims, error) {
	if tokenString == "" {
		return Claims{}, ErrNoToken
	}
	var claims Claims
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	if _, err := parser.ParseWithClaims(tokenString, &claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}); err != nil {
		return Claims{}, err
	}

	opts := []jwt.ParserOption{
		jwt.WithTimeFunc(func() time.Time { return now }),
		jwt.WithLeeway(30 * time.Second),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	if err := jwt.NewValidator(opts...).Validate(claims.RegisteredClaims); err != nil {
		return Claims{}, err
	}
	if claims.Subject == "" {
		return Claims{}, ErrNoSubject
	}
	return claims, nil
}

// bearer extracts the token from the Authorization header, falling back to
// the `token` query parameter for clients that cannot set headers.
func bearer(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if tok, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(tok)
		}
	}
	return r.URL.Query().Get("token")
}

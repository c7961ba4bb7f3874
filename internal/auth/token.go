package auth

import (
	"errors"
	"sync"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

// refreshMargin is how long before expiry a cached token is reissued.
const refreshMargin = 30 * time.Second

// TokenManager issues the bearer token the engine presents to the ticket
// service. Tokens are cached until shortly before they expire.
type TokenManager struct {
	secret  []byte
	ttl     time.Duration
	subject string
	now     func() time.Time

	mu        sync.Mutex
	cached    string
	expiresAt time.Time
}

// NewTokenManager builds a new manager.
func NewTokenManager(secret string, ttlMinutes int, subject string) *TokenManager {
	if ttlMinutes <= 0 {
		ttlMinutes = 15
	}
	return &TokenManager{
		secret:  []byte(secret),
		ttl:     time.Duration(ttlMinutes) * time.Minute,
		subject: subject,
		now:     time.Now,
	}
}

// Claims describes JWT payload.
type Claims struct {
	Service string `json:"svc"`
	jwt.RegisteredClaims
}

// Token returns a valid bearer token, signing a new one when the cached
// token is missing or about to expire.
func (tm *TokenManager) Token() (string, error) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	if tm.cached != "" && tm.now().Add(refreshMargin).Before(tm.expiresAt) {
		return tm.cached, nil
	}
	token, expiresAt, err := tm.GenerateToken()
	if err != nil {
		return "", err
	}
	tm.cached, tm.expiresAt = token, expiresAt
	return token, nil
}

// GenerateToken builds and signs a JWT for the service subject.
func (tm *TokenManager) GenerateToken() (string, time.Time, error) {
	issuedAt := tm.now()
	expiresAt := issuedAt.Add(tm.ttl)
	claims := &Claims{
		Service: tm.subject,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   tm.subject,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(issuedAt),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(tm.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return tokenString, expiresAt, nil
}

// ParseToken validates and returns claims.
func (tm *TokenManager) ParseToken(tokenStr string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if token.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return tm.secret, nil
	})
	if err != nil {
		return nil, err
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, errors.New("invalid token claims")
	}
	return claims, nil
}

package auth

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	apperrors "github.com/spec-kit/ticket-collab/pkg/util/errorutil"
)

const operatorKey = "auth_operator"

// Operator is the authenticated dashboard caller.
type Operator struct {
	ID      string
	Service string
}

// Middleware validates operator bearer tokens on the facade.
type Middleware struct {
	tokens *TokenManager
}

// NewMiddleware constructs middleware verifying tokens signed for tokens.
func NewMiddleware(tokens *TokenManager) *Middleware {
	return &Middleware{tokens: tokens}
}

// Handle rejects requests without a valid bearer token.
func (m *Middleware) Handle(c *fiber.Ctx) error {
	authHeader := c.Get("Authorization")
	if authHeader == "" {
		return apperrors.NewUnauthorized("missing authorization header")
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return apperrors.NewUnauthorized("invalid authorization header")
	}

	claims, err := m.tokens.ParseToken(parts[1])
	if err != nil {
		return apperrors.NewUnauthorized("invalid token")
	}
	if claims.Subject == "" {
		return apperrors.NewUnauthorized("token has no subject")
	}

	c.Locals(operatorKey, &Operator{ID: claims.Subject, Service: claims.Service})
	return c.Next()
}

// OperatorFromContext retrieves the authenticated operator.
func OperatorFromContext(c *fiber.Ctx) (*Operator, bool) {
	val := c.Locals(operatorKey)
	if val == nil {
		return nil, false
	}
	op, ok := val.(*Operator)
	return op, ok
}

package handler

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/photoaiproxy/api/internal/auth"
)

// AuthHandler answers gateway ForwardAuth checks.
type AuthHandler struct {
	verifier  auth.TokenVerifier
	jwtSecret string
}

func NewAuthHandler(verifier auth.TokenVerifier, jwtSecret string) *AuthHandler {
	return &AuthHandler{
		verifier:  verifier,
		jwtSecret: jwtSecret,
	}
}

// Verify handles GET /auth/verify. A valid bearer token gets 200 and the
// X-User-* headers the gateway forwards upstream; anything else gets 401.
func (h *AuthHandler) Verify(c *fiber.Ctx) error {
	parts := strings.SplitN(c.Get("Authorization"), " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return c.SendStatus(fiber.StatusUnauthorized)
	}
	tokenString := strings.TrimSpace(parts[1])

	if h.verifier != nil {
		if claims, err := h.verifier.Validate(tokenString); err == nil {
			c.Set("X-User-Id", claims.UserID)
			c.Set("X-User-Email", claims.Email)
			c.Set("X-User-Name", claims.Name)
			return c.SendStatus(fiber.StatusOK)
		}
	}

	if h.jwtSecret != "" {
		if claims, err := auth.ValidateLegacyToken(tokenString, h.jwtSecret); err == nil {
			c.Set("X-User-Id", claims.UserID)
			c.Set("X-User-Email", claims.Email)
			return c.SendStatus(fiber.StatusOK)
		}
	}

	return c.SendStatus(fiber.StatusUnauthorized)
}

package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/photoaiproxy/api/pkg/response"
)

// GatewayAuthMiddleware trusts the identity the gateway's ForwardAuth call
// (see handler.AuthHandler.Verify) attached as X-User-* headers. Only deploy
// it behind a gateway that strips those headers from client requests.
func GatewayAuthMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		userID := strings.TrimSpace(c.Get("X-User-Id"))
		if userID == "" {
			return response.Unauthorized(c, "Missing user identity headers")
		}

		c.Locals("userId", userID)
		c.Locals("email", strings.TrimSpace(c.Get("X-User-Email")))
		c.Locals("name", strings.TrimSpace(c.Get("X-User-Name")))
		return c.Next()
	}
}

package middleware

import (
	"crypto/subtle"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/0necontroller/vellum/internal/auth"
	"github.com/0necontroller/vellum/pkg/response"
)

// SubjectAPIKey is the subject recorded for requests using the shared key
const SubjectAPIKey = "api-key"

// AuthMiddleware accepts either the shared API key or an HS256 token as a
// bearer credential
type AuthMiddleware struct {
	apiKey    string
	jwtSecret string
}

func NewAuthMiddleware(apiKey, jwtSecret string) *AuthMiddleware {
	return &AuthMiddleware{apiKey: apiKey, jwtSecret: jwtSecret}
}

// QueryTokenParam carries the credential on websocket upgrades, where
// browsers cannot set an Authorization header
const QueryTokenParam = "access_token"

// Authenticate validates the bearer credential from the Authorization header
func (m *AuthMiddleware) Authenticate() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if m.apiKey == "" && m.jwtSecret == "" {
			return response.Unauthorized(c, "Authentication not configured")
		}

		authHeader := c.Get(fiber.HeaderAuthorization)
		if authHeader == "" {
			return response.Unauthorized(c, "Missing authorization header")
		}

		credential, ok := bearerCredential(authHeader)
		if !ok {
			return response.Unauthorized(c, "Invalid authorization header format")
		}
		return m.accept(c, credential)
	}
}

// AuthenticateWebsocket accepts the bearer header or the access_token query
// parameter
func (m *AuthMiddleware) AuthenticateWebsocket() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if m.apiKey == "" && m.jwtSecret == "" {
			return response.Unauthorized(c, "Authentication not configured")
		}

		if authHeader := c.Get(fiber.HeaderAuthorization); authHeader != "" {
			credential, ok := bearerCredential(authHeader)
			if !ok {
				return response.Unauthorized(c, "Invalid authorization header format")
			}
			return m.accept(c, credential)
		}
		if credential := strings.TrimSpace(c.Query(QueryTokenParam)); credential != "" {
			return m.accept(c, credential)
		}
		return response.Unauthorized(c, "Missing credential")
	}
}

func (m *AuthMiddleware) accept(c *fiber.Ctx, credential string) error {
	if m.apiKey != "" && subtle.ConstantTimeCompare([]byte(credential), []byte(m.apiKey)) == 1 {
		c.Locals("subject", SubjectAPIKey)
		return c.Next()
	}

	if m.jwtSecret != "" {
		claims, err := auth.ValidateToken(credential, m.jwtSecret)
		if err == nil {
			c.Locals("subject", claims.Subject)
			return c.Next()
		}
	}

	return response.Unauthorized(c, "Invalid or expired credential")
}

func bearerCredential(header string) (string, bool) {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return "", false
	}
	return strings.TrimSpace(parts[1]), true
}

// GetSubject returns the authenticated caller, if any
func GetSubject(c *fiber.Ctx) string {
	if subject, ok := c.Locals("subject").(string); ok {
		return subject
	}
	return ""
}

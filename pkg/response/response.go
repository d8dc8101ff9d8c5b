package response

import (
	"github.com/gofiber/fiber/v2"

	"github.com/photoaiproxy/api/internal/apperr"
)

// Error codes
const (
	CodeValidationError = "VALIDATION_ERROR"
	CodeUnauthorized    = "UNAUTHORIZED"
	CodeForbidden       = "FORBIDDEN"
	CodeNotFound        = "NOT_FOUND"
	CodeRateLimited     = "RATE_LIMITED"
	CodeJobFailed       = "JOB_FAILED"
	CodeServiceError    = "SERVICE_ERROR"

	CodeUnsupportedJobType      = "UNSUPPORTED_JOB_TYPE"
	CodeVendorError             = "VENDOR_ERROR"
	CodeMalformedVendorResponse = "MALFORMED_VENDOR_RESPONSE"
	CodeArtifactFetchFailed     = "ARTIFACT_FETCH_FAILED"
	CodeArtifactPersistFailed   = "ARTIFACT_PERSIST_FAILED"
	CodeConflict                = "CONFLICT"
)

type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

func Error(c *fiber.Ctx, status int, code, message string, details interface{}) error {
	return c.Status(status).JSON(ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
			Details: details,
		},
	})
}

func ValidationError(c *fiber.Ctx, message string, details interface{}) error {
	return Error(c, fiber.StatusBadRequest, CodeValidationError, message, details)
}

func Unauthorized(c *fiber.Ctx, message string) error {
	return Error(c, fiber.StatusUnauthorized, CodeUnauthorized, message, nil)
}

func Forbidden(c *fiber.Ctx, message string) error {
	return Error(c, fiber.StatusForbidden, CodeForbidden, message, nil)
}

func NotFound(c *fiber.Ctx, message string) error {
	return Error(c, fiber.StatusNotFound, CodeNotFound, message, nil)
}

func RateLimited(c *fiber.Ctx) error {
	return Error(c, fiber.StatusTooManyRequests, CodeRateLimited, "Rate limit exceeded", nil)
}

func ServiceError(c *fiber.Ctx, message string) error {
	return Error(c, fiber.StatusInternalServerError, CodeServiceError, message, nil)
}

// FromError writes the envelope for err. Errors outside the apperr taxonomy
// are reported as SERVICE_ERROR without leaking their text.
func FromError(c *fiber.Ctx, err error) error {
	e, ok := apperr.As(err)
	if !ok {
		return ServiceError(c, "Internal server error")
	}

	var details interface{}
	if len(e.Details) > 0 {
		details = e.Details
	}

	code := CodeServiceError
	switch e.Kind {
	case apperr.KindBadRequest:
		code = CodeValidationError
	case apperr.KindUnsupportedJobType:
		code = CodeUnsupportedJobType
	case apperr.KindVendorError:
		code = CodeVendorError
		if e.Body != "" || e.Status != 0 {
			details = fiber.Map{"status": e.Status, "body": e.Body}
		}
	case apperr.KindMalformedVendorResponse:
		code = CodeMalformedVendorResponse
	case apperr.KindArtifactFetchFailed:
		code = CodeArtifactFetchFailed
	case apperr.KindArtifactPersistFailed:
		code = CodeArtifactPersistFailed
	case apperr.KindDuplicateJobID:
		code = CodeConflict
	case apperr.KindJobNotFound:
		code = CodeNotFound
	case apperr.KindForbidden:
		code = CodeForbidden
	}
	return Error(c, e.HTTPStatus(), code, e.Error(), details)
}

func OK(c *fiber.Ctx, data interface{}) error {
	return c.JSON(data)
}

func Created(c *fiber.Ctx, data interface{}) error {
	return c.Status(fiber.StatusCreated).JSON(data)
}

func Accepted(c *fiber.Ctx, data interface{}) error {
	return c.Status(fiber.StatusAccepted).JSON(data)
}

func NoContent(c *fiber.Ctx) error {
	return c.SendStatus(fiber.StatusNoContent)
}

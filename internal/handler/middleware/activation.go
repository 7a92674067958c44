package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"codegate/activation/internal/service"
	"codegate/activation/pkg/crypto"
	"codegate/activation/pkg/response"
)

const (
	HeaderActivationCode    = "X-Activation-Code"
	HeaderDeviceFingerprint = "X-Device-Fingerprint"

	ContextKeyActivation = "activation_result"
)

// FingerprintFunc derives the device fingerprint of a request.
type FingerprintFunc func(c *gin.Context) string

// HeaderFingerprint prefers an explicit X-Device-Fingerprint header and falls
// back to a digest of User-Agent and Accept-Language.
func HeaderFingerprint(c *gin.Context) string {
	if fp := strings.TrimSpace(c.GetHeader(HeaderDeviceFingerprint)); fp != "" {
		return fp
	}
	return crypto.DeviceFingerprint(c.GetHeader("User-Agent"), c.GetHeader("Accept-Language"))
}

// RequireActivation consumes one use of the code in X-Activation-Code before
// letting the request through.
func RequireActivation(access service.AccessService, fingerprint FingerprintFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		code := strings.TrimSpace(c.GetHeader(HeaderActivationCode))
		if code == "" {
			response.Fail(c, http.StatusUnauthorized, service.KindInvalidFormat, "missing activation code", nil)
			c.Abort()
			return
		}

		res, err := access.Verify(c.Request.Context(), service.ValidateInput{
			Code:        code,
			Origin:      c.ClientIP(),
			Fingerprint: fingerprint(c),
		})
		if err != nil {
			RespondError(c, err)
			c.Abort()
			return
		}

		c.Set(ContextKeyActivation, res)
		c.Next()
	}
}

// RespondError writes err with the HTTP status of its kind.
func RespondError(c *gin.Context, err error) {
	kind := service.ErrorKind(err)

	var locked *service.LockedError
	switch {
	case errors.As(err, &locked):
		response.TooManyRequests(c, kind, service.ErrLocked.Error(), locked.RetryAfterSeconds())
	case service.IsValidationFailure(err):
		response.Fail(c, http.StatusUnauthorized, kind, err.Error(), nil)
	case errors.Is(err, service.ErrUpstreamKeyExhausted):
		response.ServiceUnavailable(c, kind, err.Error())
	case errors.Is(err, service.ErrUpstreamFailed):
		response.Fail(c, http.StatusBadGateway, kind, "upstream request failed", nil)
	case errors.Is(err, service.ErrStorage):
		response.ServiceUnavailable(c, kind, "storage temporarily unavailable")
	default:
		response.InternalError(c, "internal server error")
	}
}

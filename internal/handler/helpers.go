package handler

import (
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"codegate/activation/internal/handler/middleware"
	"codegate/activation/internal/service"
	"codegate/activation/pkg/response"
)

// parseIDParam reads the :id path parameter, writing a 400 when it is not a UUID.
func parseIDParam(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid code id")
		return uuid.Nil, false
	}
	return id, true
}

// respondAdminError maps ledger errors from administrative calls.
func respondAdminError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrCodeNotFound):
		response.NotFound(c, err.Error())
	case errors.Is(err, service.ErrCodeExists):
		response.Conflict(c, err.Error())
	case errors.Is(err, service.ErrInvalidFormat),
		errors.Is(err, service.ErrInvalidExpiry),
		errors.Is(err, service.ErrInvalidUsageLimit),
		errors.Is(err, service.ErrInvalidDuration),
		errors.Is(err, service.ErrInvalidEmail):
		response.BadRequest(c, err.Error())
	case errors.Is(err, service.ErrCodeGeneration):
		response.ServiceUnavailable(c, "", err.Error())
	default:
		middleware.RespondError(c, err)
	}
}

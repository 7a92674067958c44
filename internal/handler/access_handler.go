package handler

import (
	"strings"

	"github.com/gin-gonic/gin"

	"codegate/activation/internal/handler/middleware"
	"codegate/activation/internal/service"
	"codegate/activation/pkg/response"
)

type AccessHandler struct {
	accessService service.AccessService
	fingerprint   middleware.FingerprintFunc
}

func NewAccessHandler(accessService service.AccessService, fingerprint middleware.FingerprintFunc) *AccessHandler {
	if fingerprint == nil {
		fingerprint = middleware.HeaderFingerprint
	}
	return &AccessHandler{accessService: accessService, fingerprint: fingerprint}
}

type VerifyRequest struct {
	Code              string `json:"code" binding:"required"`
	DeviceFingerprint string `json:"device_fingerprint"`
}

// Verify validates and consumes one use of a code.
func (h *AccessHandler) Verify(c *gin.Context) {
	var req VerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}

	fp := strings.TrimSpace(req.DeviceFingerprint)
	if fp == "" {
		fp = h.fingerprint(c)
	}

	res, err := h.accessService.Verify(c.Request.Context(), service.ValidateInput{
		Code:        strings.TrimSpace(req.Code),
		Origin:      c.ClientIP(),
		Fingerprint: fp,
	})
	if err != nil {
		middleware.RespondError(c, err)
		return
	}

	response.Success(c, res)
}

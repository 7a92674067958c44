package handler

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"codegate/activation/internal/service"
	"codegate/activation/pkg/response"
)

const defaultUsagePageSize = 50

type AdminHandler struct {
	ledgerService service.LedgerService
	rotator       *service.KeyRotator
}

func NewAdminHandler(ledgerService service.LedgerService, rotator *service.KeyRotator) *AdminHandler {
	return &AdminHandler{
		ledgerService: ledgerService,
		rotator:       rotator,
	}
}

type CreateCodeRequest struct {
	Code          string `json:"code"`
	ExpiresAt     string `json:"expires_at"`
	DurationDays  *int   `json:"duration_days"`
	UsageLimit    *int   `json:"usage_limit"`
	CustomerName  string `json:"customer_name"`
	CustomerEmail string `json:"customer_email"`
}

type UpdateCodeRequest struct {
	ExpiresAt     *string `json:"expires_at"`
	UsageLimit    *int    `json:"usage_limit"`
	IsActive      *bool   `json:"is_active"`
	CustomerName  *string `json:"customer_name"`
	CustomerEmail *string `json:"customer_email"`
}

type KeysResponse struct {
	Keys              []service.KeyStatus `json:"keys"`
	AvailableRequests int                 `json:"available_requests"`
}

// CreateCode issues a new activation code.
func (h *AdminHandler) CreateCode(c *gin.Context) {
	var req CreateCodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request body: "+err.Error())
		return
	}

	code, err := h.ledgerService.CreateCode(c.Request.Context(), service.CreateCodeInput{
		Code:          req.Code,
		ExpiresAt:     req.ExpiresAt,
		DurationDays:  req.DurationDays,
		UsageLimit:    req.UsageLimit,
		CustomerName:  req.CustomerName,
		CustomerEmail: req.CustomerEmail,
	})
	if err != nil {
		respondAdminError(c, err)
		return
	}

	response.Created(c, code)
}

// ListCodes returns every code with its derived status.
func (h *AdminHandler) ListCodes(c *gin.Context) {
	codes, err := h.ledgerService.ListCodes(c.Request.Context())
	if err != nil {
		respondAdminError(c, err)
		return
	}

	response.Success(c, codes)
}

func (h *AdminHandler) LookupCode(c *gin.Context) {
	code, err := h.ledgerService.Lookup(c.Request.Context(), c.Param("code"))
	if err != nil {
		respondAdminError(c, err)
		return
	}

	response.Success(c, code)
}

func (h *AdminHandler) UpdateCode(c *gin.Context) {
	id, ok := parseIDParam(c)
	if !ok {
		return
	}

	var req UpdateCodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request body: "+err.Error())
		return
	}

	code, err := h.ledgerService.Update(c.Request.Context(), id, service.UpdateCodeInput{
		ExpiresAt:     req.ExpiresAt,
		UsageLimit:    req.UsageLimit,
		IsActive:      req.IsActive,
		CustomerName:  req.CustomerName,
		CustomerEmail: req.CustomerEmail,
	})
	if err != nil {
		respondAdminError(c, err)
		return
	}

	response.Success(c, code)
}

func (h *AdminHandler) ToggleCode(c *gin.Context) {
	id, ok := parseIDParam(c)
	if !ok {
		return
	}

	code, err := h.ledgerService.Toggle(c.Request.Context(), id)
	if err != nil {
		respondAdminError(c, err)
		return
	}

	response.Success(c, code)
}

func (h *AdminHandler) DeleteCode(c *gin.Context) {
	id, ok := parseIDParam(c)
	if !ok {
		return
	}

	if err := h.ledgerService.Delete(c.Request.Context(), id); err != nil {
		respondAdminError(c, err)
		return
	}

	response.Success(c, gin.H{"deleted": id})
}

// CodeUsage returns the most recent usage log entries of a code.
func (h *AdminHandler) CodeUsage(c *gin.Context) {
	id, ok := parseIDParam(c)
	if !ok {
		return
	}

	limit := defaultUsagePageSize
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			response.BadRequest(c, "limit must be a positive integer")
			return
		}
		limit = n
	}

	logs, err := h.ledgerService.Usage(c.Request.Context(), id, limit)
	if err != nil {
		respondAdminError(c, err)
		return
	}

	response.Success(c, logs)
}

func (h *AdminHandler) Stats(c *gin.Context) {
	stats, err := h.ledgerService.Stats(c.Request.Context())
	if err != nil {
		respondAdminError(c, err)
		return
	}

	response.Success(c, stats)
}

// Keys reports rotator health with masked key material.
func (h *AdminHandler) Keys(c *gin.Context) {
	response.Success(c, KeysResponse{
		Keys:              h.rotator.Status(),
		AvailableRequests: h.rotator.AvailableRequests(),
	})
}

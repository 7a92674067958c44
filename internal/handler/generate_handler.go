package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"codegate/activation/internal/handler/middleware"
	"codegate/activation/internal/service"
	"codegate/activation/pkg/response"
)

// MaxGenerateBody bounds the JSON body relayed upstream.
const MaxGenerateBody = 4 << 20

type GenerateHandler struct {
	generationService service.GenerationService
}

func NewGenerateHandler(generationService service.GenerationService) *GenerateHandler {
	return &GenerateHandler{generationService: generationService}
}

// Generate relays the request body to the upstream model. It runs behind
// RequireJSONBody and RequireActivation, so the body is valid JSON and a use
// has already been consumed.
func (h *GenerateHandler) Generate(c *gin.Context) {
	body, ok := middleware.JSONBody(c)
	if !ok {
		response.InternalError(c, "request body was not prepared")
		return
	}

	resp, err := h.generationService.Generate(c.Request.Context(), body)
	if err != nil {
		middleware.RespondError(c, err)
		return
	}

	contentType := resp.ContentType
	if contentType == "" {
		contentType = "application/json"
	}
	if res, ok := c.Get(middleware.ContextKeyActivation); ok {
		if v, ok := res.(*service.ValidationResult); ok && v.RemainingUses != nil {
			c.Header("X-Activation-Remaining-Uses", strconv.Itoa(*v.RemainingUses))
		}
	}
	status := resp.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	c.Data(status, contentType, resp.Body)
}

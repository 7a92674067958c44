package middleware

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"codegate/activation/pkg/response"
)

const ContextKeyJSONBody = "json_body"

// RequireJSONBody reads at most maxBytes of the request body and rejects it
// unless it is valid JSON. It runs ahead of RequireActivation so a malformed
// request never costs a use.
func RequireJSONBody(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBytes+1))
		if err != nil {
			response.BadRequest(c, "failed to read request body")
			c.Abort()
			return
		}
		if int64(len(body)) > maxBytes {
			response.Error(c, http.StatusRequestEntityTooLarge, http.StatusRequestEntityTooLarge, "request body too large")
			c.Abort()
			return
		}
		if !json.Valid(body) {
			response.BadRequest(c, "request body must be JSON")
			c.Abort()
			return
		}

		c.Set(ContextKeyJSONBody, body)
		c.Request.Body = io.NopCloser(bytes.NewReader(body))
		c.Next()
	}
}

// JSONBody returns the body cached by RequireJSONBody.
func JSONBody(c *gin.Context) ([]byte, bool) {
	v, ok := c.Get(ContextKeyJSONBody)
	if !ok {
		return nil, false
	}
	body, ok := v.([]byte)
	return body, ok
}

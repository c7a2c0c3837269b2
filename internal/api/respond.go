package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/paperarena/arena/internal/apierr"
)

type envelope struct {
	Success bool      `json:"success"`
	Data    any       `json:"data,omitempty"`
	Error   *errBody  `json:"error,omitempty"`
}

type errBody struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

func ok(c *gin.Context, data any) {
	c.JSON(http.StatusOK, envelope{Success: true, Data: data})
}

// fail maps err onto the envelope. Untyped errors become 500s carrying
// fallbackCode so the surface never leaks an unstable code.
func fail(c *gin.Context, err error, fallbackCode string) {
	apiErr := apierr.From(err, fallbackCode)
	c.JSON(apiErr.Status, envelope{Success: false, Error: &errBody{
		Code:    apiErr.Code,
		Message: apiErr.Message,
	}})
}

// sseHeaders marks the response as an event stream and defeats proxy
// buffering.
func sseHeaders(c *gin.Context) {
	c.Header("Content-Type", "text/event-stream; charset=utf-8")
	c.Header("Cache-Control", "no-cache, no-transform")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
}

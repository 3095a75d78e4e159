package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tradecouncil/council/internal/fault"
)

// Envelope is the uniform response wrapper every endpoint returns
type Envelope struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	Data      any    `json:"data,omitempty"`
	ErrorCode string `json:"error_code,omitempty"`
}

func respond(c *gin.Context, status int, message string, data any) {
	c.JSON(status, Envelope{Success: true, Message: message, Data: data})
}

func fail(c *gin.Context, err error) {
	kind := fault.KindOf(err)
	c.JSON(statusFor(kind), Envelope{
		Success:   false,
		Message:   err.Error(),
		ErrorCode: kind.String(),
	})
}

// statusFor maps fault kinds onto transport codes
func statusFor(kind fault.Kind) int {
	switch kind {
	case fault.KindInvalid:
		return http.StatusBadRequest
	case fault.KindNotFound:
		return http.StatusNotFound
	case fault.KindDuplicate:
		return http.StatusConflict
	case fault.KindAgentUnavailable, fault.KindAgentBusy:
		return http.StatusServiceUnavailable
	case fault.KindTimeout:
		return http.StatusGatewayTimeout
	case fault.KindTransport:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

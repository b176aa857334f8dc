package console

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/zulandar/signalbox/internal/catalog"
	"github.com/zulandar/signalbox/internal/conversation"
	"github.com/zulandar/signalbox/internal/db"
	"github.com/zulandar/signalbox/internal/platform"
	"github.com/zulandar/signalbox/internal/upload"
)

// errorResponse is the body of every failed API call.
type errorResponse struct {
	Error string `json:"error"`
}

// statusFor maps an error to the status code and operator-facing message.
// Platform rejections pass through verbatim; internal failures get a
// generic message and the detail goes to the log.
func statusFor(err error) (int, string) {
	var (
		re *platform.RemoteError
		pe *platform.ProtocolError
		te *platform.TransportError
		ce *platform.ConfigurationError
	)
	switch {
	case errors.Is(err, catalog.ErrNotFound):
		return http.StatusNotFound, "Template not found"
	case errors.Is(err, db.ErrConversationNotFound):
		return http.StatusNotFound, "Conversation not found"
	case errors.Is(err, upload.ErrInvalidInput),
		errors.Is(err, catalog.ErrInvalidDefinition),
		errors.Is(err, conversation.ErrInvalidMode),
		errors.Is(err, conversation.ErrInvalidBusinessNumber):
		return http.StatusBadRequest, err.Error()
	case errors.As(err, &re):
		status := re.StatusCode
		if status < 400 {
			status = http.StatusBadGateway
		}
		return status, re.Message
	case errors.As(err, &pe):
		return http.StatusBadGateway, "Unexpected response from the messaging platform"
	case errors.As(err, &te):
		if te.Timeout {
			return http.StatusGatewayTimeout, "The messaging platform did not respond in time"
		}
		return http.StatusBadGateway, "The messaging platform is unreachable"
	case errors.As(err, &ce):
		return http.StatusInternalServerError, "The server is not configured for this operation"
	}
	return http.StatusInternalServerError, "Internal server error"
}

// respondError records err for the request log and writes the mapped
// response.
func respondError(c *gin.Context, err error) {
	c.Error(err)
	status, msg := statusFor(err)
	c.AbortWithStatusJSON(status, errorResponse{Error: msg})
}

func badRequest(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, errorResponse{Error: msg})
}

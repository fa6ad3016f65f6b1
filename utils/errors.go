package utils

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"social-publisher/internal/apperr"
)

// ErrorResponse represents a standardized error response
type ErrorResponse struct {
	ErrorCode string      `json:"error_code"`
	Message   string      `json:"message"`
	Details   interface{} `json:"details,omitempty"`
}

// RespondWithError sends a standardized error response
func RespondWithError(c *gin.Context, statusCode int, errorCode, message string, details interface{}) {
	c.JSON(statusCode, ErrorResponse{
		ErrorCode: errorCode,
		Message:   message,
		Details:   details,
	})
}

func RespondWithBadRequest(c *gin.Context, message string, details interface{}) {
	RespondWithError(c, http.StatusBadRequest, "bad_request", message, details)
}

func RespondWithUnauthorized(c *gin.Context, message string) {
	RespondWithError(c, http.StatusUnauthorized, "unauthorized", message, nil)
}

func RespondWithNotFound(c *gin.Context, message string) {
	RespondWithError(c, http.StatusNotFound, "not_found", message, nil)
}

func RespondWithInternalError(c *gin.Context, message string, details interface{}) {
	RespondWithError(c, http.StatusInternalServerError, "internal_error", message, details)
}

// RespondWithAppError maps an error's kind to a status and error code.
// Messages of unclassified errors are not exposed.
func RespondWithAppError(c *gin.Context, err error) {
	if errors.Is(err, apperr.ErrReconnectRequired) {
		RespondWithError(c, http.StatusConflict, "reconnect_required",
			"The platform account must be reconnected", nil)
		return
	}

	var rateErr *apperr.RateLimitError
	if errors.As(err, &rateErr) {
		RespondWithError(c, http.StatusTooManyRequests, "platform_rate_limited", rateErr.Error(),
			gin.H{"reset_at": rateErr.ResetAt})
		return
	}

	switch apperr.KindOf(err) {
	case apperr.KindValidation:
		RespondWithBadRequest(c, err.Error(), nil)
	case apperr.KindNotFound:
		RespondWithNotFound(c, err.Error())
	case apperr.KindTransient:
		RespondWithError(c, http.StatusServiceUnavailable, "temporarily_unavailable",
			"The platform is temporarily unavailable, try again later", nil)
	case apperr.KindTerminal:
		RespondWithError(c, http.StatusBadGateway, "platform_rejected", err.Error(), nil)
	case apperr.KindEncryption:
		RespondWithError(c, http.StatusConflict, "reconnect_required",
			"The platform account must be reconnected", nil)
	default:
		RespondWithInternalError(c, "Internal server error", nil)
	}
}

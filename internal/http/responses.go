package http

import (
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"bot-panel/internal/heroku"
	"bot-panel/internal/service"
)

// respondError maps service errors onto status codes. Upstream failures keep
// their raw text and surface as 500.
func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	body := gin.H{"error": err.Error()}

	var cooldown *service.CooldownError
	switch {
	case errors.As(err, &cooldown):
		status = http.StatusBadRequest
		secs := int(math.Ceil(cooldown.Remaining.Seconds()))
		body["retryAfter"] = secs
		c.Header("Retry-After", strconv.Itoa(secs))
	case errors.Is(err, service.ErrInvalidKey),
		errors.Is(err, service.ErrInsufficientBalance),
		errors.Is(err, service.ErrMissingParameter),
		errors.Is(err, service.ErrInvalidAppName),
		errors.Is(err, heroku.ErrInvalidAppName):
		status = http.StatusBadRequest
	case errors.Is(err, service.ErrAccountNotFound),
		errors.Is(err, service.ErrAppNotFound):
		status = http.StatusNotFound
	case errors.Is(err, service.ErrInvalidCredentials),
		errors.Is(err, errUnauthenticated):
		status = http.StatusUnauthorized
	case errors.Is(err, service.ErrInvalidRegistrationSecret):
		status = http.StatusForbidden
	case errors.Is(err, service.ErrUserAlreadyExists):
		status = http.StatusConflict
	case errors.Is(err, service.ErrArchiveDisabled):
		status = http.StatusServiceUnavailable
	}

	c.JSON(status, body)
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": msg})
}

// bindOptionalJSON decodes the body into v; an empty body leaves v zeroed so
// the service can report the missing fields.
func bindOptionalJSON(c *gin.Context, v any) bool {
	if err := c.ShouldBindJSON(v); err != nil && !errors.Is(err, io.EOF) {
		badRequest(c, err.Error())
		return false
	}
	return true
}

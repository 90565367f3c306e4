package transport

import (
	"errors"
	"net/http"

	"github.com/ds124wfegd/playverse/internal/entity"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

type ErrorResponse struct {
	Error string `json:"error"`
}

// statusFor maps domain error kinds to HTTP statuses. Anything unknown is
// a server error.
func statusFor(err error) int {
	switch {
	case errors.Is(err, entity.ErrValidation),
		errors.Is(err, entity.ErrInsufficientCapacity),
		errors.Is(err, entity.ErrInvalidPagination),
		errors.Is(err, entity.ErrLimitBelowConfirmed),
		errors.Is(err, entity.ErrNoRecipients),
		errors.Is(err, entity.ErrSignatureMismatch),
		errors.Is(err, entity.ErrMalformedPayload):
		return http.StatusBadRequest
	case errors.Is(err, entity.ErrEventNotFound),
		errors.Is(err, entity.ErrParticipantNotFound),
		errors.Is(err, entity.ErrUnknownGateway):
		return http.StatusNotFound
	case errors.Is(err, entity.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, entity.ErrGatewayUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders err. Server errors are logged and replaced by
// fallback so storage details never reach the client.
func writeError(c *gin.Context, err error, fallback string) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		logrus.WithError(err).WithField("path", c.Request.URL.Path).Error(fallback)
		msg = fallback
	}
	if status == http.StatusServiceUnavailable {
		logrus.WithError(err).Warn("Payment gateway unavailable")
		msg = "Payment gateway unavailable, please try again"
	}
	_ = c.Error(err)
	c.JSON(status, ErrorResponse{Error: msg})
}

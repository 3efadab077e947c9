package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"examgate/internal/exam"
)

func statusFor(err error) int {
	switch {
	case errors.Is(err, exam.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, exam.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, exam.ErrInvalidCode):
		return http.StatusUnauthorized
	case errors.Is(err, exam.ErrCapacityExceeded),
		errors.Is(err, exam.ErrDuplicateRegistration),
		errors.Is(err, exam.ErrIllegalTransition),
		errors.Is(err, exam.ErrSessionNotActive),
		errors.Is(err, exam.ErrConcurrentModification):
		return http.StatusConflict
	case errors.Is(err, exam.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	}
	switch exam.Code(err) {
	case "cancelled":
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

// fail writes err as {"error","code"} and aborts. Notices such as an
// exhausted break allowance also carry "notice": true.
func (h *Handler) fail(c *gin.Context, err error) {
	status := statusFor(err)
	body := gin.H{"error": err.Error(), "code": exam.Code(err)}
	if status == http.StatusInternalServerError {
		h.log.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		body["error"] = "internal error"
	}
	if exam.IsNotice(err) {
		body["notice"] = true
	}
	c.AbortWithStatusJSON(status, body)
}

func badRequest(c *gin.Context, err error) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "invalid_argument"})
}

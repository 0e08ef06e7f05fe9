package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/skillswap/swapcore/internal/apperr"
	"github.com/skillswap/swapcore/internal/logger"
)

var log = logger.New("api")

func statusFor(code apperr.Code) int {
	switch code {
	case apperr.CodeNotFound:
		return http.StatusNotFound
	case apperr.CodeAuthorization, apperr.CodeNotParticipant, apperr.CodeNotAuthor:
		return http.StatusForbidden
	case apperr.CodeDuplicateRequest, apperr.CodeInvalidTransition, apperr.CodeAlreadyRated, apperr.CodeExpired:
		return http.StatusConflict
	case apperr.CodeInvalidArgument:
		return http.StatusBadRequest
	case apperr.CodeSkillMismatch, apperr.CodeNotCompleted, apperr.CodeWindowExpired:
		return http.StatusUnprocessableEntity
	case apperr.CodeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// respondError writes an AppError with its status. Anything else is logged
// and hidden behind a 500.
func respondError(c *gin.Context, err error) {
	var appErr *apperr.AppError
	if errors.As(err, &appErr) {
		c.JSON(statusFor(appErr.Code), gin.H{"error": appErr.Message, "code": appErr.Code})
		return
	}
	log.Error("%s %s failed: %v", c.Request.Method, c.FullPath(), err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
}

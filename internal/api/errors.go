package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/pipedev/pipedev/internal/common/logger"
)

// handleError maps a facade error onto an HTTP status. Stores and the
// facade signal domain problems through error text, not typed errors, so
// the mapping is by substring: missing rows become 404, rejected input
// becomes 400, state clashes become 409, everything else is a 500 with the
// detail kept out of the response.
func handleError(c *gin.Context, log *logger.Logger, err error, fallback string) {
	switch {
	case isNotFound(err):
		c.JSON(http.StatusNotFound, gin.H{"error": fallback})
	case isValidation(err):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case isConflict(err):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		log.Error("request failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "request failed"})
	}
}

func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "not found")
}

func isValidation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"required", "invalid", "unknown", "duplicate", "reserved", "does not define"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

func isConflict(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"already has", "not live", "not pending", "bound to it"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

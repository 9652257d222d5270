package middleware

import (
	gmw "github.com/Laisky/gin-middlewares/v7"
	"github.com/Laisky/zap"
	"github.com/gin-gonic/gin"
)

// AbortWithError aborts the request with a structured JSON error body,
// matching spec.md §7's "short JSON body" contract for AuthFailed and friends.
func AbortWithError(c *gin.Context, statusCode int, message string) {
	logger := gmw.GetLogger(c)
	if statusCode >= 500 {
		logger.Error("request aborted", zap.Int("status_code", statusCode), zap.String("message", message))
	} else {
		logger.Warn("request aborted", zap.Int("status_code", statusCode), zap.String("message", message))
	}

	c.JSON(statusCode, gin.H{
		"error": gin.H{
			"type":    "error",
			"message": message,
		},
	})
	c.Abort()
}

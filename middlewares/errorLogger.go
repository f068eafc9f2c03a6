package middlewares

import (
	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/bookkeeping_core/utils"
	"github.com/sirupsen/logrus"
)

// ErrorLogger logs the errors handlers attached to the gin context.
func ErrorLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 {
			return
		}
		cid, _ := utils.GetCorrelationIdFromContext(c.Request.Context())
		logger.WithFields(logrus.Fields{
			"method":         c.Request.Method,
			"path":           c.FullPath(),
			"status":         c.Writer.Status(),
			"correlation_id": cid,
		}).Error(c.Errors.String())
	}
}

package middlewares

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/mmdatafocus/bookkeeping_core/utils"
)

const (
	HeaderBusinessId    = "X-Business-Id"
	HeaderActor         = "X-Actor"
	HeaderCorrelationId = "X-Correlation-Id"
)

// CorrelationMiddleware attaches the request's correlation id to the context,
// generating one when the caller sent none.
func CorrelationMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		cid := strings.TrimSpace(c.GetHeader(HeaderCorrelationId))
		if cid == "" {
			cid = uuid.NewString()
		}
		c.Header(HeaderCorrelationId, cid)
		c.Request = c.Request.WithContext(utils.SetCorrelationIdInContext(c.Request.Context(), cid))
		c.Next()
	}
}

// SessionMiddleware copies the business id and actor headers into the
// request context. Authentication happens in front of this service.
func SessionMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		if businessId := strings.TrimSpace(c.GetHeader(HeaderBusinessId)); businessId != "" {
			if len(businessId) > 64 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + HeaderBusinessId})
				c.Abort()
				return
			}
			ctx = utils.SetBusinessIdInContext(ctx, businessId)
		}
		if actor := strings.TrimSpace(c.GetHeader(HeaderActor)); actor != "" {
			if len(actor) > 100 {
				actor = actor[:100]
			}
			ctx = utils.SetUsernameInContext(ctx, actor)
		}
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// RequireBusiness rejects requests without a business id.
func RequireBusiness() gin.HandlerFunc {
	return func(c *gin.Context) {
		if id, ok := utils.GetBusinessIdFromContext(c.Request.Context()); !ok || id == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": HeaderBusinessId + " header is required"})
			c.Abort()
			return
		}
		c.Next()
	}
}

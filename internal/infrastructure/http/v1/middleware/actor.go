package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	appctx "tombstone/internal/core/context"
)

// HeaderActor carries the caller identity set by the upstream gateway.
const HeaderActor = "X-Actor"

// Actor copies the X-Actor header into the request context.
// Requests without it run as the system actor.
func Actor() gin.HandlerFunc {
	return func(c *gin.Context) {
		if name := strings.TrimSpace(c.GetHeader(HeaderActor)); name != "" {
			ctx := appctx.WithActor(c.Request.Context(), &appctx.Actor{Name: name, Source: "http"})
			c.Request = c.Request.WithContext(ctx)
			c.Set("actor", name)
		}
		c.Next()
	}
}

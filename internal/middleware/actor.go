// Package middleware holds the gin middleware shared by every route group.
package middleware

import (
	"net/http"
	"time"

	"tiss-claims-backend/internal/actor"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

const (
	HeaderUserID   = "X-User-Id"
	HeaderUserRole = "X-User-Role"
	HeaderClinicID = "X-Clinic-Id"

	actorKey = "actor"
)

// RequireActor builds the caller identity from the gateway headers once and
// stores it on the context. Requests without a usable identity stop here.
func RequireActor() gin.HandlerFunc {
	return func(c *gin.Context) {
		act, err := actor.New(c.GetHeader(HeaderUserID), c.GetHeader(HeaderUserRole), c.GetHeader(HeaderClinicID))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid identity headers: " + err.Error(), "type": "forbidden"})
			return
		}
		if act.ID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": HeaderUserID + " header is required", "type": "forbidden"})
			return
		}
		c.Set(actorKey, act)
		c.Next()
	}
}

// ActorFrom returns the identity set by RequireActor.
func ActorFrom(c *gin.Context) actor.Actor {
	if v, ok := c.Get(actorKey); ok {
		if act, ok := v.(actor.Actor); ok {
			return act
		}
	}
	return actor.Actor{Role: actor.RoleViewer}
}

// RequestLogger writes one structured line per request.
func RequestLogger(log logrus.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := logrus.Fields{
			"method":     c.Request.Method,
			"path":       c.FullPath(),
			"status":     c.Writer.Status(),
			"latency_ms": time.Since(start).Milliseconds(),
			"client_ip":  c.ClientIP(),
		}
		if c.FullPath() == "" {
			fields["path"] = c.Request.URL.Path
		}
		if v, ok := c.Get(actorKey); ok {
			fields["actor_id"] = v.(actor.Actor).ID
		}
		entry := log.WithFields(fields)
		switch {
		case len(c.Errors) > 0:
			entry.Error(c.Errors.String())
		case c.Writer.Status() >= http.StatusInternalServerError:
			entry.Error("request failed")
		default:
			entry.Info("request")
		}
	}
}

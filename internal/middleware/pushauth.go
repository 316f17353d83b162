package middleware

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"google.golang.org/api/idtoken"
)

// PushAuthConfig says how Pub/Sub push deliveries prove where they come
// from. Audience enables OIDC token checks; Token enables a shared secret
// passed as the "token" query parameter of the push endpoint.
type PushAuthConfig struct {
	Audience       string
	ServiceAccount string
	Token          string
	// AllowUnauthenticated lets pushes through when nothing is configured.
	// Only for local runs.
	AllowUnauthenticated bool
	// Validate defaults to idtoken.Validate.
	Validate func(ctx context.Context, token, audience string) (*idtoken.Payload, error)
}

func (c PushAuthConfig) configured() bool {
	return c.Audience != "" || c.Token != ""
}

// PushAuth rejects push deliveries that carry neither a valid OIDC token
// from the configured service account nor the shared token.
func PushAuth(cfg PushAuthConfig, log logrus.FieldLogger) gin.HandlerFunc {
	validate := cfg.Validate
	if validate == nil {
		validate = idtoken.Validate
	}
	return func(c *gin.Context) {
		if !cfg.configured() {
			if cfg.AllowUnauthenticated {
				c.Next()
				return
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "push authentication is not configured", "type": "forbidden"})
			return
		}

		if cfg.Token != "" {
			got := c.Query("token")
			if got != "" && subtle.ConstantTimeCompare([]byte(got), []byte(cfg.Token)) == 1 {
				c.Next()
				return
			}
		}

		if cfg.Audience != "" {
			bearer, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
			if ok && bearer != "" {
				payload, err := validate(c.Request.Context(), bearer, cfg.Audience)
				if err == nil && fromServiceAccount(payload, cfg.ServiceAccount) {
					c.Next()
					return
				}
				if err != nil {
					log.WithField("module", "middleware").WithError(err).Warn("push token rejected")
				}
			}
		}

		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "push delivery is not authenticated", "type": "forbidden"})
	}
}

func fromServiceAccount(p *idtoken.Payload, account string) bool {
	if account == "" {
		return true
	}
	email, _ := p.Claims["email"].(string)
	verified, _ := p.Claims["email_verified"].(bool)
	return verified && strings.EqualFold(email, account)
}

package middleware

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"google.golang.org/api/idtoken"
)

func fakeValidate(_ context.Context, token, audience string) (*idtoken.Payload, error) {
	switch token {
	case "pubsub-token":
		return &idtoken.Payload{Audience: audience, Claims: map[string]interface{}{
			"email": "push@proj.iam.gserviceaccount.com", "email_verified": true,
		}}, nil
	case "other-account":
		return &idtoken.Payload{Audience: audience, Claims: map[string]interface{}{
			"email": "someone@proj.iam.gserviceaccount.com", "email_verified": true,
		}}, nil
	}
	return nil, errors.New("idtoken: invalid token")
}

func TestPushAuth(t *testing.T) {
	gin.SetMode(gin.TestMode)
	log := logrus.New()
	log.SetOutput(io.Discard)

	oidc := PushAuthConfig{Audience: "https://api.example/internal/pubsub/returns", ServiceAccount: "push@proj.iam.gserviceaccount.com", Validate: fakeValidate}
	shared := PushAuthConfig{Token: "s3cret"}

	tests := []struct {
		name   string
		cfg    PushAuthConfig
		query  string
		bearer string
		want   int
	}{
		{"valid oidc token", oidc, "", "pubsub-token", http.StatusNoContent},
		{"token from another account", oidc, "", "other-account", http.StatusUnauthorized},
		{"invalid oidc token", oidc, "", "forged", http.StatusUnauthorized},
		{"no credentials", oidc, "", "", http.StatusUnauthorized},
		{"shared token", shared, "?token=s3cret", "", http.StatusNoContent},
		{"wrong shared token", shared, "?token=guess", "", http.StatusUnauthorized},
		{"nothing configured", PushAuthConfig{}, "", "", http.StatusUnauthorized},
		{"local run", PushAuthConfig{AllowUnauthenticated: true}, "", "", http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := gin.New()
			r.POST("/push", PushAuth(tt.cfg, log), func(c *gin.Context) { c.Status(http.StatusNoContent) })

			req := httptest.NewRequest(http.MethodPost, "/push"+tt.query, nil)
			if tt.bearer != "" {
				req.Header.Set("Authorization", "Bearer "+tt.bearer)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			if w.Code != tt.want {
				t.Fatalf("expected %d, got %d %s", tt.want, w.Code, w.Body.String())
			}
		})
	}
}

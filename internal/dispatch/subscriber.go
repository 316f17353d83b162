package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"tiss-claims-backend/internal/config"
	"tiss-claims-backend/internal/models"

	"cloud.google.com/go/pubsub"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// JobHandler processes one return job. Errors wrapped with Permanent are
// acknowledged; anything else is redelivered.
type JobHandler func(ctx context.Context, job models.ReturnJob) error

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks an error that redelivery cannot fix.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// settle decodes and runs a delivery and reports whether it should be
// acknowledged.
func settle(ctx context.Context, data []byte, handle JobHandler, log logrus.FieldLogger, messageID string) bool {
	job, err := DecodeReturnJob(data)
	if err != nil {
		config.LogError(log, "dispatch", "settle", "drop undecodable message", map[string]any{"message_id": messageID}, err)
		return true
	}
	err = handle(ctx, job)
	if err == nil {
		return true
	}
	fields := map[string]any{"message_id": messageID, "return_id": job.ReturnID, "permanent": IsPermanent(err)}
	config.LogError(log, "dispatch", "settle", "process return job", fields, err)
	return IsPermanent(err)
}

// Subscriber pulls return jobs from a Pub/Sub subscription.
type Subscriber struct {
	sub    *pubsub.Subscription
	handle JobHandler
	log    logrus.FieldLogger
}

func NewSubscriber(sub *pubsub.Subscription, handle JobHandler, log logrus.FieldLogger) *Subscriber {
	return &Subscriber{sub: sub, handle: handle, log: log}
}

// Run blocks until ctx is cancelled or the subscription fails.
func (s *Subscriber) Run(ctx context.Context) error {
	return s.sub.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		if settle(ctx, msg.Data, s.handle, s.log, msg.ID) {
			msg.Ack()
			return
		}
		msg.Nack()
	})
}

// PushEnvelope is the body Pub/Sub POSTs to push endpoints.
type PushEnvelope struct {
	Message struct {
		Data       []byte            `json:"data"`
		MessageID  string            `json:"messageId"`
		Attributes map[string]string `json:"attributes"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// PushHandler answers 204 to acknowledge and 500 to ask for redelivery.
func PushHandler(handle JobHandler, log logrus.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.Status(http.StatusInternalServerError)
			return
		}
		var envelope PushEnvelope
		if err := json.Unmarshal(body, &envelope); err != nil {
			config.LogError(log, "dispatch", "PushHandler", "decode push envelope", nil, err)
			c.Status(http.StatusNoContent)
			return
		}
		if settle(c.Request.Context(), envelope.Message.Data, handle, log, envelope.Message.MessageID) {
			c.Status(http.StatusNoContent)
			return
		}
		c.Status(http.StatusInternalServerError)
	}
}

package dispatch

import (
	"context"
	"fmt"
	"sync"

	"cloud.google.com/go/pubsub"
	"github.com/google/uuid"
)

type Publisher interface {
	// Publish blocks until the broker accepted the message and returns its id.
	Publish(ctx context.Context, topic string, data []byte, attrs map[string]string) (string, error)
}

type PubSubPublisher struct {
	client *pubsub.Client

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
}

func NewPubSubPublisher(client *pubsub.Client) *PubSubPublisher {
	return &PubSubPublisher{client: client, topics: make(map[string]*pubsub.Topic)}
}

func (p *PubSubPublisher) topic(name string) *pubsub.Topic {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.topics[name]
	if !ok {
		t = p.client.Topic(name)
		p.topics[name] = t
	}
	return t
}

func (p *PubSubPublisher) Publish(ctx context.Context, topic string, data []byte, attrs map[string]string) (string, error) {
	res := p.topic(topic).Publish(ctx, &pubsub.Message{Data: data, Attributes: attrs})
	id, err := res.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish to %s: %w", topic, err)
	}
	return id, nil
}

// Stop flushes and releases every topic handle.
func (p *PubSubPublisher) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for name, t := range p.topics {
		t.Stop()
		delete(p.topics, name)
	}
}

// InlinePublisher hands jobs straight to a handler in the same process.
// It stands in for Pub/Sub in development. A permanent failure is reported
// as delivered so the outbox does not retry it.
type InlinePublisher struct {
	handle JobHandler
}

func NewInlinePublisher(handle JobHandler) *InlinePublisher {
	return &InlinePublisher{handle: handle}
}

func (p *InlinePublisher) Publish(ctx context.Context, topic string, data []byte, _ map[string]string) (string, error) {
	job, err := DecodeReturnJob(data)
	if err != nil {
		return "", Permanent(err)
	}
	if err := p.handle(ctx, job); err != nil && !IsPermanent(err) {
		return "", fmt.Errorf("handle %s job: %w", topic, err)
	}
	return "inline-" + uuid.NewString(), nil
}

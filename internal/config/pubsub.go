package config

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub"
	"google.golang.org/api/option"
)

func NewPubSubClient(ctx context.Context, cfg *Config) (*pubsub.Client, error) {
	if cfg.PubSubProjectID == "" {
		return nil, errors.New("PUBSUB_PROJECT_ID not set")
	}
	var opts []option.ClientOption
	if cfg.PubSubCredentialsJSON != "" {
		opts = append(opts, option.WithCredentialsJSON([]byte(cfg.PubSubCredentialsJSON)))
	}
	return pubsub.NewClient(ctx, cfg.PubSubProjectID, opts...)
}

func EnsureTopic(ctx context.Context, c *pubsub.Client, name string) (*pubsub.Topic, error) {
	t := c.Topic(name)
	ok, err := t.Exists(ctx)
	if err != nil {
		return nil, err
	}
	if ok {
		return t, nil
	}
	t, err = c.CreateTopic(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("create topic %q: %w", name, err)
	}
	return t, nil
}

func EnsureSubscription(ctx context.Context, c *pubsub.Client, name string, topic *pubsub.Topic) (*pubsub.Subscription, error) {
	sub := c.Subscription(name)
	ok, err := sub.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("check subscription exists: %w", err)
	}
	if ok {
		return sub, nil
	}
	sub, err = c.CreateSubscription(ctx, name, pubsub.SubscriptionConfig{
		Topic:       topic,
		AckDeadline: 60 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("create subscription %q: %w", name, err)
	}
	return sub, nil
}

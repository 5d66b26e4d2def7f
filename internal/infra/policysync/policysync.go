// Package policysync propagates operator actions between gateway instances
// over redis pub/sub.
package policysync

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"admission-gateway/internal/resilience/retry"
)

// Message kinds.
const (
	KindReload    = "reload"
	KindEmergency = "emergency"
)

// Message is the payload published on the sync channel.
type Message struct {
	Kind      string    `json:"kind"`
	Emergency bool      `json:"emergency,omitempty"`
	Origin    string    `json:"origin"`
	SentAt    time.Time `json:"sent_at"`
}

// Applier applies a change received from another instance.
type Applier interface {
	HandleReload(ctx context.Context) error
	HandleEmergency(ctx context.Context, on bool) error
}

// Syncer publishes local changes and applies remote ones.
type Syncer struct {
	client  redis.UniversalClient
	channel string
	origin  string
	retry   retry.Config
}

// New creates a syncer on channel. Each syncer has a random origin ID so
// it can skip its own messages.
func New(client redis.UniversalClient, channel string) *Syncer {
	return &Syncer{
		client:  client,
		channel: channel,
		origin:  uuid.NewString(),
		retry:   retry.PublishConfig(),
	}
}

// Origin returns the ID stamped on this syncer's messages.
func (s *Syncer) Origin() string {
	return s.origin
}

// PublishReload asks every other instance to reload its policies.
func (s *Syncer) PublishReload(ctx context.Context) error {
	return s.publish(ctx, Message{Kind: KindReload})
}

// PublishEmergency asks every other instance to switch emergency mode.
func (s *Syncer) PublishEmergency(ctx context.Context, on bool) error {
	return s.publish(ctx, Message{Kind: KindEmergency, Emergency: on})
}

func (s *Syncer) publish(ctx context.Context, msg Message) error {
	msg.Origin = s.origin
	msg.SentAt = time.Now().UTC()

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode sync message: %w", err)
	}

	err = retry.WithBackoff(ctx, s.retry, func() error {
		return s.client.Publish(ctx, s.channel, payload).Err()
	})
	if err != nil {
		return fmt.Errorf("publish %s on %s: %w", msg.Kind, s.channel, err)
	}
	return nil
}

// Run subscribes to the channel and applies messages from other instances
// until ctx is done. ready, if not nil, is closed once the subscription is
// confirmed.
func (s *Syncer) Run(ctx context.Context, apply Applier, ready chan<- struct{}) error {
	sub := s.client.Subscribe(ctx, s.channel)
	defer func() { _ = sub.Close() }()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", s.channel, err)
	}
	if ready != nil {
		close(ready)
	}
	slog.Info("policy sync subscribed",
		slog.String("channel", s.channel),
		slog.String("origin", s.origin))

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-ch:
			if !ok {
				return nil
			}
			s.handle(ctx, apply, m.Payload)
		}
	}
}

func (s *Syncer) handle(ctx context.Context, apply Applier, payload string) {
	var msg Message
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		slog.Warn("ignoring malformed sync message",
			slog.String("channel", s.channel),
			slog.String("error", err.Error()))
		return
	}
	if msg.Origin == s.origin {
		return
	}

	var err error
	switch msg.Kind {
	case KindReload:
		err = apply.HandleReload(ctx)
	case KindEmergency:
		err = apply.HandleEmergency(ctx, msg.Emergency)
	default:
		slog.Warn("ignoring unknown sync message", slog.String("kind", msg.Kind))
		return
	}
	if err != nil {
		slog.Error("failed to apply sync message",
			slog.String("kind", msg.Kind),
			slog.String("origin", msg.Origin),
			slog.String("error", err.Error()))
		return
	}
	slog.Info("applied sync message",
		slog.String("kind", msg.Kind),
		slog.String("origin", msg.Origin))
}

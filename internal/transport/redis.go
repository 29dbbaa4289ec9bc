package transport

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
)

// Redis implements Transport over Redis Pub/Sub, one Redis channel per
// document. It lets several gateway instances share document channels.
type Redis struct {
	client     *redis.Client
	prefix     string
	ownsClient bool
}

// NewRedis connects to redisURL and verifies the connection.
func NewRedis(redisURL string) (*Redis, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &Redis{client: client, prefix: "collab:doc:", ownsClient: true}, nil
}

// NewRedisWithClient creates a transport from an existing Redis client. The
// client is not closed by Close.
func NewRedisWithClient(client *redis.Client) *Redis {
	return &Redis{client: client, prefix: "collab:doc:"}
}

func (r *Redis) channel(documentID string) string {
	return r.prefix + documentID
}

func (r *Redis) Publish(ctx context.Context, event Event) error {
	if err := event.Validate(); err != nil {
		return err
	}
	raw, err := encodeEvent(event)
	if err != nil {
		return err
	}
	if err := r.client.Publish(ctx, r.channel(event.DocumentID), raw).Err(); err != nil {
		if errors.Is(err, redis.ErrClosed) {
			return ErrClosed
		}
		return fmt.Errorf("publish %s: %w", event.Kind, err)
	}
	return nil
}

func (r *Redis) Subscribe(ctx context.Context, documentID string) (Subscription, error) {
	channel := r.channel(documentID)
	pubsub := r.client.Subscribe(ctx, channel)
	// The first reply confirms the subscription.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	sub := &redisSubscription{
		pubsub: pubsub,
		events: make(chan Event, defaultSubscriberBuffer),
		state:  newConnState(true),
		ctx:    runCtx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go sub.run(channel)
	return sub, nil
}

// Ping checks that Redis is reachable.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Redis) Close() error {
	if !r.ownsClient {
		return nil
	}
	return r.client.Close()
}

type redisSubscription struct {
	pubsub    *redis.PubSub
	events    chan Event
	state     *connState
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

func (s *redisSubscription) Events() <-chan Event { return s.events }
func (s *redisSubscription) State() <-chan bool   { return s.state.ch }
func (s *redisSubscription) Connected() bool      { return s.state.get() }

func (s *redisSubscription) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.cancel()
		err = s.pubsub.Close()
		<-s.done
	})
	return err
}

func (s *redisSubscription) run(channel string) {
	defer close(s.done)
	defer close(s.events)

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 100 * time.Millisecond
	policy.MaxInterval = 5 * time.Second
	policy.MaxElapsedTime = 0

	for {
		msg, err := s.pubsub.Receive(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, redis.ErrClosed) {
				return
			}
			s.state.set(false)
			wait := policy.NextBackOff()
			log.Printf("transport: redis receive on %s failed, retrying in %s: %v", channel, wait, err)
			select {
			case <-time.After(wait):
			case <-s.ctx.Done():
				return
			}
			continue
		}

		switch m := msg.(type) {
		case *redis.Subscription:
			if m.Kind == "subscribe" {
				policy.Reset()
				s.state.set(true)
			}
		case *redis.Message:
			policy.Reset()
			s.state.set(true)
			event, err := decodeEvent([]byte(m.Payload))
			if err != nil {
				log.Printf("transport: drop malformed event on %s: %v", channel, err)
				continue
			}
			select {
			case s.events <- event:
			case <-s.ctx.Done():
				return
			}
		}
	}
}

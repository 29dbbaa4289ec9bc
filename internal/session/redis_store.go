// Package session mirrors the live presence of document channels in Redis so
// every gateway instance can answer presence snapshot requests.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

// Member is one collaborator connected to a document.
type Member struct {
	UserID      string    `json:"user_id"`
	DisplayName string    `json:"display_name"`
	AvatarRef   string    `json:"avatar_ref,omitempty"`
	Role        string    `json:"role"`
	JoinedAt    time.Time `json:"joined_at"`
	SeenAt      time.Time `json:"seen_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// PresenceStore keeps one Redis hash per document, field = user id.
type PresenceStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	now    func() time.Time
}

// NewPresenceStore creates a Redis-backed presence store. Members expire
// after ttl without a Touch.
func NewPresenceStore(redisURL string, ttl time.Duration) (*PresenceStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewPresenceStoreWithClient(client, ttl), nil
}

// NewPresenceStoreWithClient creates a store from an existing Redis client
func NewPresenceStoreWithClient(client *redis.Client, ttl time.Duration) *PresenceStore {
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	return &PresenceStore{
		client: client,
		prefix: "presence:",
		ttl:    ttl,
		now:    time.Now,
	}
}

func (s *PresenceStore) key(documentID string) string {
	return s.prefix + documentID
}

// Touch adds the member or refreshes its expiry. JoinedAt is kept from the
// existing record.
func (s *PresenceStore) Touch(ctx context.Context, documentID string, m Member) error {
	key := s.key(documentID)
	now := s.now().UTC()

	existing, err := s.client.HGet(ctx, key, m.UserID).Result()
	switch {
	case err == redis.Nil:
		m.JoinedAt = now
	case err != nil:
		return fmt.Errorf("lookup presence member: %w", err)
	default:
		var prev Member
		if err := json.Unmarshal([]byte(existing), &prev); err == nil && !prev.JoinedAt.IsZero() {
			m.JoinedAt = prev.JoinedAt
		} else {
			m.JoinedAt = now
		}
	}
	if m.Role == "" {
		m.Role = "viewer"
	}
	m.SeenAt = now
	m.ExpiresAt = now.Add(s.ttl)

	jsonData, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal presence member: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, m.UserID, jsonData)
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save presence member: %w", err)
	}
	return nil
}

// Remove deletes one member. Removing an absent member is not an error.
func (s *PresenceStore) Remove(ctx context.Context, documentID, userID string) error {
	if err := s.client.HDel(ctx, s.key(documentID), userID).Err(); err != nil {
		return fmt.Errorf("remove presence member: %w", err)
	}
	return nil
}

// List returns the live members ordered by join time and drops expired ones.
func (s *PresenceStore) List(ctx context.Context, documentID string) ([]Member, error) {
	key := s.key(documentID)
	fields, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("list presence: %w", err)
	}

	now := s.now()
	members := make([]Member, 0, len(fields))
	var expired []string
	for userID, raw := range fields {
		var m Member
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			expired = append(expired, userID)
			continue
		}
		if !m.ExpiresAt.After(now) {
			expired = append(expired, userID)
			continue
		}
		members = append(members, m)
	}
	if len(expired) > 0 {
		if err := s.client.HDel(ctx, key, expired...).Err(); err != nil {
			return nil, fmt.Errorf("prune presence: %w", err)
		}
	}

	sort.Slice(members, func(i, j int) bool {
		if !members[i].JoinedAt.Equal(members[j].JoinedAt) {
			return members[i].JoinedAt.Before(members[j].JoinedAt)
		}
		return members[i].UserID < members[j].UserID
	})
	return members, nil
}

// Clear drops the whole presence set of a document.
func (s *PresenceStore) Clear(ctx context.Context, documentID string) error {
	if err := s.client.Del(ctx, s.key(documentID)).Err(); err != nil {
		return fmt.Errorf("clear presence: %w", err)
	}
	return nil
}

// Client exposes the underlying Redis client so the channel transport can
// share the connection pool.
func (s *PresenceStore) Client() *redis.Client {
	return s.client
}

// Close closes the Redis connection
func (s *PresenceStore) Close() error {
	return s.client.Close()
}

// Ping checks if Redis is reachable
func (s *PresenceStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

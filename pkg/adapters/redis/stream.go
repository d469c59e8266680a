// Package redis publishes runtime events to Redis lists, one list per session.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aretw0/conductor/pkg/domain"
	backend "github.com/redis/go-redis/v9"
)

// GlobalKey is the list suffix used for events not bound to a session.
const GlobalKey = "global"

// Stream implements ports.Plugin by appending JSON-encoded events to Redis lists.
type Stream struct {
	client *backend.Client
	prefix string
	maxLen int64
	ttl    time.Duration
	owned  bool
}

type Option func(*Stream)

// WithTTL sets the expiration for event lists.
func WithTTL(ttl time.Duration) Option {
	return func(s *Stream) {
		s.ttl = ttl
	}
}

// WithPrefix sets the key prefix for event lists.
func WithPrefix(prefix string) Option {
	return func(s *Stream) {
		s.prefix = prefix
	}
}

// WithMaxLen caps each list to the most recent n events. Zero keeps everything.
func WithMaxLen(n int64) Option {
	return func(s *Stream) {
		s.maxLen = n
	}
}

// New creates a new Redis stream with options.
func New(address, password string, db int, opts ...Option) *Stream {
	rdb := backend.NewClient(&backend.Options{
		Addr:     address,
		Password: password,
		DB:       db,
	})
	s := NewFromClient(rdb, opts...)
	s.owned = true
	return s
}

// NewFromClient creates a new Redis stream from an existing client.
func NewFromClient(client *backend.Client, opts ...Option) *Stream {
	s := &Stream{
		client: client,
		prefix: "conductor:events:",
		maxLen: 1000,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Key returns the list holding the events of sessionID.
func (s *Stream) Key(sessionID string) string {
	if sessionID == "" {
		sessionID = GlobalKey
	}
	return s.prefix + sessionID
}

// HandleEvent implements ports.Plugin.
func (s *Stream) HandleEvent(ctx context.Context, event domain.RuntimeEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	key := s.Key(event.SessionID)
	pipe := s.client.Pipeline()
	pipe.RPush(ctx, key, data)
	if s.maxLen > 0 {
		pipe.LTrim(ctx, key, -s.maxLen, -1)
	}
	if s.ttl > 0 {
		pipe.Expire(ctx, key, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to push event to redis: %w", err)
	}
	return nil
}

// Range returns the stored events of a session, oldest first.
func (s *Stream) Range(ctx context.Context, sessionID string) ([]domain.RuntimeEvent, error) {
	raw, err := s.client.LRange(ctx, s.Key(sessionID), 0, -1).Result()
	if err != nil {
		if err == backend.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read events: %w", err)
	}

	out := make([]domain.RuntimeEvent, 0, len(raw))
	for _, item := range raw {
		var e domain.RuntimeEvent
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			return nil, fmt.Errorf("failed to unmarshal event: %w", err)
		}
		out = append(out, e)
	}
	return out, nil
}

// Close releases the client when the stream created it.
func (s *Stream) Close() error {
	if s.owned {
		return s.client.Close()
	}
	return nil
}

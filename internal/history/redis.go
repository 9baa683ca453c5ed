package history

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/chatrelay/chatrelay/internal/backend"
)

const historyKeyPrefix = "chat:history:"

// RedisStore keeps transcripts in a redis list per session, trimmed to a
// fixed number of turns and expired after idleTTL of inactivity.
type RedisStore struct {
	client   *redis.Client
	maxTurns int
	idleTTL  time.Duration
	logger   *slog.Logger
}

// NewRedisStore wraps client. maxTurns bounds the list length, idleTTL
// resets on every append.
func NewRedisStore(log *slog.Logger, client *redis.Client, maxTurns int, idleTTL time.Duration) *RedisStore {
	if log == nil {
		log = slog.Default()
	}
	if maxTurns <= 0 {
		maxTurns = 40
	}
	if idleTTL <= 0 {
		idleTTL = 24 * time.Hour
	}
	return &RedisStore{
		client:   client,
		maxTurns: maxTurns,
		idleTTL:  idleTTL,
		logger:   log.With(slog.String("component", "history_redis")),
	}
}

func historyKey(sessionKey string) string { return historyKeyPrefix + sessionKey }

func (s *RedisStore) GetHistory(ctx context.Context, sessionKey string) ([]backend.Message, error) {
	raw, err := s.client.LRange(ctx, historyKey(sessionKey), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("lrange history: %w", err)
	}
	out := make([]backend.Message, 0, len(raw))
	for _, item := range raw {
		var msg backend.Message
		if jerr := json.Unmarshal([]byte(item), &msg); jerr != nil {
			// A corrupt entry is dropped rather than poisoning the session.
			s.logger.Warn("dropping unreadable history entry",
				slog.String("session_key", sessionKey))
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}

func (s *RedisStore) AppendMessage(ctx context.Context, sessionKey string, msg backend.Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode history entry: %w", err)
	}
	key := historyKey(sessionKey)
	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, key, payload)
	pipe.LTrim(ctx, key, int64(-s.maxTurns), -1)
	pipe.Expire(ctx, key, s.idleTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	return nil
}

func (s *RedisStore) ClearHistory(ctx context.Context, sessionKey string) error {
	if err := s.client.Del(ctx, historyKey(sessionKey)).Err(); err != nil {
		return fmt.Errorf("clear history: %w", err)
	}
	return nil
}

package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis implements Store on a shared Redis instance so lock state is
// arbitrated across API instances. One key per block; SETNX gives the
// acquire-if-open semantics, the TTL bounds how long a crashed client can
// pin a block.
type Redis struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedis connects and verifies the Redis backing the lock map.
func NewRedis(redisURL string, ttl time.Duration) (*Redis, error) {
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

	return NewRedisWithClient(client, ttl), nil
}

// NewRedisWithClient wraps an existing client.
func NewRedisWithClient(client *redis.Client, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Redis{client: client, prefix: "lock:", ttl: ttl}
}

func (s *Redis) key(storyID string, blockType BlockType, blockID string) string {
	return fmt.Sprintf("%s%s:%s:%s", s.prefix, storyID, blockType, blockID)
}

// refreshScript renews a lock's TTL only while its payload is the one the
// caller read, so a lock that expired and changed hands in between is
// never clobbered.
var refreshScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0
`)

// releaseScript deletes a lock only while its payload is the one the
// caller read.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

func (s *Redis) Enter(ctx context.Context, storyID, userID string, blockType BlockType, blockID string) error {
	holder := Holder{UserID: userID, Since: time.Now()}
	payload, err := json.Marshal(holder)
	if err != nil {
		return fmt.Errorf("marshal lock holder: %w", err)
	}

	key := s.key(storyID, blockType, blockID)
	for attempt := 0; attempt < 2; attempt++ {
		acquired, err := s.client.SetNX(ctx, key, payload, s.ttl).Result()
		if err != nil {
			return fmt.Errorf("acquire lock: %w", err)
		}
		if acquired {
			return nil
		}

		raw, err := s.client.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			// Holder expired between SETNX and GET; go around again.
			continue
		}
		if err != nil {
			return fmt.Errorf("read lock: %w", err)
		}
		var current Holder
		if err := json.Unmarshal([]byte(raw), &current); err != nil {
			return fmt.Errorf("unmarshal lock holder: %w", err)
		}
		if current.UserID != userID {
			return ErrBlockUnavailable
		}
		// Idempotent re-entry refreshes the TTL but keeps the original
		// Since. The compare-and-expire fails if the holder changed
		// between the read and the refresh, in which case we retry.
		refreshed, err := refreshScript.Run(ctx, s.client, []string{key}, raw, s.ttl.Milliseconds()).Int()
		if err != nil {
			return fmt.Errorf("refresh lock: %w", err)
		}
		if refreshed == 1 {
			return nil
		}
	}
	return ErrBlockUnavailable
}

func (s *Redis) Leave(ctx context.Context, storyID, userID string, blockType BlockType, blockID string) error {
	key := s.key(storyID, blockType, blockID)
	raw, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read lock: %w", err)
	}
	var holder Holder
	if err := json.Unmarshal([]byte(raw), &holder); err != nil {
		return fmt.Errorf("unmarshal lock holder: %w", err)
	}
	if holder.UserID != userID {
		return nil
	}
	// Compare-and-del: if the lock expired and another user took it after
	// the read, the delete silently stands down.
	if err := releaseScript.Run(ctx, s.client, []string{key}, raw).Err(); err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	return nil
}

func (s *Redis) HolderOf(ctx context.Context, storyID string, blockType BlockType, blockID string) (Holder, bool, error) {
	return s.holderAt(ctx, s.key(storyID, blockType, blockID))
}

func (s *Redis) holderAt(ctx context.Context, key string) (Holder, bool, error) {
	payload, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return Holder{}, false, nil
	}
	if err != nil {
		return Holder{}, false, fmt.Errorf("read lock: %w", err)
	}
	var holder Holder
	if err := json.Unmarshal([]byte(payload), &holder); err != nil {
		return Holder{}, false, fmt.Errorf("unmarshal lock holder: %w", err)
	}
	return holder, true, nil
}

func (s *Redis) ReverseMap(ctx context.Context, storyID string, blockType BlockType) (map[string]string, error) {
	pattern := fmt.Sprintf("%s%s:%s:*", s.prefix, storyID, blockType)
	reverse := make(map[string]string)

	iter := s.client.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		holder, held, err := s.holderAt(ctx, key)
		if err != nil {
			return nil, err
		}
		if !held {
			continue
		}
		blockID := key[strings.LastIndex(key, ":")+1:]
		reverse[blockID] = holder.UserID
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan locks: %w", err)
	}
	return reverse, nil
}

func (s *Redis) ReleaseUser(ctx context.Context, storyID, userID string) error {
	pattern := fmt.Sprintf("%s%s:*", s.prefix, storyID)

	iter := s.client.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		raw, err := s.client.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return fmt.Errorf("read lock: %w", err)
		}
		var holder Holder
		if err := json.Unmarshal([]byte(raw), &holder); err != nil {
			return fmt.Errorf("unmarshal lock holder: %w", err)
		}
		if holder.UserID != userID {
			continue
		}
		if err := releaseScript.Run(ctx, s.client, []string{key}, raw).Err(); err != nil {
			return fmt.Errorf("release lock: %w", err)
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("scan locks: %w", err)
	}
	return nil
}

// Close closes the underlying Redis connection.
func (s *Redis) Close() error {
	return s.client.Close()
}

// Ping checks whether Redis is reachable.
func (s *Redis) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

package chatstore

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const DefaultRedisKeyPrefix = "opsdeck:history:"

// RedisHistoryStore keeps each transcript under its own key and tracks the
// session ids in a sorted set scored by last update.
type RedisHistoryStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	owned  bool
}

var _ HistoryStore = &RedisHistoryStore{}

// NewRedisHistoryStore dials addr. A ttl of zero keeps sessions forever.
func NewRedisHistoryStore(addr string, ttl time.Duration) (*RedisHistoryStore, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, errors.New("redis history store: empty addr")
	}
	s := NewRedisHistoryStoreFromClient(redis.NewClient(&redis.Options{Addr: addr}), ttl)
	s.owned = true
	return s, nil
}

// NewRedisHistoryStoreFromClient uses an existing client; Close leaves it open.
func NewRedisHistoryStoreFromClient(client *redis.Client, ttl time.Duration) *RedisHistoryStore {
	return &RedisHistoryStore{client: client, prefix: DefaultRedisKeyPrefix, ttl: ttl}
}

func (s *RedisHistoryStore) key(id string) string { return s.prefix + "session:" + id }
func (s *RedisHistoryStore) indexKey() string     { return s.prefix + "index" }

func (s *RedisHistoryStore) Load(ctx context.Context, sessionID string) ([]ChatMessage, error) {
	id, err := normalizeSessionID(sessionID)
	if err != nil {
		return nil, err
	}
	raw, err := s.client.Get(ctx, s.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "redis history store: load")
	}
	return decodeHistory(raw), nil
}

func (s *RedisHistoryStore) Save(ctx context.Context, sessionID string, msgs []ChatMessage) error {
	id, err := normalizeSessionID(sessionID)
	if err != nil {
		return err
	}
	raw, err := encodeHistory(msgs)
	if err != nil {
		return err
	}
	now := time.Now()
	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, s.key(id), raw, s.ttl)
		p.ZAdd(ctx, s.indexKey(), redis.Z{Score: float64(now.UnixMilli()), Member: id})
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "redis history store: save")
	}
	return nil
}

func (s *RedisHistoryStore) Delete(ctx context.Context, sessionID string) error {
	id, err := normalizeSessionID(sessionID)
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, s.key(id))
		p.ZRem(ctx, s.indexKey(), id)
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "redis history store: delete")
	}
	return nil
}

// List drops index entries whose transcript has expired.
func (s *RedisHistoryStore) List(ctx context.Context) ([]SessionInfo, error) {
	entries, err := s.client.ZRevRangeWithScores(ctx, s.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, errors.Wrap(err, "redis history store: list")
	}
	var out []SessionInfo
	for _, z := range entries {
		id, ok := z.Member.(string)
		if !ok {
			continue
		}
		raw, err := s.client.Get(ctx, s.key(id)).Bytes()
		if errors.Is(err, redis.Nil) {
			_ = s.client.ZRem(ctx, s.indexKey(), id).Err()
			continue
		}
		if err != nil {
			return nil, errors.Wrap(err, "redis history store: list")
		}
		out = append(out, SessionInfo{
			SessionID: id,
			Messages:  len(decodeHistory(raw)),
			UpdatedAt: time.UnixMilli(int64(z.Score)),
		})
	}
	return out, nil
}

func (s *RedisHistoryStore) Close() error {
	if !s.owned {
		return nil
	}
	return s.client.Close()
}

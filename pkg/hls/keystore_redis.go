package hls

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/aminofox/zenlive/pkg/hls/transport"
	"github.com/aminofox/zenlive/pkg/logger"
)

// RedisKeyStore is an alternative to the in-process KeyStore that shares
// its AES key cache across a fleet of player processes via Redis, so a
// horizontally scaled deployment does not independently re-fetch the same
// key from the origin once per process.
type RedisKeyStore struct {
	client    *redis.Client
	transport transport.RoundTripper
	logger    logger.Logger
	keyPrefix string
	ttl       time.Duration
}

// NewRedisKeyStore creates a Redis-backed key cache.
func NewRedisKeyStore(client *redis.Client, rt transport.RoundTripper, log logger.Logger) *RedisKeyStore {
	if log == nil {
		log = logger.NewDefaultLogger(logger.InfoLevel, "text")
	}
	return &RedisKeyStore{
		client:    client,
		transport: rt,
		logger:    log,
		keyPrefix: "hls:key:",
		ttl:       10 * time.Minute,
	}
}

// Get returns the cached key bytes for keyURL, downloading and populating
// the shared cache on a miss.
func (s *RedisKeyStore) Get(ctx context.Context, keyURL string) ([]byte, error) {
	redisKey := s.keyPrefix + keyURL

	if cached, err := s.client.Get(ctx, redisKey).Bytes(); err == nil {
		return cached, nil
	}

	rc, err := s.transport.Open(ctx, keyURL, transport.Options{Offset: -1})
	if err != nil {
		return nil, NewKeyFetchError(keyURL, err)
	}
	defer rc.Close()

	key := make([]byte, 16)
	n := 0
	var readErr error
	for n < 16 {
		var m int
		m, readErr = rc.Read(key[n:])
		n += m
		if readErr != nil {
			break
		}
	}
	if n != 16 {
		return nil, NewKeyFetchError(keyURL, readErr)
	}

	if err := s.client.Set(ctx, redisKey, key, s.ttl).Err(); err != nil {
		s.logger.Warn("failed to populate shared key cache", logger.Err(err))
	}
	return key, nil
}

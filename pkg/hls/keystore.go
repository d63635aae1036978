package hls

import (
	"context"
	"io"
	"sync"

	"github.com/aminofox/zenlive/pkg/hls/transport"
	"github.com/aminofox/zenlive/pkg/logger"
)

// MaxKeyStoreSize bounds the in-process AES key cache; beyond this, the
// oldest fetched key is evicted (FIFO), mirroring the init-section cache's
// eviction rule at a smaller capacity.
const MaxKeyStoreSize = 3

// SharedKeyCache lets a KeyStore delegate to a process-external cache
// (e.g. RedisKeyStore) before falling back to its own transport fetch, so a
// fleet of player processes shares one AES key cache instead of each
// independently re-fetching the same key from the origin.
type SharedKeyCache interface {
	Get(ctx context.Context, keyURL string) ([]byte, error)
}

// KeyStore fetches and caches AES-128 keys by their absolute URL. It
// replaces the source's process-wide global cache with an explicitly
// constructed, injectable service, per DESIGN NOTES.
type KeyStore struct {
	mu        sync.Mutex
	transport transport.RoundTripper
	logger    logger.Logger
	shared    SharedKeyCache
	order     []string
	keys      map[string][]byte
	capacity  int
}

// NewKeyStore creates a key cache backed by the given transport.
func NewKeyStore(rt transport.RoundTripper, log logger.Logger) *KeyStore {
	if log == nil {
		log = logger.NewDefaultLogger(logger.InfoLevel, "text")
	}
	return &KeyStore{
		transport: rt,
		logger:    log,
		keys:      make(map[string][]byte),
		capacity:  MaxKeyStoreSize,
	}
}

// SetShared attaches a process-external cache consulted ahead of this
// KeyStore's own transport fetch.
func (ks *KeyStore) SetShared(shared SharedKeyCache) {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	ks.shared = shared
}

// Get returns the 16-byte AES key for keyURL, downloading and caching it on
// first use.
func (ks *KeyStore) Get(ctx context.Context, keyURL string) ([]byte, error) {
	ks.mu.Lock()
	if k, ok := ks.keys[keyURL]; ok {
		ks.mu.Unlock()
		return k, nil
	}
	shared := ks.shared
	ks.mu.Unlock()

	var key []byte
	if shared != nil {
		if k, err := shared.Get(ctx, keyURL); err == nil && len(k) == 16 {
			key = k
		}
	}

	if key == nil {
		rc, err := ks.transport.Open(ctx, keyURL, transport.Options{Offset: -1})
		if err != nil {
			return nil, NewKeyFetchError(keyURL, err)
		}
		defer rc.Close()

		key = make([]byte, 16)
		if _, err := io.ReadFull(rc, key); err != nil {
			return nil, NewKeyFetchError(keyURL, err)
		}
	}

	ks.mu.Lock()
	defer ks.mu.Unlock()
	if _, ok := ks.keys[keyURL]; !ok {
		if len(ks.order) >= ks.capacity {
			oldest := ks.order[0]
			ks.order = ks.order[1:]
			delete(ks.keys, oldest)
		}
		ks.order = append(ks.order, keyURL)
		ks.keys[keyURL] = key
	}
	ks.logger.Debug("cached AES key", logger.String("url", keyURL))
	return ks.keys[keyURL], nil
}

// Package credential shares conversion service credentials between the runs
// of a process, and between processes through Redis.
//
// The cache is an explicit object with a lifecycle (New / Close). It wraps a
// provider and can replace it wherever a run expects one: every credential
// it hands out is checked against its expiry first.
package credential

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/instill-ai/model-derivative-backend/pkg/logger"
	"github.com/instill-ai/model-derivative-backend/pkg/types"
)

// ErrClosed is returned by a closed cache.
var ErrClosed = errors.New("credential cache closed")

// Provider issues new credentials.
type Provider interface {
	Authenticate(ctx context.Context) (types.Credential, error)
}

// Store persists credentials under a key with a time to live.
type Store interface {
	// Load returns found == false when the key doesn't exist.
	Load(ctx context.Context, key string) (cred types.Credential, found bool, err error)
	Save(ctx context.Context, key string, cred types.Credential, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Key returns the store key for the credentials of a client identity.
// Scopes are sorted so the key doesn't depend on their order.
func Key(clientID string, scopes []string) string {
	sorted := append([]string(nil), scopes...)
	sort.Strings(sorted)

	h := sha256.Sum256([]byte(clientID + "|" + strings.Join(sorted, " ")))
	return fmt.Sprintf("model-derivative:credential:%s", hex.EncodeToString(h[:8]))
}

// Options configures a Cache.
type Options struct {
	// Key is the store key, see Key.
	Key string
	// Skew is subtracted from the credential lifetime, both to decide
	// whether it is expired and to compute its time to live in the store.
	Skew   time.Duration
	Now    func() time.Time
	Logger *zap.Logger
}

// Cache hands out credentials from memory, then from the store, and only
// then from the provider.
type Cache struct {
	provider Provider
	store    Store
	opts     Options
	log      *zap.Logger

	// mu also ensures a single concurrent request to the provider.
	mu     sync.Mutex
	cur    types.Credential
	closed bool
}

// New returns a cache in front of provider. store may be nil, in which case
// credentials are only shared within the process.
func New(provider Provider, store Store, opts Options) *Cache {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Key == "" {
		opts.Key = Key("", nil)
	}

	log := opts.Logger
	if log == nil {
		log, _ = logger.GetZapLogger(context.Background())
	}

	return &Cache{provider: provider, store: store, opts: opts, log: log}
}

// Authenticate returns a credential that is valid for at least the
// configured skew.
func (c *Cache) Authenticate(ctx context.Context) (types.Credential, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return types.Credential{}, ErrClosed
	}

	now := c.opts.Now()
	if !c.cur.Expired(now, c.opts.Skew) {
		return c.cur, nil
	}

	if c.store != nil {
		cred, found, err := c.store.Load(ctx, c.opts.Key)
		switch {
		case err != nil:
			// The provider is still reachable without the store.
			c.log.Warn("Loading shared credential", zap.Error(err))
		case found && !cred.Expired(now, c.opts.Skew):
			c.cur = cred
			return cred, nil
		}
	}

	cred, err := c.provider.Authenticate(ctx)
	if err != nil {
		return types.Credential{}, err
	}
	c.cur = cred

	if ttl := cred.ExpiresAt.Sub(now) - c.opts.Skew; c.store != nil && ttl > 0 {
		if err := c.store.Save(ctx, c.opts.Key, cred, ttl); err != nil {
			c.log.Warn("Saving shared credential", zap.Error(err))
		}
	}

	return cred, nil
}

// Invalidate forgets the current credential, e.g. after the service
// rejected it.
func (c *Cache) Invalidate(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.cur = types.Credential{}
	if c.store == nil {
		return nil
	}
	return c.store.Delete(ctx, c.opts.Key)
}

// Close releases the cache. Authenticate fails afterwards. The store is
// owned by the caller and left open.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true
	c.cur = types.Credential{}
	return nil
}

// redisStore implements Store using Redis
type redisStore struct {
	redisClient *redis.Client
}

// NewRedisStore implements Store using Redis
func NewRedisStore(redisClient *redis.Client) Store {
	return &redisStore{redisClient: redisClient}
}

func (r *redisStore) Load(ctx context.Context, key string) (types.Credential, bool, error) {
	b, err := r.redisClient.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return types.Credential{}, false, nil
	}
	if err != nil {
		return types.Credential{}, false, fmt.Errorf("getting credential from Redis: %w", err)
	}

	var cred types.Credential
	if err := json.Unmarshal(b, &cred); err != nil {
		return types.Credential{}, false, fmt.Errorf("unmarshalling credential: %w", err)
	}
	return cred, true, nil
}

func (r *redisStore) Save(ctx context.Context, key string, cred types.Credential, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("TTL must be positive, got: %v", ttl)
	}

	b, err := json.Marshal(cred)
	if err != nil {
		return fmt.Errorf("marshalling credential: %w", err)
	}
	if err := r.redisClient.Set(ctx, key, b, ttl).Err(); err != nil {
		return fmt.Errorf("storing credential in Redis: %w", err)
	}
	return nil
}

func (r *redisStore) Delete(ctx context.Context, key string) error {
	if err := r.redisClient.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("deleting credential from Redis: %w", err)
	}
	return nil
}

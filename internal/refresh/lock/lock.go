package lock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var (
	ErrEmptyKey = errors.New("lock_key_empty")
	ErrNotHeld  = errors.New("lock_not_acquired")
)

const ownerKeyPrefix = "owner:"

// OwnerKey namespaces an owner key so it cannot collide with other lock
// users such as scheduler jobs.
func OwnerKey(key string) string { return ownerKeyPrefix + key }

// Locker serializes work per key. The returned func releases the lock and
// is safe to call more than once.
type Locker interface {
	Lock(ctx context.Context, key string) (func(), error)
}

// KeyedLocker is an in-process Locker. Entries are dropped once no caller
// holds or waits on them.
type KeyedLocker struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	ch   chan struct{}
	refs int
}

func NewKeyedLocker() *KeyedLocker {
	return &KeyedLocker{locks: make(map[string]*keyedEntry)}
}

func (l *KeyedLocker) Lock(ctx context.Context, key string) (func(), error) {
	if key == "" {
		return nil, ErrEmptyKey
	}

	l.mu.Lock()
	entry, ok := l.locks[key]
	if !ok {
		entry = &keyedEntry{ch: make(chan struct{}, 1)}
		l.locks[key] = entry
	}
	entry.refs++
	l.mu.Unlock()

	select {
	case entry.ch <- struct{}{}:
	case <-ctx.Done():
		l.drop(key, entry)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-entry.ch
			l.drop(key, entry)
		})
	}, nil
}

func (l *KeyedLocker) drop(key string, entry *keyedEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry.refs--
	if entry.refs == 0 {
		delete(l.locks, key)
	}
}

// Held reports whether key is currently locked or awaited.
func (l *KeyedLocker) Held(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.locks[key]
	return ok
}

const lockReleaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

const lockRenewScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`

// RedisLocker coordinates owners across processes. It polls SetNX until
// the key is free or ctx ends, then renews the key every ttl/3 until
// released.
type RedisLocker struct {
	client  *redis.Client
	release *redis.Script
	renew   *redis.Script
	prefix  string
	ttl     time.Duration
	poll    time.Duration
	every   time.Duration
	log     *zap.Logger
}

func NewRedisLocker(client *redis.Client, prefix string, ttl time.Duration, log *zap.Logger) *RedisLocker {
	if client == nil {
		return nil
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &RedisLocker{
		client:  client,
		release: redis.NewScript(lockReleaseScript),
		renew:   redis.NewScript(lockRenewScript),
		prefix:  prefix,
		ttl:     ttl,
		poll:    100 * time.Millisecond,
		every:   ttl / 3,
		log:     log,
	}
}

func (l *RedisLocker) TryLock(ctx context.Context, key string) (string, bool, error) {
	if l == nil || l.client == nil {
		return "", false, errors.New("lock client not configured")
	}
	if key == "" {
		return "", false, ErrEmptyKey
	}

	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.prefix+key, token, l.ttl).Result()
	if err != nil {
		return "", false, err
	}
	return token, ok, nil
}

// Renew extends the key's TTL while token still owns it.
func (l *RedisLocker) Renew(ctx context.Context, key, token string) (bool, error) {
	if l == nil || l.client == nil {
		return false, errors.New("lock client not configured")
	}
	n, err := l.renew.Run(ctx, l.client, []string{l.prefix + key}, token, l.ttl.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (l *RedisLocker) Release(ctx context.Context, key, token string) error {
	if l == nil || l.client == nil {
		return nil
	}
	if key == "" || token == "" {
		return nil
	}
	return l.release.Run(ctx, l.client, []string{l.prefix + key}, token).Err()
}

func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	ticker := time.NewTicker(l.poll)
	defer ticker.Stop()

	for {
		token, ok, err := l.TryLock(ctx, key)
		if err != nil {
			return nil, err
		}
		if ok {
			stop := keepAlive(l.every, l.log.With(zap.String("lock_key", key)), func(ctx context.Context) (bool, error) {
				return l.Renew(ctx, key, token)
			})
			var once sync.Once
			return func() {
				once.Do(func() {
					stop()
					releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = l.Release(releaseCtx, key, token)
				})
			}, nil
		}

		select {
		case <-ctx.Done():
			return nil, errors.Join(ErrNotHeld, ctx.Err())
		case <-ticker.C:
		}
	}
}

// keepAlive calls renew every interval until the returned stop func runs or
// renew reports the lock is gone. Renew errors are retried on the next tick.
func keepAlive(every time.Duration, log *zap.Logger, renew func(context.Context) (bool, error)) (stop func()) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			renewCtx, cancelRenew := context.WithTimeout(ctx, every)
			held, err := renew(renewCtx)
			cancelRenew()
			if ctx.Err() != nil {
				return
			}
			if err != nil {
				log.Warn("lock renewal failed", zap.Error(err))
				continue
			}
			if !held {
				log.Error("lock lost before release")
				return
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

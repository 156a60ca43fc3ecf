package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const (
	DefaultTTL        = 45 * time.Second
	DefaultRetryDelay = time.Second

	scriptTimeout      = 5 * time.Second
	minRenewalInterval = 10 * time.Millisecond
	renewalFraction    = 3
)

var (
	renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
	return 0
end`)

	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end`)
)

// ErrLockLost is the cause of a lock context cancelled because renewal failed.
var ErrLockLost = errors.New("lock lost")

// Redis is a Locker backed by SET NX PX with periodic renewal. Release only
// deletes the key while it still holds this holder's token.
type Redis struct {
	client     redis.UniversalClient
	ttl        time.Duration
	retryDelay time.Duration
}

// NewRedis creates a Redis locker. Zero durations use the defaults.
func NewRedis(client redis.UniversalClient, ttl, retryDelay time.Duration) *Redis {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if retryDelay <= 0 {
		retryDelay = DefaultRetryDelay
	}
	return &Redis{client: client, ttl: ttl, retryDelay: retryDelay}
}

// Dial connects to the Redis server at url and verifies it answers.
func Dial(ctx context.Context, url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return client, nil
}

// Lock implements Locker.
func (r *Redis) Lock(ctx context.Context, key string) (context.Context, Release, error) {
	token := uuid.NewString()

	for {
		ok, err := r.client.SetNX(ctx, key, token, r.ttl).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, nil, ctx.Err()
			}
			log.Warn().Err(err).Str("key", key).Msg("Lock acquire failed, retrying")
		}
		if ok {
			break
		}

		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		case <-time.After(r.retryDelay):
		}
	}

	lockCtx, cancel := context.WithCancelCause(ctx)
	s := &session{
		client: r.client,
		key:    key,
		token:  token,
		ttl:    r.ttl,
		ctx:    lockCtx,
		cancel: cancel,
		stop:   make(chan struct{}),
	}
	go s.renewLoop()

	log.Debug().Str("key", key).Msg("Lock acquired")
	return lockCtx, s.release, nil
}

type session struct {
	client redis.UniversalClient
	key    string
	token  string
	ttl    time.Duration
	ctx    context.Context
	cancel context.CancelCauseFunc
	stop   chan struct{}
	once   sync.Once
}

func (s *session) release() {
	s.once.Do(func() {
		close(s.stop)
		s.cancel(context.Canceled)

		ctx, cancel := context.WithTimeout(context.Background(), scriptTimeout)
		defer cancel()
		if err := releaseScript.Run(ctx, s.client, []string{s.key}, s.token).Err(); err != nil && !errors.Is(err, redis.Nil) {
			log.Warn().Err(err).Str("key", s.key).Msg("Lock release failed")
			return
		}
		log.Debug().Str("key", s.key).Msg("Lock released")
	})
}

func (s *session) renewLoop() {
	interval := max(s.ttl/renewalFraction, minRenewalInterval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if err := s.renew(); err != nil {
				log.Warn().Err(err).Str("key", s.key).Msg("Lock renewal failed")
				s.cancel(fmt.Errorf("%w: %v", ErrLockLost, err))
				return
			}
		}
	}
}

func (s *session) renew() error {
	ctx, cancel := context.WithTimeout(context.Background(), scriptTimeout)
	defer cancel()

	res, err := renewScript.Run(ctx, s.client, []string{s.key}, s.token, s.ttl.Milliseconds()).Int64()
	if err != nil {
		return err
	}
	if res == 0 {
		return errors.New("key no longer held")
	}
	return nil
}

package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/kursadbilgin/batch-relay/internal/ratelimit"
	goredis "github.com/redis/go-redis/v9"
)

const (
	defaultLimitPerSec = 5
	defaultKeyPrefix   = "batch_relay:ratelimit:"
	defaultMaxWait     = 30 * time.Second
	minSleep           = 10 * time.Millisecond
	window             = time.Second
)

// allowScript counts a call in the current window; KEYS[1] expires with the window.
var allowScript = goredis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
if current > tonumber(ARGV[1]) then
  return 0
end
return 1
`)

var _ ratelimit.RateLimiter = (*RedisRateLimiter)(nil)

type RateLimiterConfig struct {
	LimitPerSec int
	KeyPrefix   string
	// MaxWait bounds a single Wait call.
	MaxWait time.Duration
}

// RedisRateLimiter is a fixed one-second window shared by every stage process
// pointing at the same Redis.
type RedisRateLimiter struct {
	client *goredis.Client
	cfg    RateLimiterConfig
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
}

func NewRedisRateLimiter(client *goredis.Client, cfg RateLimiterConfig) (*RedisRateLimiter, error) {
	return newRedisRateLimiter(client, cfg, time.Now, sleepWithContext)
}

func newRedisRateLimiter(
	client *goredis.Client,
	cfg RateLimiterConfig,
	nowFn func() time.Time,
	sleepFn func(ctx context.Context, d time.Duration) error,
) (*RedisRateLimiter, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if cfg.LimitPerSec <= 0 {
		cfg.LimitPerSec = defaultLimitPerSec
	}
	if strings.TrimSpace(cfg.KeyPrefix) == "" {
		cfg.KeyPrefix = defaultKeyPrefix
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = defaultMaxWait
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	if sleepFn == nil {
		sleepFn = sleepWithContext
	}

	return &RedisRateLimiter{
		client: client,
		cfg:    cfg,
		now:    nowFn,
		sleep:  sleepFn,
	}, nil
}

func (r *RedisRateLimiter) Allow(ctx context.Context, resource string) (bool, error) {
	if r == nil || r.client == nil {
		return false, fmt.Errorf("rate limiter is not initialized")
	}

	resource = strings.ToLower(strings.TrimSpace(resource))
	if resource == "" {
		return false, fmt.Errorf("resource is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	key := fmt.Sprintf("%s%s:%d", r.cfg.KeyPrefix, resource, r.now().UTC().Unix())
	allowed, err := allowScript.Run(ctx, r.client, []string{key}, r.cfg.LimitPerSec, window.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("failed to evaluate rate limit: %w", err)
	}
	return allowed == 1, nil
}

// Wait blocks until resource has budget in the current window, sleeping to the next
// window boundary between attempts. It gives up with ratelimit.ErrWaitExceeded after MaxWait.
func (r *RedisRateLimiter) Wait(ctx context.Context, resource string) error {
	if ctx == nil {
		ctx = context.Background()
	}

	deadline := r.now().Add(r.cfg.MaxWait)
	for {
		allowed, err := r.Allow(ctx, resource)
		if err != nil {
			return err
		}
		if allowed {
			return nil
		}

		now := r.now()
		if !now.Before(deadline) {
			return fmt.Errorf("%w: %s after %s", ratelimit.ErrWaitExceeded, resource, r.cfg.MaxWait)
		}
		if err := r.sleep(ctx, untilNextWindow(now)); err != nil {
			return err
		}
	}
}

func untilNextWindow(now time.Time) time.Duration {
	d := now.Truncate(window).Add(window).Sub(now)
	if d < minSleep {
		return minSleep
	}
	return d
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

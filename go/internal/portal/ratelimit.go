package portal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
)

//go:generate mockgen -source=ratelimit.go -destination=./limiter_mock.go -package=portal

// AttemptLimiter bounds how many wrong flags a team may submit for one
// challenge within a window. Once the budget is spent every submission for
// that challenge is refused until the window rolls over, right or wrong.
type AttemptLimiter interface {
	Blocked(ctx context.Context, teamID string, challengeID int) (bool, error)
	RecordFailure(ctx context.Context, teamID string, challengeID int) error
}

var (
	ErrNoRedisURL       = errors.New("ratelimit: no redis URL defined")
	ErrBadRedisURL      = errors.New("ratelimit: redis URL is invalid")
	ErrBadLimiterConfig = errors.New("ratelimit: invalid limiter config")
)

type LimiterConfig struct {
	MaxAttempts int
	Window      time.Duration
}

func DefaultLimiterConfig() LimiterConfig {
	return LimiterConfig{
		MaxAttempts: 10,
		Window:      time.Minute,
	}
}

// Validate rejects a config that cannot count anything.
func (c LimiterConfig) Validate() error {
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("%w: max attempts must be positive, got %d", ErrBadLimiterConfig, c.MaxAttempts)
	}
	if c.Window <= 0 {
		return fmt.Errorf("%w: window must be positive, got %s", ErrBadLimiterConfig, c.Window)
	}
	return nil
}

func (c LimiterConfig) windowIndex(now time.Time) int64 {
	return now.UnixNano() / int64(c.Window)
}

// MemoryLimiter keeps fixed-window counters in process.
type MemoryLimiter struct {
	cfg   LimiterConfig
	clock clockwork.Clock

	mu      sync.Mutex
	windows map[string]memoryWindow
}

type memoryWindow struct {
	index int64
	count int
}

func NewMemoryLimiter(cfg LimiterConfig, clock clockwork.Clock) (*MemoryLimiter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &MemoryLimiter{
		cfg:     cfg,
		clock:   clock,
		windows: make(map[string]memoryWindow),
	}, nil
}

func (l *MemoryLimiter) Blocked(_ context.Context, teamID string, challengeID int) (bool, error) {
	key := fmt.Sprintf("%s:%d", teamID, challengeID)
	idx := l.cfg.windowIndex(l.clock.Now())

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[key]
	if !ok || w.index != idx {
		return false, nil
	}
	return w.count >= l.cfg.MaxAttempts, nil
}

func (l *MemoryLimiter) RecordFailure(_ context.Context, teamID string, challengeID int) error {
	key := fmt.Sprintf("%s:%d", teamID, challengeID)
	idx := l.cfg.windowIndex(l.clock.Now())

	l.mu.Lock()
	defer l.mu.Unlock()

	w := l.windows[key]
	if w.index != idx {
		w = memoryWindow{index: idx}
	}
	w.count++
	l.windows[key] = w
	return nil
}

// RedisLimiter shares fixed-window counters between portal replicas.
type RedisLimiter struct {
	rdb   *redis.Client
	cfg   LimiterConfig
	clock clockwork.Clock
}

// NewRedisLimiter connects to url and verifies the server answers.
func NewRedisLimiter(ctx context.Context, url string, cfg LimiterConfig) (*RedisLimiter, error) {
	if url == "" {
		return nil, ErrNoRedisURL
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadRedisURL, err)
	}

	rdb := redis.NewClient(opts)
	if _, err := rdb.Ping(ctx).Result(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("can't ping redis instance: %w", err)
	}

	return &RedisLimiter{
		rdb:   rdb,
		cfg:   cfg,
		clock: clockwork.NewRealClock(),
	}, nil
}

func (l *RedisLimiter) key(teamID string, challengeID int) string {
	return fmt.Sprintf("ctf:failures:%s:%d:%d", teamID, challengeID, l.cfg.windowIndex(l.clock.Now()))
}

func (l *RedisLimiter) Blocked(ctx context.Context, teamID string, challengeID int) (bool, error) {
	count, err := l.rdb.Get(ctx, l.key(teamID, challengeID)).Int()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read attempt count: %w", err)
	}
	return count >= l.cfg.MaxAttempts, nil
}

func (l *RedisLimiter) RecordFailure(ctx context.Context, teamID string, challengeID int) error {
	key := l.key(teamID, challengeID)

	pipe := l.rdb.TxPipeline()
	pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, l.cfg.Window)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to count attempt: %w", err)
	}
	return nil
}

func (l *RedisLimiter) Close() error {
	return l.rdb.Close()
}

// Package ratelimit spreads page fetches against a vendor host across every
// worker process with a Redis fixed-window budget. Operator-triggered scrapes
// draw from a reserved pool so scheduled crawls cannot starve them.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/seed-scraper/internal/types"
)

// Default budget values
const (
	DefaultRequestsPerWindow = 4
	DefaultReserved          = 2
	DefaultWindow            = time.Second
	DefaultPrefix            = "fetch"
)

// Priority selects the budget pool a fetch draws from
type Priority int

const (
	// PriorityHigh uses the reserved pool
	PriorityHigh Priority = iota
	// PriorityLow uses the shared pool
	PriorityLow
)

// String returns a string representation of the priority level
func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// PriorityFor maps a job mode to its fetch priority
func PriorityFor(mode types.JobMode) Priority {
	switch mode {
	case types.ModeManual, types.ModeTest:
		return PriorityHigh
	default:
		return PriorityLow
	}
}

type priorityKey struct{}

// WithPriority stores the fetch priority on ctx
func WithPriority(ctx context.Context, p Priority) context.Context {
	return context.WithValue(ctx, priorityKey{}, p)
}

// PriorityFromContext returns the fetch priority of ctx, PriorityLow when unset
func PriorityFromContext(ctx context.Context) Priority {
	if p, ok := ctx.Value(priorityKey{}).(Priority); ok {
		return p
	}
	return PriorityLow
}

// Config configures a HostBudget
type Config struct {
	Redis             redis.Cmdable
	RequestsPerWindow int
	Reserved          int // part of RequestsPerWindow only high priority fetches may use
	Window            time.Duration
	Prefix            string
}

// Validate checks the configuration
func (c *Config) Validate() error {
	if c.Redis == nil {
		return errors.New("redis client is required")
	}
	if c.RequestsPerWindow < 0 || c.Reserved < 0 {
		return errors.New("budgets cannot be negative")
	}
	total := c.RequestsPerWindow
	if total == 0 {
		total = DefaultRequestsPerWindow
	}
	if c.Reserved > total {
		return fmt.Errorf("reserved budget (%d) cannot exceed total budget (%d)", c.Reserved, total)
	}
	return nil
}

// Usage is the consumption of one host in the current window
type Usage struct {
	Host        string    `json:"host"`
	TotalUsed   int       `json:"totalUsed"`
	SharedUsed  int       `json:"sharedUsed"`
	Total       int       `json:"total"`
	Reserved    int       `json:"reserved"`
	WindowStart time.Time `json:"windowStart"`
}

// HostBudget limits fetches per vendor host per window
type HostBudget struct {
	redis    redis.Cmdable
	total    int
	reserved int
	window   time.Duration
	keyTTL   time.Duration
	prefix   string
	now      func() time.Time
}

// A high priority fetch only needs room in the total; a low priority fetch
// also needs room in the shared part (total minus reserved).
var consumeScript = redis.NewScript(`
local totalUsed = tonumber(redis.call('GET', KEYS[1]) or '0')
local sharedUsed = tonumber(redis.call('GET', KEYS[2]) or '0')
local total = tonumber(ARGV[1])
local shared = tonumber(ARGV[2])
local high = ARGV[3] == '1'
local ttl = tonumber(ARGV[4])

if totalUsed + 1 > total then
	return {0, totalUsed, sharedUsed}
end
if not high and sharedUsed + 1 > shared then
	return {0, totalUsed, sharedUsed}
end

redis.call('INCR', KEYS[1])
redis.call('PEXPIRE', KEYS[1], ttl)
if not high then
	redis.call('INCR', KEYS[2])
	redis.call('PEXPIRE', KEYS[2], ttl)
	sharedUsed = sharedUsed + 1
end
return {1, totalUsed + 1, sharedUsed}
`)

// NewHostBudget creates a host budget
func NewHostBudget(cfg Config) (*HostBudget, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	b := &HostBudget{
		redis:    cfg.Redis,
		total:    cfg.RequestsPerWindow,
		reserved: cfg.Reserved,
		window:   cfg.Window,
		prefix:   cfg.Prefix,
		now:      time.Now,
	}
	if b.total == 0 {
		b.total = DefaultRequestsPerWindow
		if cfg.Reserved == 0 {
			b.reserved = DefaultReserved
		}
	}
	if b.window <= 0 {
		b.window = DefaultWindow
	}
	if b.prefix == "" {
		b.prefix = DefaultPrefix
	}
	b.keyTTL = 2 * b.window
	return b, nil
}

func (b *HostBudget) keys(host string, windowStart time.Time) (totalKey, sharedKey string) {
	ts := strconv.FormatInt(windowStart.UnixMilli(), 10)
	return b.prefix + ":total:" + host + ":" + ts, b.prefix + ":shared:" + host + ":" + ts
}

// TryConsume takes one fetch from the host's budget. When the budget is used
// up it returns false and the time until the next window.
func (b *HostBudget) TryConsume(ctx context.Context, host string, priority Priority) (bool, time.Duration, error) {
	now := b.now()
	windowStart := now.Truncate(b.window)
	totalKey, sharedKey := b.keys(host, windowStart)

	high := "0"
	if priority == PriorityHigh {
		high = "1"
	}

	res, err := consumeScript.Run(ctx, b.redis, []string{totalKey, sharedKey},
		b.total, b.total-b.reserved, high, b.keyTTL.Milliseconds()).Int64Slice()
	if err != nil {
		return false, 0, fmt.Errorf("consume fetch budget for %s: %w", host, err)
	}
	if res[0] == 1 {
		return true, 0, nil
	}
	return false, windowStart.Add(b.window).Sub(now) + time.Millisecond, nil
}

// Wait blocks until a fetch against host is allowed at the priority carried by ctx
func (b *HostBudget) Wait(ctx context.Context, host string) error {
	priority := PriorityFromContext(ctx)
	for {
		ok, wait, err := b.TryConsume(ctx, host, priority)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Usage returns the host's consumption in the current window
func (b *HostBudget) Usage(ctx context.Context, host string) (*Usage, error) {
	windowStart := b.now().Truncate(b.window)
	totalKey, sharedKey := b.keys(host, windowStart)

	pipe := b.redis.Pipeline()
	totalCmd := pipe.Get(ctx, totalKey)
	sharedCmd := pipe.Get(ctx, sharedKey)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("read fetch budget for %s: %w", host, err)
	}

	return &Usage{
		Host:        host,
		TotalUsed:   intOrZero(totalCmd),
		SharedUsed:  intOrZero(sharedCmd),
		Total:       b.total,
		Reserved:    b.reserved,
		WindowStart: windowStart,
	}, nil
}

func intOrZero(cmd *redis.StringCmd) int {
	v, err := cmd.Int()
	if err != nil {
		return 0
	}
	return v
}

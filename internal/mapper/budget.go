package mapper

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ErrBudgetExceeded is returned when a classifier call would push the daily
// spend past the hard limit.
var ErrBudgetExceeded = errors.New("classifier budget exceeded")

const budgetKeyTTL = 48 * time.Hour

// BudgetLimits are daily spend thresholds in USD.
type BudgetLimits struct {
	Warn float64 // logged once crossed
	Hard float64 // calls refused at or above
}

// DefaultBudgetLimits returns $20 warn / $50 hard.
func DefaultBudgetLimits() BudgetLimits {
	return BudgetLimits{Warn: 20, Hard: 50}
}

// BudgetStatus is a point-in-time view of today's spend.
type BudgetStatus struct {
	Date      string  `json:"date"`
	SpentUSD  float64 `json:"spent_usd"`
	WarnUSD   float64 `json:"warn_usd"`
	HardUSD   float64 `json:"hard_usd"`
	Warning   bool    `json:"warning"`
	Blocked   bool    `json:"blocked"`
	Remaining float64 `json:"remaining_usd"`
}

// Budget tracks fallback-classifier spend. Allow must return promptly and
// never wait for budget to free up.
type Budget interface {
	// Allow returns ErrBudgetExceeded if spending estimate now would reach
	// the hard limit.
	Allow(ctx context.Context, estimate float64) error
	// Record adds actual spend.
	Record(ctx context.Context, cost float64) error
	Status(ctx context.Context) (BudgetStatus, error)
}

func budgetDate(now time.Time) string {
	return now.UTC().Format("2006-01-02")
}

// overLimit reports whether a call costing estimate must be refused. Spend
// already at the hard limit refuses even zero-cost estimates.
func overLimit(spent, estimate float64, limits BudgetLimits) bool {
	return spent >= limits.Hard || spent+estimate > limits.Hard
}

func statusFor(date string, spent float64, limits BudgetLimits) BudgetStatus {
	remaining := limits.Hard - spent
	if remaining < 0 {
		remaining = 0
	}
	return BudgetStatus{
		Date:      date,
		SpentUSD:  spent,
		WarnUSD:   limits.Warn,
		HardUSD:   limits.Hard,
		Warning:   spent >= limits.Warn,
		Blocked:   spent >= limits.Hard,
		Remaining: remaining,
	}
}

// RedisBudget keeps the daily spend under llm_budget:daily:YYYY-MM-DD so
// that every worker shares one counter.
type RedisBudget struct {
	client redis.UniversalClient
	limits BudgetLimits
	now    func() time.Time
	logger *zap.Logger
}

// NewRedisBudget creates a Redis-backed budget.
func NewRedisBudget(client redis.UniversalClient, limits BudgetLimits, logger *zap.Logger) *RedisBudget {
	return &RedisBudget{
		client: client,
		limits: limits,
		now:    time.Now,
		logger: logger,
	}
}

func (b *RedisBudget) key() string {
	return "llm_budget:daily:" + budgetDate(b.now())
}

func (b *RedisBudget) spent(ctx context.Context) (float64, error) {
	v, err := b.client.Get(ctx, b.key()).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseFloat(v, 64)
}

// Allow refuses when the counter cannot be read.
func (b *RedisBudget) Allow(ctx context.Context, estimate float64) error {
	spent, err := b.spent(ctx)
	if err != nil {
		return fmt.Errorf("RedisBudget.Allow: %w", err)
	}
	if overLimit(spent, estimate, b.limits) {
		return ErrBudgetExceeded
	}
	return nil
}

// Record increments the daily counter and refreshes its TTL.
func (b *RedisBudget) Record(ctx context.Context, cost float64) error {
	key := b.key()
	total, err := b.client.IncrByFloat(ctx, key, cost).Result()
	if err != nil {
		return fmt.Errorf("RedisBudget.Record: %w", err)
	}
	if err := b.client.Expire(ctx, key, budgetKeyTTL).Err(); err != nil {
		return fmt.Errorf("RedisBudget.Record expire: %w", err)
	}
	if total >= b.limits.Warn && total-cost < b.limits.Warn {
		b.logger.Warn("classifier spend crossed warning threshold",
			zap.Float64("spent_usd", total),
			zap.Float64("warn_usd", b.limits.Warn),
			zap.Float64("hard_usd", b.limits.Hard),
		)
	}
	return nil
}

// Status reads today's counter.
func (b *RedisBudget) Status(ctx context.Context) (BudgetStatus, error) {
	spent, err := b.spent(ctx)
	if err != nil {
		return BudgetStatus{}, fmt.Errorf("RedisBudget.Status: %w", err)
	}
	return statusFor(budgetDate(b.now()), spent, b.limits), nil
}

// MemoryBudget is a process-local Budget for single-worker deployments and
// tests. The counter resets when the UTC date changes.
type MemoryBudget struct {
	mu     sync.Mutex
	date   string
	spent  float64
	limits BudgetLimits
	now    func() time.Time
	logger *zap.Logger
}

// NewMemoryBudget creates an in-process budget.
func NewMemoryBudget(limits BudgetLimits, logger *zap.Logger) *MemoryBudget {
	return &MemoryBudget{limits: limits, now: time.Now, logger: logger}
}

func (b *MemoryBudget) rollLocked() {
	if d := budgetDate(b.now()); d != b.date {
		b.date = d
		b.spent = 0
	}
}

func (b *MemoryBudget) Allow(_ context.Context, estimate float64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rollLocked()
	if overLimit(b.spent, estimate, b.limits) {
		return ErrBudgetExceeded
	}
	return nil
}

func (b *MemoryBudget) Record(_ context.Context, cost float64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rollLocked()
	before := b.spent
	b.spent += cost
	if b.spent >= b.limits.Warn && before < b.limits.Warn {
		b.logger.Warn("classifier spend crossed warning threshold",
			zap.Float64("spent_usd", b.spent),
			zap.Float64("warn_usd", b.limits.Warn),
		)
	}
	return nil
}

func (b *MemoryBudget) Status(_ context.Context) (BudgetStatus, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rollLocked()
	return statusFor(b.date, b.spent, b.limits), nil
}

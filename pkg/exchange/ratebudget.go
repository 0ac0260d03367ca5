package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Tuning bounds and EWMA behaviour for the adaptive budget.
const (
	ewmaAlpha        = 0.2
	tuneUpSuccess    = 0.95
	tuneDownSuccess  = 0.80
	tuneUpLatencyMs  = 500
	tuneDownLatency  = 2000 // ms
	weightWindowSpan = time.Minute
)

type consumed struct {
	at     time.Time
	weight int
}

// RateBudget enforces two independent outbound budgets shared by all callers:
// a rolling per-minute weight budget and a per-second request budget. Both
// capacities are re-tuned from observed latency and success rate, bounded by
// [configured/4, configured].
type RateBudget struct {
	// acquireMu serializes acquirers in arrival order so a stream of
	// equal-priority callers cannot starve an earlier one.
	acquireMu sync.Mutex

	mu        sync.Mutex
	window    []consumed
	weightCap int
	reqCap    int

	weightMin, weightMax int
	reqMin, reqMax       int

	reqs *rate.Limiter

	latencyEWMA float64 // milliseconds
	successEWMA float64

	log   *zap.Logger
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewRateBudget builds a budget from hard capacities. Zero or negative
// capacity is a configuration error, not an invitation to block forever.
func NewRateBudget(weightPerMinute, requestsPerSecond int, log *zap.Logger) (*RateBudget, error) {
	if weightPerMinute <= 0 || requestsPerSecond <= 0 {
		return nil, fmt.Errorf("rate budget: capacities must be positive (weight=%d, requests=%d)",
			weightPerMinute, requestsPerSecond)
	}
	b := &RateBudget{
		weightCap: weightPerMinute,
		reqCap:    requestsPerSecond,
		weightMin: max(1, weightPerMinute/4),
		weightMax: weightPerMinute,
		reqMin:    max(1, requestsPerSecond/4),
		reqMax:    requestsPerSecond,
		reqs:      rate.NewLimiter(rate.Limit(requestsPerSecond), requestsPerSecond),
		// Optimistic start; the first observations take over quickly.
		successEWMA: 1.0,
		log:         log,
		now:         time.Now,
		sleep:       sleepCtx,
	}
	return b, nil
}

// Acquire blocks until both budgets admit the requested weight, then reserves
// it. The wait is FIFO-fair across callers and bounded by ctx.
func (b *RateBudget) Acquire(ctx context.Context, weight int) error {
	if weight <= 0 {
		weight = 1
	}
	b.acquireMu.Lock()
	defer b.acquireMu.Unlock()

	if err := b.reqs.Wait(ctx); err != nil {
		return err
	}

	for {
		b.mu.Lock()
		if weight > b.weightMax {
			b.mu.Unlock()
			return fmt.Errorf("rate budget: weight %d exceeds window capacity %d", weight, b.weightMax)
		}
		now := b.now()
		b.prune(now)
		used := b.used()
		if used+weight <= b.weightCap {
			b.window = append(b.window, consumed{at: now, weight: weight})
			b.mu.Unlock()
			return nil
		}
		// Wait for the oldest consumption to roll out of the window.
		wait := weightWindowSpan
		if len(b.window) > 0 {
			wait = b.window[0].at.Add(weightWindowSpan).Sub(now)
		}
		b.mu.Unlock()
		if wait <= 0 {
			wait = 10 * time.Millisecond
		}
		if err := b.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// Observe folds one call's end-to-end latency and outcome into the moving
// targets and re-tunes both capacities within their bounds.
func (b *RateBudget) Observe(latency time.Duration, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	outcome := 0.0
	if ok {
		outcome = 1.0
	}
	b.successEWMA = (1-ewmaAlpha)*b.successEWMA + ewmaAlpha*outcome
	b.latencyEWMA = (1-ewmaAlpha)*b.latencyEWMA + ewmaAlpha*float64(latency.Milliseconds())

	prevW, prevR := b.weightCap, b.reqCap
	switch {
	case b.successEWMA < tuneDownSuccess || b.latencyEWMA > tuneDownLatency:
		b.weightCap = max(b.weightMin, b.weightCap*4/5)
		b.reqCap = max(b.reqMin, b.reqCap*4/5)
	case b.successEWMA > tuneUpSuccess && b.latencyEWMA < tuneUpLatencyMs:
		b.weightCap = min(b.weightMax, b.weightCap+max(1, b.weightMax/20))
		b.reqCap = min(b.reqMax, b.reqCap+1)
	}
	if b.reqCap != prevR {
		b.reqs.SetLimit(rate.Limit(b.reqCap))
		b.reqs.SetBurst(b.reqCap)
	}
	if (b.weightCap != prevW || b.reqCap != prevR) && b.log != nil {
		b.log.Debug("rate budget retuned",
			zap.Int("weight_cap", b.weightCap),
			zap.Int("request_cap", b.reqCap),
			zap.Float64("success_ewma", b.successEWMA),
			zap.Float64("latency_ewma_ms", b.latencyEWMA))
	}
}

// Usage reports consumed weight in the current window and the tuned caps.
func (b *RateBudget) Usage() (usedWeight, weightCap, requestCap int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prune(b.now())
	return b.used(), b.weightCap, b.reqCap
}

func (b *RateBudget) used() int {
	total := 0
	for _, c := range b.window {
		total += c.weight
	}
	return total
}

// prune drops consumption older than the rolling window. Callers hold b.mu.
func (b *RateBudget) prune(now time.Time) {
	cutoff := now.Add(-weightWindowSpan)
	i := 0
	for i < len(b.window) && !b.window[i].at.After(cutoff) {
		i++
	}
	if i > 0 {
		b.window = append(b.window[:0], b.window[i:]...)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

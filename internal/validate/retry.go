package validate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bryanchriswhite/kgcapture/internal/config"
	"github.com/bryanchriswhite/kgcapture/internal/frame"
)

// ErrNoCapture is returned when the capture func yields neither a buffer nor an error
var ErrNoCapture = errors.New("validate: capture returned no buffer")

// Disposition is what the region does this tick
type Disposition int

const (
	// Accepted carries a buffer that passed validation
	Accepted Disposition = iota
	// Skipped leaves the previous content in place
	Skipped
	// Stale carries the last captured buffer even though it was rejected
	Stale
)

func (d Disposition) String() string {
	switch d {
	case Accepted:
		return "accepted"
	case Skipped:
		return "skipped"
	case Stale:
		return "stale"
	default:
		return fmt.Sprintf("disposition(%d)", int(d))
	}
}

// Result is the outcome of one bounded retry run.
// Buffer is set for Accepted and Stale, nil for Skipped.
type Result struct {
	Disposition Disposition
	Buffer      *frame.Buffer
	Attempts    int
	Rejections  int
	LastReason  string
}

// Policy bounds the capture/validate loop
type Policy struct {
	MaxAttempts int
	Exhaustion  config.ExhaustionPolicy
	RetryYield  time.Duration
	SingleShot  bool
}

// PolicyFromConfig converts the validation config section
func PolicyFromConfig(c config.ValidationConfig) Policy {
	return Policy{
		MaxAttempts: c.MaxAttempts,
		Exhaustion:  c.Exhaustion,
		RetryYield:  c.RetryYield,
		SingleShot:  c.SingleShot,
	}
}

// Attempts returns the effective attempt bound
func (p Policy) Attempts() int {
	if p.SingleShot || p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// CaptureFunc produces one fresh capture
type CaptureFunc func() (*frame.Buffer, error)

// Retrier runs capture/validate until acceptance or the attempt bound
type Retrier struct {
	mu     sync.RWMutex
	policy Policy
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewRetrier creates a retrier with the given policy
func NewRetrier(p Policy) *Retrier {
	return &Retrier{
		policy: p,
		sleep:  yield,
	}
}

// Policy returns the current policy
func (r *Retrier) Policy() Policy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.policy
}

// SetPolicy swaps the policy; runs already in progress keep the old one
func (r *Retrier) SetPolicy(p Policy) {
	r.mu.Lock()
	r.policy = p
	r.mu.Unlock()
}

// Attempt describes one validated capture
type Attempt struct {
	N       int
	Outcome Outcome
	// Last is set when no further attempt follows a rejection
	Last bool
}

// Observer is called after every validated attempt
type Observer func(Attempt)

// Run captures until a frame validates or the attempts are exhausted.
// A capture error aborts the run and is returned as is.
func (r *Retrier) Run(ctx context.Context, capture CaptureFunc) (Result, error) {
	return r.RunObserved(ctx, capture, nil)
}

// RunObserved is Run with a per-attempt observer; obs may be nil
func (r *Retrier) RunObserved(ctx context.Context, capture CaptureFunc, obs Observer) (Result, error) {
	p := r.Policy()
	limit := p.Attempts()

	var res Result
	var last *frame.Buffer
	for attempt := 1; attempt <= limit; attempt++ {
		if attempt > 1 && p.RetryYield > 0 {
			if err := r.sleep(ctx, p.RetryYield); err != nil {
				return res, err
			}
		} else if err := ctx.Err(); err != nil {
			return res, err
		}

		buf, err := capture()
		res.Attempts = attempt
		if err != nil {
			return res, err
		}
		if buf == nil {
			return res, ErrNoCapture
		}
		last = buf

		outcome := Validate(buf)
		if obs != nil {
			obs(Attempt{N: attempt, Outcome: outcome, Last: !outcome.Accepted() && attempt == limit})
		}
		if outcome.Accepted() {
			res.Disposition = Accepted
			res.Buffer = outcome.Buffer()
			return res, nil
		}
		res.Rejections++
		res.LastReason = outcome.Reason()
	}

	if !p.SingleShot && p.Exhaustion == config.ExhaustionAcceptStale && last != nil && last.Validate() == nil {
		res.Disposition = Stale
		res.Buffer = last
		return res, nil
	}
	res.Disposition = Skipped
	return res, nil
}

func yield(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

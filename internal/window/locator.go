package window

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bryanchriswhite/kgcapture/internal/frame"
	"github.com/bryanchriswhite/kgcapture/internal/logger"
)

// Backoff bounds LocateWithRetry
type Backoff struct {
	Initial     time.Duration
	Max         time.Duration
	MaxAttempts int
}

// Delay returns the wait before retry number attempt (1-based), doubling up to Max
func (b Backoff) Delay(attempt int) time.Duration {
	d := b.Initial
	if d <= 0 {
		d = 100 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		d *= 2
		if b.Max > 0 && d >= b.Max {
			return b.Max
		}
	}
	if b.Max > 0 && d > b.Max {
		return b.Max
	}
	return d
}

// Locator finds target windows by title substring
type Locator struct {
	backend Backend
	backoff Backoff
	sleep   func(ctx context.Context, d time.Duration) error
}

// NewLocator creates a locator over the given backend
func NewLocator(backend Backend, backoff Backoff) *Locator {
	return &Locator{
		backend: backend,
		backoff: backoff,
		sleep:   sleepCtx,
	}
}

// Backend returns the underlying discovery backend
func (l *Locator) Backend() Backend {
	return l.backend
}

// Locate returns the first window, in enumeration order, whose title contains title.
// Matching is case-sensitive.
func (l *Locator) Locate(title string) (*Handle, error) {
	if title == "" {
		return nil, fmt.Errorf("empty title substring")
	}

	windows, err := l.backend.Enumerate()
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate windows: %w", err)
	}

	for _, w := range windows {
		if strings.Contains(w.Title, title) {
			logger.WithComponent("locator").Debug().
				Str("title", w.Title).
				Str("class", w.Class).
				Uint64("id", w.ID).
				Msg("Window matched")
			return w, nil
		}
	}

	return nil, fmt.Errorf("%w: no window title contains %q", ErrNotFound, title)
}

// LocateWithRetry keeps calling Locate with exponential backoff while the
// target is missing (the application may still be starting).
func (l *Locator) LocateWithRetry(ctx context.Context, title string) (*Handle, error) {
	log := logger.WithComponent("locator")
	attempts := l.backoff.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		h, err := l.Locate(title)
		if err == nil {
			return h, nil
		}
		lastErr = err

		if attempt == attempts {
			break
		}

		delay := l.backoff.Delay(attempt)
		log.Info().
			Str("title", title).
			Int("attempt", attempt).
			Int("max_attempts", attempts).
			Dur("retry_in", delay).
			Msg("Target window not found, retrying")

		if err := l.sleep(ctx, delay); err != nil {
			return nil, err
		}
	}

	return nil, fmt.Errorf("giving up after %d attempts: %w", attempts, lastErr)
}

// ClientSize returns the window's current client size
func (l *Locator) ClientSize(h *Handle) (frame.Size, error) {
	return l.backend.ClientSize(h)
}

// List returns every window that has a title
func (l *Locator) List() ([]*Handle, error) {
	windows, err := l.backend.Enumerate()
	if err != nil {
		return nil, err
	}
	titled := make([]*Handle, 0, len(windows))
	for _, w := range windows {
		if w.Title != "" {
			titled = append(titled, w)
		}
	}
	return titled, nil
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

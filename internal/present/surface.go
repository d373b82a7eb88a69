// Package present owns the surfaces the composited back buffer is shown on.
package present

import (
	"fmt"
	"time"

	"github.com/bryanchriswhite/kgcapture/internal/config"
	"github.com/bryanchriswhite/kgcapture/internal/frame"
)

// EventKind identifies a surface event
type EventKind int

const (
	// EventClose means the user closed the surface; the process should exit cleanly
	EventClose EventKind = iota + 1
	// EventResize means the surface's client area changed size
	EventResize
)

func (k EventKind) String() string {
	switch k {
	case EventClose:
		return "close"
	case EventResize:
		return "resize"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Event is delivered by PollEvents
type Event struct {
	Kind EventKind
	Size frame.Size
}

// Surface defines the interface for presentation targets
type Surface interface {
	// Name returns a human-readable name for this surface
	Name() string

	// Start creates the surface with a client area of size
	Start(size frame.Size) error

	// Present shows the back buffer; syncInterval > 0 waits for that many refresh periods
	Present(backBuffer *frame.Buffer, syncInterval int) error

	// ResizeBuffers resizes the swap chain to size
	ResizeBuffers(size frame.Size) error

	// PollEvents returns at most max pending events without blocking
	PollEvents(max int) []Event

	// Close destroys the surface
	Close() error
}

// Chrome is the non-client area a platform window adds around its client area
type Chrome struct {
	Width  int
	Height int
}

// OuterSize returns the window size for a client area of size
func OuterSize(size frame.Size, chrome Chrome) frame.Size {
	return frame.Size{Width: size.Width + chrome.Width, Height: size.Height + chrome.Height}
}

// New creates the surface named in cfg
func New(cfg config.PresentConfig) (Surface, error) {
	switch cfg.Surface {
	case "", config.SurfaceMJPEG:
		return NewMJPEGSurface(cfg), nil
	default:
		return newPlatformSurface(cfg)
	}
}

// pacer spaces presents by whole refresh periods
type pacer struct {
	period time.Duration
	last   time.Time
	now    func() time.Time
	sleep  func(time.Duration)
}

func newPacer(refreshHz int) *pacer {
	if refreshHz <= 0 {
		refreshHz = 60
	}
	return &pacer{
		period: time.Second / time.Duration(refreshHz),
		now:    time.Now,
		sleep:  time.Sleep,
	}
}

// wait blocks until syncInterval periods have passed since the previous present
func (p *pacer) wait(syncInterval int) {
	if syncInterval > 0 && !p.last.IsZero() {
		next := p.last.Add(time.Duration(syncInterval) * p.period)
		if d := next.Sub(p.now()); d > 0 {
			p.sleep(d)
		}
	}
	p.last = p.now()
}

// Package capture renders a target window's current content into a CPU-side
// BGRA8 buffer.
//
// Native backends force the window to render its full content into an
// off-screen surface instead of reading the composed screen, which is what
// defeats layered and alpha-blended window styles. A transient white
// overlay the target paints during its own repaint is not prevented here;
// the validate package detects it.
package capture

import (
	"errors"
	"fmt"

	"github.com/bryanchriswhite/kgcapture/internal/frame"
	"github.com/bryanchriswhite/kgcapture/internal/window"
)

// ErrDevice marks an OS capture failure (device context, bitmap or readback).
// It is a per-tick condition.
var ErrDevice = errors.New("capture: device error")

// ErrNotViewable marks a target that is unmapped or minimized. It comes wrapped
// in a DeviceError, and the router never answers it with a screen capture.
var ErrNotViewable = errors.New("capture: window not viewable")

// DeviceError describes which OS call failed
type DeviceError struct {
	Op  string
	Err error
}

func (e *DeviceError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("capture: %s failed", e.Op)
	}
	return fmt.Sprintf("capture: %s failed: %v", e.Op, e.Err)
}

// Unwrap exposes both ErrDevice and the OS error to errors.Is
func (e *DeviceError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrDevice}
	}
	return []error{ErrDevice, e.Err}
}

func deviceErr(op string, err error) error {
	return &DeviceError{Op: op, Err: err}
}

// Capturer defines the interface for window capture backends
type Capturer interface {
	// Start initializes the capturer and any required resources
	Start() error

	// Stop releases resources
	Stop() error

	// Capture renders the window into a buffer of exactly size.
	// Returns window.ErrWindowGone when the handle is stale.
	Capture(h *window.Handle, size frame.Size) (*frame.Buffer, error)

	// Name returns a human-readable name for this capturer
	Name() string

	// CanCapture checks if this capturer can capture the given window
	CanCapture(h *window.Handle) bool
}

// scope releases acquired OS resources in reverse order on Close
type scope struct {
	releases []func()
}

// add registers a release func; nil is ignored
func (s *scope) add(release func()) {
	if release != nil {
		s.releases = append(s.releases, release)
	}
}

// Close runs every release func, last acquired first
func (s *scope) Close() {
	for i := len(s.releases) - 1; i >= 0; i-- {
		s.releases[i]()
	}
	s.releases = nil
}

package capture

import (
	"fmt"
	"image"

	"github.com/bryanchriswhite/kgcapture/internal/frame"
	"github.com/bryanchriswhite/kgcapture/internal/logger"
	"github.com/bryanchriswhite/kgcapture/internal/window"
	"github.com/kbinani/screenshot"
)

// RectFunc resolves a window's client area in screen coordinates
type RectFunc func(h *window.Handle, size frame.Size) (image.Rectangle, error)

// ScreenCapturer reads the composed screen under the window's client area.
// Unlike the native capturers it sees whatever is on top of the target.
type ScreenCapturer struct {
	rect RectFunc
	grab func(image.Rectangle) (*image.RGBA, error)
}

// NewScreenCapturer creates a screen capturer that positions itself with rect
func NewScreenCapturer(rect RectFunc) *ScreenCapturer {
	return &ScreenCapturer{
		rect: rect,
		grab: screenshot.CaptureRect,
	}
}

// Start checks that at least one display is active
func (c *ScreenCapturer) Start() error {
	if n := screenshot.NumActiveDisplays(); n == 0 {
		return fmt.Errorf("no active displays")
	}
	return nil
}

// Stop is a no-op
func (c *ScreenCapturer) Stop() error { return nil }

// Name returns the capturer name
func (c *ScreenCapturer) Name() string { return "Screen" }

// CanCapture accepts any handle it can position
func (c *ScreenCapturer) CanCapture(h *window.Handle) bool {
	return h != nil && c.rect != nil
}

// Capture grabs the screen rectangle covering the window's client area
func (c *ScreenCapturer) Capture(h *window.Handle, size frame.Size) (*frame.Buffer, error) {
	if !c.CanCapture(h) {
		return nil, fmt.Errorf("screen capturer cannot capture %s", h)
	}
	if size.Empty() {
		return nil, deviceErr("size", fmt.Errorf("empty capture size %s", size))
	}

	r, err := c.rect(h, size)
	if err != nil {
		return nil, err
	}

	img, err := c.grab(r)
	if err != nil {
		return nil, deviceErr("CaptureRect", err)
	}
	if img.Bounds().Dx() != size.Width || img.Bounds().Dy() != size.Height {
		return nil, deviceErr("CaptureRect", fmt.Errorf("got %dx%d, want %s", img.Bounds().Dx(), img.Bounds().Dy(), size))
	}

	logger.WithComponent("screen-capturer").Trace().
		Str("window", h.String()).
		Str("rect", r.String()).
		Msg("Captured screen region")
	return frame.FromRGBA(img, true), nil
}

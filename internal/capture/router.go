package capture

import (
	"errors"
	"fmt"
	"image"
	"sync"

	"github.com/bryanchriswhite/kgcapture/internal/config"
	"github.com/bryanchriswhite/kgcapture/internal/frame"
	"github.com/bryanchriswhite/kgcapture/internal/logger"
	"github.com/bryanchriswhite/kgcapture/internal/window"
)

// nativeCapturer is a platform capturer that can also position the window on screen
type nativeCapturer interface {
	Capturer
	ScreenRect(h *window.Handle, size frame.Size) (image.Rectangle, error)
}

// Router routes capture requests to the appropriate capturer
type Router struct {
	method    config.CaptureMethod
	newNative func() (nativeCapturer, error)
	newScreen func(RectFunc) Capturer

	native  Capturer
	screen  Capturer
	mu      sync.RWMutex
	started bool
}

// NewRouter creates a new capture router for the given method
func NewRouter(method config.CaptureMethod) *Router {
	return &Router{
		method:    method,
		newNative: newNativeCapturer,
		newScreen: func(rect RectFunc) Capturer { return NewScreenCapturer(rect) },
	}
}

// Start initializes the capturers the method allows
func (r *Router) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started {
		return nil
	}

	log := logger.WithComponent("capture-router")

	var rect RectFunc
	native, err := r.newNative()
	if err != nil {
		log.Warn().Err(err).Msg("Native capturer not available")
	} else if err := native.Start(); err != nil {
		log.Warn().Err(err).Str("capturer", native.Name()).Msg("Failed to start native capturer")
	} else {
		r.native = native
		rect = native.ScreenRect
		log.Info().Str("capturer", native.Name()).Msg("Native capturer initialized")
	}

	if r.method != config.CaptureMethodNative && rect != nil {
		screen := r.newScreen(rect)
		if err := screen.Start(); err != nil {
			log.Warn().Err(err).Msg("Screen capturer not available")
		} else {
			r.screen = screen
			log.Info().Msg("Screen capturer initialized")
		}
	}

	switch {
	case r.method == config.CaptureMethodNative && r.native == nil:
		return fmt.Errorf("native capture requested but unavailable")
	case r.method == config.CaptureMethodScreen && r.screen == nil:
		return fmt.Errorf("screen capture requested but unavailable")
	case r.native == nil && r.screen == nil:
		return fmt.Errorf("no capture backends available")
	}

	r.started = true
	return nil
}

// Stop stops all capturers
func (r *Router) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.native != nil {
		r.native.Stop()
		r.native = nil
	}
	if r.screen != nil {
		r.screen.Stop()
		r.screen = nil
	}

	r.started = false
	return nil
}

// Name reports the capturer auto mode would use first
func (r *Router) Name() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if c := r.primary(); c != nil {
		return c.Name()
	}
	return "none"
}

func (r *Router) primary() Capturer {
	if r.method == config.CaptureMethodScreen {
		return r.screen
	}
	if r.native != nil {
		return r.native
	}
	return r.screen
}

// Capture captures a window using the most appropriate capturer.
// In auto mode a native device failure falls back to the screen capturer,
// except for a target that is not viewable: the screen there shows other windows.
func (r *Router) Capture(h *window.Handle, size frame.Size) (*frame.Buffer, error) {
	r.mu.RLock()
	primary := r.primary()
	screen := r.screen
	method := r.method
	r.mu.RUnlock()

	if primary == nil {
		return nil, deviceErr("route", fmt.Errorf("no capturer available for %s", h))
	}

	buf, err := primary.Capture(h, size)
	if err == nil || method != config.CaptureMethodAuto || screen == nil || primary == screen {
		return buf, err
	}
	if !errors.Is(err, ErrDevice) || errors.Is(err, ErrNotViewable) {
		return nil, err
	}

	logger.WithComponent("capture-router").Debug().
		Err(err).
		Str("window", h.String()).
		Msg("Native capture failed, falling back to screen capturer")
	return screen.Capture(h, size)
}

// CanCapture checks if any capturer can handle the window
func (r *Router) CanCapture(h *window.Handle) bool {
	r.mu.RLock()
	native := r.native
	screen := r.screen
	r.mu.RUnlock()

	if native != nil && native.CanCapture(h) {
		return true
	}
	if screen != nil && screen.CanCapture(h) {
		return true
	}
	return false
}

// HasNative returns true if native capture is available
func (r *Router) HasNative() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.native != nil
}

// HasScreen returns true if screen capture is available
func (r *Router) HasScreen() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.screen != nil
}

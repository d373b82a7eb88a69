package compositor

import (
	"errors"
	"fmt"
	"image"
	"sync"
	"sync/atomic"

	"github.com/bryanchriswhite/kgcapture/internal/frame"
	"github.com/bryanchriswhite/kgcapture/internal/gpu"
	"github.com/bryanchriswhite/kgcapture/internal/logger"
)

var (
	// ErrPresent wraps failures of the presentation surface
	ErrPresent = errors.New("compositor: present failed")

	// ErrInvalidView is returned when drawing through a view whose target was replaced
	ErrInvalidView = errors.New("compositor: render target view invalidated")

	// ErrRegionIndex is returned for a region outside the layout
	ErrRegionIndex = errors.New("compositor: region index out of range")
)

// Surface is the swap chain side of the presentation surface
type Surface interface {
	ResizeBuffers(size frame.Size) error
	Present(backBuffer *frame.Buffer, syncInterval int) error
}

// RenderTargetView binds one render target for drawing.
// It becomes invalid the moment its target is replaced.
type RenderTargetView struct {
	target     gpu.RenderTarget
	generation uint64
	valid      atomic.Bool
}

// Valid reports whether the view still refers to the live target
func (v *RenderTargetView) Valid() bool {
	return v != nil && v.valid.Load()
}

// Generation increases by one on every resize
func (v *RenderTargetView) Generation() uint64 {
	return v.generation
}

// Size returns the bound target size
func (v *RenderTargetView) Size() frame.Size {
	return v.target.Desc().Size
}

func (v *RenderTargetView) invalidate() {
	v.valid.Store(false)
}

// Region is one texture to draw at its layout entry
type Region struct {
	Index   int
	Texture gpu.Texture
}

// ComposeStats summarizes one Compose call
type ComposeStats struct {
	Copied   int  `json:"copied"`
	Clipped  int  `json:"clipped"`
	Relayout bool `json:"relayout"`
}

// RenderContext owns the back buffer, its view and the current layout.
// Compose, Resize and Present are mutually exclusive.
type RenderContext struct {
	mu         sync.Mutex
	device     gpu.Device
	surface    Surface
	layout     Layout
	target     gpu.RenderTarget
	view       *RenderTargetView
	generation uint64
	presented  uint64
}

// NewRenderContext creates the back buffer for layout; the surface is assumed to already match it
func NewRenderContext(device gpu.Device, surface Surface, layout Layout) (*RenderContext, error) {
	c := &RenderContext{
		device:  device,
		surface: surface,
		layout:  layout,
	}
	if err := c.bind(layout); err != nil {
		return nil, err
	}
	return c, nil
}

// bind replaces the target and view. The old view is invalidated before the old target is released.
func (c *RenderContext) bind(layout Layout) error {
	target, err := c.device.CreateRenderTarget(layout.TargetSize())
	if err != nil {
		return fmt.Errorf("create render target %s: %w", layout.TargetSize(), err)
	}
	if c.view != nil {
		c.view.invalidate()
	}
	if c.target != nil {
		c.target.Release()
	}

	c.generation++
	c.target = target
	c.layout = layout
	c.view = &RenderTargetView{target: target, generation: c.generation}
	c.view.valid.Store(true)
	return nil
}

// Layout returns the current layout
func (c *RenderContext) Layout() Layout {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.layout
}

// View returns the live render target view
func (c *RenderContext) View() *RenderTargetView {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.view
}

// Resize rebuilds the back buffer for layout and resizes the surface buffers
func (c *RenderContext) Resize(layout Layout) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resizeLocked(layout)
}

func (c *RenderContext) resizeLocked(layout Layout) error {
	log := logger.WithComponent("compositor")
	old := c.layout.Size()

	if err := c.bind(layout); err != nil {
		return err
	}
	if err := c.surface.ResizeBuffers(layout.TargetSize()); err != nil {
		return fmt.Errorf("%w: resize buffers: %w", ErrPresent, err)
	}

	log.Info().
		Str("from", old.String()).
		Str("to", layout.Size().String()).
		Uint64("generation", c.generation).
		Msg("Resized back buffer")
	return nil
}

// SetDevice moves the context to a recreated device and rebuilds the back buffer on it
func (c *RenderContext) SetDevice(device gpu.Device) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.view != nil {
		c.view.invalidate()
	}
	if c.target != nil {
		c.target.Release()
		c.target = nil
	}
	c.device = device
	return c.bind(c.layout)
}

// Compose draws each region at (0, offset) with opaque copies clipped to the back buffer.
// Regions not listed keep whatever the back buffer already holds.
// A texture whose size differs from its entry triggers a relayout, a resize and a redraw of the batch.
func (c *RenderContext) Compose(regions []Region) (ComposeStats, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	log := logger.WithComponent("compositor")
	var stats ComposeStats

	for pass := 0; pass <= len(regions); pass++ {
		layout := c.layout
		mismatch := -1
		for _, r := range regions {
			if r.Index < 0 || r.Index >= len(layout.Entries) {
				return stats, fmt.Errorf("%w: %d of %d", ErrRegionIndex, r.Index, len(layout.Entries))
			}
			if r.Texture.Desc().Size != layout.Entries[r.Index].Size {
				mismatch = r.Index
				layout = layout.With(r.Index, r.Texture.Desc().Size)
			}
		}
		if mismatch >= 0 {
			log.Debug().
				Int("region", mismatch).
				Str("layout", c.layout.Size().String()).
				Str("new_layout", layout.Size().String()).
				Msg("Texture size differs from layout, resizing")
			if err := c.resizeLocked(layout); err != nil {
				return stats, err
			}
			stats.Relayout = true
			continue
		}

		stats.Copied, stats.Clipped = 0, 0
		for _, r := range regions {
			if err := c.copyLocked(r, &stats); err != nil {
				return stats, err
			}
		}
		return stats, nil
	}
	return stats, fmt.Errorf("compositor: layout did not settle after %d passes", len(regions)+1)
}

func (c *RenderContext) copyLocked(r Region, stats *ComposeStats) error {
	if !c.view.Valid() {
		return ErrInvalidView
	}
	entry := c.layout.Entries[r.Index]
	size := r.Texture.Desc().Size

	dr, err := c.device.CopyRegion(c.view.target, r.Texture, 0, entry.Offset)
	if err != nil {
		return fmt.Errorf("copy region %d: %w", r.Index, err)
	}
	want := image.Rect(0, entry.Offset, size.Width, entry.Offset+size.Height)
	if dr != want {
		stats.Clipped++
		logger.WithComponent("compositor").Warn().
			Int("region", r.Index).
			Str("requested", want.String()).
			Str("written", dr.String()).
			Msg("Region copy clipped to back buffer")
	}
	stats.Copied++
	return nil
}

// Present reads back the target and hands it to the surface
func (c *RenderContext) Present(syncInterval int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.view.Valid() {
		return ErrInvalidView
	}
	bb, err := c.device.ReadBack(c.view.target)
	if err != nil {
		return fmt.Errorf("read back: %w", err)
	}
	if err := c.surface.Present(bb, syncInterval); err != nil {
		return fmt.Errorf("%w: %w", ErrPresent, err)
	}
	c.presented++
	return nil
}

// Snapshot returns a copy of the back buffer
func (c *RenderContext) Snapshot() (*frame.Buffer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.device.ReadBack(c.view.target)
}

// Presented returns the number of successful presents
func (c *RenderContext) Presented() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.presented
}

// Close releases the back buffer
func (c *RenderContext) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.view != nil {
		c.view.invalidate()
	}
	if c.target != nil {
		c.target.Release()
		c.target = nil
	}
}

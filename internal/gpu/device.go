// Package gpu models the graphics device the compositor renders with.
//
// Textures are immutable once created and always share the device's pixel
// format, so a frame can never mix color spaces.
package gpu

import (
	"errors"
	"fmt"
	"image"

	"github.com/bryanchriswhite/kgcapture/internal/config"
	"github.com/bryanchriswhite/kgcapture/internal/frame"
)

var (
	// ErrAllocation is returned when the device cannot back a new resource
	ErrAllocation = errors.New("gpu: allocation failed")

	// ErrDeviceLost is returned once the device has been removed or closed
	ErrDeviceLost = errors.New("gpu: device lost")

	// ErrReleased is returned when a released resource is used
	ErrReleased = errors.New("gpu: resource released")

	// ErrFormatMismatch is returned when a resource's format differs from the device's
	ErrFormatMismatch = errors.New("gpu: format mismatch")
)

// Format is a 32-bit BGRA pixel format
type Format int

const (
	// FormatBGRA8Unorm stores linear values
	FormatBGRA8Unorm Format = iota + 1
	// FormatBGRA8UnormSRGB stores sRGB-encoded values
	FormatBGRA8UnormSRGB
)

func (f Format) String() string {
	switch f {
	case FormatBGRA8Unorm:
		return "BGRA8_UNORM"
	case FormatBGRA8UnormSRGB:
		return "BGRA8_UNORM_SRGB"
	default:
		return fmt.Sprintf("format(%d)", int(f))
	}
}

// FormatFor maps the configured color space to its pixel format
func FormatFor(cs config.ColorSpace) Format {
	if cs == config.ColorSpaceLinear {
		return FormatBGRA8Unorm
	}
	return FormatBGRA8UnormSRGB
}

// TextureDesc describes a 2D texture with a single mip level
type TextureDesc struct {
	Size   frame.Size
	Format Format
}

// Texture is an immutable device-side image
type Texture interface {
	Desc() TextureDesc
	// Release frees the texture; further use fails with ErrReleased
	Release()
}

// RenderTarget is a writable texture the compositor draws into
type RenderTarget interface {
	Texture
}

// Device creates and copies GPU resources
type Device interface {
	// Name identifies the implementation in logs
	Name() string

	// Format is shared by every texture and render target the device creates
	Format() Format

	// CreateTexture allocates an immutable texture initialized from data with the given row pitch
	CreateTexture(desc TextureDesc, data []byte, pitch int) (Texture, error)

	// CreateRenderTarget allocates a cleared render target
	CreateRenderTarget(size frame.Size) (RenderTarget, error)

	// CopyRegion copies src opaquely to dst at (x, y), clipped to dst.
	// Returns the destination rectangle actually written.
	CopyRegion(dst RenderTarget, src Texture, x, y int) (image.Rectangle, error)

	// Clear fills the target with opaque black
	Clear(dst RenderTarget) error

	// ReadBack copies the target into a CPU buffer
	ReadBack(src RenderTarget) (*frame.Buffer, error)

	// Close releases the device; later calls fail with ErrDeviceLost
	Close() error
}

// Factory creates a device for a format; used for recreation after loss
type Factory func(format Format) (Device, error)

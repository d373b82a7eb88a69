// Package frame holds the CPU-side pixel types shared by the capture pipeline.
//
// Every buffer is BGRA8 with straight alpha, rows stored top-down and a
// stride of exactly Width*4 bytes.
package frame

import (
	"errors"
	"fmt"
	"image"
)

// BytesPerPixel is the size of one BGRA8 pixel
const BytesPerPixel = 4

// ErrSizeMismatch is returned when pixel data does not match the declared size
var ErrSizeMismatch = errors.New("frame: pixel data does not match declared size")

// Size is the negotiated client size of a target window (its capture region)
type Size struct {
	Width  int `json:"width" yaml:"width"`
	Height int `json:"height" yaml:"height"`
}

// Empty reports whether the size has no pixels
func (s Size) Empty() bool {
	return s.Width <= 0 || s.Height <= 0
}

// Bytes returns the length of a BGRA8 buffer of this size
func (s Size) Bytes() int {
	if s.Empty() {
		return 0
	}
	return s.Width * s.Height * BytesPerPixel
}

// Stride returns the row pitch in bytes
func (s Size) Stride() int {
	return s.Width * BytesPerPixel
}

func (s Size) String() string {
	return fmt.Sprintf("%dx%d", s.Width, s.Height)
}

// Buffer is an owned BGRA8 pixel buffer
type Buffer struct {
	Size
	Pix []byte
}

// NewBuffer allocates a zeroed buffer for the given size
func NewBuffer(size Size) (*Buffer, error) {
	if size.Empty() {
		return nil, fmt.Errorf("frame: invalid size %s", size)
	}
	return &Buffer{Size: size, Pix: make([]byte, size.Bytes())}, nil
}

// FromPix wraps existing BGRA8 data, checking the size invariant
func FromPix(size Size, pix []byte) (*Buffer, error) {
	b := &Buffer{Size: size, Pix: pix}
	if err := b.Validate(); err != nil {
		return nil, err
	}
	return b, nil
}

// Validate checks len(Pix) == Width*Height*4
func (b *Buffer) Validate() error {
	if b == nil {
		return fmt.Errorf("%w: nil buffer", ErrSizeMismatch)
	}
	if b.Empty() || len(b.Pix) != b.Bytes() {
		return fmt.Errorf("%w: %s needs %d bytes, have %d", ErrSizeMismatch, b.Size, b.Bytes(), len(b.Pix))
	}
	return nil
}

// PixOffset returns the index of the blue byte of pixel (x, y)
func (b *Buffer) PixOffset(x, y int) int {
	return y*b.Stride() + x*BytesPerPixel
}

// Clone returns a deep copy
func (b *Buffer) Clone() *Buffer {
	pix := make([]byte, len(b.Pix))
	copy(pix, b.Pix)
	return &Buffer{Size: b.Size, Pix: pix}
}

// Fill sets every pixel to the given BGRA value
func (b *Buffer) Fill(blue, green, red, alpha byte) {
	for i := 0; i+3 < len(b.Pix); i += BytesPerPixel {
		b.Pix[i] = blue
		b.Pix[i+1] = green
		b.Pix[i+2] = red
		b.Pix[i+3] = alpha
	}
}

// ToRGBA converts the buffer into a Go image, swapping blue and red
func (b *Buffer) ToRGBA() *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, b.Width, b.Height))
	for i := 0; i+3 < len(b.Pix) && i+3 < len(img.Pix); i += BytesPerPixel {
		img.Pix[i] = b.Pix[i+2]
		img.Pix[i+1] = b.Pix[i+1]
		img.Pix[i+2] = b.Pix[i]
		img.Pix[i+3] = b.Pix[i+3]
	}
	return img
}

// FromRGBA converts a Go image into a BGRA8 buffer.
// Alpha is forced opaque when opaque is set, matching what window capture APIs report.
func FromRGBA(img *image.RGBA, opaque bool) *Buffer {
	bounds := img.Bounds()
	size := Size{Width: bounds.Dx(), Height: bounds.Dy()}
	b := &Buffer{Size: size, Pix: make([]byte, size.Bytes())}
	for y := 0; y < size.Height; y++ {
		src := img.Pix[y*img.Stride : y*img.Stride+size.Stride()]
		dst := b.Pix[y*size.Stride() : (y+1)*size.Stride()]
		for x := 0; x < len(src); x += BytesPerPixel {
			dst[x] = src[x+2]
			dst[x+1] = src[x+1]
			dst[x+2] = src[x]
			if opaque {
				dst[x+3] = 0xFF
			} else {
				dst[x+3] = src[x+3]
			}
		}
	}
	return b
}

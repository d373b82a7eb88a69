package gpu

import (
	"fmt"
	"image"
	"sync"
	"sync/atomic"

	"github.com/bryanchriswhite/kgcapture/internal/frame"
	xdraw "golang.org/x/image/draw"
)

// SoftwareDevice keeps every resource in system memory
type SoftwareDevice struct {
	format Format
	budget int64

	mu     sync.Mutex
	live   int64
	closed bool
}

// Option configures a SoftwareDevice
type Option func(*SoftwareDevice)

// WithMemoryBudget caps the bytes of live resources; 0 means unlimited
func WithMemoryBudget(bytes int64) Option {
	return func(d *SoftwareDevice) {
		d.budget = bytes
	}
}

// NewSoftwareDevice creates a device producing resources of the given format
func NewSoftwareDevice(format Format, opts ...Option) *SoftwareDevice {
	d := &SoftwareDevice{format: format}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// SoftwareFactory returns a Factory producing software devices with opts
func SoftwareFactory(opts ...Option) Factory {
	return func(format Format) (Device, error) {
		return NewSoftwareDevice(format, opts...), nil
	}
}

// softTexture stores BGRA bytes in an RGBA image so draw can copy it without conversion
type softTexture struct {
	desc     TextureDesc
	img      *image.RGBA
	owner    *SoftwareDevice
	released atomic.Bool
}

func (t *softTexture) Desc() TextureDesc { return t.desc }

func (t *softTexture) Release() {
	if t.released.CompareAndSwap(false, true) {
		t.owner.free(int64(len(t.img.Pix)))
	}
}

// Name returns the device name
func (d *SoftwareDevice) Name() string { return "software" }

// Format returns the device format
func (d *SoftwareDevice) Format() Format { return d.format }

// LiveBytes returns the bytes held by unreleased resources
func (d *SoftwareDevice) LiveBytes() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.live
}

func (d *SoftwareDevice) alloc(size frame.Size) (*image.RGBA, error) {
	if size.Empty() {
		return nil, fmt.Errorf("%w: invalid size %s", ErrAllocation, size)
	}
	n := int64(size.Bytes())

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrDeviceLost
	}
	if d.budget > 0 && d.live+n > d.budget {
		return nil, fmt.Errorf("%w: %d bytes requested, %d of %d in use", ErrAllocation, n, d.live, d.budget)
	}
	d.live += n
	return image.NewRGBA(image.Rect(0, 0, size.Width, size.Height)), nil
}

func (d *SoftwareDevice) free(n int64) {
	d.mu.Lock()
	d.live -= n
	d.mu.Unlock()
}

func (d *SoftwareDevice) checkOpen() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrDeviceLost
	}
	return nil
}

// CreateTexture copies data row by row into a new texture
func (d *SoftwareDevice) CreateTexture(desc TextureDesc, data []byte, pitch int) (Texture, error) {
	if desc.Format != d.format {
		return nil, fmt.Errorf("%w: texture %s, device %s", ErrFormatMismatch, desc.Format, d.format)
	}
	row := desc.Size.Stride()
	if pitch < row || len(data) < pitch*(desc.Size.Height-1)+row {
		return nil, fmt.Errorf("%w: %d bytes at pitch %d for %s", frame.ErrSizeMismatch, len(data), pitch, desc.Size)
	}

	img, err := d.alloc(desc.Size)
	if err != nil {
		return nil, err
	}
	for y := 0; y < desc.Size.Height; y++ {
		copy(img.Pix[y*img.Stride:y*img.Stride+row], data[y*pitch:y*pitch+row])
	}
	return &softTexture{desc: desc, img: img, owner: d}, nil
}

// CreateRenderTarget allocates an opaque black target
func (d *SoftwareDevice) CreateRenderTarget(size frame.Size) (RenderTarget, error) {
	img, err := d.alloc(size)
	if err != nil {
		return nil, err
	}
	t := &softTexture{desc: TextureDesc{Size: size, Format: d.format}, img: img, owner: d}
	fillOpaqueBlack(img)
	return t, nil
}

func (d *SoftwareDevice) own(r Texture) (*softTexture, error) {
	t, ok := r.(*softTexture)
	if !ok || t.owner != d {
		return nil, fmt.Errorf("gpu: resource %T not created by this device", r)
	}
	if t.released.Load() {
		return nil, ErrReleased
	}
	return t, nil
}

// CopyRegion copies src into dst at (x, y), clipped to dst bounds
func (d *SoftwareDevice) CopyRegion(dst RenderTarget, src Texture, x, y int) (image.Rectangle, error) {
	if err := d.checkOpen(); err != nil {
		return image.Rectangle{}, err
	}
	dt, err := d.own(dst)
	if err != nil {
		return image.Rectangle{}, err
	}
	st, err := d.own(src)
	if err != nil {
		return image.Rectangle{}, err
	}
	if dt.desc.Format != st.desc.Format {
		return image.Rectangle{}, fmt.Errorf("%w: %s into %s", ErrFormatMismatch, st.desc.Format, dt.desc.Format)
	}

	dr := image.Rect(x, y, x+st.desc.Size.Width, y+st.desc.Size.Height).Intersect(dt.img.Bounds())
	if dr.Empty() {
		return image.Rectangle{}, nil
	}
	sr := image.Rect(dr.Min.X-x, dr.Min.Y-y, dr.Max.X-x, dr.Max.Y-y)
	xdraw.Copy(dt.img, dr.Min, st.img, sr, xdraw.Src, nil)
	return dr, nil
}

// Clear fills the target with opaque black
func (d *SoftwareDevice) Clear(dst RenderTarget) error {
	if err := d.checkOpen(); err != nil {
		return err
	}
	t, err := d.own(dst)
	if err != nil {
		return err
	}
	fillOpaqueBlack(t.img)
	return nil
}

// ReadBack returns a copy of the target's BGRA bytes
func (d *SoftwareDevice) ReadBack(src RenderTarget) (*frame.Buffer, error) {
	if err := d.checkOpen(); err != nil {
		return nil, err
	}
	t, err := d.own(src)
	if err != nil {
		return nil, err
	}
	pix := make([]byte, len(t.img.Pix))
	copy(pix, t.img.Pix)
	return frame.FromPix(t.desc.Size, pix)
}

// Close marks the device lost
func (d *SoftwareDevice) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	return nil
}

func fillOpaqueBlack(img *image.RGBA) {
	for i := range img.Pix {
		if i%frame.BytesPerPixel == 3 {
			img.Pix[i] = 0xFF
		} else {
			img.Pix[i] = 0
		}
	}
}

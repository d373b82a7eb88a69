package gpu

import (
	"fmt"
	"sync"

	"github.com/bryanchriswhite/kgcapture/internal/frame"
	"github.com/bryanchriswhite/kgcapture/internal/logger"
	"github.com/dustin/go-humanize"
)

// Upload promotes a validated buffer to an immutable texture of the same size
func Upload(d Device, buf *frame.Buffer) (Texture, error) {
	if err := buf.Validate(); err != nil {
		return nil, fmt.Errorf("upload: %w", err)
	}
	desc := TextureDesc{Size: buf.Size, Format: d.Format()}
	tex, err := d.CreateTexture(desc, buf.Pix, buf.Stride())
	if err != nil {
		return nil, fmt.Errorf("upload %s: %w", buf.Size, err)
	}
	return tex, nil
}

// Uploader uploads against the current device and swaps it on recreation
type Uploader struct {
	mu       sync.RWMutex
	device   Device
	uploaded uint64
}

// NewUploader creates an uploader bound to d
func NewUploader(d Device) *Uploader {
	return &Uploader{device: d}
}

// Device returns the current device
func (u *Uploader) Device() Device {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.device
}

// SetDevice replaces the device; textures from the old device must already be released
func (u *Uploader) SetDevice(d Device) {
	u.mu.Lock()
	u.device = d
	u.mu.Unlock()
}

// Upload creates a texture on the current device
func (u *Uploader) Upload(buf *frame.Buffer) (Texture, error) {
	d := u.Device()
	tex, err := Upload(d, buf)
	if err != nil {
		return nil, err
	}

	u.mu.Lock()
	u.uploaded += uint64(len(buf.Pix))
	total := u.uploaded
	u.mu.Unlock()

	logger.WithComponent("uploader").Trace().
		Str("size", buf.Size.String()).
		Str("format", d.Format().String()).
		Str("total", humanize.Bytes(total)).
		Msg("Uploaded texture")
	return tex, nil
}

// UploadedBytes returns the bytes uploaded since creation
func (u *Uploader) UploadedBytes() uint64 {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.uploaded
}

//go:build windows

package capture

import (
	"fmt"
	"image"
	"sync"
	"unsafe"

	"github.com/bryanchriswhite/kgcapture/internal/frame"
	"github.com/bryanchriswhite/kgcapture/internal/logger"
	"github.com/bryanchriswhite/kgcapture/internal/window"
	"golang.org/x/sys/windows"
)

const (
	pwRenderFullContent = 0x00000002
	biRGB               = 0
	dibRGBColors        = 0
)

var (
	user32 = windows.NewLazySystemDLL("user32.dll")
	gdi32  = windows.NewLazySystemDLL("gdi32.dll")

	procGetDC          = user32.NewProc("GetDC")
	procReleaseDC      = user32.NewProc("ReleaseDC")
	procPrintWindow    = user32.NewProc("PrintWindow")
	procIsWindow       = user32.NewProc("IsWindow")
	procIsIconic       = user32.NewProc("IsIconic")
	procClientToScreen = user32.NewProc("ClientToScreen")

	procCreateCompatibleDC     = gdi32.NewProc("CreateCompatibleDC")
	procCreateCompatibleBitmap = gdi32.NewProc("CreateCompatibleBitmap")
	procSelectObject           = gdi32.NewProc("SelectObject")
	procDeleteObject           = gdi32.NewProc("DeleteObject")
	procDeleteDC               = gdi32.NewProc("DeleteDC")
	procGetDIBits              = gdi32.NewProc("GetDIBits")
)

type bitmapInfoHeader struct {
	Size          uint32
	Width         int32
	Height        int32
	Planes        uint16
	BitCount      uint16
	Compression   uint32
	SizeImage     uint32
	XPelsPerMeter int32
	YPelsPerMeter int32
	ClrUsed       uint32
	ClrImportant  uint32
}

type bitmapInfo struct {
	Header bitmapInfoHeader
	Colors [1]uint32
}

type point struct {
	X int32
	Y int32
}

// Win32Capturer captures windows with PrintWindow in full-content mode
type Win32Capturer struct {
	mu sync.Mutex
}

// NewWin32Capturer creates a new Win32 capturer
func NewWin32Capturer() (*Win32Capturer, error) {
	if err := procPrintWindow.Find(); err != nil {
		return nil, fmt.Errorf("PrintWindow unavailable: %w", err)
	}
	return &Win32Capturer{}, nil
}

// Start is a no-op; GDI needs no session setup
func (c *Win32Capturer) Start() error { return nil }

// Stop is a no-op
func (c *Win32Capturer) Stop() error { return nil }

// Name returns the capturer name
func (c *Win32Capturer) Name() string { return "Win32" }

// CanCapture accepts handles produced by the Win32 window backend
func (c *Win32Capturer) CanCapture(h *window.Handle) bool {
	return h != nil && h.Backend == window.BackendWin32 && h.ID != 0
}

// Capture renders the window into a compatible bitmap and reads it back top-down.
// Every GDI object acquired here is released on every exit path.
func (c *Win32Capturer) Capture(h *window.Handle, size frame.Size) (*frame.Buffer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.CanCapture(h) {
		return nil, fmt.Errorf("win32 capturer cannot capture %s", h)
	}
	if size.Empty() {
		return nil, deviceErr("size", fmt.Errorf("empty capture size %s", size))
	}

	hwnd := uintptr(h.ID)
	if ok, _, _ := procIsWindow.Call(hwnd); ok == 0 {
		return nil, fmt.Errorf("%w: %s", window.ErrWindowGone, h)
	}
	if iconic, _, _ := procIsIconic.Call(hwnd); iconic != 0 {
		return nil, deviceErr("IsIconic", fmt.Errorf("%w: %s is minimized", ErrNotViewable, h))
	}

	s := &scope{}
	defer s.Close()

	windowDC, _, err := procGetDC.Call(hwnd)
	if windowDC == 0 {
		return nil, deviceErr("GetDC", err)
	}
	s.add(func() { procReleaseDC.Call(hwnd, windowDC) })

	captureDC, _, err := procCreateCompatibleDC.Call(windowDC)
	if captureDC == 0 {
		return nil, deviceErr("CreateCompatibleDC", err)
	}
	s.add(func() { procDeleteDC.Call(captureDC) })

	bitmap, _, err := procCreateCompatibleBitmap.Call(windowDC, uintptr(size.Width), uintptr(size.Height))
	if bitmap == 0 {
		return nil, deviceErr("CreateCompatibleBitmap", err)
	}
	s.add(func() { procDeleteObject.Call(bitmap) })

	previous, _, err := procSelectObject.Call(captureDC, bitmap)
	if previous == 0 {
		return nil, deviceErr("SelectObject", err)
	}
	// The bitmap must be deselected before DeleteObject runs
	s.add(func() { procSelectObject.Call(captureDC, previous) })

	if ok, _, err := procPrintWindow.Call(hwnd, captureDC, pwRenderFullContent); ok == 0 {
		if ok, _, _ := procIsWindow.Call(hwnd); ok == 0 {
			return nil, fmt.Errorf("%w: %s", window.ErrWindowGone, h)
		}
		return nil, deviceErr("PrintWindow", err)
	}

	buf, err := frame.NewBuffer(size)
	if err != nil {
		return nil, err
	}

	bi := bitmapInfo{
		Header: bitmapInfoHeader{
			Width:       int32(size.Width),
			Height:      -int32(size.Height),
			Planes:      1,
			BitCount:    32,
			Compression: biRGB,
		},
	}
	bi.Header.Size = uint32(unsafe.Sizeof(bi.Header))

	lines, _, err := procGetDIBits.Call(
		captureDC,
		bitmap,
		0,
		uintptr(size.Height),
		uintptr(unsafe.Pointer(&buf.Pix[0])),
		uintptr(unsafe.Pointer(&bi)),
		dibRGBColors,
	)
	if lines == 0 {
		return nil, deviceErr("GetDIBits", err)
	}
	if int(lines) != size.Height {
		return nil, deviceErr("GetDIBits", fmt.Errorf("copied %d of %d rows", lines, size.Height))
	}

	logger.WithComponent("win32-capturer").Trace().
		Uint64("hwnd", h.ID).
		Str("size", size.String()).
		Msg("Captured window")
	return buf, nil
}

// ScreenRect returns the window's client area in screen coordinates
func (c *Win32Capturer) ScreenRect(h *window.Handle, size frame.Size) (image.Rectangle, error) {
	var p point
	if ok, _, err := procClientToScreen.Call(uintptr(h.ID), uintptr(unsafe.Pointer(&p))); ok == 0 {
		if ok, _, _ := procIsWindow.Call(uintptr(h.ID)); ok == 0 {
			return image.Rectangle{}, fmt.Errorf("%w: %s", window.ErrWindowGone, h)
		}
		return image.Rectangle{}, deviceErr("ClientToScreen", err)
	}
	x, y := int(p.X), int(p.Y)
	return image.Rect(x, y, x+size.Width, y+size.Height), nil
}

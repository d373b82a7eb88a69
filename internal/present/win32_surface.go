//go:build windows

package present

import (
	"fmt"
	"runtime"
	"sync"
	"unsafe"

	"github.com/bryanchriswhite/kgcapture/internal/config"
	"github.com/bryanchriswhite/kgcapture/internal/frame"
	"github.com/bryanchriswhite/kgcapture/internal/logger"
	"golang.org/x/sys/windows"
)

const (
	csClassDC = 0x0040

	wsOverlapped  = 0x00000000
	wsCaption     = 0x00C00000
	wsSysMenu     = 0x00080000
	wsMinimizeBox = 0x00020000

	swShow = 5

	wmDestroy = 0x0002
	wmSize    = 0x0005
	wmClose   = 0x0010

	swpNoMove   = 0x0002
	swpNoZOrder = 0x0004

	dibRGBColors = 0
	biRGB        = 0
)

var (
	user32   = windows.NewLazySystemDLL("user32.dll")
	gdi32    = windows.NewLazySystemDLL("gdi32.dll")
	kernel32 = windows.NewLazySystemDLL("kernel32.dll")

	procRegisterClassExW  = user32.NewProc("RegisterClassExW")
	procCreateWindowExW   = user32.NewProc("CreateWindowExW")
	procDefWindowProcW    = user32.NewProc("DefWindowProcW")
	procShowWindow        = user32.NewProc("ShowWindow")
	procUpdateWindow      = user32.NewProc("UpdateWindow")
	procGetMessageW       = user32.NewProc("GetMessageW")
	procTranslateMessage  = user32.NewProc("TranslateMessage")
	procDispatchMessageW  = user32.NewProc("DispatchMessageW")
	procPostQuitMessage   = user32.NewProc("PostQuitMessage")
	procPostMessageW      = user32.NewProc("PostMessageW")
	procSetWindowPos      = user32.NewProc("SetWindowPos")
	procGetDC             = user32.NewProc("GetDC")
	procReleaseDC         = user32.NewProc("ReleaseDC")
	procGetSystemMetrics  = user32.NewProc("GetSystemMetrics")
	procSetDIBitsToDevice = gdi32.NewProc("SetDIBitsToDevice")
	procGetModuleHandleW  = kernel32.NewProc("GetModuleHandleW")
)

type wndClassEx struct {
	Size       uint32
	Style      uint32
	WndProc    uintptr
	ClsExtra   int32
	WndExtra   int32
	Instance   windows.Handle
	Icon       windows.Handle
	Cursor     windows.Handle
	Background windows.Handle
	MenuName   *uint16
	ClassName  *uint16
	IconSm     windows.Handle
}

type point struct {
	X int32
	Y int32
}

type msg struct {
	Hwnd    windows.HWND
	Message uint32
	WParam  uintptr
	LParam  uintptr
	Time    uint32
	Pt      point
}

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

var (
	registerOnce  sync.Once
	registerErr   error
	className     *uint16
	wndProcPtr    = windows.NewCallback(wndProc)
	surfacesMu    sync.Mutex
	surfacesByWnd = map[windows.HWND]*Win32Surface{}
)

// Win32Surface shows the back buffer in a captioned top-level window.
// The window and its message pump live on one locked OS thread.
type Win32Surface struct {
	cfg   config.PresentConfig
	pacer *pacer

	mu      sync.Mutex
	hwnd    windows.HWND
	size    frame.Size
	running bool
	closing bool

	events chan Event
	done   chan struct{}
}

// NewWin32Surface creates a surface; the window is created by Start
func NewWin32Surface(cfg config.PresentConfig) *Win32Surface {
	return &Win32Surface{
		cfg:    cfg,
		pacer:  newPacer(cfg.RefreshHz),
		events: make(chan Event, 64),
		done:   make(chan struct{}),
	}
}

// Name returns the surface name
func (s *Win32Surface) Name() string {
	return "Win32 Window"
}

func registerClass() error {
	registerOnce.Do(func() {
		className, registerErr = windows.UTF16PtrFromString("KG Capture")
		if registerErr != nil {
			return
		}
		instance, _, _ := procGetModuleHandleW.Call(0)
		wc := wndClassEx{
			Style:     csClassDC,
			WndProc:   wndProcPtr,
			Instance:  windows.Handle(instance),
			ClassName: className,
		}
		wc.Size = uint32(unsafe.Sizeof(wc))
		if atom, _, err := procRegisterClassExW.Call(uintptr(unsafe.Pointer(&wc))); atom == 0 {
			registerErr = fmt.Errorf("RegisterClassExW: %w", err)
		}
	})
	return registerErr
}

// Start creates the window sized to the client area plus caption chrome and starts its message pump
func (s *Win32Surface) Start(size frame.Size) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("surface already running")
	}
	s.mu.Unlock()

	if err := registerClass(); err != nil {
		return err
	}

	ready := make(chan error, 1)
	go s.pump(size, ready)
	if err := <-ready; err != nil {
		return err
	}

	logger.WithComponent("win32-surface").Info().
		Str("size", size.String()).
		Str("outer", OuterSize(size, PlatformChrome()).String()).
		Msg("Surface window created")
	return nil
}

// pump owns the window for its whole life
func (s *Win32Surface) pump(size frame.Size, ready chan<- error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(s.done)

	title, err := windows.UTF16PtrFromString(s.cfg.WindowTitle)
	if err != nil {
		ready <- err
		return
	}
	outer := OuterSize(size, PlatformChrome())
	instance, _, _ := procGetModuleHandleW.Call(0)

	hwnd, _, err := procCreateWindowExW.Call(
		0,
		uintptr(unsafe.Pointer(className)),
		uintptr(unsafe.Pointer(title)),
		wsOverlapped|wsCaption|wsSysMenu|wsMinimizeBox,
		100, 100,
		uintptr(outer.Width), uintptr(outer.Height),
		0, 0, instance, 0,
	)
	if hwnd == 0 {
		ready <- fmt.Errorf("CreateWindowExW: %w", err)
		return
	}

	s.mu.Lock()
	s.hwnd = windows.HWND(hwnd)
	s.size = size
	s.running = true
	s.mu.Unlock()

	surfacesMu.Lock()
	surfacesByWnd[windows.HWND(hwnd)] = s
	surfacesMu.Unlock()

	procShowWindow.Call(hwnd, swShow)
	procUpdateWindow.Call(hwnd)
	ready <- nil

	var m msg
	for {
		r, _, _ := procGetMessageW.Call(uintptr(unsafe.Pointer(&m)), 0, 0, 0)
		if int32(r) <= 0 {
			break
		}
		procTranslateMessage.Call(uintptr(unsafe.Pointer(&m)))
		procDispatchMessageW.Call(uintptr(unsafe.Pointer(&m)))
	}

	surfacesMu.Lock()
	delete(surfacesByWnd, windows.HWND(hwnd))
	surfacesMu.Unlock()
}

func wndProc(hwnd windows.HWND, message uint32, wparam, lparam uintptr) uintptr {
	surfacesMu.Lock()
	s := surfacesByWnd[hwnd]
	surfacesMu.Unlock()

	if s != nil {
		switch message {
		case wmDestroy:
			s.emit(Event{Kind: EventClose})
			procPostQuitMessage.Call(0)
			return 0
		case wmSize:
			size := frame.Size{Width: int(lparam & 0xFFFF), Height: int((lparam >> 16) & 0xFFFF)}
			s.mu.Lock()
			changed := size != s.size && !size.Empty()
			s.mu.Unlock()
			if changed {
				s.emit(Event{Kind: EventResize, Size: size})
			}
		}
	}
	r, _, _ := procDefWindowProcW.Call(uintptr(hwnd), uintptr(message), wparam, lparam)
	return r
}

func (s *Win32Surface) emit(ev Event) {
	s.mu.Lock()
	closing := s.closing
	s.mu.Unlock()
	if closing {
		return
	}
	select {
	case s.events <- ev:
	default:
		logger.WithComponent("win32-surface").Warn().Str("event", ev.Kind.String()).Msg("Event queue full, dropping event")
	}
}

// PollEvents returns at most max queued window events without blocking
func (s *Win32Surface) PollEvents(max int) []Event {
	var events []Event
	for len(events) < max {
		select {
		case ev := <-s.events:
			events = append(events, ev)
		default:
			return events
		}
	}
	return events
}

// ResizeBuffers resizes the window so its client area matches size
func (s *Win32Surface) ResizeBuffers(size frame.Size) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return fmt.Errorf("surface not running")
	}
	s.size = size
	hwnd := s.hwnd
	s.mu.Unlock()

	// SetWindowPos sends WM_SIZE synchronously to the pump thread, so no lock is held here
	outer := OuterSize(size, PlatformChrome())
	if ok, _, err := procSetWindowPos.Call(uintptr(hwnd), 0, 0, 0, uintptr(outer.Width), uintptr(outer.Height), swpNoMove|swpNoZOrder); ok == 0 {
		return fmt.Errorf("SetWindowPos: %w", err)
	}
	return nil
}

// Present draws the back buffer into the client area top-down
func (s *Win32Surface) Present(bb *frame.Buffer, syncInterval int) error {
	s.mu.Lock()
	hwnd := s.hwnd
	running := s.running
	s.mu.Unlock()

	if !running {
		return fmt.Errorf("surface not running")
	}
	if err := bb.Validate(); err != nil {
		return err
	}

	dc, _, err := procGetDC.Call(uintptr(hwnd))
	if dc == 0 {
		return fmt.Errorf("GetDC: %w", err)
	}
	defer procReleaseDC.Call(uintptr(hwnd), dc)

	bi := bitmapInfoHeader{
		Width:       int32(bb.Width),
		Height:      -int32(bb.Height),
		Planes:      1,
		BitCount:    32,
		Compression: biRGB,
	}
	bi.Size = uint32(unsafe.Sizeof(bi))

	lines, _, err := procSetDIBitsToDevice.Call(
		dc,
		0, 0,
		uintptr(bb.Width), uintptr(bb.Height),
		0, 0,
		0, uintptr(bb.Height),
		uintptr(unsafe.Pointer(&bb.Pix[0])),
		uintptr(unsafe.Pointer(&bi)),
		dibRGBColors,
	)
	if lines == 0 {
		return fmt.Errorf("SetDIBitsToDevice: %w", err)
	}

	s.pacer.wait(syncInterval)
	return nil
}

// Close destroys the window and waits for the message pump to exit
func (s *Win32Surface) Close() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.closing = true
	hwnd := s.hwnd
	s.mu.Unlock()

	procPostMessageW.Call(uintptr(hwnd), wmClose, 0, 0)
	<-s.done

	logger.WithComponent("win32-surface").Info().Msg("Surface window closed")
	return nil
}

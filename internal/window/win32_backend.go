//go:build windows

package window

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/bryanchriswhite/kgcapture/internal/frame"
	"golang.org/x/sys/windows"
)

// BackendWin32 is the name reported by Win32Backend
const BackendWin32 = "win32"

var (
	user32            = windows.NewLazySystemDLL("user32.dll")
	procGetClientRect = user32.NewProc("GetClientRect")
)

// rect mirrors the Win32 RECT structure
type rect struct {
	Left   int32
	Top    int32
	Right  int32
	Bottom int32
}

// enumState collects windows during one EnumWindows pass
type enumState struct {
	windows []*Handle
}

var (
	enumMu       sync.Mutex
	enumCallback = windows.NewCallback(enumWindowsProc)
)

// enumWindowsProc reads class and title into fixed buffers; truncation is accepted
func enumWindowsProc(hwnd windows.HWND, lparam uintptr) uintptr {
	state := (*enumState)(unsafe.Pointer(lparam))

	var class [MaxNameUnits]uint16
	var title [MaxNameUnits]uint16

	windows.GetClassName(hwnd, &class[0], MaxNameUnits)
	windows.GetWindowText(hwnd, &title[0], MaxNameUnits)

	h := &Handle{
		ID:      uint64(hwnd),
		Class:   windows.UTF16ToString(class[:]),
		Title:   windows.UTF16ToString(title[:]),
		Backend: BackendWin32,
	}
	var pid uint32
	if _, err := windows.GetWindowThreadProcessId(hwnd, &pid); err == nil {
		h.PID = int(pid)
	}
	if h.Class != "" && h.Title != "" {
		state.windows = append(state.windows, h)
	}
	return 1 // continue enumeration
}

// Win32Backend implements the Backend interface with user32 window enumeration
type Win32Backend struct{}

// NewWin32Backend creates the Win32 backend
func NewWin32Backend() (*Win32Backend, error) {
	if err := user32.Load(); err != nil {
		return nil, fmt.Errorf("failed to load user32.dll: %w", err)
	}
	return &Win32Backend{}, nil
}

// Name returns the backend name
func (b *Win32Backend) Name() string {
	return BackendWin32
}

// Close is a no-op; Win32 enumeration holds no connection
func (b *Win32Backend) Close() error {
	return nil
}

// Enumerate lists top-level windows in EnumWindows order
func (b *Win32Backend) Enumerate() ([]*Handle, error) {
	enumMu.Lock()
	defer enumMu.Unlock()

	state := &enumState{}
	if err := windows.EnumWindows(enumCallback, unsafe.Pointer(state)); err != nil {
		return nil, fmt.Errorf("EnumWindows failed: %w", err)
	}
	return state.windows, nil
}

// ClientSize returns the client rectangle size of the window
func (b *Win32Backend) ClientSize(h *Handle) (frame.Size, error) {
	hwnd := windows.HWND(h.ID)
	if !windows.IsWindow(hwnd) {
		return frame.Size{}, fmt.Errorf("%w: %s", ErrWindowGone, h)
	}

	var r rect
	ret, _, err := procGetClientRect.Call(uintptr(hwnd), uintptr(unsafe.Pointer(&r)))
	if ret == 0 {
		return frame.Size{}, fmt.Errorf("GetClientRect failed: %v", err)
	}
	return frame.Size{Width: int(r.Right - r.Left), Height: int(r.Bottom - r.Top)}, nil
}

//go:build windows

package window

// NewDefaultBackend returns the Win32 backend
func NewDefaultBackend() (Backend, error) {
	return NewWin32Backend()
}

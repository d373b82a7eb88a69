//go:build !windows

package window

// NewDefaultBackend returns the X11 backend
func NewDefaultBackend() (Backend, error) {
	return NewX11Backend()
}

//go:build !windows

package capture

func newNativeCapturer() (nativeCapturer, error) {
	return NewX11Capturer()
}

//go:build windows

package capture

func newNativeCapturer() (nativeCapturer, error) {
	return NewWin32Capturer()
}

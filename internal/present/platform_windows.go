//go:build windows

package present

import (
	"fmt"

	"github.com/bryanchriswhite/kgcapture/internal/config"
)

const (
	smCYCaption      = 4
	smCYFrame        = 33
	smCXPaddedBorder = 92
)

// PlatformChrome adds the caption and frame height; the width is unchanged
func PlatformChrome() Chrome {
	metric := func(i uintptr) int {
		v, _, _ := procGetSystemMetrics.Call(i)
		return int(int32(v))
	}
	return Chrome{Height: metric(smCYFrame) + metric(smCYCaption) + metric(smCXPaddedBorder)}
}

func newPlatformSurface(cfg config.PresentConfig) (Surface, error) {
	switch cfg.Surface {
	case config.SurfaceWin32:
		return NewWin32Surface(cfg), nil
	default:
		return nil, fmt.Errorf("surface %q is not supported on this platform", cfg.Surface)
	}
}

//go:build !windows

package present

import (
	"fmt"

	"github.com/bryanchriswhite/kgcapture/internal/config"
)

// PlatformChrome is zero; the X11 surface is sized by its client area
func PlatformChrome() Chrome {
	return Chrome{}
}

func newPlatformSurface(cfg config.PresentConfig) (Surface, error) {
	switch cfg.Surface {
	case config.SurfaceX11:
		return NewX11Surface(cfg), nil
	default:
		return nil, fmt.Errorf("surface %q is not supported on this platform", cfg.Surface)
	}
}

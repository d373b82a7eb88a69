package capture

import (
	"fmt"
	"image"
	"sync"

	"github.com/BurntSushi/xgb"
	"github.com/BurntSushi/xgb/composite"
	"github.com/BurntSushi/xgb/xproto"
	"github.com/bryanchriswhite/kgcapture/internal/frame"
	"github.com/bryanchriswhite/kgcapture/internal/logger"
	"github.com/bryanchriswhite/kgcapture/internal/window"
	"github.com/dustin/go-humanize"
)

// X11Capturer captures windows through the Composite extension
type X11Capturer struct {
	conn             *xgb.Conn
	root             xproto.Window
	screen           *xproto.ScreenInfo
	compositeEnabled bool
	mu               sync.Mutex
}

// NewX11Capturer creates a new X11 capturer
func NewX11Capturer() (*X11Capturer, error) {
	conn, err := xgb.NewConn()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to X server: %w", err)
	}

	screen := xproto.Setup(conn).DefaultScreen(conn)

	return &X11Capturer{
		conn:   conn,
		root:   screen.Root,
		screen: screen,
	}, nil
}

// Start initializes the Composite extension
func (c *X11Capturer) Start() error {
	log := logger.WithComponent("x11-capturer")

	if err := composite.Init(c.conn); err != nil {
		log.Warn().
			Err(err).
			Msg("Composite extension not available - obscured or layered windows may capture blank")
		c.compositeEnabled = false
	} else {
		c.compositeEnabled = true
		log.Info().Msg("Composite extension initialized")
	}

	return nil
}

// Stop closes the X11 connection
func (c *X11Capturer) Stop() error {
	c.conn.Close()
	return nil
}

// Name returns the capturer name
func (c *X11Capturer) Name() string {
	return "X11"
}

// CanCapture accepts handles produced by the X11 window backend
func (c *X11Capturer) CanCapture(h *window.Handle) bool {
	return h != nil && h.Backend == window.BackendX11 && h.ID != 0
}

// Capture renders the window into an off-screen pixmap and reads it back
func (c *X11Capturer) Capture(h *window.Handle, size frame.Size) (*frame.Buffer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.CanCapture(h) {
		return nil, fmt.Errorf("x11 capturer cannot capture %s", h)
	}
	if size.Empty() {
		return nil, deviceErr("size", fmt.Errorf("empty capture size %s", size))
	}

	win := xproto.Window(h.ID)
	attrs, err := xproto.GetWindowAttributes(c.conn, win).Reply()
	if err != nil {
		if window.IsX11WindowGone(err) {
			return nil, fmt.Errorf("%w: %s", window.ErrWindowGone, h)
		}
		return nil, deviceErr("GetWindowAttributes", err)
	}
	if attrs.MapState != xproto.MapStateViewable {
		return nil, deviceErr("map state", fmt.Errorf("%w: %#x", ErrNotViewable, h.ID))
	}

	s := &scope{}
	defer s.Close()

	drawable := c.offscreenDrawable(win, s)

	reply, err := xproto.GetImage(
		c.conn,
		xproto.ImageFormatZPixmap,
		drawable,
		0, 0,
		uint16(size.Width), uint16(size.Height),
		0xffffffff,
	).Reply()
	if err != nil {
		if window.IsX11WindowGone(err) {
			return nil, fmt.Errorf("%w: %s", window.ErrWindowGone, h)
		}
		return nil, deviceErr("GetImage", err)
	}

	buf, err := c.toBuffer(reply.Data, size)
	if err != nil {
		return nil, err
	}

	logger.WithComponent("x11-capturer").Trace().
		Uint64("window_id", h.ID).
		Str("size", size.String()).
		Str("bytes", humanize.Bytes(uint64(len(buf.Pix)))).
		Msg("Captured window")
	return buf, nil
}

// offscreenDrawable redirects the window so it renders into its own pixmap.
// Falls back to the window itself when Composite is unavailable.
func (c *X11Capturer) offscreenDrawable(win xproto.Window, s *scope) xproto.Drawable {
	if !c.compositeEnabled {
		return xproto.Drawable(win)
	}
	log := logger.WithComponent("x11-capturer")

	if err := composite.RedirectWindowChecked(c.conn, win, composite.RedirectAutomatic).Check(); err != nil {
		log.Debug().Err(err).Uint32("window_id", uint32(win)).Msg("RedirectWindow failed, capturing window directly")
		return xproto.Drawable(win)
	}
	s.add(func() { composite.UnredirectWindow(c.conn, win, composite.RedirectAutomatic) })

	pixmap, err := xproto.NewPixmapId(c.conn)
	if err != nil {
		return xproto.Drawable(win)
	}
	if err := composite.NameWindowPixmapChecked(c.conn, win, pixmap).Check(); err != nil {
		log.Debug().Err(err).Uint32("window_id", uint32(win)).Msg("NameWindowPixmap failed, capturing window directly")
		return xproto.Drawable(win)
	}
	s.add(func() { xproto.FreePixmap(c.conn, pixmap) })

	return xproto.Drawable(pixmap)
}

// toBuffer copies 32bpp ZPixmap data (BGRX on little-endian servers) into a BGRA8 buffer
func (c *X11Capturer) toBuffer(data []byte, size frame.Size) (*frame.Buffer, error) {
	depth := c.screen.RootDepth
	if depth != 24 && depth != 32 {
		return nil, deviceErr("pixel format", fmt.Errorf("unsupported depth %d", depth))
	}
	if len(data) < size.Bytes() {
		return nil, deviceErr("GetImage", fmt.Errorf("short image: got %d bytes, want %d", len(data), size.Bytes()))
	}

	buf, err := frame.NewBuffer(size)
	if err != nil {
		return nil, err
	}
	copy(buf.Pix, data[:size.Bytes()])
	if depth == 24 {
		for i := 3; i < len(buf.Pix); i += frame.BytesPerPixel {
			buf.Pix[i] = 0xFF
		}
	}
	return buf, nil
}

// ScreenRect returns the window's client area in root coordinates
func (c *X11Capturer) ScreenRect(h *window.Handle, size frame.Size) (image.Rectangle, error) {
	reply, err := xproto.TranslateCoordinates(c.conn, xproto.Window(h.ID), c.root, 0, 0).Reply()
	if err != nil {
		if window.IsX11WindowGone(err) {
			return image.Rectangle{}, fmt.Errorf("%w: %s", window.ErrWindowGone, h)
		}
		return image.Rectangle{}, deviceErr("TranslateCoordinates", err)
	}
	x, y := int(reply.DstX), int(reply.DstY)
	return image.Rect(x, y, x+size.Width, y+size.Height), nil
}

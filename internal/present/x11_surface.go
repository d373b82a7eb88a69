//go:build !windows

package present

import (
	"fmt"
	"sync"

	"github.com/BurntSushi/xgb"
	"github.com/BurntSushi/xgb/xproto"
	"github.com/bryanchriswhite/kgcapture/internal/config"
	"github.com/bryanchriswhite/kgcapture/internal/frame"
	"github.com/bryanchriswhite/kgcapture/internal/logger"
)

// X11Surface shows the back buffer in a plain X11 window
type X11Surface struct {
	cfg     config.PresentConfig
	conn    *xgb.Conn
	screen  *xproto.ScreenInfo
	win     xproto.Window
	gc      xproto.Gcontext
	size    frame.Size
	running bool
	mu      sync.Mutex
	pacer   *pacer

	wmProtocols xproto.Atom
	wmDelete    xproto.Atom
}

// NewX11Surface creates a surface; the X connection is opened by Start
func NewX11Surface(cfg config.PresentConfig) *X11Surface {
	return &X11Surface{
		cfg:   cfg,
		pacer: newPacer(cfg.RefreshHz),
	}
}

// Name returns the surface name
func (s *X11Surface) Name() string {
	return "X11 Window"
}

// Start creates and maps the window with a client area of size
func (s *X11Surface) Start(size frame.Size) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("surface already running")
	}
	if size.Empty() {
		return fmt.Errorf("invalid surface size %s", size)
	}

	conn, err := xgb.NewConn()
	if err != nil {
		return fmt.Errorf("failed to connect to X server: %w", err)
	}
	s.conn = conn
	s.screen = xproto.Setup(conn).DefaultScreen(conn)
	s.size = size

	log := logger.WithComponent("x11-surface")

	win, err := xproto.NewWindowId(conn)
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to create window ID: %w", err)
	}
	s.win = win

	mask := uint32(xproto.CwBackPixel | xproto.CwEventMask)
	values := []uint32{
		0x000000,
		xproto.EventMaskExposure | xproto.EventMaskStructureNotify,
	}
	err = xproto.CreateWindowChecked(
		conn,
		s.screen.RootDepth,
		win,
		s.screen.Root,
		100, 100,
		uint16(size.Width), uint16(size.Height),
		0,
		xproto.WindowClassInputOutput,
		s.screen.RootVisual,
		mask,
		values,
	).Check()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to create window: %w", err)
	}

	if err := s.setWindowTitle(s.cfg.WindowTitle); err != nil {
		log.Warn().Err(err).Msg("Failed to set window title")
	}
	if err := s.setWindowClass("kgcapture", "KGCapture"); err != nil {
		log.Warn().Err(err).Msg("Failed to set window class")
	}
	if err := s.enableDeleteWindow(); err != nil {
		log.Warn().Err(err).Msg("Failed to register WM_DELETE_WINDOW, closing the window will not exit cleanly")
	}

	if err := xproto.MapWindowChecked(conn, win).Check(); err != nil {
		conn.Close()
		return fmt.Errorf("failed to map window: %w", err)
	}

	gc, err := xproto.NewGcontextId(conn)
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to create graphics context: %w", err)
	}
	if err := xproto.CreateGCChecked(conn, gc, xproto.Drawable(win), 0, nil).Check(); err != nil {
		conn.Close()
		return fmt.Errorf("failed to create GC: %w", err)
	}
	s.gc = gc
	conn.Sync()

	s.running = true
	log.Info().
		Str("size", size.String()).
		Uint32("window_id", uint32(win)).
		Msg("Surface window created")
	return nil
}

// Close destroys the window and closes the connection
func (s *X11Surface) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}
	if s.gc != 0 {
		xproto.FreeGC(s.conn, s.gc)
	}
	if s.win != 0 {
		xproto.DestroyWindow(s.conn, s.win)
		s.conn.Sync()
	}
	s.conn.Close()
	s.running = false

	logger.WithComponent("x11-surface").Info().Msg("Surface window closed")
	return nil
}

// ResizeBuffers resizes the window's client area
func (s *X11Surface) ResizeBuffers(size frame.Size) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return fmt.Errorf("surface not running")
	}
	s.size = size
	return xproto.ConfigureWindowChecked(
		s.conn,
		s.win,
		xproto.ConfigWindowWidth|xproto.ConfigWindowHeight,
		[]uint32{uint32(size.Width), uint32(size.Height)},
	).Check()
}

// PollEvents drains pending X events without blocking
func (s *X11Surface) PollEvents(max int) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}

	var events []Event
	for i := 0; i < max; i++ {
		ev, err := s.conn.PollForEvent()
		if ev == nil && err == nil {
			break
		}
		if err != nil {
			logger.WithComponent("x11-surface").Debug().Err(err).Msg("X error while polling events")
			continue
		}

		switch e := ev.(type) {
		case xproto.ClientMessageEvent:
			if e.Window == s.win && e.Type == s.wmProtocols && len(e.Data.Data32) > 0 && xproto.Atom(e.Data.Data32[0]) == s.wmDelete {
				events = append(events, Event{Kind: EventClose})
			}
		case xproto.DestroyNotifyEvent:
			if e.Window == s.win {
				events = append(events, Event{Kind: EventClose})
			}
		case xproto.ConfigureNotifyEvent:
			size := frame.Size{Width: int(e.Width), Height: int(e.Height)}
			if e.Window == s.win && size != s.size {
				events = append(events, Event{Kind: EventResize, Size: size})
			}
		}
	}
	return events
}

// Present puts the back buffer into the window in bands that fit the X request limit
func (s *X11Surface) Present(bb *frame.Buffer, syncInterval int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return fmt.Errorf("surface not running")
	}
	if err := bb.Validate(); err != nil {
		return err
	}

	depth := s.screen.RootDepth
	setup := xproto.Setup(s.conn)

	var bitsPerPixel uint8
	for _, format := range setup.PixmapFormats {
		if format.Depth == depth {
			bitsPerPixel = format.BitsPerPixel
			break
		}
	}
	if bitsPerPixel != 32 {
		return fmt.Errorf("unsupported pixmap format: depth %d, %d bits per pixel", depth, bitsPerPixel)
	}

	// BGRA rows are already the ZPixmap layout of a 32bpp little-endian visual
	stride := bb.Stride()
	maxBytes := int(setup.MaximumRequestLength)*4 - 32
	rows := maxBytes / stride
	if rows < 1 {
		return fmt.Errorf("row of %d bytes exceeds the X request limit", stride)
	}

	for y := 0; y < bb.Height; y += rows {
		n := rows
		if y+n > bb.Height {
			n = bb.Height - y
		}
		err := xproto.PutImageChecked(
			s.conn,
			xproto.ImageFormatZPixmap,
			xproto.Drawable(s.win),
			s.gc,
			uint16(bb.Width),
			uint16(n),
			0, int16(y),
			0,
			depth,
			bb.Pix[y*stride:(y+n)*stride],
		).Check()
		if err != nil {
			return fmt.Errorf("failed to put image: %w", err)
		}
	}
	s.conn.Sync()

	s.pacer.wait(syncInterval)
	return nil
}

func (s *X11Surface) setWindowTitle(title string) error {
	titleAtom, err := s.getAtom("_NET_WM_NAME")
	if err != nil {
		return err
	}
	utf8Atom, err := s.getAtom("UTF8_STRING")
	if err != nil {
		return err
	}
	return xproto.ChangePropertyChecked(
		s.conn,
		xproto.PropModeReplace,
		s.win,
		titleAtom,
		utf8Atom,
		8,
		uint32(len(title)),
		[]byte(title),
	).Check()
}

// setWindowClass writes WM_CLASS as instance\0class\0
func (s *X11Surface) setWindowClass(instance, class string) error {
	classStr := instance + "\x00" + class + "\x00"
	return xproto.ChangePropertyChecked(
		s.conn,
		xproto.PropModeReplace,
		s.win,
		xproto.AtomWmClass,
		xproto.AtomString,
		8,
		uint32(len(classStr)),
		[]byte(classStr),
	).Check()
}

// enableDeleteWindow asks the window manager for a ClientMessage instead of a kill on close
func (s *X11Surface) enableDeleteWindow() error {
	protocols, err := s.getAtom("WM_PROTOCOLS")
	if err != nil {
		return err
	}
	deleteWindow, err := s.getAtom("WM_DELETE_WINDOW")
	if err != nil {
		return err
	}
	s.wmProtocols = protocols
	s.wmDelete = deleteWindow

	data := make([]byte, 4)
	xgb.Put32(data, uint32(deleteWindow))
	return xproto.ChangePropertyChecked(
		s.conn,
		xproto.PropModeReplace,
		s.win,
		protocols,
		xproto.AtomAtom,
		32,
		1,
		data,
	).Check()
}

func (s *X11Surface) getAtom(name string) (xproto.Atom, error) {
	reply, err := xproto.InternAtom(s.conn, false, uint16(len(name)), name).Reply()
	if err != nil {
		return 0, err
	}
	return reply.Atom, nil
}

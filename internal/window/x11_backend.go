package window

import (
	"fmt"
	"strings"
	"sync"

	"github.com/BurntSushi/xgb"
	"github.com/BurntSushi/xgb/xproto"
	"github.com/BurntSushi/xgbutil"
	"github.com/BurntSushi/xgbutil/ewmh"
	"github.com/BurntSushi/xgbutil/icccm"
	"github.com/bryanchriswhite/kgcapture/internal/frame"
	"github.com/bryanchriswhite/kgcapture/internal/logger"
)

// BackendX11 is the name reported by X11Backend
const BackendX11 = "x11"

// X11Backend implements the Backend interface using X11
type X11Backend struct {
	conn *xgb.Conn
	xu   *xgbutil.XUtil
	root xproto.Window
	mu   sync.Mutex
}

// NewX11Backend connects to the X server named by $DISPLAY
func NewX11Backend() (*X11Backend, error) {
	conn, err := xgb.NewConn()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to X server: %w", err)
	}

	xu, err := xgbutil.NewConnXgb(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize xgbutil: %w", err)
	}

	return &X11Backend{
		conn: conn,
		xu:   xu,
		root: xproto.Setup(conn).DefaultScreen(conn).Root,
	}, nil
}

// Name returns the backend name
func (b *X11Backend) Name() string {
	return BackendX11
}

// Close closes the X11 connection
func (b *X11Backend) Close() error {
	b.conn.Close()
	return nil
}

// Enumerate returns windows from EWMH _NET_CLIENT_LIST with a QueryTree fallback
func (b *X11Backend) Enumerate() ([]*Handle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	log := logger.WithComponent("x11-backend")

	windows, err := b.enumerateEWMH()
	if err == nil && len(windows) > 0 {
		log.Debug().Int("count", len(windows)).Msg("Enumerate: using EWMH _NET_CLIENT_LIST")
		return windows, nil
	}
	if err != nil {
		log.Debug().Err(err).Msg("Enumerate: EWMH failed, falling back to QueryTree")
	}

	windows, err = b.enumerateQueryTree()
	if err != nil {
		return nil, err
	}
	log.Debug().Int("count", len(windows)).Msg("Enumerate: using QueryTree fallback")
	return windows, nil
}

func (b *X11Backend) enumerateEWMH() ([]*Handle, error) {
	clients, err := ewmh.ClientListGet(b.xu)
	if err != nil {
		return nil, fmt.Errorf("failed to get client list: %w", err)
	}

	windows := make([]*Handle, 0, len(clients))
	for _, win := range clients {
		h := &Handle{ID: uint64(win), Backend: BackendX11}
		if name, err := ewmh.WmNameGet(b.xu, win); err == nil && name != "" {
			h.Title = name
		} else if name, err := icccm.WmNameGet(b.xu, win); err == nil {
			h.Title = name
		}
		if class, err := icccm.WmClassGet(b.xu, win); err == nil && class != nil {
			h.Class = class.Class
			if h.Class == "" {
				h.Class = class.Instance
			}
		}
		if pid, err := ewmh.WmPidGet(b.xu, win); err == nil {
			h.PID = int(pid)
		}
		h.Title = TruncateName(h.Title)
		h.Class = TruncateName(h.Class)
		windows = append(windows, h)
	}
	return windows, nil
}

func (b *X11Backend) enumerateQueryTree() ([]*Handle, error) {
	tree, err := xproto.QueryTree(b.conn, b.root).Reply()
	if err != nil {
		return nil, fmt.Errorf("failed to query tree: %w", err)
	}

	windows := make([]*Handle, 0, len(tree.Children))
	for _, child := range tree.Children {
		h := &Handle{ID: uint64(child), Backend: BackendX11}
		if title, err := b.getProperty(child, "_NET_WM_NAME"); err == nil {
			h.Title = title
		} else if title, err := b.getProperty(child, "WM_NAME"); err == nil {
			h.Title = title
		}
		// WM_CLASS is instance\0class\0
		if raw, err := b.getProperty(child, "WM_CLASS"); err == nil {
			parts := strings.Split(raw, "\x00")
			if len(parts) >= 2 && parts[1] != "" {
				h.Class = parts[1]
			} else if parts[0] != "" {
				h.Class = parts[0]
			}
		}
		if h.Title == "" && h.Class == "" {
			continue
		}
		h.Title = TruncateName(h.Title)
		h.Class = TruncateName(h.Class)
		windows = append(windows, h)
	}
	return windows, nil
}

// ClientSize returns the window geometry; X11 top-level windows have no separate non-client area
func (b *X11Backend) ClientSize(h *Handle) (frame.Size, error) {
	geom, err := xproto.GetGeometry(b.conn, xproto.Drawable(h.ID)).Reply()
	if err != nil {
		if IsX11WindowGone(err) {
			return frame.Size{}, fmt.Errorf("%w: %s", ErrWindowGone, h)
		}
		return frame.Size{}, fmt.Errorf("failed to get window geometry: %w", err)
	}
	return frame.Size{Width: int(geom.Width), Height: int(geom.Height)}, nil
}

// IsX11WindowGone reports whether an X error means the window was destroyed
func IsX11WindowGone(err error) bool {
	switch err.(type) {
	case xproto.WindowError, xproto.DrawableError:
		return true
	}
	return false
}

// getProperty gets a property value as a string
func (b *X11Backend) getProperty(win xproto.Window, name string) (string, error) {
	atom, err := xproto.InternAtom(b.conn, true, uint16(len(name)), name).Reply()
	if err != nil {
		return "", err
	}
	if atom.Atom == xproto.AtomNone {
		return "", fmt.Errorf("atom %s not interned", name)
	}

	reply, err := xproto.GetProperty(
		b.conn,
		false,
		win,
		atom.Atom,
		xproto.GetPropertyTypeAny,
		0,
		(1<<32)-1,
	).Reply()
	if err != nil {
		return "", err
	}

	if reply.ValueLen == 0 {
		return "", fmt.Errorf("empty property")
	}

	return string(reply.Value), nil
}

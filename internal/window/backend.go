package window

import (
	"errors"
	"fmt"
	"unicode/utf16"

	"github.com/bryanchriswhite/kgcapture/internal/frame"
)

var (
	// ErrNotFound is returned when enumeration finishes without a title match
	ErrNotFound = errors.New("window: not found")

	// ErrWindowGone is returned when a previously located window no longer exists
	ErrWindowGone = errors.New("window: gone")
)

// MaxNameUnits is the capacity of the title and class buffers, terminator included.
// Longer names are truncated, never corrected.
const MaxNameUnits = 256

// Handle is an opaque reference to a top-level OS window plus the strings used to find it
type Handle struct {
	ID      uint64 `json:"id"`
	Title   string `json:"title"`
	Class   string `json:"class"`
	PID     int    `json:"pid,omitempty"`
	Backend string `json:"backend"`
}

func (h *Handle) String() string {
	return fmt.Sprintf("%s:%#x %q", h.Backend, h.ID, h.Title)
}

// SameWindow reports whether two handles refer to the same underlying window
func (h *Handle) SameWindow(other *Handle) bool {
	if h == nil || other == nil {
		return false
	}
	return h.Backend == other.Backend && h.ID == other.ID
}

// Backend defines the interface for window discovery backends (X11, Win32)
type Backend interface {
	// Name returns the backend name (e.g., "x11", "win32")
	Name() string

	// Enumerate returns every top-level window in OS order
	Enumerate() ([]*Handle, error)

	// ClientSize returns the current client area size of the window
	ClientSize(h *Handle) (frame.Size, error)

	// Close releases the display connection
	Close() error
}

// TruncateName cuts s to what fits a MaxNameUnits UTF-16 buffer with its terminator
func TruncateName(s string) string {
	units := utf16.Encode([]rune(s))
	if len(units) < MaxNameUnits {
		return s
	}
	units = units[:MaxNameUnits-1]
	// Drop a dangling high surrogate rather than emit U+FFFD
	if last := units[len(units)-1]; last >= 0xD800 && last < 0xDC00 {
		units = units[:len(units)-1]
	}
	return string(utf16.Decode(units))
}

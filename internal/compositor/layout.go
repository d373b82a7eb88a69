// Package compositor stacks region textures vertically into one render
// target and hands the result to the presentation surface.
package compositor

import (
	"github.com/bryanchriswhite/kgcapture/internal/config"
	"github.com/bryanchriswhite/kgcapture/internal/frame"
)

// Entry places one region in the back buffer
type Entry struct {
	Size   frame.Size `json:"size"`
	Offset int        `json:"offset"`
}

// Layout is the vertical stack of regions in target order
type Layout struct {
	Entries []Entry        `json:"entries"`
	Padding config.Padding `json:"padding"`
	Width   int            `json:"width"`
	Height  int            `json:"height"`
}

// ComputeLayout stacks sizes top to bottom.
// Offsets are cumulative heights; the padding only grows the total size.
func ComputeLayout(sizes []frame.Size, padding config.Padding) Layout {
	l := Layout{
		Entries: make([]Entry, len(sizes)),
		Padding: padding,
	}
	offset := 0
	for i, s := range sizes {
		l.Entries[i] = Entry{Size: s, Offset: offset}
		offset += s.Height
		if s.Width > l.Width {
			l.Width = s.Width
		}
	}
	l.Width += padding.Width
	l.Height = offset + padding.Height
	return l
}

// Size returns the back buffer size
func (l Layout) Size() frame.Size {
	return frame.Size{Width: l.Width, Height: l.Height}
}

// Sizes returns the region sizes in order
func (l Layout) Sizes() []frame.Size {
	out := make([]frame.Size, len(l.Entries))
	for i, e := range l.Entries {
		out[i] = e.Size
	}
	return out
}

// With returns the layout recomputed with region i resized
func (l Layout) With(i int, size frame.Size) Layout {
	sizes := l.Sizes()
	if i >= 0 && i < len(sizes) {
		sizes[i] = size
	}
	return ComputeLayout(sizes, l.Padding)
}

// Equal compares sizes, offsets and padding
func (l Layout) Equal(o Layout) bool {
	if l.Width != o.Width || l.Height != o.Height || l.Padding != o.Padding || len(l.Entries) != len(o.Entries) {
		return false
	}
	for i := range l.Entries {
		if l.Entries[i] != o.Entries[i] {
			return false
		}
	}
	return true
}

// TargetSize is the layout size clamped to at least one pixel
func (l Layout) TargetSize() frame.Size {
	s := l.Size()
	if s.Width < 1 {
		s.Width = 1
	}
	if s.Height < 1 {
		s.Height = 1
	}
	return s
}

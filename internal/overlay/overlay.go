// Package overlay draws region labels onto streamed frames.
// It only ever touches the encoder's copy of a frame, never the back buffer.
package overlay

import (
	"image"
	"image/color"
	"sync"

	"github.com/bryanchriswhite/kgcapture/internal/compositor"
	"github.com/bryanchriswhite/kgcapture/internal/logger"
	"github.com/bryanchriswhite/kgcapture/internal/pipeline"
	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

const (
	padding    = 3
	lineHeight = 13
)

var (
	textColor   = color.RGBA{255, 255, 255, 255}
	background  = color.RGBA{0, 0, 0, 160}
	warnColor   = color.RGBA{255, 200, 0, 255}
	normalState = "accepted"
)

// Label is one line of text anchored at a top-left point
type Label struct {
	Text string
	X, Y int
	Warn bool
}

// Labeler renders labels; it can be toggled while frames are streaming
type Labeler struct {
	mu      sync.RWMutex
	enabled bool
	face    font.Face
}

// NewLabeler creates a labeler using the built-in 7x13 face
func NewLabeler(enabled bool) *Labeler {
	return &Labeler{enabled: enabled, face: basicfont.Face7x13}
}

// SetEnabled turns drawing on or off
func (l *Labeler) SetEnabled(enabled bool) {
	l.mu.Lock()
	changed := l.enabled != enabled
	l.enabled = enabled
	l.mu.Unlock()
	if changed {
		logger.WithComponent("overlay").Info().Bool("enabled", enabled).Msg("Region labels toggled")
	}
}

// IsEnabled reports whether labels are drawn
func (l *Labeler) IsEnabled() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.enabled
}

// Draw renders each label over a translucent box, clipped to img
func (l *Labeler) Draw(img *image.RGBA, labels []Label) {
	if !l.IsEnabled() {
		return
	}
	for _, lb := range labels {
		if lb.Text == "" {
			continue
		}
		d := &font.Drawer{Face: l.face}
		width := d.MeasureString(lb.Text).Ceil()

		box := image.Rect(lb.X, lb.Y, lb.X+width+2*padding, lb.Y+lineHeight+2*padding).Intersect(img.Bounds())
		if box.Empty() {
			continue
		}
		xdraw.Draw(img, box, image.NewUniform(background), image.Point{}, xdraw.Over)

		fg := textColor
		if lb.Warn {
			fg = warnColor
		}
		d.Dst = img
		d.Src = image.NewUniform(fg)
		d.Dot = fixed.P(lb.X+padding, lb.Y+padding+l.face.Metrics().Ascent.Ceil())
		d.DrawString(lb.Text)
	}
}

// RegionLabels labels each region at its layout offset with its name and,
// when the last tick did not accept it, its disposition
func RegionLabels(layout compositor.Layout, ts pipeline.TickStats) []Label {
	labels := make([]Label, 0, len(ts.Regions))
	for i, r := range ts.Regions {
		if i >= len(layout.Entries) {
			break
		}
		lb := Label{Text: r.Name, Y: layout.Entries[i].Offset}
		if r.Disposition != "" && r.Disposition != normalState {
			lb.Text += " [" + r.Disposition + "]"
			lb.Warn = true
		}
		labels = append(labels, lb)
	}
	return labels
}

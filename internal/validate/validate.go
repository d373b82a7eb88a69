// Package validate rejects captures poisoned by the transient white overlay
// the target paints during its own repaint.
//
// The heuristic inspects only the first pixel of every row: a red channel
// of 0xFF there marks the whole frame as poisoned. Poison that leaves
// column 0 untouched is accepted. Legitimate content with full red in
// column 0 is rejected and recovered by the retry policy.
package validate

import (
	"github.com/bryanchriswhite/kgcapture/internal/frame"
)

// redOffset is the red byte within a BGRA8 pixel
const redOffset = 2

// PoisonRed is the red value that marks a poisoned row
const PoisonRed = 0xFF

// Rejection reasons
const (
	ReasonPoisoned = "poisoned"
	ReasonInvalid  = "invalid-buffer"
)

// Outcome is either accepted with its buffer or rejected with a reason, never both
type Outcome struct {
	buf    *frame.Buffer
	reason string
	row    int
}

// Accepted reports whether the buffer passed validation
func (o Outcome) Accepted() bool {
	return o.buf != nil
}

// Buffer returns the accepted buffer, or nil when rejected
func (o Outcome) Buffer() *frame.Buffer {
	return o.buf
}

// Reason returns the rejection reason, or "" when accepted
func (o Outcome) Reason() string {
	return o.reason
}

// Row returns the first poisoned row, or -1
func (o Outcome) Row() int {
	return o.row
}

// Validate scans column 0 of every row and rejects on the first full-red pixel.
// It is pure and deterministic.
func Validate(buf *frame.Buffer) Outcome {
	if err := buf.Validate(); err != nil {
		return Outcome{reason: ReasonInvalid, row: -1}
	}
	stride := buf.Stride()
	for y := 0; y < buf.Height; y++ {
		if buf.Pix[y*stride+redOffset] == PoisonRed {
			return Outcome{reason: ReasonPoisoned, row: y}
		}
	}
	return Outcome{buf: buf, row: -1}
}

package pipeline

import (
	"errors"
	"fmt"

	"github.com/bryanchriswhite/kgcapture/internal/capture"
	"github.com/bryanchriswhite/kgcapture/internal/compositor"
	"github.com/bryanchriswhite/kgcapture/internal/frame"
	"github.com/bryanchriswhite/kgcapture/internal/gpu"
	"github.com/bryanchriswhite/kgcapture/internal/window"
)

// Kind groups errors by how the loop reacts to them
type Kind int

const (
	KindUnknown Kind = iota
	// KindNotFound: no window matched at startup; fatal once the backoff is exhausted
	KindNotFound
	// KindWindowGone: a located window closed; relocated with backoff
	KindWindowGone
	// KindCaptureDevice: an OS capture call failed; region skipped this tick
	KindCaptureDevice
	// KindValidationRejected: every attempt was poisoned; handled by the retry policy
	KindValidationRejected
	// KindDeviceAllocation: a texture or target could not be created
	KindDeviceAllocation
	// KindDeviceLost: the graphics device went away
	KindDeviceLost
	// KindPresent: the surface refused the frame; logged and ignored
	KindPresent
)

var kindNames = map[Kind]string{
	KindUnknown:            "unknown",
	KindNotFound:           "not-found",
	KindWindowGone:         "window-gone",
	KindCaptureDevice:      "capture-device",
	KindValidationRejected: "validation-rejected",
	KindDeviceAllocation:   "device-allocation",
	KindDeviceLost:         "device-lost",
	KindPresent:            "present",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// MarshalText lets kinds appear by name in JSON
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText accepts the names MarshalText produces
func (k *Kind) UnmarshalText(text []byte) error {
	for kind, name := range kindNames {
		if name == string(text) {
			*k = kind
			return nil
		}
	}
	return fmt.Errorf("unknown error kind %q", text)
}

// Fatal reports whether the loop must stop on this kind
func (k Kind) Fatal() bool {
	return k == KindNotFound
}

// Error is a classified pipeline failure for one region
type Error struct {
	Kind   Kind
	Region string
	Err    error
}

func (e *Error) Error() string {
	if e.Region == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s (region %s): %v", e.Kind, e.Region, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// wrap classifies err for region; nil stays nil
func wrap(region string, err error) error {
	if err == nil {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) {
		return err
	}
	return &Error{Kind: Classify(err), Region: region, Err: err}
}

// Classify maps an error from any pipeline stage to its Kind
func Classify(err error) Kind {
	var pe *Error
	switch {
	case err == nil:
		return KindUnknown
	case errors.As(err, &pe):
		return pe.Kind
	case errors.Is(err, window.ErrNotFound):
		return KindNotFound
	case errors.Is(err, window.ErrWindowGone):
		return KindWindowGone
	case errors.Is(err, capture.ErrDevice):
		return KindCaptureDevice
	case errors.Is(err, gpu.ErrDeviceLost):
		return KindDeviceLost
	case errors.Is(err, gpu.ErrAllocation), errors.Is(err, frame.ErrSizeMismatch):
		return KindDeviceAllocation
	case errors.Is(err, compositor.ErrPresent):
		return KindPresent
	default:
		return KindUnknown
	}
}

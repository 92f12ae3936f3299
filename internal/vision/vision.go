// Package vision defines the optional frame-inspection seam: a point where
// a future build could run face or motion detection over decoded frames
// before they reach the sink. No computer-vision library is wired in here;
// the core never calls anything in this package. It exists so that a
// Detector can be plugged into a session later without reshaping the pump.
package vision

import "context"

// Detector inspects a single JPEG frame and reports whether it was worth
// forwarding downstream. Implementations are expected to be fast relative
// to the stream's frame interval; a slow Detector should decimate its own
// input rather than block the pump.
type Detector interface {
	Inspect(ctx context.Context, frame []byte) (bool, error)
}

// Noop is a Detector that accepts every frame. It is the only
// implementation in this repository.
type Noop struct{}

func (Noop) Inspect(ctx context.Context, frame []byte) (bool, error) { return true, nil }

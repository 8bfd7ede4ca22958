// Package radio defines the boundary to the physical radio. The mesh and
// transport layers treat it as an unreliable, best-effort datagram channel
// with a small maximum frame size.
package radio

import (
	"context"
	"errors"

	"github.com/brambleworks/bramble/state"
)

// ErrClosed is returned once the driver has been shut down.
var ErrClosed = errors.New("radio driver closed")

// Driver is the only component that touches the physical channel. The radio
// is half-duplex: callers must not assume a send and a receive can overlap.
type Driver interface {
	// SendFrame transmits one raw frame. A nil error means the frame left
	// the radio, not that anyone received it.
	SendFrame(frame []byte) error

	// ReceiveFrame blocks until a frame arrives, the context is cancelled,
	// or the driver is closed.
	ReceiveFrame(ctx context.Context) ([]byte, error)

	// LastSignalQuality reports the RSSI/SNR measured on the most recently
	// received frame.
	LastSignalQuality() state.SignalQuality

	// MaxFrameSize is the largest frame the radio will accept.
	MaxFrameSize() int

	Close() error
}

// Package serial drives a LoRa modem attached over a UART. The modem speaks
// a simple length-prefixed framing: every frame on the wire is
//
//	0xB4 0xC2 | len (2, big endian) | rssi (2) | snr*4 (2) | payload
//
// where the signal report covers the frame as received by the modem. On
// transmit the signal report bytes are sent as zero and ignored by the
// modem.
package serial

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/brambleworks/bramble/radio"
	"github.com/brambleworks/bramble/state"
	goserial "go.bug.st/serial"
)

const (
	magic0 = 0xB4
	magic1 = 0xC2

	reportSize   = 4
	maxFrameSize = 255
)

// Driver is a radio.Driver over a serial port.
type Driver struct {
	port io.ReadWriteCloser

	mu     sync.Mutex // serializes port writes; the modem is half-duplex
	lastMu sync.Mutex
	last   state.SignalQuality

	frames chan []byte
	done   chan struct{}
}

var _ radio.Driver = (*Driver)(nil)

// Open opens the modem at the given device path. A baud of 0 selects
// 115200.
func Open(device string, baud int) (*Driver, error) {
	if baud == 0 {
		baud = 115200
	}
	port, err := goserial.Open(device, &goserial.Mode{BaudRate: baud})
	if err != nil {
		return nil, fmt.Errorf("failed to open radio port: %w", err)
	}
	d := &Driver{
		port:   port,
		frames: make(chan []byte, 8),
		done:   make(chan struct{}),
	}
	go d.readLoop()
	return d, nil
}

func (d *Driver) SendFrame(frame []byte) error {
	if len(frame) > maxFrameSize {
		return fmt.Errorf("frame of %d bytes exceeds radio maximum %d", len(frame), maxFrameSize)
	}
	header := make([]byte, 4+reportSize)
	header[0] = magic0
	header[1] = magic1
	binary.BigEndian.PutUint16(header[2:4], uint16(len(frame)+reportSize))

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, err := d.port.Write(header); err != nil {
		return fmt.Errorf("radio write failed: %w", err)
	}
	if _, err := d.port.Write(frame); err != nil {
		return fmt.Errorf("radio write failed: %w", err)
	}
	return nil
}

func (d *Driver) ReceiveFrame(ctx context.Context) ([]byte, error) {
	select {
	case frame, ok := <-d.frames:
		if !ok {
			return nil, radio.ErrClosed
		}
		return frame, nil
	case <-d.done:
		return nil, radio.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (d *Driver) LastSignalQuality() state.SignalQuality {
	d.lastMu.Lock()
	defer d.lastMu.Unlock()
	return d.last
}

func (d *Driver) MaxFrameSize() int { return maxFrameSize }

func (d *Driver) Close() error {
	select {
	case <-d.done:
		return nil
	default:
	}
	close(d.done)
	return d.port.Close()
}

// readLoop resynchronizes on the magic bytes, the same way a stream
// transport skips garbage between frames.
func (d *Driver) readLoop() {
	defer close(d.frames)
	header := make([]byte, 4)
	for {
		if _, err := io.ReadFull(d.port, header[:1]); err != nil {
			return
		}
		if header[0] != magic0 {
			continue
		}
		if _, err := io.ReadFull(d.port, header[1:2]); err != nil {
			return
		}
		if header[1] != magic1 {
			continue
		}
		if _, err := io.ReadFull(d.port, header[2:4]); err != nil {
			return
		}
		frameLen := int(binary.BigEndian.Uint16(header[2:4]))
		if frameLen < reportSize || frameLen > maxFrameSize+reportSize {
			continue
		}
		buf := make([]byte, frameLen)
		if _, err := io.ReadFull(d.port, buf); err != nil {
			return
		}

		quality := state.SignalQuality{
			Rssi: int16(binary.BigEndian.Uint16(buf[0:2])),
			Snr:  float32(int16(binary.BigEndian.Uint16(buf[2:4]))) / 4,
		}
		d.lastMu.Lock()
		d.last = quality
		d.lastMu.Unlock()

		select {
		case d.frames <- buf[reportSize:]:
		case <-d.done:
			return
		}
	}
}

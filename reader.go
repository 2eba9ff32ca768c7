// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package mqtt

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync/atomic"
	"syscall"

	"github.com/mochi-mqtt/durable/packets"
	"github.com/mochi-mqtt/durable/system"
)

// ReadState is the position of a Reader within the packet it is assembling.
type ReadState byte

const (
	AwaitingCommand ReadState = iota // waiting for the command byte
	AwaitingLength                   // reading the remaining length
	AwaitingPayload                  // filling the payload buffer
	Complete                         // a packet has been assembled
)

// progressThreshold is the number of outstanding payload bytes above which a
// stalled read still counts as client activity.
const progressThreshold = 1000

// String returns the name of the state.
func (s ReadState) String() string {
	switch s {
	case AwaitingCommand:
		return "awaiting command"
	case AwaitingLength:
		return "awaiting length"
	case AwaitingPayload:
		return "awaiting payload"
	case Complete:
		return "complete"
	default:
		return "unknown"
	}
}

// Reader incrementally assembles packets from a byte stream. Each call to
// ReadPacket advances as far as the available data permits and keeps its
// progress for the next call. A Reader is owned by a single goroutine.
type Reader struct {
	MaximumPacketSize uint32       // the largest packet accepted, no limit if 0
	ProtocolVersion   byte         // the protocol version of the connection, once known
	SkipConnectCheck  bool         // allow packets other than CONNECT first, as bridges do
	OnProgress        func()       // called when a payload read stalls with many bytes outstanding
	OnOversize        func()       // called before an oversize packet is rejected on a v5 connection
	Info              *system.Info // counters to update, optional

	state     ReadState
	command   byte
	length    packets.LengthDecoder
	payload   []byte
	pos       int
	connected bool // a CONNECT command has been read
	one       [1]byte
}

// State returns the current read state.
func (r *Reader) State() ReadState {
	return r.state
}

// Reset discards any partially read packet.
func (r *Reader) Reset() {
	r.state = AwaitingCommand
	r.command = 0
	r.length.Reset()
	r.payload = nil
	r.pos = 0
}

// ReadPacket reads from src until a packet is complete or src would block. A
// nil packet with a nil error means no packet is ready yet. Any error leaves
// the reader reset and the connection should be closed.
func (r *Reader) ReadPacket(src io.Reader) (*packets.Buffer, error) {
	pk, err := r.readPacket(src)
	if err != nil {
		if errors.Is(err, packets.ErrWouldBlock) {
			return nil, nil
		}
		r.Reset()
		return nil, err
	}
	return pk, nil
}

func (r *Reader) readPacket(src io.Reader) (*packets.Buffer, error) {
	if r.state == AwaitingCommand {
		b, err := r.readByte(src)
		if err != nil {
			return nil, err
		}

		if !r.SkipConnectCheck && !r.connected {
			if b>>4 != packets.Connect {
				return nil, packets.ErrProtocolViolationRequireFirstConnect
			}
			r.connected = true
		}

		r.command = b
		r.state = AwaitingLength
	}

	if r.state == AwaitingLength {
		for {
			b, err := r.readByte(src)
			if err != nil {
				return nil, err
			}

			done, err := r.length.Step(b)
			if err != nil {
				return nil, err
			}

			if done {
				break
			}
		}

		remaining := r.length.Value()
		if r.MaximumPacketSize > 0 && remaining+1 > r.MaximumPacketSize {
			if r.ProtocolVersion == packets.Version5 && r.OnOversize != nil {
				r.OnOversize()
			}
			return nil, packets.ErrPacketTooLarge
		}

		r.payload = make([]byte, remaining)
		r.pos = 0
		r.state = AwaitingPayload
	}

	for r.pos < len(r.payload) {
		n, err := src.Read(r.payload[r.pos:])
		if n > 0 {
			r.pos += n
			r.count(n)
			continue
		}

		if err = classify(err); errors.Is(err, packets.ErrWouldBlock) {
			if len(r.payload)-r.pos > progressThreshold && r.OnProgress != nil {
				r.OnProgress()
			}
		}
		return nil, err
	}

	r.state = Complete
	pk := packets.NewIncoming(r.command, r.payload)
	if r.Info != nil {
		atomic.AddInt64(&r.Info.PacketsReceived, 1)
		if pk.Type() == packets.Publish {
			atomic.AddInt64(&r.Info.MessagesReceived, 1)
		}
	}

	r.Reset()
	return pk, nil
}

// readByte reads a single byte from src.
func (r *Reader) readByte(src io.Reader) (byte, error) {
	n, err := src.Read(r.one[:])
	if n == 1 {
		r.count(1)
		return r.one[0], nil
	}

	return 0, classify(err)
}

func (r *Reader) count(n int) {
	if r.Info != nil {
		atomic.AddInt64(&r.Info.BytesReceived, int64(n))
	}
}

// classify maps a stream error onto the framing error taxonomy. A read which
// returned no bytes and no error is treated as would-block.
func classify(err error) error {
	switch {
	case err == nil:
		return packets.ErrWouldBlock
	case errors.Is(err, packets.ErrWouldBlock):
		return packets.ErrWouldBlock
	case errors.Is(err, os.ErrDeadlineExceeded):
		return packets.ErrWouldBlock
	case errors.Is(err, syscall.EAGAIN), errors.Is(err, syscall.EINTR):
		return packets.ErrWouldBlock
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, io.ErrClosedPipe), errors.Is(err, net.ErrClosed):
		return ErrConnectionClosed
	case errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.EPIPE):
		return fmt.Errorf("%w: %v", ErrConnectionClosed, err)
	}

	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return packets.ErrWouldBlock
	}

	return err
}

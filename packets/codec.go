// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package packets

import (
	"bytes"
	"encoding/binary"
	"io"
	"unicode/utf8"
)

const (
	// MaxRemainingLength is the largest value a 4 byte variable byte integer can hold.
	MaxRemainingLength uint32 = 268435455

	// maxLengthBytes is the number of bytes a remaining length may occupy on the wire.
	maxLengthBytes = 4
)

// LengthBytes returns the number of bytes needed to encode a remaining length.
func LengthBytes(length uint32) int {
	switch {
	case length < 128:
		return 1
	case length < 16384:
		return 2
	case length < 2097152:
		return 3
	case length <= MaxRemainingLength:
		return 4
	default:
		return 5
	}
}

// AppendLength appends the variable byte integer encoding of length to dst.
// Values which would need a fifth byte return ErrRemainingLengthTooLarge.
func AppendLength(dst []byte, length uint32) ([]byte, error) {
	// 1.5.5 Variable Byte Integer encode non-normative
	// https://docs.oasis-open.org/mqtt/mqtt/v5.0/os/mqtt-v5.0-os.html#_Toc3901027
	if length > MaxRemainingLength {
		return dst, ErrRemainingLengthTooLarge
	}

	for {
		eb := byte(length % 128)
		length /= 128
		if length > 0 {
			eb |= 0x80
		}
		dst = append(dst, eb)
		if length == 0 {
			return dst, nil // [MQTT-1.5.5-1]
		}
	}
}

// EncodeLength writes the length bits for the header.
func EncodeLength(b *bytes.Buffer, length uint32) error {
	var tmp [maxLengthBytes]byte
	out, err := AppendLength(tmp[:0], length)
	if err != nil {
		return err
	}
	b.Write(out)
	return nil
}

// LengthDecoder accumulates a variable byte integer one byte at a time, so that
// a remaining length split across several reads can be resumed.
type LengthDecoder struct {
	value      uint32
	multiplier uint32
	count      int
}

// Step consumes the next length byte. It returns true once the terminating byte
// has been seen. A fifth byte is a malformed length and returns an error, which
// stops a hostile peer from announcing an unbounded packet.
func (d *LengthDecoder) Step(eb byte) (bool, error) {
	if d.count >= maxLengthBytes {
		return false, ErrMalformedVariableByteInteger
	}

	if d.count == 0 {
		d.multiplier = 1
	}

	d.value += uint32(eb&127) * d.multiplier
	d.multiplier *= 128
	d.count++

	if eb&128 == 0 {
		return true, nil
	}

	if d.count == maxLengthBytes {
		return false, ErrMalformedVariableByteInteger
	}

	return false, nil
}

// Value returns the decoded value.
func (d *LengthDecoder) Value() uint32 {
	return d.value
}

// Count returns the number of length bytes consumed so far.
func (d *LengthDecoder) Count() int {
	return d.count
}

// Reset clears the decoder for the next packet.
func (d *LengthDecoder) Reset() {
	*d = LengthDecoder{}
}

// DecodeLength reads a variable byte integer from b, returning the value and the
// number of bytes it occupied.
func DecodeLength(b io.ByteReader) (n, bu int, err error) {
	var d LengthDecoder
	for {
		eb, err := b.ReadByte()
		if err != nil {
			return 0, d.Count(), err
		}

		done, err := d.Step(eb)
		if err != nil {
			return 0, d.Count(), err
		}

		if done {
			return int(d.Value()), d.Count(), nil
		}
	}
}

// decodeUint16 extracts the value of two bytes from a byte array.
func decodeUint16(buf []byte, offset int) (uint16, int, error) {
	if len(buf) < offset+2 {
		return 0, 0, ErrMalformedOffsetUintOutOfRange
	}

	return binary.BigEndian.Uint16(buf[offset : offset+2]), offset + 2, nil
}

// decodeBytes extracts a length prefixed byte array from a byte array, beginning at an offset.
func decodeBytes(buf []byte, offset int) ([]byte, int, error) {
	length, next, err := decodeUint16(buf, offset)
	if err != nil {
		return make([]byte, 0), 0, err
	}

	if next+int(length) > len(buf) {
		return make([]byte, 0), 0, ErrMalformedOffsetBytesOutOfRange
	}

	return buf[next : next+int(length)], next + int(length), nil
}

// validUTF8 checks if the byte array contains valid UTF-8 characters.
func validUTF8(b []byte) bool {
	return utf8.Valid(b) && bytes.IndexByte(b, 0x00) == -1 // [MQTT-1.5.4-1] [MQTT-1.5.4-2]
}

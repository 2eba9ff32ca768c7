// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package packets

import (
	"encoding/binary"
)

// Buffer owns the bytes of a single packet and a cursor over them.
//
// An incoming Buffer holds only the variable header and payload, as assembled by
// a reader. An outgoing Buffer, created with NewBuffer, holds the complete frame
// including the fixed header, with the cursor positioned after the header.
type Buffer struct {
	data      []byte // packet bytes
	header    int    // the number of fixed header bytes at the start of data
	pos       int    // read or write cursor
	Remaining uint32 // the decoded or declared remaining length
	PacketID  uint16 // the packet identifier, if the owner needs to track it
	Command   byte   // the command and flags byte
}

// NewBuffer allocates an outgoing packet with room for remaining bytes after the
// fixed header. The fixed header is written immediately.
func NewBuffer(command byte, remaining uint32) (*Buffer, error) {
	n := LengthBytes(remaining)
	if n > maxLengthBytes {
		return nil, ErrRemainingLengthTooLarge
	}

	data := make([]byte, 1, 1+n+int(remaining))
	data[0] = command
	data, _ = AppendLength(data, remaining)
	header := len(data)
	data = data[:header+int(remaining)]

	return &Buffer{
		data:      data,
		header:    header,
		pos:       header,
		Remaining: remaining,
		Command:   command,
	}, nil
}

// NewIncoming wraps an assembled payload for reading.
func NewIncoming(command byte, payload []byte) *Buffer {
	return &Buffer{
		data:      payload,
		Remaining: uint32(len(payload)),
		Command:   command,
	}
}

// Type returns the packet type from the command byte.
func (b *Buffer) Type() byte {
	return b.Command >> 4
}

// FixedHeader decodes the command byte into a FixedHeader.
func (b *Buffer) FixedHeader() (FixedHeader, error) {
	fh := FixedHeader{Remaining: b.Remaining}
	err := fh.Decode(b.Command)
	return fh, err
}

// Bytes returns all bytes held by the buffer.
func (b *Buffer) Bytes() []byte {
	return b.data
}

// Payload returns the bytes following the fixed header.
func (b *Buffer) Payload() []byte {
	return b.data[b.header:]
}

// Len returns the number of bytes held by the buffer.
func (b *Buffer) Len() int {
	return len(b.data)
}

// Pos returns the cursor position.
func (b *Buffer) Pos() int {
	return b.pos
}

// Unread returns the number of bytes between the cursor and the end of the buffer.
func (b *Buffer) Unread() int {
	return len(b.data) - b.pos
}

// ReadByte reads a single byte and advances the cursor.
func (b *Buffer) ReadByte() (byte, error) {
	if b.pos >= len(b.data) {
		return 0, ErrMalformedOffsetByteOutOfRange
	}
	v := b.data[b.pos]
	b.pos++
	return v, nil
}

// ReadUint16 reads a big-endian uint16 and advances the cursor.
func (b *Buffer) ReadUint16() (uint16, error) {
	v, next, err := decodeUint16(b.data, b.pos)
	if err != nil {
		return 0, err
	}
	b.pos = next
	return v, nil
}

// ReadBytes reads a length prefixed byte array. The returned slice aliases the buffer.
func (b *Buffer) ReadBytes() ([]byte, error) {
	v, next, err := decodeBytes(b.data, b.pos)
	if err != nil {
		return nil, err
	}
	b.pos = next
	return v, nil
}

// ReadString reads a length prefixed UTF-8 string.
func (b *Buffer) ReadString() (string, error) {
	v, err := b.ReadBytes()
	if err != nil {
		return "", err
	}

	if !validUTF8(v) { // [MQTT-1.5.4-1] [MQTT-3.1.3-5]
		return "", ErrMalformedInvalidUTF8
	}

	return string(v), nil
}

// ReadRemaining returns all unread bytes and moves the cursor to the end.
func (b *Buffer) ReadRemaining() []byte {
	v := b.data[b.pos:]
	b.pos = len(b.data)
	return v
}

// WriteByte writes a single byte at the cursor.
func (b *Buffer) WriteByte(v byte) error {
	if b.pos+1 > len(b.data) {
		return ErrBufferOverflow
	}
	b.data[b.pos] = v
	b.pos++
	return nil
}

// WriteUint16 writes a big-endian uint16 at the cursor.
func (b *Buffer) WriteUint16(v uint16) error {
	if b.pos+2 > len(b.data) {
		return ErrBufferOverflow
	}
	binary.BigEndian.PutUint16(b.data[b.pos:], v)
	b.pos += 2
	return nil
}

// WriteBytes writes raw bytes at the cursor, without a length prefix.
func (b *Buffer) WriteBytes(v []byte) error {
	if b.pos+len(v) > len(b.data) {
		return ErrBufferOverflow
	}
	b.pos += copy(b.data[b.pos:], v)
	return nil
}

// WriteString writes a length prefixed string at the cursor.
func (b *Buffer) WriteString(v string) error {
	if len(v) > 65535 {
		return ErrMalformedOffsetBytesOutOfRange
	}

	if err := b.WriteUint16(uint16(len(v))); err != nil {
		return err
	}

	return b.WriteBytes([]byte(v))
}

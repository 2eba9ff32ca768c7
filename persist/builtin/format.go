// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package builtin

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/mochi-mqtt/durable/mempool"
	"github.com/mochi-mqtt/durable/persist"
	"github.com/mochi-mqtt/durable/storage"
)

// Version is the file format version written by this package.
const Version uint32 = 3

// magic is the fixed header which begins every database file.
var magic = [15]byte{0x00, 0xB5, 0x00, 'm', 'o', 's', 'q', 'u', 'i', 't', 't', 'o', ' ', 'd', 'b'}

// Chunk types.
const (
	chunkConfig    uint16 = 1
	chunkMsgStore  uint16 = 2
	chunkClientMsg uint16 = 3
	chunkRetain    uint16 = 4
	chunkSub       uint16 = 5
	chunkClient    uint16 = 6
)

const (
	headerLen      = len(magic) + 4 + 4 // magic, crc, version
	chunkHeaderLen = 2 + 4              // type, length
	dbidSize       = 8

	maxPooledChunk = 64 * 1024 // chunk scratch buffers larger than this are not reused
)

var chunkPool = mempool.NewBuffer(maxPooledChunk)

// encoder appends big-endian fields to a buffer.
type encoder struct {
	buf *bytes.Buffer
	tmp [8]byte
}

func newEncoder(buf *bytes.Buffer) *encoder {
	return &encoder{buf: buf}
}

func (e *encoder) u8(v byte) {
	e.buf.WriteByte(v)
}

func (e *encoder) u16(v uint16) {
	binary.BigEndian.PutUint16(e.tmp[:2], v)
	e.buf.Write(e.tmp[:2])
}

func (e *encoder) u32(v uint32) {
	binary.BigEndian.PutUint32(e.tmp[:4], v)
	e.buf.Write(e.tmp[:4])
}

func (e *encoder) u64(v uint64) {
	binary.BigEndian.PutUint64(e.tmp[:8], v)
	e.buf.Write(e.tmp[:8])
}

func (e *encoder) str(v string) error {
	if len(v) > math.MaxUint16 {
		return fmt.Errorf("string of %d bytes exceeds field size", len(v))
	}
	e.u16(uint16(len(v)))
	e.buf.WriteString(v)
	return nil
}

func (e *encoder) bool(v bool) {
	if v {
		e.u8(1)
		return
	}
	e.u8(0)
}

// chunk writes a chunk header followed by a payload written by fn.
func (e *encoder) chunk(kind uint16, fn func(c *encoder) error) error {
	scratch := chunkPool.Get()
	defer chunkPool.Put(scratch)

	c := newEncoder(scratch)
	if err := fn(c); err != nil {
		return err
	}

	if uint64(c.buf.Len()) > math.MaxUint32 {
		return fmt.Errorf("chunk of %d bytes exceeds field size", c.buf.Len())
	}

	e.u16(kind)
	e.u32(uint32(c.buf.Len()))
	e.buf.Write(c.buf.Bytes())
	return nil
}

func (e *encoder) header() {
	e.buf.Write(magic[:])
	e.u32(0) // crc, reserved
	e.u32(Version)
}

func (e *encoder) config(cfg persist.Config) error {
	return e.chunk(chunkConfig, func(c *encoder) error {
		c.bool(cfg.Shutdown)
		c.u8(dbidSize)
		c.u64(cfg.LastStoreID)
		return nil
	})
}

func (e *encoder) msgStore(m storage.StoredMessage) error {
	return e.chunk(chunkMsgStore, func(c *encoder) error {
		c.u64(m.ID)
		if err := c.str(m.SourceID); err != nil {
			return err
		}
		c.u16(m.SourceMID)
		c.u16(m.MID)
		if err := c.str(m.Topic); err != nil {
			return err
		}
		c.u8(m.Qos)
		c.bool(m.Retain)
		c.u32(uint32(len(m.Payload)))
		c.buf.Write(m.Payload)
		return nil
	})
}

func (e *encoder) retain(id uint64) error {
	return e.chunk(chunkRetain, func(c *encoder) error {
		c.u64(id)
		return nil
	})
}

func (e *encoder) client(s storage.ClientSession) error {
	return e.chunk(chunkClient, func(c *encoder) error {
		if err := c.str(s.ID); err != nil {
			return err
		}
		c.u16(s.LastMID)
		c.u64(uint64(s.DisconnectTime))
		return nil
	})
}

func (e *encoder) subscription(s storage.Subscription) error {
	return e.chunk(chunkSub, func(c *encoder) error {
		if err := c.str(s.Client); err != nil {
			return err
		}
		if err := c.str(s.Filter); err != nil {
			return err
		}
		c.u8(s.Qos)
		return nil
	})
}

func (e *encoder) clientMsg(m storage.ClientMessage) error {
	return e.chunk(chunkClientMsg, func(c *encoder) error {
		if err := c.str(m.Client); err != nil {
			return err
		}
		c.u64(m.StoreID)
		c.u16(m.MID)
		c.u8(m.Qos)
		c.bool(m.Retain)
		c.u8(byte(m.Direction))
		c.u8(byte(m.State))
		c.bool(m.Dup)
		return nil
	})
}

// decoder reads big-endian fields from a chunk payload. The first short read is
// kept in err and every later read returns zero values.
type decoder struct {
	buf []byte
	pos int
	err error
}

func (d *decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}

	if n < 0 || d.pos+n > len(d.buf) {
		d.err = fmt.Errorf("%w: %v", persist.ErrCorruption, io.ErrUnexpectedEOF)
		return nil
	}

	b := d.buf[d.pos : d.pos+n]
	d.pos += n
	return b
}

func (d *decoder) u8() byte {
	if b := d.take(1); b != nil {
		return b[0]
	}
	return 0
}

func (d *decoder) u16() uint16 {
	if b := d.take(2); b != nil {
		return binary.BigEndian.Uint16(b)
	}
	return 0
}

func (d *decoder) u32() uint32 {
	if b := d.take(4); b != nil {
		return binary.BigEndian.Uint32(b)
	}
	return 0
}

func (d *decoder) u64() uint64 {
	if b := d.take(8); b != nil {
		return binary.BigEndian.Uint64(b)
	}
	return 0
}

func (d *decoder) str() string {
	n := d.u16()
	return string(d.take(int(n)))
}

func (d *decoder) bytes(n int) []byte {
	b := d.take(n)
	if b == nil {
		return nil
	}
	out := make([]byte, n)
	copy(out, b)
	return out
}

// corrupt sets a corruption error if none is already held.
func (d *decoder) corrupt(format string, a ...any) {
	if d.err == nil {
		d.err = fmt.Errorf("%w: %s", persist.ErrCorruption, fmt.Sprintf(format, a...))
	}
}

func decodeConfig(d *decoder) persist.Config {
	cfg := persist.Config{Shutdown: d.u8() != 0}
	if size := d.u8(); d.err == nil && size != dbidSize {
		d.corrupt("incompatible database configuration (dbid size is %d bytes, expected %d)", size, dbidSize)
		return cfg
	}
	cfg.LastStoreID = d.u64()
	return cfg
}

func decodeMsgStore(d *decoder) storage.StoredMessage {
	m := storage.StoredMessage{
		ID:        d.u64(),
		SourceID:  d.str(),
		SourceMID: d.u16(),
		MID:       d.u16(),
		Topic:     d.str(),
		Qos:       d.u8(),
		Retain:    d.u8() != 0,
	}

	m.Payload = d.bytes(int(d.u32()))
	if d.err == nil && m.Topic == "" {
		d.corrupt("invalid msg_store chunk: empty topic")
	}

	return m
}

func decodeRetain(d *decoder) uint64 {
	return d.u64()
}

func decodeClient(d *decoder, version uint32, now int64) storage.ClientSession {
	s := storage.ClientSession{
		ID:      d.str(),
		LastMID: d.u16(),
	}

	if version == 2 {
		s.DisconnectTime = now
	} else {
		s.DisconnectTime = int64(d.u64())
	}

	if d.err == nil && s.ID == "" {
		d.corrupt("invalid client chunk: empty client id")
	}

	return s
}

func decodeSubscription(d *decoder) storage.Subscription {
	return storage.Subscription{
		Client: d.str(),
		Filter: d.str(),
		Qos:    d.u8(),
	}
}

func decodeClientMsg(d *decoder) storage.ClientMessage {
	m := storage.ClientMessage{
		Client:    d.str(),
		StoreID:   d.u64(),
		MID:       d.u16(),
		Qos:       d.u8(),
		Retain:    d.u8() != 0,
		Direction: storage.Direction(d.u8()),
		State:     storage.DeliveryState(d.u8()),
		Dup:       d.u8() != 0,
	}

	if d.err == nil && m.Client == "" {
		d.corrupt("invalid client_msg chunk: empty client id")
	}

	return m
}

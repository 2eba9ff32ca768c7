// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package mqtt

import (
	"bytes"
	"errors"
	"sync"
	"syscall"
	"testing"

	"github.com/mochi-mqtt/durable/packets"
	"github.com/mochi-mqtt/durable/system"
	"github.com/stretchr/testify/require"
)

// sink accepts at most limit bytes per write, and at most budget bytes in total
// before reporting would-block. A negative budget is unlimited.
type sink struct {
	bytes.Buffer
	limit  int
	budget int
	err    error
}

func (s *sink) Write(p []byte) (int, error) {
	if s.err != nil {
		return 0, s.err
	}

	n := len(p)
	if s.limit > 0 && n > s.limit {
		n = s.limit
	}

	if s.budget >= 0 {
		if s.budget == 0 {
			return 0, packets.ErrWouldBlock
		}
		if n > s.budget {
			n = s.budget
		}
		s.budget -= n
	}

	return s.Buffer.Write(p[:n])
}

func newPacket(t *testing.T, command byte, payload string) *packets.Buffer {
	t.Helper()
	buf, err := packets.NewBuffer(command, uint32(len(payload)))
	require.NoError(t, err)
	require.NoError(t, buf.WriteBytes([]byte(payload)))
	return buf
}

func TestQueueEnqueue(t *testing.T) {
	q := new(Queue)
	require.Equal(t, 0, q.Len())
	require.NoError(t, q.Enqueue(newPacket(t, packets.Pingresp<<4, "")))
	require.NoError(t, q.Enqueue(newPacket(t, packets.Pingresp<<4, "")))
	require.Equal(t, 2, q.Len())
}

func TestQueueDrainFIFO(t *testing.T) {
	a := newPacket(t, packets.Publish<<4, "aaaa")
	b := newPacket(t, packets.Puback<<4, "bb")
	c := newPacket(t, packets.Publish<<4, "cccccc")

	var want []byte
	q := new(Queue)
	for _, pk := range []*packets.Buffer{a, b, c} {
		require.NoError(t, q.Enqueue(pk))
		want = append(want, pk.Bytes()...)
	}

	dst := &sink{limit: 1, budget: -1}
	require.NoError(t, q.Drain(dst))
	require.Equal(t, want, dst.Bytes())
	require.Equal(t, 0, q.Len())
}

func TestQueueDrainResume(t *testing.T) {
	info := new(system.Info)
	var sent []byte
	q := &Queue{
		Info:   info,
		OnSent: func(buf *packets.Buffer) { sent = append(sent, buf.Type()) },
	}

	a := newPacket(t, packets.Publish<<4, "hello")
	b := newPacket(t, packets.Pingresp<<4, "")
	require.NoError(t, q.Enqueue(a))
	require.NoError(t, q.Enqueue(b))

	dst := &sink{budget: 3}
	require.NoError(t, q.Drain(dst))
	require.Equal(t, 2, q.Len())
	require.Empty(t, sent)
	require.Equal(t, int64(3), info.BytesSent)

	dst.budget = 4
	require.NoError(t, q.Drain(dst))
	require.Equal(t, 1, q.Len())
	require.Equal(t, []byte{packets.Publish}, sent)

	dst.budget = -1
	require.NoError(t, q.Drain(dst))
	require.Equal(t, 0, q.Len())
	require.Equal(t, []byte{packets.Publish, packets.Pingresp}, sent)
	require.Equal(t, append(append([]byte{}, a.Bytes()...), b.Bytes()...), dst.Bytes())

	require.Equal(t, int64(len(a.Bytes())+len(b.Bytes())), info.BytesSent)
	require.Equal(t, int64(2), info.PacketsSent)
	require.Equal(t, int64(1), info.MessagesSent)
}

func TestQueueDrainEmpty(t *testing.T) {
	q := new(Queue)
	require.NoError(t, q.Drain(&sink{budget: -1}))
}

func TestQueueDrainError(t *testing.T) {
	q := new(Queue)
	require.NoError(t, q.Enqueue(newPacket(t, packets.Pingresp<<4, "")))

	err := q.Drain(&sink{err: syscall.ECONNRESET})
	require.ErrorIs(t, err, ErrConnectionClosed)
	require.Equal(t, 1, q.Len())

	fail := errors.New("test")
	err = q.Drain(&sink{err: fail})
	require.ErrorIs(t, err, fail)
}

func TestQueueDrainInterrupted(t *testing.T) {
	q := new(Queue)
	require.NoError(t, q.Enqueue(newPacket(t, packets.Pingresp<<4, "")))
	require.NoError(t, q.Drain(&sink{err: syscall.EINTR}))
	require.Equal(t, 1, q.Len())
}

func TestQueueDiscard(t *testing.T) {
	q := new(Queue)
	require.NoError(t, q.Enqueue(newPacket(t, packets.Pingresp<<4, "")))
	require.NoError(t, q.Enqueue(newPacket(t, packets.Pingresp<<4, "")))

	require.Equal(t, 2, q.Discard())
	require.Equal(t, 0, q.Len())
	require.ErrorIs(t, q.Enqueue(newPacket(t, packets.Pingresp<<4, "")), ErrConnectionClosed)

	dst := &sink{budget: -1}
	require.NoError(t, q.Drain(dst))
	require.Equal(t, 0, dst.Len())
}

func TestQueueDiscardWhileWriting(t *testing.T) {
	q := new(Queue)
	require.NoError(t, q.Enqueue(newPacket(t, packets.Publish<<4, "abcdef")))

	dst := &sink{budget: 2}
	require.NoError(t, q.Drain(dst))
	q.Discard()
	require.Equal(t, 0, q.Len())

	dst.budget = -1
	require.NoError(t, q.Drain(dst))
	require.Equal(t, 2, dst.Len())
}

func TestQueueConcurrentEnqueue(t *testing.T) {
	q := new(Queue)
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_ = q.Enqueue(newPacket(t, packets.Pingresp<<4, ""))
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 1000, q.Len())
	dst := &sink{budget: -1}
	require.NoError(t, q.Drain(dst))
	require.Equal(t, 2000, dst.Len())
}

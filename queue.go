// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package mqtt

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"github.com/mochi-mqtt/durable/packets"
	"github.com/mochi-mqtt/durable/system"
)

// outgoing is a framed packet waiting in a Queue, with its write cursor.
type outgoing struct {
	buf  *packets.Buffer
	pos  int
	next *outgoing
}

// Queue is a FIFO of framed outgoing packets for one connection. Packets may be
// enqueued from any goroutine; Drain must only be called from one goroutine at
// a time. The lock is held only while the list is spliced.
type Queue struct {
	mu     sync.Mutex
	head   *outgoing
	tail   *outgoing
	count  int
	closed bool

	Info   *system.Info              // counters to update, optional
	OnSent func(buf *packets.Buffer) // called after a packet has been written in full
}

// Enqueue appends a packet to the tail of the queue.
func (q *Queue) Enqueue(buf *packets.Buffer) error {
	o := &outgoing{buf: buf}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrConnectionClosed
	}

	if q.tail == nil {
		q.head = o
	} else {
		q.tail.next = o
	}
	q.tail = o
	q.count++

	return nil
}

// Len returns the number of packets waiting, including one partially written.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// peek returns the packet at the head of the queue.
func (q *Queue) peek() *outgoing {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.head
}

// pop removes the packet at the head of the queue.
func (q *Queue) pop(o *outgoing) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.head != o {
		return // discarded while being written
	}

	q.head = o.next
	if q.head == nil {
		q.tail = nil
	}
	q.count--
}

// Drain writes queued packets to dst in order until the queue is empty or dst
// would block. A short write keeps the packet's position for the next call.
// Would-block conditions return nil; connection errors are returned.
func (q *Queue) Drain(dst io.Writer) error {
	for {
		o := q.peek()
		if o == nil {
			return nil
		}

		data := o.buf.Bytes()
		for o.pos < len(data) {
			n, err := dst.Write(data[o.pos:])
			if n > 0 {
				o.pos += n
				if q.Info != nil {
					atomic.AddInt64(&q.Info.BytesSent, int64(n))
				}
			}

			if err != nil {
				err = classify(err)
				if errors.Is(err, packets.ErrWouldBlock) {
					return nil
				}
				return err
			}

			if n == 0 {
				return nil
			}
		}

		q.pop(o)
		if q.Info != nil {
			atomic.AddInt64(&q.Info.PacketsSent, 1)
			if o.buf.Type() == packets.Publish {
				atomic.AddInt64(&q.Info.MessagesSent, 1)
			}
		}

		if q.OnSent != nil {
			q.OnSent(o.buf)
		}
	}
}

// Discard drops every queued packet and refuses further packets.
func (q *Queue) Discard() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := q.count
	q.head = nil
	q.tail = nil
	q.count = 0
	q.closed = true
	return n
}

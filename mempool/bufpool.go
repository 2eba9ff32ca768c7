// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

// Package mempool provides pools of reusable byte buffers.
package mempool

import (
	"bytes"
	"sync"
)

// BufferPool is a pool of bytes buffers.
type BufferPool interface {
	Get() *bytes.Buffer
	Put(x *bytes.Buffer)
}

// Pool is a BufferPool which drops buffers grown beyond a maximum capacity, so
// that one large snapshot does not pin its memory for the life of the process.
type Pool struct {
	pool sync.Pool
	max  int // no limit if <= 0
}

// NewBuffer returns a buffer pool keeping buffers with a capacity of at most max bytes.
func NewBuffer(max int) *Pool {
	p := &Pool{max: max}
	p.pool.New = func() any {
		return new(bytes.Buffer)
	}
	return p
}

// Get takes an empty Buffer from the pool.
func (p *Pool) Get() *bytes.Buffer {
	return p.pool.Get().(*bytes.Buffer)
}

// Put resets a Buffer and returns it to the pool, unless it exceeds the maximum capacity.
func (p *Pool) Put(x *bytes.Buffer) {
	if p.max > 0 && x.Cap() > p.max {
		return
	}

	x.Reset()
	p.pool.Put(x)
}
